package usecase

import (
	"fmt"
	"strings"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// MalformedRecommendationError reports answer text that holds no usable
// recommendation object.
type MalformedRecommendationError struct {
	Snippet string
	Err     error
}

func (e *MalformedRecommendationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("usecase: no recommendation object in answer: %q", e.Snippet)
	}
	return fmt.Sprintf("usecase: malformed recommendation: %v: %q", e.Err, e.Snippet)
}

func (e *MalformedRecommendationError) Unwrap() error { return e.Err }

// UnknownDepartmentError reports a recommended id absent from the reference list.
type UnknownDepartmentError struct {
	ID    int
	Known []int
}

func (e *UnknownDepartmentError) Error() string {
	known := make([]string, 0, len(e.Known))
	for _, id := range e.Known {
		known = append(known, fmt.Sprint(id))
	}
	return fmt.Sprintf("usecase: recommended department %d not in reference list [%s]", e.ID, strings.Join(known, ","))
}
