package agent

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoAnswer is returned when every answer stage finished without text and
// the upstream never signalled asynchronous processing.
var ErrNoAnswer = errors.New("agent: no answer in response")

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// SessionCreateError reports that a conversation could not be opened.
type SessionCreateError struct {
	Payload string
	Err     error
}

func (e *SessionCreateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent: create conversation: %v", e.Err)
	}
	return fmt.Sprintf("agent: create conversation: response missing conversation_id: %s", e.Payload)
}

func (e *SessionCreateError) Unwrap() error { return e.Err }

// NetworkError wraps a transport failure of a single call.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("agent: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusCode returns the upstream status when the transport reported one.
func (e *NetworkError) HTTPStatusCode() int {
	var sc httpStatusCoder
	if errors.As(e.Err, &sc) {
		return sc.HTTPStatusCode()
	}
	return 0
}

// StreamDecodeError reports one undecodable stream line. It never aborts the stream.
type StreamDecodeError struct {
	Line string
	Err  error
}

func (e *StreamDecodeError) Error() string {
	return fmt.Sprintf("agent: decode stream line %q: %v", e.Line, e.Err)
}

func (e *StreamDecodeError) Unwrap() error { return e.Err }

// PollTimeoutError reports that polling exhausted its attempt budget.
type PollTimeoutError struct {
	Attempts int
	Elapsed  time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("agent: no answer after %d poll attempts (%s)", e.Attempts, e.Elapsed.Round(time.Millisecond))
}
