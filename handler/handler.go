package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"triage-agent/internal/domain"
	"triage-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// TriageUseCase is the subset of usecase.TriageService the routes need.
type TriageUseCase interface {
	Triage(ctx context.Context, in usecase.TriageRequest) (domain.Recommendation, error)
	SuggestDoctors(ctx context.Context, in usecase.DoctorRequest) ([]domain.DoctorRecommendation, error)
	Popular(ctx context.Context) []string
}

type Handler struct {
	uc     TriageUseCase
	logger *slog.Logger
}

func NewHandler(uc TriageUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

type departmentRequest struct {
	Symptoms  string `json:"symptoms"`
	PatientID string `json:"patient_id"`
}

type doctorRequest struct {
	DepartmentID int    `json:"department_id"`
	Symptoms     string `json:"symptoms"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle routes an API Gateway proxy request. Errors are always rendered as
// responses; the returned error is reserved for the Lambda runtime.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", corrID, "method", req.HTTPMethod, "path", req.Path)

	path := strings.TrimSuffix(strings.TrimPrefix(req.Path, "/api"), "/")
	switch {
	case req.HTTPMethod == http.MethodPost && path == "/pre-triage/recommend-department":
		return h.recommendDepartment(ctx, log, corrID, req.Body), nil
	case req.HTTPMethod == http.MethodPost && path == "/pre-triage/recommend-doctor":
		return h.recommendDoctor(ctx, log, corrID, req.Body), nil
	case req.HTTPMethod == http.MethodGet && path == "/symptoms/popular":
		return jsonResponse(http.StatusOK, corrID, h.uc.Popular(ctx)), nil
	case req.HTTPMethod == http.MethodGet && path == "/health":
		return jsonResponse(http.StatusOK, corrID, healthResponse{Status: "ok", Message: "AI 预问诊服务运行正常"}), nil
	default:
		log.Warn("route not found")
		return jsonResponse(http.StatusNotFound, corrID, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"}), nil
	}
}

func (h *Handler) recommendDepartment(ctx context.Context, log *slog.Logger, corrID, body string) events.APIGatewayProxyResponse {
	var in departmentRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		log.Warn("invalid request body", "err", err)
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	}
	out, err := h.uc.Triage(ctx, usecase.TriageRequest{Symptoms: in.Symptoms, PatientID: in.PatientID})
	if err != nil {
		return h.renderError(log, corrID, err)
	}
	log.Info("department recommended", "department_id", out.Department.ID, "fallback", out.Fallback)
	return jsonResponse(http.StatusOK, corrID, out)
}

func (h *Handler) recommendDoctor(ctx context.Context, log *slog.Logger, corrID, body string) events.APIGatewayProxyResponse {
	var in doctorRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		log.Warn("invalid request body", "err", err)
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	}
	out, err := h.uc.SuggestDoctors(ctx, usecase.DoctorRequest{DepartmentID: in.DepartmentID, Symptoms: in.Symptoms})
	if err != nil {
		return h.renderError(log, corrID, err)
	}
	if out == nil {
		out = []domain.DoctorRecommendation{}
	}
	log.Info("doctors recommended", "count", len(out))
	return jsonResponse(http.StatusOK, corrID, out)
}

func (h *Handler) renderError(log *slog.Logger, corrID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		log.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorNotFound:
		status = http.StatusNotFound
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		log.Warn("request rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return jsonResponse(status, corrID, errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason})
}

func jsonResponse(status int, corrID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}

// headerValue looks a header up case-insensitively.
func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
