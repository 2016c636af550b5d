package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"message-coalescer/internal/domain"
	"message-coalescer/internal/usecase"
)

const CorrelationHeader = "X-Correlation-Id"

type ErrorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Ingest statuses reported to the webhook caller.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

type IngestResponse struct {
	Status   string     `json:"status"`
	Seq      int64      `json:"seq,omitempty"`
	WindowID string     `json:"windowId,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

func NewIngestResponse(out usecase.IngestOutcome) IngestResponse {
	if out.Duplicate {
		return IngestResponse{Status: StatusDuplicate, Seq: out.Seq, WindowID: out.WindowID}
	}
	resp := IngestResponse{Status: StatusAccepted, Seq: out.Seq, WindowID: out.WindowID}
	if !out.Deadline.IsZero() {
		d := out.Deadline
		resp.Deadline = &d
	}
	return resp
}

type StatusListResponse struct {
	Windows []domain.WindowStatus `json:"windows"`
}

// StatusFor maps an error to the HTTP status and error code returned to
// callers. Failures that a redelivery can fix answer 5xx so the gateway
// retries the webhook.
func StatusFor(err error) (int, ErrorResponse) {
	if errors.Is(err, ErrInvalidPayload) {
		return http.StatusBadRequest, ErrorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_payload"}
	}
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, ErrorResponse{Error: string(usecase.ErrorInternal)}
	}
	resp := ErrorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, resp
	case usecase.ErrorStoreUnavailable, usecase.ErrorContention, usecase.ErrorScheduleFailed:
		return http.StatusServiceUnavailable, resp
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

// CorrelationID returns the caller's id or a fresh one.
func CorrelationID(provided string) string {
	if v := strings.TrimSpace(provided); v != "" {
		return v
	}
	return uuid.NewString()
}
