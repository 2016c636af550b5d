package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"message-coalescer/internal/api"
	"message-coalescer/internal/domain"
	"message-coalescer/internal/usecase"
)

type Ingester interface {
	Ingest(ctx context.Context, key domain.ConversationKey, msg domain.Message) (usecase.IngestOutcome, error)
}

type StatusReader interface {
	Status(ctx context.Context, key domain.ConversationKey) (domain.WindowStatus, bool, error)
	List(ctx context.Context) ([]domain.WindowStatus, error)
}

// Handler serves the API Gateway routes: the WhatsApp webhook and the
// operational status view.
type Handler struct {
	ingest Ingester
	status StatusReader
	logger *slog.Logger
}

func NewHandler(ingest Ingester, status StatusReader, logger *slog.Logger) (*Handler, error) {
	if ingest == nil {
		return nil, errors.New("handler: ingester must not be nil")
	}
	if status == nil {
		return nil, errors.New("handler: status reader must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ingest: ingest, status: status, logger: logger}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := api.CorrelationID(headerValue(req.Headers, api.CorrelationHeader))
	log := h.logger.With("correlation_id", correlationID)

	switch {
	case req.HTTPMethod == http.MethodPost && strings.HasSuffix(req.Path, "/webhook"):
		return h.webhook(ctx, log, correlationID, req)
	case req.HTTPMethod == http.MethodGet && req.PathParameters["instance"] != "":
		return h.conversationStatus(ctx, log, correlationID, req.PathParameters["instance"], req.PathParameters["phone"])
	case req.HTTPMethod == http.MethodGet && strings.HasSuffix(req.Path, "/status"):
		return h.listStatus(ctx, log, correlationID)
	}
	return jsonResponse(http.StatusNotFound, correlationID, api.ErrorResponse{Error: "NOT_FOUND", CorrelationID: correlationID}), nil
}

func (h *Handler) webhook(ctx context.Context, log *slog.Logger, correlationID string, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	in, err := api.ParseEvolution([]byte(req.Body))
	if errors.Is(err, api.ErrIgnored) {
		return jsonResponse(http.StatusOK, correlationID, api.IngestResponse{Status: api.StatusIgnored}), nil
	}
	if err != nil {
		return h.errorResponse(log, correlationID, err), nil
	}

	out, err := h.ingest.Ingest(ctx, in.Key, in.Message)
	if err != nil {
		return h.errorResponse(log.With("key", in.Key.String(), "message_id", in.Message.ID), correlationID, err), nil
	}
	return jsonResponse(http.StatusOK, correlationID, api.NewIngestResponse(out)), nil
}

func (h *Handler) conversationStatus(ctx context.Context, log *slog.Logger, correlationID, instance, phone string) (events.APIGatewayProxyResponse, error) {
	key, err := domain.NewConversationKey(instance, phone)
	if err != nil {
		return jsonResponse(http.StatusBadRequest, correlationID, api.ErrorResponse{Error: string(usecase.ErrorInvalidInput), CorrelationID: correlationID}), nil
	}
	st, found, err := h.status.Status(ctx, key)
	if err != nil {
		return h.errorResponse(log, correlationID, err), nil
	}
	if !found {
		return jsonResponse(http.StatusNotFound, correlationID, api.ErrorResponse{Error: "NOT_FOUND", CorrelationID: correlationID}), nil
	}
	return jsonResponse(http.StatusOK, correlationID, st), nil
}

func (h *Handler) listStatus(ctx context.Context, log *slog.Logger, correlationID string) (events.APIGatewayProxyResponse, error) {
	windows, err := h.status.List(ctx)
	if err != nil {
		return h.errorResponse(log, correlationID, err), nil
	}
	return jsonResponse(http.StatusOK, correlationID, api.StatusListResponse{Windows: windows}), nil
}

func (h *Handler) errorResponse(log *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	status, body := api.StatusFor(err)
	body.CorrelationID = correlationID
	if status >= 500 {
		log.Error("request failed", "err", err, "code", body.Error)
	} else {
		log.Warn("request rejected", "err", err, "code", body.Error)
	}
	return jsonResponse(status, correlationID, body)
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":        "application/json",
			api.CorrelationHeader: correlationID,
		},
		Body: string(raw),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
