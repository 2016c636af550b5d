package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"message-coalescer/internal/api"
	"message-coalescer/internal/domain"
	"message-coalescer/internal/usecase"
)

// maxBodyBytes caps webhook bodies; media arrives by reference, not inline.
const maxBodyBytes = 1 << 20

type Ingester interface {
	Ingest(ctx context.Context, key domain.ConversationKey, msg domain.Message) (usecase.IngestOutcome, error)
}

type StatusReader interface {
	Status(ctx context.Context, key domain.ConversationKey) (domain.WindowStatus, bool, error)
	List(ctx context.Context) ([]domain.WindowStatus, error)
}

type Handler struct {
	ingest Ingester
	status StatusReader
	logger *slog.Logger
}

func NewHandler(ingest Ingester, status StatusReader, logger *slog.Logger) (*Handler, error) {
	if ingest == nil {
		return nil, errors.New("httpapi: ingester must not be nil")
	}
	if status == nil {
		return nil, errors.New("httpapi: status reader must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ingest: ingest, status: status, logger: logger}, nil
}

// NewRouter wires the service-mode HTTP API.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "apikey", api.CorrelationHeader},
		ExposedHeaders: []string{api.CorrelationHeader},
	}))
	r.Use(correlation)

	r.Post("/webhook", h.HandleWebhook)
	r.Get("/status", h.HandleList)
	r.Get("/status/{instance}/{phone}", h.HandleStatus)
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	return r
}

type ctxKey struct{}

func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := api.CorrelationID(r.Header.Get(api.CorrelationHeader))
		w.Header().Set(api.CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		id := correlationID(r)
		h.logger.Error("webhook body over limit, message not ingested",
			"path", r.URL.Path, "correlation_id", id, "limit_bytes", tooLarge.Limit, "alert", true)
		writeJSON(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{Error: "PAYLOAD_TOO_LARGE", CorrelationID: id})
		return
	}
	if err != nil {
		h.writeError(w, r, api.ErrInvalidPayload)
		return
	}
	in, err := api.ParseEvolution(body)
	if errors.Is(err, api.ErrIgnored) {
		writeJSON(w, http.StatusOK, api.IngestResponse{Status: api.StatusIgnored})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.ingest.Ingest(r.Context(), in.Key, in.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewIngestResponse(out))
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	key, err := domain.NewConversationKey(chi.URLParam(r, "instance"), chi.URLParam(r, "phone"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: string(usecase.ErrorInvalidInput), CorrelationID: correlationID(r)})
		return
	}
	st, found, err := h.status.Status(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "NOT_FOUND", CorrelationID: correlationID(r)})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	windows, err := h.status.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusListResponse{Windows: windows})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := api.StatusFor(err)
	body.CorrelationID = correlationID(r)
	if status >= 500 {
		h.logger.Error("request failed", "path", r.URL.Path, "correlation_id", body.CorrelationID, "err", err)
	} else {
		h.logger.Warn("request rejected", "path", r.URL.Path, "correlation_id", body.CorrelationID, "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
