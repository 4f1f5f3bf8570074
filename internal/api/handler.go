// Package api exposes the response engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "response-engine/internal/errors"
	"response-engine/internal/queue"
	"response-engine/internal/response"
	"response-engine/internal/schema"
)

// Engine is the part of *response.Engine the handler needs.
type Engine interface {
	Process(ctx context.Context, env *schema.Envelope) (*response.BatchReport, error)
	Action(id string) (*response.SecurityAction, bool)
	History(limit int) []*response.SecurityAction
	Stats() response.EngineStats
	Rollback(ctx context.Context, id string) (*response.SecurityAction, error)
}

// ReportStore looks up reports of asynchronously processed envelopes.
// *pipeline.Processor satisfies it.
type ReportStore interface {
	Report(id uuid.UUID) (*response.BatchReport, bool)
}

// Handler serves the engine API.
type Handler struct {
	engine     Engine
	queue      *queue.RingBuffer
	reports    ReportStore
	validator  *schema.Validator
	gatherer   prometheus.Gatherer
	maxPayload int
	startTime  time.Time
	logger     *slog.Logger
}

// NewHandler creates a handler. q and reports may be nil, in which case
// the asynchronous endpoints answer 503.
func NewHandler(engine Engine, q *queue.RingBuffer, reports ReportStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:     engine,
		queue:      q,
		reports:    reports,
		validator:  schema.NewValidator(),
		gatherer:   prometheus.DefaultGatherer,
		maxPayload: 1024 * 1024,
		startTime:  time.Now(),
		logger:     logger.With("component", "api"),
	}
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithGatherer sets the registry served on /metrics.
func (h *Handler) WithGatherer(g prometheus.Gatherer) *Handler {
	h.gatherer = g
	return h
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", h.HandleEvent)
	mux.HandleFunc("POST /v1/events/async", h.HandleEventAsync)
	mux.HandleFunc("GET /v1/reports/{id}", h.GetReport)
	mux.HandleFunc("GET /v1/actions", h.ListActions)
	mux.HandleFunc("GET /v1/actions/{id}", h.GetAction)
	mux.HandleFunc("POST /v1/actions/{id}/rollback", h.RollbackAction)
	mux.HandleFunc("GET /v1/stats", h.GetStats)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// AcceptedResponse is returned by the asynchronous endpoint.
type AcceptedResponse struct {
	Success    bool      `json:"success"`
	EnvelopeID uuid.UUID `json:"envelope_id"`
	RequestID  string    `json:"request_id"`
}

// readEnvelope parses and validates the request body. It writes the error
// response itself and returns nil on failure.
func (h *Handler) readEnvelope(w http.ResponseWriter, r *http.Request, requestID string) *schema.Envelope {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return nil
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return nil
	}

	env, err := schema.ParseEnvelope(body, "api")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request: event must be a non-empty JSON object", requestID)
		return nil
	}
	if err := h.validator.ValidateEnvelope(env); err != nil {
		respondError(w, http.StatusBadRequest, apperrors.SafeErrorMessage(err), requestID)
		return nil
	}
	return env
}

// HandleEvent handles POST /v1/events. The event is assessed and its batch
// executed before the response is written.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	env := h.readEnvelope(w, r, requestID)
	if env == nil {
		return
	}

	report, err := h.engine.Process(r.Context(), env)
	if err != nil {
		h.logger.Error("failed to process event", "envelope_id", env.ID, "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, apperrors.SafeErrorMessage(err), requestID)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// HandleEventAsync handles POST /v1/events/async.
func (h *Handler) HandleEventAsync(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	if h.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "asynchronous processing is disabled", requestID)
		return
	}
	env := h.readEnvelope(w, r, requestID)
	if env == nil {
		return
	}

	if err := h.queue.Push(env); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			status = http.StatusTooManyRequests
		case errors.Is(err, queue.ErrQueueClosed):
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, apperrors.SafeErrorMessage(err), requestID)
		return
	}

	respondJSON(w, http.StatusAccepted, AcceptedResponse{
		Success:    true,
		EnvelopeID: env.ID,
		RequestID:  requestID,
	})
}

// GetReport handles GET /v1/reports/{id}.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	if h.reports == nil {
		respondError(w, http.StatusServiceUnavailable, "asynchronous processing is disabled", requestID)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request: malformed envelope id", requestID)
		return
	}
	report, ok := h.reports.Report(id)
	if !ok {
		respondError(w, http.StatusNotFound, "report not found", requestID)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ListActions handles GET /v1/actions?limit=N.
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid request: limit must be a non-negative integer", uuid.New().String())
			return
		}
		limit = n
	}
	actions := h.engine.History(limit)
	respondJSON(w, http.StatusOK, map[string]any{
		"actions": actions,
		"count":   len(actions),
	})
}

// GetAction handles GET /v1/actions/{id}.
func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	action, ok := h.engine.Action(r.PathValue("id"))
	if !ok {
		respondError(w, http.StatusNotFound, "action not found", uuid.New().String())
		return
	}
	respondJSON(w, http.StatusOK, action)
}

// RollbackAction handles POST /v1/actions/{id}/rollback.
func (h *Handler) RollbackAction(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	action, err := h.engine.Rollback(r.Context(), r.PathValue("id"))
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, response.ErrActionNotFound):
			status = http.StatusNotFound
		case errors.Is(err, response.ErrInvalidTransition), errors.Is(err, response.ErrRollbackUnsupported):
			status = http.StatusConflict
		case errors.Is(err, response.ErrExecutorNotFound):
			status = http.StatusInternalServerError
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("rollback failed", "action_id", r.PathValue("id"), "request_id", requestID, "error", err)
		}
		respondError(w, status, apperrors.SafeErrorMessage(err), requestID)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

// GetStats handles GET /v1/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Stats())
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"active_actions": h.engine.Stats().ActiveActions,
	}

	if h.queue != nil {
		metrics := h.queue.Metrics()
		if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
			resp["status"] = "degraded"
		}
		resp["queue_depth"] = metrics.Depth
		resp["queue_capacity"] = metrics.Capacity
	}

	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
