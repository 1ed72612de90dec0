package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/issdata/telemetry-stack/common/httputil"
	"github.com/issdata/telemetry-stack/common/messaging"
	"github.com/issdata/telemetry-stack/common/middleware"
	"github.com/issdata/telemetry-stack/ingest/internal/delivery"
	"github.com/issdata/telemetry-stack/ingest/internal/itemstats"
	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
	"github.com/issdata/telemetry-stack/ingest/internal/ratelimit"
	"github.com/issdata/telemetry-stack/ingest/internal/reliability"
)

// IngestService is the part of the ingest service the HTTP surface needs.
type IngestService interface {
	Submit(ctx context.Context, payload []byte) models.SubmitResult
	Delivery(eventID string) (delivery.Delivery, bool)
	GetStats() models.IngestionStats
	BreakerSnapshot() reliability.BreakerSnapshot
	FeedState() string
	Live() bool
	Ready() bool
	SetHealthFail(fail bool)
	HealthFailed() bool
}

// DeadLetterStats reports dead-letter stream state.
type DeadLetterStats interface {
	Stats(ctx context.Context) map[string]interface{}
}

// OutageLister lists recorded feed outages.
type OutageLister interface {
	ListOutages(ctx context.Context, limit int) ([]itemstats.OutageRecord, error)
}

// ItemStatsReader returns per-item counters.
type ItemStatsReader interface {
	GetStats(ctx context.Context, itemID string) (*itemstats.Stats, error)
}

// Options wires optional collaborators into the handler.
type Options struct {
	Version         string
	MaxPayloadBytes int64
	RateLimiter     ratelimit.RateLimiter
	DeadLetters     DeadLetterStats
	Outages         OutageLister
	Items           ItemStatsReader
	// Bus, when set, adds a broker connectivity probe to /readyz.
	Bus    messaging.Producer
	Logger *slog.Logger
}

// TelemetryHandler serves submissions, delivery lookups, health and admin
// endpoints.
type TelemetryHandler struct {
	service IngestService
	opts    Options
	started time.Time
	logger  *slog.Logger
}

func NewTelemetryHandler(service IngestService, opts Options) *TelemetryHandler {
	if opts.RateLimiter == nil {
		opts.RateLimiter = &ratelimit.NoOpRateLimiter{}
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelemetryHandler{
		service: service,
		opts:    opts,
		started: time.Now(),
		logger:  logger,
	}
}

// Submit accepts one telemetry payload.
//
//	201 enqueued
//	400 validation rejected
//	413 payload too large
//	429 backpressure or rate limit
//	503 shutting down
func (h *TelemetryHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := httputil.ClientHost(r)

	allowed, err := h.opts.RateLimiter.Allow(ctx, clientIP)
	if err != nil {
		// fail open
		h.logger.Warn("rate limiter unavailable",
			slog.String("request_id", middleware.GetRequestID(ctx)),
			slog.String("error", err.Error()))
	} else if !allowed {
		metrics.RateLimitHits.WithLabelValues("submit").Inc()
		w.Header().Set("Retry-After", "1")
		httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := httputil.ReadBody(r, h.opts.MaxPayloadBytes)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		writeResult(w, http.StatusRequestEntityTooLarge, models.SubmitResult{
			Status: models.StatusValidationRejected,
			Reason: "payload_too_large",
		})
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	res := h.service.Submit(ctx, body)
	switch res.Status {
	case models.StatusEnqueued:
		w.Header().Set("Location", "/v1/telemetry/"+res.EventID)
		writeResult(w, http.StatusCreated, res)
	case models.StatusValidationRejected:
		writeResult(w, http.StatusBadRequest, res)
	case models.StatusBackpressureFull:
		w.Header().Set("Retry-After", "1")
		writeResult(w, http.StatusTooManyRequests, res)
	case models.StatusShuttingDown:
		writeResult(w, http.StatusServiceUnavailable, res)
	default:
		h.logger.Error("unexpected submit status",
			slog.String("request_id", middleware.GetRequestID(ctx)),
			slog.String("status", string(res.Status)))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeResult(w http.ResponseWriter, status int, res models.SubmitResult) {
	httputil.WriteJSON(w, status, res)
}

// GetDelivery reports the delivery status of a submitted event.
func (h *TelemetryHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("event_id")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "event_id is required")
		return
	}
	d, ok := h.service.Delivery(id)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown event_id")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

// Health reports liveness. The process is unhealthy once shutdown begins or
// an operator forces a failure; a non-closed breaker or a disconnected feed
// only degrades it.
func (h *TelemetryHandler) Health(w http.ResponseWriter, r *http.Request) {
	breaker := h.service.BreakerSnapshot()
	feedState := h.service.FeedState()

	status, code := "healthy", http.StatusOK
	switch {
	case !h.service.Live():
		status, code = "unhealthy", http.StatusServiceUnavailable
	case breaker.State != reliability.StateClosed,
		feedState != "subscribed" && feedState != "disabled":
		status = "degraded"
	}

	httputil.WriteJSON(w, code, map[string]interface{}{
		"status":         status,
		"version":        h.opts.Version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"feed_state":     feedState,
		"breaker":        breaker,
		"forced_fail":    h.service.HealthFailed(),
	})
}

// Ready reports whether the service accepts work.
func (h *TelemetryHandler) Ready(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ready",
		"stats":  h.service.GetStats(),
	}
	if h.opts.Bus != nil {
		body["bus"] = messaging.CheckProducerHealth(r.Context(), h.opts.Bus)
	}
	if !h.service.Ready() {
		body["status"] = "not_ready"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

// Info is the root endpoint.
func (h *TelemetryHandler) Info(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httputil.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"service": "telemetry-ingest",
		"version": h.opts.Version,
		"stats":   h.service.GetStats(),
		"endpoints": []string{
			"POST /v1/telemetry",
			"GET /v1/telemetry/{event_id}",
			"GET /v1/items/{item_id}/stats",
			"GET /healthz",
			"GET /readyz",
			"GET /metrics",
		},
	})
}

// ItemStats returns Redis-backed counters for one item.
func (h *TelemetryHandler) ItemStats(w http.ResponseWriter, r *http.Request) {
	if h.opts.Items == nil {
		httputil.WriteError(w, http.StatusNotFound, "item stats are disabled")
		return
	}
	stats, err := h.opts.Items.GetStats(r.Context(), r.PathValue("item_id"))
	if err != nil {
		h.logger.Error("failed to load item stats",
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.String("error", err.Error()))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load item stats")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// ForceFail makes Health report unhealthy until Recover is called.
func (h *TelemetryHandler) ForceFail(w http.ResponseWriter, r *http.Request) {
	h.service.SetHealthFail(true)
	h.logger.Warn("health forced to fail", slog.String("request_id", middleware.GetRequestID(r.Context())))
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"forced_fail": true})
}

// Recover clears a forced health failure.
func (h *TelemetryHandler) Recover(w http.ResponseWriter, r *http.Request) {
	h.service.SetHealthFail(false)
	h.logger.Info("health failure cleared", slog.String("request_id", middleware.GetRequestID(r.Context())))
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"forced_fail": false})
}

// DeadLetterStats reports the dead-letter stream.
func (h *TelemetryHandler) DeadLetterStats(w http.ResponseWriter, r *http.Request) {
	if h.opts.DeadLetters == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.opts.DeadLetters.Stats(r.Context()))
}

// Outages lists recent feed outages, newest first.
func (h *TelemetryHandler) Outages(w http.ResponseWriter, r *http.Request) {
	if h.opts.Outages == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"outages": []itemstats.OutageRecord{}})
		return
	}
	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), 100)
	if limit < 1 || limit > 1000 {
		httputil.WriteError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	outages, err := h.opts.Outages.ListOutages(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list outages", slog.String("error", err.Error()))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list outages")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"outages": outages})
}
