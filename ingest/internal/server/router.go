package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/issdata/telemetry-stack/common/middleware"
	"github.com/issdata/telemetry-stack/ingest/internal/handlers"
)

// NewRouter constructs a ServeMux with ingest API routes registered.
func NewRouter(h *handlers.TelemetryHandler) http.Handler {
	mux := http.NewServeMux()

	// Submission API
	mux.HandleFunc("POST /v1/telemetry", h.Submit)
	mux.HandleFunc("GET /v1/telemetry/{event_id}", h.GetDelivery)
	mux.HandleFunc("GET /v1/items/{item_id}/stats", h.ItemStats)

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Operator endpoints
	mux.HandleFunc("POST /admin/health/fail", h.ForceFail)
	mux.HandleFunc("POST /admin/health/recover", h.Recover)
	mux.HandleFunc("GET /admin/dlq", h.DeadLetterStats)
	mux.HandleFunc("GET /admin/outages", h.Outages)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /{$}", h.Info)

	return middleware.RequestID(mux)
}
