package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/middleware"
	"github.com/telhawk-systems/tracksync/tracking/internal/auth"
	"github.com/telhawk-systems/tracksync/tracking/internal/handlers"
)

// Routes bundles the handlers served by the tracking API.
type Routes struct {
	Webhooks *handlers.WebhookHandler
	Health   *handlers.HealthHandler
	// Admin is served only when Tokens is set.
	Admin  *handlers.AdminHandler
	Tokens *auth.TokenManager
	Logger *logging.Logger
}

// NewRouter constructs a ServeMux with the tracking API routes registered.
func NewRouter(rt Routes) http.Handler {
	logger := rt.Logger
	if logger == nil {
		logger = logging.Default()
	}
	mux := http.NewServeMux()

	// Inbound webhooks, one channel per source system
	mux.HandleFunc("POST /webhooks/{channel}", rt.Webhooks.HandleWebhook)

	// Health endpoints
	mux.HandleFunc("GET /healthz", rt.Health.Health)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	if rt.Admin != nil && rt.Tokens != nil {
		view := rt.Tokens.Require(auth.RoleViewer, logger)
		admin := rt.Tokens.Require(auth.RoleAdmin, logger)
		a := rt.Admin

		mux.Handle("GET /api/v1/dead-letters", view(http.HandlerFunc(a.ListDeadLetters)))
		mux.Handle("GET /api/v1/dead-letters/stream", view(http.HandlerFunc(a.ListMirroredDeadLetters)))
		mux.Handle("POST /api/v1/dead-letters/{id}/replay", admin(http.HandlerFunc(a.ReplayDeadLetter)))
		mux.Handle("DELETE /api/v1/dead-letters/{id}", admin(http.HandlerFunc(a.DiscardDeadLetter)))
		mux.Handle("GET /api/v1/tasks/{id}", view(http.HandlerFunc(a.GetTask)))
		mux.Handle("GET /api/v1/conflicts", view(http.HandlerFunc(a.ListConflicts)))
		mux.Handle("GET /api/v1/correlations/{id}", view(http.HandlerFunc(a.GetCorrelation)))
		mux.Handle("GET /api/v1/schedule/runs", view(http.HandlerFunc(a.ListRuns)))
		mux.Handle("POST /api/v1/schedule/{tier}/run", admin(http.HandlerFunc(a.RunTier)))
		mux.Handle("GET /api/v1/alerts", view(http.HandlerFunc(a.ListAlerts)))
		mux.Handle("GET /api/v1/quota", view(http.HandlerFunc(a.GetQuota)))
		mux.Handle("GET /api/v1/stats", view(http.HandlerFunc(a.GetStats)))
	}

	var h http.Handler = mux
	h = middleware.AccessLog(logger.Logger)(h)
	h = middleware.Recover(logger.Logger)(h)
	return middleware.RequestID(h)
}
