package handlers

import (
	"context"
	"net/http"

	"github.com/telhawk-systems/tracksync/common/httputil"
	"github.com/telhawk-systems/tracksync/tracking/internal/service"
)

// HealthChecker reports dependency health.
type HealthChecker interface {
	Check(ctx context.Context) service.HealthReport
}

// HealthHandler serves /healthz.
type HealthHandler struct {
	health HealthChecker
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(health HealthChecker) *HealthHandler {
	return &HealthHandler{health: health}
}

// Health returns 200 while the service can accept events, 503 when a
// critical dependency is down.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == service.StatusDown {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, report)
}
