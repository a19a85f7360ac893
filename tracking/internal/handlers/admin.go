// Package handlers implements the HTTP surface: webhooks, health and the admin API.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/telhawk-systems/tracksync/common/httputil"
	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/tracking/internal/correlation"
	"github.com/telhawk-systems/tracksync/tracking/internal/dlq"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/queue"
	"github.com/telhawk-systems/tracksync/tracking/internal/scheduler"
	"github.com/telhawk-systems/tracksync/tracking/internal/syncengine"
)

// Engine is the sync engine's operator surface.
type Engine interface {
	Task(ctx context.Context, id string) (*models.DeliveryTask, error)
	DeadLetters(ctx context.Context, limit int) ([]*models.DeliveryTask, error)
	Replay(ctx context.Context, id string) (*models.DeliveryTask, error)
	Discard(ctx context.Context, id string) (*models.DeliveryTask, error)
	Stats(ctx context.Context) (*syncengine.Stats, error)
}

// AuditStore reads the Postgres audit trail.
type AuditStore interface {
	ListConflicts(ctx context.Context, logicalKey string, limit int) ([]*models.ConflictRecord, error)
	ListRuns(ctx context.Context, tier models.Tier, limit int) ([]*models.ScheduleRun, error)
}

// Correlations reads correlation groups.
type Correlations interface {
	Timeline(ctx context.Context, id string) (correlation.Group, error)
}

// Scheduler runs tiers on demand.
type Scheduler interface {
	RunNow(ctx context.Context, tier models.Tier) (*models.ScheduleRun, error)
}

// Alerts reads dispatched notifications.
type Alerts interface {
	Recent(ctx context.Context, n int64) ([]models.NotificationAlert, error)
}

// Quota reports remaining analytics store quota.
type Quota interface {
	RemainingQuota(ctx context.Context) (int64, error)
}

// DeadLetterMirror reads the JetStream dead-letter stream.
type DeadLetterMirror interface {
	Stats(ctx context.Context) map[string]interface{}
	List(ctx context.Context, limit int) ([]dlq.FailedTask, error)
}

// AdminDeps are the collaborators of the admin API.
type AdminDeps struct {
	Engine       Engine
	Audit        AuditStore
	Correlations Correlations
	Scheduler    Scheduler
	Alerts       Alerts
	Quota        Quota
	Mirror       DeadLetterMirror
	Logger       *logging.Logger
}

// AdminHandler serves /api/v1.
type AdminHandler struct {
	deps   AdminDeps
	logger *logging.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(deps AdminDeps) *AdminHandler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{deps: deps, logger: logger.Component("admin")}
}

// ListDeadLetters handles GET /api/v1/dead-letters.
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.deps.Engine.DeadLetters(r.Context(), httputil.ParseLimit(r, 50, 500))
	if err != nil {
		h.internal(w, r, "list dead letters", err)
		return
	}
	if tasks == nil {
		tasks = []*models.DeliveryTask{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": tasks, "count": len(tasks)})
}

// ListMirroredDeadLetters handles GET /api/v1/dead-letters/stream.
// Entries stay in the stream after replay or discard, so this is history, not queue state.
func (h *AdminHandler) ListMirroredDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deps.Mirror == nil {
		httputil.WriteError(w, http.StatusNotFound, "mirror_disabled", "dead-letter stream is not enabled")
		return
	}
	entries, err := h.deps.Mirror.List(r.Context(), httputil.ParseLimit(r, 100, 1000))
	if err != nil {
		h.internal(w, r, "read dead-letter stream", err)
		return
	}
	if entries == nil {
		entries = []dlq.FailedTask{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

// ReplayDeadLetter handles POST /api/v1/dead-letters/{id}/replay.
func (h *AdminHandler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	task, err := h.deps.Engine.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		h.taskError(w, r, "replay dead letter", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

// DiscardDeadLetter handles DELETE /api/v1/dead-letters/{id}.
func (h *AdminHandler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	task, err := h.deps.Engine.Discard(r.Context(), r.PathValue("id"))
	if err != nil {
		h.taskError(w, r, "discard dead letter", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *AdminHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.deps.Engine.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		h.taskError(w, r, "get task", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

// ListConflicts handles GET /api/v1/conflicts?key=.
func (h *AdminHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.Audit.ListConflicts(r.Context(), r.URL.Query().Get("key"), httputil.ParseLimit(r, 50, 500))
	if err != nil {
		h.internal(w, r, "list conflicts", err)
		return
	}
	if records == nil {
		records = []*models.ConflictRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"conflicts": records, "count": len(records)})
}

// GetCorrelation handles GET /api/v1/correlations/{id}.
func (h *AdminHandler) GetCorrelation(w http.ResponseWriter, r *http.Request) {
	group, err := h.deps.Correlations.Timeline(r.Context(), r.PathValue("id"))
	if err != nil {
		h.internal(w, r, "read correlation", err)
		return
	}
	if len(group.Events) == 0 {
		httputil.WriteError(w, http.StatusNotFound, "not_found", "no events for correlation id")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, group)
}

// ListRuns handles GET /api/v1/schedule/runs?tier=.
func (h *AdminHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	var tier models.Tier
	if raw := r.URL.Query().Get("tier"); raw != "" {
		t, ok := models.ParseTier(raw)
		if !ok {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_tier", "unknown tier "+raw)
			return
		}
		tier = t
	}
	runs, err := h.deps.Audit.ListRuns(r.Context(), tier, httputil.ParseLimit(r, 50, 500))
	if err != nil {
		h.internal(w, r, "list runs", err)
		return
	}
	if runs == nil {
		runs = []*models.ScheduleRun{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// RunTier handles POST /api/v1/schedule/{tier}/run.
func (h *AdminHandler) RunTier(w http.ResponseWriter, r *http.Request) {
	tier, ok := models.ParseTier(r.PathValue("tier"))
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_tier", "unknown tier "+r.PathValue("tier"))
		return
	}
	run, err := h.deps.Scheduler.RunNow(r.Context(), tier)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTier):
		httputil.WriteError(w, http.StatusNotFound, "no_jobs", err.Error())
		return
	case errors.Is(err, scheduler.ErrTierBusy):
		httputil.WriteError(w, http.StatusConflict, "tier_busy", err.Error())
		return
	case err != nil:
		h.internal(w, r, "run tier", err)
		return
	}
	h.logger.InfoContext(r.Context(), "tier run requested", logging.Tier(string(tier)), "run_id", run.ID)
	httputil.WriteJSON(w, http.StatusOK, run)
}

// ListAlerts handles GET /api/v1/alerts.
func (h *AdminHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.deps.Alerts.Recent(r.Context(), int64(httputil.ParseLimit(r, 50, 1000)))
	if err != nil {
		h.internal(w, r, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []models.NotificationAlert{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

// GetQuota handles GET /api/v1/quota.
func (h *AdminHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	remaining, err := h.deps.Quota.RemainingQuota(r.Context())
	if err != nil {
		h.internal(w, r, "read quota", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"remaining": remaining})
}

// GetStats handles GET /api/v1/stats.
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Engine.Stats(r.Context())
	if err != nil {
		h.internal(w, r, "read stats", err)
		return
	}
	body := map[string]interface{}{"queue": stats}
	if h.deps.Mirror != nil {
		body["deadLetterStream"] = h.deps.Mirror.Stats(r.Context())
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (h *AdminHandler) taskError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, queue.ErrNotDeadLettered):
		httputil.WriteError(w, http.StatusConflict, "not_dead_lettered", err.Error())
	case errors.Is(err, queue.ErrStateChanged):
		httputil.WriteError(w, http.StatusConflict, "state_changed", err.Error())
	default:
		h.internal(w, r, op, err)
	}
}

func (h *AdminHandler) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.ErrorContext(r.Context(), "admin request failed", "op", op, logging.Error(err))
	httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
}
