package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/tracking/internal/auth"
	"github.com/telhawk-systems/tracksync/tracking/internal/correlation"
	"github.com/telhawk-systems/tracksync/tracking/internal/handlers"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/service"
	"github.com/telhawk-systems/tracksync/tracking/internal/syncengine"
)

type stubIngester struct{}

func (stubIngester) Ingest(context.Context, string, http.Header, []byte) (*service.Result, error) {
	return &service.Result{Event: &models.CanonicalEvent{EventID: "evt"}, TaskID: "task"}, nil
}

type stubHealth struct{}

func (stubHealth) Check(context.Context) service.HealthReport {
	return service.HealthReport{Status: service.StatusOK}
}

type stubEngine struct{}

func (stubEngine) Task(context.Context, string) (*models.DeliveryTask, error) {
	return &models.DeliveryTask{ID: "t"}, nil
}
func (stubEngine) DeadLetters(context.Context, int) ([]*models.DeliveryTask, error) { return nil, nil }
func (stubEngine) Replay(context.Context, string) (*models.DeliveryTask, error) {
	return &models.DeliveryTask{ID: "t", Status: models.TaskPending}, nil
}
func (stubEngine) Discard(context.Context, string) (*models.DeliveryTask, error) {
	return &models.DeliveryTask{ID: "t", Status: models.TaskFailed}, nil
}
func (stubEngine) Stats(context.Context) (*syncengine.Stats, error) { return &syncengine.Stats{}, nil }

type stubAudit struct{}

func (stubAudit) ListConflicts(context.Context, string, int) ([]*models.ConflictRecord, error) {
	return nil, nil
}
func (stubAudit) ListRuns(context.Context, models.Tier, int) ([]*models.ScheduleRun, error) {
	return nil, nil
}

type stubCorrelations struct{}

func (stubCorrelations) Timeline(context.Context, string) (correlation.Group, error) {
	return correlation.Group{}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *auth.TokenManager) {
	t.Helper()
	tokens, err := auth.NewTokenManager("router-test-secret", time.Hour)
	require.NoError(t, err)
	logger := logging.Discard()
	return NewRouter(Routes{
		Webhooks: handlers.NewWebhookHandler(stubIngester{}, 0, logger),
		Health:   handlers.NewHealthHandler(stubHealth{}),
		Admin: handlers.NewAdminHandler(handlers.AdminDeps{
			Engine:       stubEngine{},
			Audit:        stubAudit{},
			Correlations: stubCorrelations{},
			Logger:       logger,
		}),
		Tokens: tokens,
		Logger: logger,
	}), tokens
}

func TestRouter_PublicEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{http.MethodPost, "/webhooks/orders", `{"event":"order.created"}`, http.StatusOK},
		{http.MethodGet, "/webhooks/orders", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rr.Code)
			assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
		})
	}
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	router, tokens := newTestRouter(t)

	viewer, err := tokens.Generate("ops", []string{auth.RoleViewer}, 0)
	require.NoError(t, err)
	admin, err := tokens.Generate("root", []string{auth.RoleAdmin}, 0)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"no token", http.MethodGet, "/api/v1/tasks/t", "", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/tasks/t", viewer, http.StatusOK},
		{"viewer cannot replay", http.MethodPost, "/api/v1/dead-letters/t/replay", viewer, http.StatusForbidden},
		{"admin replays", http.MethodPost, "/api/v1/dead-letters/t/replay", admin, http.StatusOK},
		{"admin discards", http.MethodDelete, "/api/v1/dead-letters/t", admin, http.StatusOK},
		{"bad token", http.MethodGet, "/api/v1/dead-letters", "garbage", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
		})
	}
}

func TestRouter_AdminDisabledWithoutTokens(t *testing.T) {
	logger := logging.Discard()
	router := NewRouter(Routes{
		Webhooks: handlers.NewWebhookHandler(stubIngester{}, 0, logger),
		Health:   handlers.NewHealthHandler(stubHealth{}),
		Logger:   logger,
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
