package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// setupTestDatabase starts a PostgreSQL testcontainer and applies the migrations.
func setupTestDatabase(t *testing.T) *PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("tracksync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	repo, err := NewPostgresRepository(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestNewPostgresRepository_InvalidConnString(t *testing.T) {
	tests := []struct {
		name       string
		connString string
	}{
		{"invalid scheme", "invalid://connection"},
		{"unreachable", "postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := NewPostgresRepository(ctx, tt.connString)
			require.Error(t, err)
		})
	}
}

func TestPostgresRepository(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()
	base := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("conflicts", func(t *testing.T) {
		record := &models.ConflictRecord{
			ID:         uuid.NewString(),
			Target:     "Orders",
			LogicalKey: "ORD-1",
			Candidates: []models.ConflictCandidate{
				{TaskID: "t1", EventID: "e1", SourceSystem: "orders", OccurredAt: base, Value: map[string]interface{}{"status": "pending"}},
				{TaskID: "t2", EventID: "e2", SourceSystem: "orders", OccurredAt: base.Add(10 * time.Second), Value: map[string]interface{}{"status": "paid"}},
			},
			Resolution:   map[string]interface{}{"status": "paid"},
			WinnerTaskID: "t2",
			Strategy:     models.StrategyLastWriteWins,
			ResolvedAt:   base,
		}
		require.NoError(t, repo.SaveConflict(ctx, record))
		require.NoError(t, repo.SaveConflict(ctx, record), "saving twice is a no-op")
		require.NoError(t, repo.SaveConflict(ctx, &models.ConflictRecord{
			ID: uuid.NewString(), Target: "Orders", LogicalKey: "ORD-2", Resolution: map[string]interface{}{},
			Strategy: models.StrategyLastWriteWins, ResolvedAt: base,
		}))

		got, err := repo.ListConflicts(ctx, "ORD-1", 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "t2", got[0].WinnerTaskID)
		assert.Equal(t, "paid", got[0].Resolution["status"])
		require.Len(t, got[0].Candidates, 2)
		assert.True(t, got[0].Candidates[1].OccurredAt.Equal(base.Add(10*time.Second)))

		all, err := repo.ListConflicts(ctx, "", 10)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("runs", func(t *testing.T) {
		run := &models.ScheduleRun{ID: uuid.NewString(), Tier: models.TierDaily, StartedAt: base, Trigger: "schedule"}
		require.NoError(t, repo.StartRun(ctx, run))

		finished := base.Add(time.Minute)
		run.FinishedAt = &finished
		run.RecordsProcessed = 42
		run.Errors = []string{"forecast: archive unavailable"}
		require.NoError(t, repo.FinishRun(ctx, run))

		runs, err := repo.ListRuns(ctx, models.TierDaily, 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, 42, runs[0].RecordsProcessed)
		assert.Equal(t, []string{"forecast: archive unavailable"}, runs[0].Errors)
		require.NotNil(t, runs[0].FinishedAt)
		assert.True(t, runs[0].FinishedAt.Equal(finished))

		got, err := repo.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TierDaily, got.Tier)

		_, err = repo.GetRun(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)

		none, err := repo.ListRuns(ctx, models.TierMonthly, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("finish without start", func(t *testing.T) {
		finished := base
		run := &models.ScheduleRun{ID: uuid.NewString(), Tier: models.TierHourly, StartedAt: base, FinishedAt: &finished, Trigger: "manual"}
		require.NoError(t, repo.FinishRun(ctx, run))
		got, err := repo.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Errors)
	})

	t.Run("checkpoints", func(t *testing.T) {
		_, ok, err := repo.GetCheckpoint(ctx, models.TierWeekly)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, repo.SetCheckpoint(ctx, models.TierWeekly, base))
		require.NoError(t, repo.SetCheckpoint(ctx, models.TierWeekly, base.Add(7*24*time.Hour)))

		last, ok, err := repo.GetCheckpoint(ctx, models.TierWeekly)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, base.Add(7*24*time.Hour), last)
	})

	t.Run("alerts", func(t *testing.T) {
		alert := &models.NotificationAlert{
			ID: uuid.NewString(), Key: "abc", Type: "delivery.dead_lettered", Severity: models.SeverityHigh,
			Template: "task <id> dead-lettered", Message: "task 1 dead-lettered",
			FirstSeenAt: base, LastSeenAt: base.Add(time.Minute), OccurrenceCount: 10,
			Channels: []string{"pager", "email"},
			Results:  []models.ChannelResult{{Channel: "pager", OK: true}, {Channel: "email", Error: "smtp down"}},
			Status:   models.AlertSent,
		}
		require.NoError(t, repo.LogAlert(ctx, alert))

		alerts, err := repo.ListAlerts(ctx, 10)
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, int64(10), alerts[0].OccurrenceCount)
		assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
		assert.Equal(t, []string{"pager", "email"}, alerts[0].Channels)
		require.Len(t, alerts[0].Results, 2)
		assert.Equal(t, "smtp down", alerts[0].Results[1].Error)
	})

	t.Run("purge", func(t *testing.T) {
		n, err := repo.Purge(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		// two conflicts and two runs; the alert was dispatched now
		assert.Equal(t, int64(4), n)

		_, ok, err := repo.GetCheckpoint(ctx, models.TierWeekly)
		require.NoError(t, err)
		assert.True(t, ok, "checkpoints survive purge")
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, repo.Ping(ctx))
	})
}
