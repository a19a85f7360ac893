package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
)

// Repository is the Postgres audit store: conflict resolutions, scheduler
// runs and checkpoints, and the dispatched alert log.
type Repository interface {
	// Conflicts
	SaveConflict(ctx context.Context, record *models.ConflictRecord) error
	ListConflicts(ctx context.Context, logicalKey string, limit int) ([]*models.ConflictRecord, error)

	// Scheduler
	StartRun(ctx context.Context, run *models.ScheduleRun) error
	FinishRun(ctx context.Context, run *models.ScheduleRun) error
	ListRuns(ctx context.Context, tier models.Tier, limit int) ([]*models.ScheduleRun, error)
	GetRun(ctx context.Context, id string) (*models.ScheduleRun, error)
	GetCheckpoint(ctx context.Context, tier models.Tier) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, tier models.Tier, at time.Time) error

	// Alerts
	LogAlert(ctx context.Context, alert *models.NotificationAlert) error
	ListAlerts(ctx context.Context, limit int) ([]*models.NotificationAlert, error)

	// Retention
	Purge(ctx context.Context, before time.Time) (int64, error)

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
