package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// SaveConflict stores a conflict resolution. Saving the same record twice is a no-op.
func (r *PostgresRepository) SaveConflict(ctx context.Context, c *models.ConflictRecord) error {
	candidates, err := json.Marshal(c.Candidates)
	if err != nil {
		return fmt.Errorf("failed to marshal candidates: %w", err)
	}
	resolution, err := json.Marshal(c.Resolution)
	if err != nil {
		return fmt.Errorf("failed to marshal resolution: %w", err)
	}

	query := `
		INSERT INTO conflict_records (id, target, logical_key, candidates, resolution, winner_task_id, strategy, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query,
		c.ID, c.Target, c.LogicalKey, candidates, resolution, c.WinnerTaskID, c.Strategy, c.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

// ListConflicts returns the newest conflicts, optionally for one logical key.
func (r *PostgresRepository) ListConflicts(ctx context.Context, logicalKey string, limit int) ([]*models.ConflictRecord, error) {
	query := `
		SELECT id, target, logical_key, candidates, resolution, winner_task_id, strategy, resolved_at
		FROM conflict_records
		WHERE ($1 = '' OR logical_key = $1)
		ORDER BY resolved_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, logicalKey, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var records []*models.ConflictRecord
	for rows.Next() {
		c := &models.ConflictRecord{}
		var candidates, resolution []byte
		if err := rows.Scan(&c.ID, &c.Target, &c.LogicalKey, &candidates, &resolution, &c.WinnerTaskID, &c.Strategy, &c.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if err := json.Unmarshal(candidates, &c.Candidates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidates: %w", err)
		}
		if err := json.Unmarshal(resolution, &c.Resolution); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resolution: %w", err)
		}
		c.ResolvedAt = c.ResolvedAt.UTC()
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return records, nil
}

// StartRun inserts the run as started.
func (r *PostgresRepository) StartRun(ctx context.Context, run *models.ScheduleRun) error {
	query := `
		INSERT INTO schedule_runs (id, tier, run_trigger, started_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.pool.Exec(ctx, query, run.ID, string(run.Tier), run.Trigger, run.StartedAt); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a started run, inserting it when StartRun never landed.
func (r *PostgresRepository) FinishRun(ctx context.Context, run *models.ScheduleRun) error {
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}

	query := `
		INSERT INTO schedule_runs (id, tier, run_trigger, started_at, finished_at, records_processed, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			records_processed = EXCLUDED.records_processed,
			errors = EXCLUDED.errors
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID, string(run.Tier), run.Trigger, run.StartedAt, run.FinishedAt, run.RecordsProcessed, errorsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// ListRuns returns the newest runs, optionally for one tier.
func (r *PostgresRepository) ListRuns(ctx context.Context, tier models.Tier, limit int) ([]*models.ScheduleRun, error) {
	query := `
		SELECT id, tier, run_trigger, started_at, finished_at, records_processed, errors
		FROM schedule_runs
		WHERE ($1 = '' OR tier = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, string(tier), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.ScheduleRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run by ID.
func (r *PostgresRepository) GetRun(ctx context.Context, id string) (*models.ScheduleRun, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tier, run_trigger, started_at, finished_at, records_processed, errors
		FROM schedule_runs
		WHERE id = $1
	`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

func scanRun(row pgx.Row) (*models.ScheduleRun, error) {
	run := &models.ScheduleRun{}
	var tier string
	var errorsJSON []byte
	if err := row.Scan(&run.ID, &tier, &run.Trigger, &run.StartedAt, &run.FinishedAt, &run.RecordsProcessed, &errorsJSON); err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Tier = models.Tier(tier)
	if err := json.Unmarshal(errorsJSON, &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run errors: %w", err)
	}
	run.StartedAt = run.StartedAt.UTC()
	if run.FinishedAt != nil {
		t := run.FinishedAt.UTC()
		run.FinishedAt = &t
	}
	return run, nil
}

// GetCheckpoint returns the last completed boundary of a tier.
func (r *PostgresRepository) GetCheckpoint(ctx context.Context, tier models.Tier) (time.Time, bool, error) {
	var last time.Time
	err := r.pool.QueryRow(ctx, `SELECT last_run FROM schedule_checkpoints WHERE tier = $1`, string(tier)).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return last.UTC(), true, nil
}

// SetCheckpoint records the last completed boundary of a tier.
func (r *PostgresRepository) SetCheckpoint(ctx context.Context, tier models.Tier, at time.Time) error {
	query := `
		INSERT INTO schedule_checkpoints (tier, last_run, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tier) DO UPDATE SET last_run = EXCLUDED.last_run, updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, string(tier), at); err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}
	return nil
}

// LogAlert stores a dispatched alert.
func (r *PostgresRepository) LogAlert(ctx context.Context, a *models.NotificationAlert) error {
	channels, err := json.Marshal(nonNil(a.Channels))
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}
	results := a.Results
	if results == nil {
		results = []models.ChannelResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal channel results: %w", err)
	}

	query := `
		INSERT INTO alert_log (id, bucket_key, type, severity, template, message,
			first_seen_at, last_seen_at, occurrence_count, channels, results, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query,
		a.ID, a.Key, a.Type, string(a.Severity), a.Template, a.Message,
		a.FirstSeenAt, a.LastSeenAt, a.OccurrenceCount, channels, resultsJSON, string(a.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to log alert: %w", err)
	}
	return nil
}

// ListAlerts returns the most recently dispatched alerts.
func (r *PostgresRepository) ListAlerts(ctx context.Context, limit int) ([]*models.NotificationAlert, error) {
	query := `
		SELECT id, bucket_key, type, severity, template, message,
			first_seen_at, last_seen_at, occurrence_count, channels, results, status
		FROM alert_log
		ORDER BY dispatched_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.NotificationAlert
	for rows.Next() {
		a := &models.NotificationAlert{}
		var severity, status string
		var channels, results []byte
		if err := rows.Scan(&a.ID, &a.Key, &a.Type, &severity, &a.Template, &a.Message,
			&a.FirstSeenAt, &a.LastSeenAt, &a.OccurrenceCount, &channels, &results, &status); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Severity = models.Severity(severity)
		a.Status = models.AlertStatus(status)
		a.FirstSeenAt = a.FirstSeenAt.UTC()
		a.LastSeenAt = a.LastSeenAt.UTC()
		if err := json.Unmarshal(channels, &a.Channels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channels: %w", err)
		}
		if err := json.Unmarshal(results, &a.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel results: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

// Purge deletes audit rows older than before in one transaction. Checkpoints are kept.
func (r *PostgresRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	for _, stmt := range []string{
		`DELETE FROM conflict_records WHERE resolved_at < $1`,
		`DELETE FROM schedule_runs WHERE started_at < $1`,
		`DELETE FROM alert_log WHERE dispatched_at < $1`,
	} {
		tag, err := tx.Exec(ctx, stmt, before)
		if err != nil {
			return 0, fmt.Errorf("failed to purge audit rows: %w", err)
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return total, nil
}

// Ping checks the database connection.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
