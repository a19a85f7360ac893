// Package syncengine moves canonical events to the analytics store: it dedupes
// submissions, resolves competing writes to the same record by last-write-wins,
// and drives every DeliveryTask through its state machine.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/tracing"
	"github.com/telhawk-systems/tracksync/tracking/internal/delivery"
	"github.com/telhawk-systems/tracksync/tracking/internal/keylock"
	"github.com/telhawk-systems/tracksync/tracking/internal/metrics"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/queue"
)

// Alert types raised by the engine.
const (
	AlertDeadLettered  = "delivery.dead_lettered"
	AlertStoreDegraded = "delivery.store_degraded"
)

// Deliverer writes rows to the analytics store.
type Deliverer interface {
	AppendOrUpdate(ctx context.Context, target string, rows []models.Row) (int, error)
	RemainingQuota(ctx context.Context) (int64, error)
}

// ConflictRecorder persists conflict audit records.
type ConflictRecorder interface {
	SaveConflict(ctx context.Context, record *models.ConflictRecord) error
}

// Archiver keeps delivered events for reporting.
type Archiver interface {
	Index(ctx context.Context, events []models.CanonicalEvent) error
}

// Alerter raises aggregated operator alerts.
type Alerter interface {
	Record(ctx context.Context, alertType string, severity models.Severity, message string) error
}

// DeadLetterSink mirrors dead-lettered tasks outside Redis.
type DeadLetterSink interface {
	Write(ctx context.Context, task *models.DeliveryTask, reason string) error
}

// Config tunes the worker pool and retry policy.
type Config struct {
	Workers                  int
	ClaimBatch               int
	PollInterval             time.Duration
	MaxAttempts              int
	Backoff                  delivery.Backoff
	InflightTimeout          time.Duration
	WatchdogInterval         time.Duration
	DeferDelay               time.Duration
	QuotaPause               time.Duration
	SystemicFailureThreshold int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                  4,
		ClaimBatch:               50,
		PollInterval:             500 * time.Millisecond,
		MaxAttempts:              3,
		Backoff:                  delivery.DefaultBackoff(),
		InflightTimeout:          10 * time.Minute,
		WatchdogInterval:         30 * time.Second,
		DeferDelay:               time.Second,
		QuotaPause:               time.Second,
		SystemicFailureThreshold: 10,
	}
}

// Dependencies are the engine's collaborators. Only Queue and Deliverer are required.
type Dependencies struct {
	Queue       *queue.Queue
	Deliverer   Deliverer
	Conflicts   ConflictRecorder
	Archive     Archiver
	Alerts      Alerter
	DeadLetters DeadLetterSink
	Logger      *logging.Logger
}

// Engine is the sync engine.
type Engine struct {
	cfg       Config
	queue     *queue.Queue
	deliverer Deliverer
	conflicts ConflictRecorder
	archive   Archiver
	alerts    Alerter
	dlq       DeadLetterSink
	locks     *keylock.Locks
	logger    *logging.Logger
	tracer    trace.Tracer

	consecutiveFailures atomic.Int64
	now                 func() time.Time

	sendMu  sync.Mutex
	sending map[string]string // target/logical key -> task with a store call in progress
}

// New creates an Engine.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Queue == nil || deps.Deliverer == nil {
		return nil, errors.New("syncengine: queue and deliverer are required")
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = defaults.ClaimBatch
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InflightTimeout <= 0 {
		cfg.InflightTimeout = defaults.InflightTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaults.WatchdogInterval
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = defaults.DeferDelay
	}
	if cfg.QuotaPause <= 0 {
		cfg.QuotaPause = defaults.QuotaPause
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Engine{
		cfg:       cfg,
		queue:     deps.Queue,
		deliverer: deps.Deliverer,
		conflicts: deps.Conflicts,
		archive:   deps.Archive,
		alerts:    deps.Alerts,
		dlq:       deps.DeadLetters,
		locks:     keylock.New(),
		logger:    logger.Component("syncengine"),
		tracer:    tracing.Tracer("syncengine"),
		now:       time.Now,
		sending:   make(map[string]string),
	}, nil
}

// SubmitResult describes what Submit did with an event.
type SubmitResult struct {
	Task *models.DeliveryTask
	// Duplicate is set when the idempotency key was already known; Task is the original.
	Duplicate bool
	// Superseded is set when a newer value for the record already exists.
	Superseded bool
	Conflict   *models.ConflictRecord
}

// Submit turns an accepted event into a DeliveryTask for target/logicalKey.
func (e *Engine) Submit(ctx context.Context, event *models.CanonicalEvent, target, logicalKey string, row models.Row) (*SubmitResult, error) {
	ctx, span := e.tracer.Start(ctx, "syncengine.submit", trace.WithAttributes(
		attribute.String("target", target),
		attribute.String("event.type", event.EventType),
	))
	defer span.End()

	slot := target + ":" + logicalKey
	unlock := e.locks.Lock(slot)
	defer unlock()

	idem := event.IdempotencyKey()
	existing, err := e.queue.GetByIdempotencyKey(ctx, idem)
	if err == nil {
		metrics.DuplicateEvents.WithLabelValues(event.SourceSystem).Inc()
		return &SubmitResult{Task: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, queue.ErrTaskNotFound) {
		return nil, err
	}

	now := e.now().UTC()
	task := &models.DeliveryTask{
		ID:             uuid.NewString(),
		Event:          *event,
		Target:         target,
		LogicalKey:     logicalKey,
		IdempotencyKey: idem,
		Row:            row,
		Status:         models.TaskPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}
	cand := task.Candidate()

	// A newer value was already delivered: record the event as superseded.
	wm, err := e.queue.Watermark(ctx, target, logicalKey)
	if err != nil {
		return nil, err
	}
	if wm != nil && !cand.Newer(*wm) {
		return e.storeLoser(ctx, task, *wm)
	}

	activeID, err := e.queue.Active(ctx, target, logicalKey)
	if err != nil {
		return nil, err
	}
	if activeID != "" {
		active, err := e.queue.Get(ctx, activeID)
		if err != nil && !errors.Is(err, queue.ErrTaskNotFound) {
			return nil, err
		}
		if active != nil && !active.Status.Terminal() {
			activeCand := active.Candidate()
			if !cand.Newer(activeCand) {
				return e.storeLoser(ctx, task, activeCand)
			}
			return e.storeWinner(ctx, task, active)
		}
	}

	return e.storeWinner(ctx, task, nil)
}

// storeWinner enqueues task as the record's latest value. A pending task it
// replaces is closed without sending; one already in flight finishes first and
// is then overwritten, because the owner slot serializes writers.
func (e *Engine) storeWinner(ctx context.Context, task *models.DeliveryTask, replaced *models.DeliveryTask) (*SubmitResult, error) {
	stored, created, err := e.queue.Enqueue(ctx, task)
	if err != nil {
		return nil, err
	}
	if !created {
		metrics.DuplicateEvents.WithLabelValues(task.Event.SourceSystem).Inc()
		return &SubmitResult{Task: stored, Duplicate: true}, nil
	}
	if err := e.queue.SetActive(ctx, task.Target, task.LogicalKey, task.ID); err != nil {
		return nil, err
	}
	metrics.TaskTransitions.WithLabelValues(task.Target, string(models.TaskPending)).Inc()

	result := &SubmitResult{Task: stored}
	if replaced == nil {
		return result, nil
	}

	if replaced.Status == models.TaskPending {
		err := e.queue.Supersede(ctx, replaced, task.ID)
		switch {
		case err == nil:
			metrics.TaskTransitions.WithLabelValues(replaced.Target, "superseded").Inc()
		case errors.Is(err, queue.ErrStateChanged):
			// Claimed meanwhile; the owner slot orders it before task.
		default:
			return nil, err
		}
	}
	prior := replaced.Candidate()
	if !prior.SameValue(task.Candidate()) {
		result.Conflict = e.recordConflict(ctx, task, prior, task.Candidate())
	}
	return result, nil
}

// storeLoser records task as delivered without sending it, because winner is newer.
func (e *Engine) storeLoser(ctx context.Context, task *models.DeliveryTask, winner models.ConflictCandidate) (*SubmitResult, error) {
	now := e.now().UTC()
	task.Status = models.TaskDelivered
	task.SupersededBy = winner.TaskID
	task.DeliveredAt = &now

	stored, created, err := e.queue.Enqueue(ctx, task)
	if err != nil {
		return nil, err
	}
	if !created {
		metrics.DuplicateEvents.WithLabelValues(task.Event.SourceSystem).Inc()
		return &SubmitResult{Task: stored, Duplicate: true}, nil
	}
	metrics.TaskTransitions.WithLabelValues(task.Target, "superseded").Inc()
	e.logger.InfoContext(ctx, "event superseded by newer value",
		logging.TaskID(task.ID),
		logging.Target(task.Target),
		logging.LogicalKey(task.LogicalKey),
		"winner_task_id", winner.TaskID)

	result := &SubmitResult{Task: stored, Superseded: true}
	cand := task.Candidate()
	if !cand.SameValue(winner) {
		result.Conflict = e.recordConflict(ctx, task, winner, cand)
	}
	return result, nil
}

func (e *Engine) recordConflict(ctx context.Context, task *models.DeliveryTask, candidates ...models.ConflictCandidate) *models.ConflictRecord {
	record := NewConflictRecord(task.Target, task.LogicalKey, e.now(), candidates...)
	metrics.ConflictsTotal.WithLabelValues(task.Target).Inc()
	if e.conflicts != nil {
		if err := e.conflicts.SaveConflict(ctx, record); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist conflict record",
				logging.Target(task.Target),
				logging.LogicalKey(task.LogicalKey),
				logging.Error(err))
		}
	}
	e.logger.InfoContext(ctx, "conflict resolved by last-write-wins",
		logging.Target(task.Target),
		logging.LogicalKey(task.LogicalKey),
		"winner_task_id", record.WinnerTaskID,
		"candidates", len(record.Candidates))
	return record
}

// Task returns one task.
func (e *Engine) Task(ctx context.Context, id string) (*models.DeliveryTask, error) {
	return e.queue.Get(ctx, id)
}

// DeadLetters lists dead-lettered tasks, newest first.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]*models.DeliveryTask, error) {
	return e.queue.DeadLetters(ctx, limit)
}

// Replay returns a dead-lettered task to pending with a fresh attempt budget.
func (e *Engine) Replay(ctx context.Context, id string) (*models.DeliveryTask, error) {
	task, err := e.queue.Replay(ctx, id, e.now())
	if err != nil {
		return nil, err
	}
	metrics.TaskTransitions.WithLabelValues(task.Target, "replayed").Inc()
	e.logger.InfoContext(ctx, "dead letter replayed", logging.TaskID(id), logging.Target(task.Target))
	return task, nil
}

// Discard closes a dead-lettered task as failed.
func (e *Engine) Discard(ctx context.Context, id string) (*models.DeliveryTask, error) {
	task, err := e.queue.Discard(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.TaskTransitions.WithLabelValues(task.Target, string(models.TaskFailed)).Inc()
	e.logger.InfoContext(ctx, "dead letter discarded", logging.TaskID(id), logging.Target(task.Target))
	return task, nil
}

// Stats summarizes queue state.
type Stats struct {
	Depth               map[models.TaskStatus]int64 `json:"depth"`
	ConsecutiveFailures int64                       `json:"consecutiveFailures"`
	RemainingQuota      int64                       `json:"remainingQuota"`
}

// Stats returns queue depth and delivery health.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}
	for status, n := range depth {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	remaining, err := e.deliverer.RemainingQuota(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read remaining quota: %w", err)
	}
	return &Stats{
		Depth:               depth,
		ConsecutiveFailures: e.consecutiveFailures.Load(),
		RemainingQuota:      remaining,
	}, nil
}
