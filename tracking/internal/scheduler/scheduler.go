// Package scheduler runs the five cadence tiers. Each tier is an independent
// loop with its own checkpoint, lock and jobs, so a stuck or failing tier
// never delays another.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/messaging"
	"github.com/telhawk-systems/tracksync/common/tracing"
	"github.com/telhawk-systems/tracksync/tracking/internal/metrics"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// AlertTierFailed is raised when any job of a run fails.
const AlertTierFailed = "scheduler.tier_failed"

// Triggers recorded on ScheduleRun.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

var (
	// ErrUnknownTier is returned for a tier with no registered jobs.
	ErrUnknownTier = errors.New("unknown tier")
	// ErrTierBusy is returned when another run of the tier holds the lock.
	ErrTierBusy = errors.New("tier is already running")
)

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Job is one unit of work inside a tier. It returns the number of records it processed.
type Job struct {
	Name string
	Run  func(ctx context.Context, period Period) (int, error)
}

// RunStore persists the audit trail and the per-tier checkpoints.
type RunStore interface {
	StartRun(ctx context.Context, run *models.ScheduleRun) error
	FinishRun(ctx context.Context, run *models.ScheduleRun) error
	GetCheckpoint(ctx context.Context, tier models.Tier) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, tier models.Tier, at time.Time) error
}

// Alerter receives failed-run alerts.
type Alerter interface {
	Record(ctx context.Context, alertType string, severity models.Severity, message string) error
}

// Config tunes the scheduler.
type Config struct {
	RealtimeInterval time.Duration
	PollInterval     time.Duration
	LockTTL          time.Duration
	JobTimeout       time.Duration
	Disabled         []models.Tier
}

// DefaultConfig returns a one minute realtime cadence.
func DefaultConfig() Config {
	return Config{
		RealtimeInterval: time.Minute,
		PollInterval:     30 * time.Second,
		LockTTL:          30 * time.Minute,
		JobTimeout:       10 * time.Minute,
	}
}

// Scheduler owns ScheduleRun records and the tier loops.
type Scheduler struct {
	cfg       Config
	redis     *redis.Client
	store     RunStore
	alerts    Alerter
	publisher messaging.Publisher
	logger    *logging.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu   sync.RWMutex
	jobs map[models.Tier][]Job

	ckMu    sync.Mutex
	unsaved map[models.Tier]time.Time // checkpoints whose write failed
}

// New creates a Scheduler. alerts and publisher may be nil.
func New(cfg Config, client *redis.Client, store RunStore, alerts Alerter, publisher messaging.Publisher, logger *logging.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.RealtimeInterval <= 0 {
		cfg.RealtimeInterval = def.RealtimeInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		redis:     client,
		store:     store,
		alerts:    alerts,
		publisher: publisher,
		logger:    logger.Component("scheduler"),
		tracer:    tracing.Tracer("scheduler"),
		now:       time.Now,
		jobs:      make(map[models.Tier][]Job),
		unsaved:   make(map[models.Tier]time.Time),
	}
}

// Register appends jobs to a tier. Jobs run sequentially in registration order.
func (s *Scheduler) Register(tier models.Tier, jobs ...Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[tier] = append(s.jobs[tier], jobs...)
}

// Jobs returns the job names registered for tier.
func (s *Scheduler) Jobs(tier models.Tier) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs[tier]))
	for _, j := range s.jobs[tier] {
		names = append(names, j.Name)
	}
	return names
}

func (s *Scheduler) jobsFor(tier models.Tier) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Job(nil), s.jobs[tier]...)
}

func (s *Scheduler) disabled(tier models.Tier) bool {
	for _, t := range s.cfg.Disabled {
		if t == tier {
			return true
		}
	}
	return false
}

// Run starts one loop per enabled tier and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, tier := range models.Tiers {
		if s.disabled(tier) || len(s.jobsFor(tier)) == 0 {
			continue
		}
		wg.Add(1)
		go func(tier models.Tier) {
			defer wg.Done()
			s.loop(ctx, tier)
		}(tier)
	}
	s.logger.Info("scheduler started", "realtime_interval", s.cfg.RealtimeInterval.String())
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

// maxRetryFactor caps the error backoff at this many poll intervals.
const maxRetryFactor = 16

func (s *Scheduler) loop(ctx context.Context, tier models.Tier) {
	logger := s.logger.With(logging.Tier(string(tier)))
	failures := 0
	for ctx.Err() == nil {
		wait, err := s.step(ctx, tier)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, ErrTierBusy):
			// held by another instance or a manual run
		case ctx.Err() != nil:
			return
		default:
			failures++
			wait = s.retryDelay(failures)
			logger.ErrorContext(ctx, "tier tick failed", logging.Error(err), "retry_in", wait.String())
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// step runs the tier when due and returns how long to wait before the next check.
func (s *Scheduler) step(ctx context.Context, tier models.Tier) (time.Duration, error) {
	due, err := s.NextDue(ctx, tier)
	if err != nil {
		return s.cfg.PollInterval, err
	}
	if d := due.Sub(s.now()); d > 0 {
		return min(d, s.cfg.PollInterval), nil
	}
	if _, err := s.Tick(ctx, tier); err != nil {
		return s.cfg.PollInterval, err
	}
	return 0, nil
}

func (s *Scheduler) retryDelay(failures int) time.Duration {
	factor := 1 << min(failures-1, 4)
	return min(time.Duration(factor)*s.cfg.PollInterval, maxRetryFactor*s.cfg.PollInterval)
}

// NextDue returns when the tier should run next. A tier that never ran is due now.
func (s *Scheduler) NextDue(ctx context.Context, tier models.Tier) (time.Time, error) {
	last, ok, err := s.checkpoint(ctx, tier)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return s.now(), nil
	}
	return Next(tier, last, s.cfg.RealtimeInterval), nil
}

// checkpoint returns the later of the stored checkpoint and one whose write
// failed, retrying that write on the way. A period that ran is never re-run
// because its checkpoint could not be saved.
func (s *Scheduler) checkpoint(ctx context.Context, tier models.Tier) (time.Time, bool, error) {
	stored, ok, err := s.store.GetCheckpoint(ctx, tier)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	s.ckMu.Lock()
	pending, has := s.unsaved[tier]
	s.ckMu.Unlock()
	if !has {
		return stored, ok, nil
	}
	if ok && !pending.After(stored) {
		s.forget(tier, pending)
		return stored, true, nil
	}
	if err := s.store.SetCheckpoint(ctx, tier, pending); err != nil {
		s.logger.WarnContext(ctx, "checkpoint still unsaved", logging.Tier(string(tier)), logging.Error(err))
	} else {
		s.forget(tier, pending)
	}
	return pending, true, nil
}

func (s *Scheduler) remember(tier models.Tier, at time.Time) {
	s.ckMu.Lock()
	defer s.ckMu.Unlock()
	if cur, ok := s.unsaved[tier]; !ok || at.After(cur) {
		s.unsaved[tier] = at
	}
}

func (s *Scheduler) forget(tier models.Tier, at time.Time) {
	s.ckMu.Lock()
	defer s.ckMu.Unlock()
	if s.unsaved[tier].Equal(at) {
		delete(s.unsaved, tier)
	}
}

// Tick runs the tier if it is due. It returns the run, or nil when not due.
func (s *Scheduler) Tick(ctx context.Context, tier models.Tier) (*models.ScheduleRun, error) {
	release, err := s.lock(ctx, tier)
	if err != nil {
		return nil, err
	}
	defer release()

	// re-read under the lock; another instance may have just finished
	last, ok, err := s.checkpoint(ctx, tier)
	if err != nil {
		return nil, err
	}
	now := s.now()
	end := Floor(tier, now, s.cfg.RealtimeInterval)
	if ok && now.Before(Next(tier, last, s.cfg.RealtimeInterval)) {
		return nil, nil
	}
	start := Previous(tier, end, s.cfg.RealtimeInterval)
	if ok {
		start = last
	}

	run := s.execute(ctx, tier, TriggerSchedule, Period{Start: start, End: end})
	if err := s.store.SetCheckpoint(ctx, tier, end); err != nil {
		s.remember(tier, end)
		return run, fmt.Errorf("failed to set checkpoint: %w", err)
	}
	return run, nil
}

// RunNow runs the tier immediately over its latest complete period. The
// checkpoint is left alone so the regular cadence is unaffected.
func (s *Scheduler) RunNow(ctx context.Context, tier models.Tier) (*models.ScheduleRun, error) {
	if _, ok := models.ParseTier(string(tier)); !ok || len(s.jobsFor(tier)) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	release, err := s.lock(ctx, tier)
	if err != nil {
		return nil, err
	}
	defer release()

	end := Floor(tier, s.now(), s.cfg.RealtimeInterval)
	if tier == models.TierRealtime {
		end = s.now().UTC()
	}
	period := Period{Start: Previous(tier, Floor(tier, end, s.cfg.RealtimeInterval), s.cfg.RealtimeInterval), End: end}
	return s.execute(ctx, tier, TriggerManual, period), nil
}

func (s *Scheduler) lock(ctx context.Context, tier models.Tier) (func(), error) {
	key := "tracksync:scheduler:lock:" + string(tier)
	token := uuid.NewString()
	ok, err := s.redis.SetNX(ctx, key, token, s.cfg.LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tier lock: %w", err)
	}
	if !ok {
		return nil, ErrTierBusy
	}
	return func() {
		if err := releaseScript.Run(context.WithoutCancel(ctx), s.redis, []string{key}, token).Err(); err != nil {
			s.logger.Warn("failed to release tier lock", logging.Tier(string(tier)), logging.Error(err))
		}
	}, nil
}

// execute runs every job of the tier, recording the outcome. Job failures and
// panics are captured on the run and never escape.
func (s *Scheduler) execute(ctx context.Context, tier models.Tier, trigger string, period Period) *models.ScheduleRun {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("trigger", trigger),
	))
	defer span.End()

	logger := s.logger.With(logging.Tier(string(tier)))
	run := &models.ScheduleRun{
		ID:        uuid.NewString(),
		Tier:      tier,
		StartedAt: s.now().UTC(),
		Errors:    []string{},
		Trigger:   trigger,
	}
	if err := s.store.StartRun(ctx, run); err != nil {
		logger.WarnContext(ctx, "failed to record run start", logging.Error(err))
	}

	jobs := s.jobsFor(tier)
	for _, job := range jobs {
		n, err := s.runJob(ctx, job, period)
		run.RecordsProcessed += n
		if err != nil {
			run.Errors = append(run.Errors, job.Name+": "+err.Error())
			logger.ErrorContext(ctx, "scheduled job failed", "job", job.Name, logging.Error(err))
		}
	}

	finished := s.now().UTC()
	run.FinishedAt = &finished
	duration := finished.Sub(run.StartedAt)
	if err := s.store.FinishRun(ctx, run); err != nil {
		logger.WarnContext(ctx, "failed to record run finish", logging.Error(err))
	}

	outcome := "success"
	if len(run.Errors) > 0 {
		outcome = "failed"
		span.SetStatus(codes.Error, "jobs failed")
		s.alert(ctx, run, len(jobs))
	}
	metrics.ScheduleRuns.WithLabelValues(string(tier), outcome).Inc()
	metrics.ScheduleRunDuration.WithLabelValues(string(tier)).Observe(duration.Seconds())
	span.SetAttributes(attribute.Int("records", run.RecordsProcessed))

	logger.InfoContext(ctx, "tier run finished",
		"run_id", run.ID,
		"trigger", trigger,
		"records", run.RecordsProcessed,
		"errors", len(run.Errors),
		logging.Duration(duration))

	if s.publisher != nil {
		if err := s.publisher.PublishJSON(ctx, messaging.ScheduleCompletedSubject(string(tier)), run); err != nil {
			logger.WarnContext(ctx, "failed to publish run completion", logging.Error(err))
		}
	}
	return run
}

func (s *Scheduler) runJob(ctx context.Context, job Job, period Period) (n int, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx, period)
}

func (s *Scheduler) alert(ctx context.Context, run *models.ScheduleRun, total int) {
	if s.alerts == nil {
		return
	}
	failed := make([]string, 0, len(run.Errors))
	for _, e := range run.Errors {
		name, _, _ := strings.Cut(e, ":")
		failed = append(failed, name)
	}
	msg := fmt.Sprintf("%s tier: %d of %d jobs failed (%s)", run.Tier, len(run.Errors), total, strings.Join(failed, ", "))
	if err := s.alerts.Record(ctx, AlertTierFailed, models.SeverityHigh, msg); err != nil {
		s.logger.WarnContext(ctx, "failed to raise tier alert", logging.Tier(string(run.Tier)), logging.Error(err))
	}
}

type triggerRequest struct {
	Tier string `json:"tier"`
}

// ListenTriggers runs tiers requested on the bus. Requests are load-balanced
// across scheduler instances.
func (s *Scheduler) ListenTriggers(sub messaging.Subscriber) (messaging.Subscription, error) {
	return sub.QueueSubscribe(messaging.SubjectTrackingScheduleTrigger, messaging.QueueTrackingSchedulers,
		func(ctx context.Context, msg *messaging.Message) error {
			var req triggerRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				return fmt.Errorf("invalid trigger request: %w", err)
			}
			_, err := s.RunNow(ctx, models.Tier(req.Tier))
			return err
		})
}
