package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/messaging"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

type memoryRuns struct {
	mu          sync.Mutex
	started     []*models.ScheduleRun
	finished    []*models.ScheduleRun
	checkpoints map[models.Tier]time.Time
	getErr      error
	setErr      error
	gets        int
	sets        int
}

func newMemoryRuns() *memoryRuns {
	return &memoryRuns{checkpoints: make(map[models.Tier]time.Time)}
}

func (m *memoryRuns) StartRun(_ context.Context, run *models.ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, run)
	return nil
}

func (m *memoryRuns) FinishRun(_ context.Context, run *models.ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, run)
	return nil
}

func (m *memoryRuns) GetCheckpoint(_ context.Context, tier models.Tier) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return time.Time{}, false, m.getErr
	}
	t, ok := m.checkpoints[tier]
	return t, ok, nil
}

func (m *memoryRuns) SetCheckpoint(_ context.Context, tier models.Tier, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	m.checkpoints[tier] = at
	return nil
}

func (m *memoryRuns) counts() (gets, sets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets, m.sets
}

type recordedAlert struct {
	alertType string
	severity  models.Severity
	message   string
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (f *fakeAlerts) Record(_ context.Context, alertType string, severity models.Severity, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, recordedAlert{alertType, severity, message})
	return nil
}

type fakeBus struct {
	mu        sync.Mutex
	published []string
	handler   messaging.MessageHandler
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (b *fakeBus) PublishJSON(_ context.Context, subject string, _ interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, subject)
	return nil
}

func (b *fakeBus) QueueSubscribe(_, _ string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	b.handler = handler
	return nil, nil
}

type harness struct {
	sched  *Scheduler
	runs   *memoryRuns
	alerts *fakeAlerts
	bus    *fakeBus
	mr     *miniredis.Miniredis
	now    *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{runs: newMemoryRuns(), alerts: &fakeAlerts{}, bus: &fakeBus{}, mr: mr}
	now := time.Date(2026, 10, 14, 12, 0, 30, 0, time.UTC)
	h.now = &now
	h.sched = New(DefaultConfig(), client, h.runs, h.alerts, h.bus, logging.Discard())
	h.sched.now = func() time.Time { return *h.now }
	return h
}

func countingJob(name string, n int, calls *int, periods *[]Period) Job {
	return Job{Name: name, Run: func(_ context.Context, p Period) (int, error) {
		*calls++
		if periods != nil {
			*periods = append(*periods, p)
		}
		return n, nil
	}}
}

func TestTick_FirstRunIsImmediate(t *testing.T) {
	h := newHarness(t)
	calls := 0
	var periods []Period
	h.sched.Register(models.TierDaily, countingJob("summary", 7, &calls, &periods))

	due, err := h.sched.NextDue(context.Background(), models.TierDaily)
	require.NoError(t, err)
	assert.Equal(t, *h.now, due)

	run, err := h.sched.Tick(context.Background(), models.TierDaily)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 7, run.RecordsProcessed)
	assert.True(t, run.Succeeded())
	assert.Equal(t, TriggerSchedule, run.Trigger)

	// yesterday, as a complete day
	require.Len(t, periods, 1)
	assert.Equal(t, time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC), periods[0].Start)
	assert.Equal(t, time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC), periods[0].End)

	assert.Equal(t, time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC), h.runs.checkpoints[models.TierDaily])
	assert.Equal(t, []string{"tracking.schedule.daily.completed"}, h.bus.published)
}

func TestTick_NoDuplicateWithinPeriod(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.sched.Register(models.TierHourly, countingJob("funnel", 1, &calls, nil))
	ctx := context.Background()

	_, err := h.sched.Tick(ctx, models.TierHourly)
	require.NoError(t, err)

	*h.now = h.now.Add(20 * time.Minute)
	run, err := h.sched.Tick(ctx, models.TierHourly)
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Equal(t, 1, calls)

	*h.now = h.now.Add(40 * time.Minute)
	run, err = h.sched.Tick(ctx, models.TierHourly)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 2, calls)
}

func TestTick_ResumesFromCheckpointAfterRestart(t *testing.T) {
	h := newHarness(t)
	var periods []Period
	calls := 0
	h.sched.Register(models.TierHourly, countingJob("funnel", 1, &calls, &periods))

	// last run covered up to 09:00; the process was down for three hours
	h.runs.checkpoints[models.TierHourly] = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	run, err := h.sched.Tick(context.Background(), models.TierHourly)
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Len(t, periods, 1)
	assert.Equal(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), periods[0].Start)
	assert.Equal(t, time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC), periods[0].End)
}

func TestTick_FailingJobIsIsolated(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.sched.Register(models.TierWeekly,
		Job{Name: "cohorts", Run: func(context.Context, Period) (int, error) { return 0, errors.New("archive unavailable") }},
		Job{Name: "explode", Run: func(context.Context, Period) (int, error) { panic("nil map") }},
		countingJob("weekly_report", 3, &calls, nil),
	)
	ctx := context.Background()

	run, err := h.sched.Tick(ctx, models.TierWeekly)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 1, calls, "later jobs still run")
	assert.Equal(t, 3, run.RecordsProcessed)
	require.Len(t, run.Errors, 2)
	assert.Contains(t, run.Errors[0], "archive unavailable")
	assert.Contains(t, run.Errors[1], "panic")
	assert.False(t, run.Succeeded())
	require.NotNil(t, run.FinishedAt)

	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, AlertTierFailed, h.alerts.alerts[0].alertType)
	assert.Equal(t, models.SeverityHigh, h.alerts.alerts[0].severity)
	assert.Contains(t, h.alerts.alerts[0].message, "cohorts, explode")

	// next week still runs
	*h.now = h.now.Add(7 * 24 * time.Hour)
	run, err = h.sched.Tick(ctx, models.TierWeekly)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 2, calls)
}

func TestTick_TiersAreIndependent(t *testing.T) {
	h := newHarness(t)
	hourly := 0
	h.sched.Register(models.TierDaily, Job{Name: "stuck", Run: func(context.Context, Period) (int, error) {
		return 0, errors.New("boom")
	}})
	h.sched.Register(models.TierHourly, countingJob("funnel", 1, &hourly, nil))
	ctx := context.Background()

	_, err := h.sched.Tick(ctx, models.TierDaily)
	require.NoError(t, err)
	_, err = h.sched.Tick(ctx, models.TierHourly)
	require.NoError(t, err)
	assert.Equal(t, 1, hourly)
}

func TestTick_LockHeldByOtherInstance(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.sched.Register(models.TierDaily, countingJob("summary", 1, &calls, nil))
	require.NoError(t, h.mr.Set("tracksync:scheduler:lock:daily", "other"))

	_, err := h.sched.Tick(context.Background(), models.TierDaily)
	assert.ErrorIs(t, err, ErrTierBusy)
	assert.Zero(t, calls)
}

func TestTick_LockReleasedAfterRun(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.sched.Register(models.TierDaily, countingJob("summary", 1, &calls, nil))

	_, err := h.sched.Tick(context.Background(), models.TierDaily)
	require.NoError(t, err)
	assert.False(t, h.mr.Exists("tracksync:scheduler:lock:daily"))
}

func TestTick_CheckpointError(t *testing.T) {
	h := newHarness(t)
	h.sched.Register(models.TierDaily, countingJob("summary", 1, new(int), nil))
	h.runs.getErr = errors.New("db down")

	_, err := h.sched.Tick(context.Background(), models.TierDaily)
	assert.Error(t, err)
	_, err = h.sched.NextDue(context.Background(), models.TierDaily)
	assert.Error(t, err)
}

func TestRunNow_LeavesCheckpoint(t *testing.T) {
	h := newHarness(t)
	calls := 0
	var periods []Period
	h.sched.Register(models.TierMonthly, countingJob("segments", 2, &calls, &periods))
	checkpoint := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	h.runs.checkpoints[models.TierMonthly] = checkpoint

	run, err := h.sched.RunNow(context.Background(), models.TierMonthly)
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, run.Trigger)
	assert.Equal(t, 1, calls)
	assert.Equal(t, checkpoint, h.runs.checkpoints[models.TierMonthly])
	require.Len(t, periods, 1)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), periods[0].Start)
	assert.Equal(t, checkpoint, periods[0].End)
}

func TestRunNow_UnknownTier(t *testing.T) {
	h := newHarness(t)
	_, err := h.sched.RunNow(context.Background(), models.Tier("yearly"))
	assert.ErrorIs(t, err, ErrUnknownTier)

	_, err = h.sched.RunNow(context.Background(), models.TierDaily)
	assert.ErrorIs(t, err, ErrUnknownTier, "no jobs registered")
}

func TestListenTriggers(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.sched.Register(models.TierHourly, countingJob("funnel", 1, &calls, nil))

	_, err := h.sched.ListenTriggers(h.bus)
	require.NoError(t, err)
	require.NotNil(t, h.bus.handler)

	data, _ := json.Marshal(triggerRequest{Tier: "hourly"})
	require.NoError(t, h.bus.handler(context.Background(), &messaging.Message{Data: data}))
	assert.Equal(t, 1, calls)

	assert.Error(t, h.bus.handler(context.Background(), &messaging.Message{Data: []byte("{")}))
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.sched.now = time.Now
	ran := make(chan struct{}, 1)
	h.sched.Register(models.TierRealtime, Job{Name: "drain", Run: func(context.Context, Period) (int, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return 0, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.Run(ctx)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("realtime tier never ran")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func runLoop(t *testing.T, h *harness, tier models.Tier, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.sched.loop(ctx, tier)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tier loop did not stop after cancellation")
	}
}

func TestLoop_WaitsWhileTierLockHeld(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.PollInterval = 50 * time.Millisecond
	var calls atomicCounter
	h.sched.Register(models.TierDaily, Job{Name: "summary", Run: func(context.Context, Period) (int, error) {
		calls.inc()
		return 0, nil
	}})
	require.NoError(t, h.mr.Set("tracksync:scheduler:lock:daily", "other-instance"))

	runLoop(t, h, models.TierDaily, 200*time.Millisecond)

	assert.Zero(t, calls.get())
	gets, _ := h.runs.counts()
	assert.LessOrEqual(t, gets, 10, "busy tier is polled, not spun")
}

func TestLoop_UnsavedCheckpointDoesNotRerunPeriod(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.PollInterval = 10 * time.Millisecond
	var calls atomicCounter
	h.sched.Register(models.TierDaily, Job{Name: "summary", Run: func(context.Context, Period) (int, error) {
		calls.inc()
		return 1, nil
	}})
	h.runs.mu.Lock()
	h.runs.setErr = errors.New("postgres unavailable")
	h.runs.mu.Unlock()

	runLoop(t, h, models.TierDaily, 200*time.Millisecond)

	assert.Equal(t, 1, calls.get(), "the period ran once")
	_, sets := h.runs.counts()
	assert.Less(t, sets, 50)

	due, err := h.sched.NextDue(context.Background(), models.TierDaily)
	require.NoError(t, err)
	assert.True(t, due.After(*h.now), "next due is the following period")

	// once the store recovers the pending checkpoint is written through
	h.runs.mu.Lock()
	h.runs.setErr = nil
	h.runs.mu.Unlock()
	_, err = h.sched.NextDue(context.Background(), models.TierDaily)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC), h.runs.checkpoints[models.TierDaily])
	assert.Empty(t, h.sched.unsaved)
}

func TestRetryDelay_Capped(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.PollInterval = time.Second
	assert.Equal(t, time.Second, h.sched.retryDelay(1))
	assert.Equal(t, 4*time.Second, h.sched.retryDelay(3))
	assert.Equal(t, 16*time.Second, h.sched.retryDelay(50))
}

type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
