package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

type fakeSink struct {
	mu      sync.Mutex
	calls   [][]models.Row
	results []error
	stored  map[string]models.Row
}

func (f *fakeSink) Upsert(_ context.Context, _ string, rows []models.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rows)
	var err error
	if len(f.results) > 0 {
		err = f.results[0]
		f.results = f.results[1:]
	}
	if err == nil {
		if f.stored == nil {
			f.stored = make(map[string]models.Row)
		}
		for _, r := range rows {
			f.stored[r.Key] = r
		}
	}
	return err
}

type fakeWindow struct {
	allow     []bool
	remaining int64
	next      time.Duration
	err       error
}

func (w *fakeWindow) Allow(context.Context) (bool, error) {
	if w.err != nil {
		return false, w.err
	}
	if len(w.allow) == 0 {
		return true, nil
	}
	ok := w.allow[0]
	w.allow = w.allow[1:]
	return ok, nil
}
func (w *fakeWindow) Remaining(context.Context) (int64, error)        { return w.remaining, nil }
func (w *fakeWindow) NextSlot(context.Context) (time.Duration, error) { return w.next, nil }
func (w *fakeWindow) Close() error                                    { return nil }

// fakeClock advances only when the client sleeps.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return ctx.Err()
}

func newTestClient(sink Sink, window *fakeWindow, mutate func(*Config)) (*Client, *fakeClock) {
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 0
	cfg.Backoff = Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 1, Rand: func() float64 { return 0.5 }}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(sink, nil, cfg, logging.Discard())
	if window != nil {
		c.quota = window
	}
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.now
	c.sleep = clock.sleep
	return c, clock
}

func rows(n int) []models.Row {
	out := make([]models.Row, n)
	for i := range out {
		key := "ORD-" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		out[i] = models.Row{Key: key, Values: map[string]interface{}{"order_id": key}}
	}
	return out
}

func rateLimited(retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, StatusCode: 429, RetryAfter: retryAfter, Err: errors.New("slow down")}
}

func TestAppendOrUpdate_Batches(t *testing.T) {
	sink := &fakeSink{}
	c, _ := newTestClient(sink, nil, func(cfg *Config) { cfg.BatchSize = 4 })

	n, err := c.AppendOrUpdate(context.Background(), "Orders", rows(10))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	require.Len(t, sink.calls, 3)
	assert.Len(t, sink.calls[0], 4)
	assert.Len(t, sink.calls[1], 4)
	assert.Len(t, sink.calls[2], 2)
}

func TestAppendOrUpdate_Empty(t *testing.T) {
	sink := &fakeSink{}
	c, _ := newTestClient(sink, nil, nil)

	n, err := c.AppendOrUpdate(context.Background(), "Orders", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.calls)
}

func TestAppendOrUpdate_RateLimitedThenSucceeds(t *testing.T) {
	sink := &fakeSink{results: []error{rateLimited(0), rateLimited(0), rateLimited(0), nil}}
	c, clock := newTestClient(sink, nil, nil)

	n, err := c.AppendOrUpdate(context.Background(), "Orders", rows(1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sink.calls, 4, "batch is re-queued, not dropped")

	require.Len(t, clock.sleeps, 3)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond, 4500 * time.Millisecond}, clock.sleeps)
	for i := 1; i < len(clock.sleeps); i++ {
		assert.GreaterOrEqual(t, clock.sleeps[i], clock.sleeps[i-1])
	}
}

func TestAppendOrUpdate_HonoursRetryAfter(t *testing.T) {
	sink := &fakeSink{results: []error{rateLimited(10 * time.Second), rateLimited(0), nil}}
	c, clock := newTestClient(sink, nil, nil)

	_, err := c.AppendOrUpdate(context.Background(), "Orders", rows(1))
	require.NoError(t, err)
	// The second wait would be 2.5s by backoff but never drops below the previous 10s.
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, clock.sleeps)
}

func TestAppendOrUpdate_QuotaExceededAfterRetries(t *testing.T) {
	sink := &fakeSink{results: []error{rateLimited(0), rateLimited(0), rateLimited(0)}}
	c, _ := newTestClient(sink, nil, func(cfg *Config) { cfg.MaxRateLimitRetries = 2 })

	n, err := c.AppendOrUpdate(context.Background(), "Orders", rows(1))
	require.Error(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, IsTransient(err))
	assert.True(t, c.Throttled(), "subsequent sends are throttled too")
}

func TestAppendOrUpdate_ThrottlesSubsequentBatches(t *testing.T) {
	sink := &fakeSink{results: []error{rateLimited(5 * time.Second), nil, nil}}
	c, clock := newTestClient(sink, nil, func(cfg *Config) { cfg.BatchSize = 1 })

	n, err := c.AppendOrUpdate(context.Background(), "Orders", rows(2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []time.Duration{5 * time.Second}, clock.sleeps)
}

func TestAppendOrUpdate_PartialOnPermanent(t *testing.T) {
	sink := &fakeSink{results: []error{nil, Permanent(errors.New("bad column"))}}
	c, _ := newTestClient(sink, nil, func(cfg *Config) { cfg.BatchSize = 2 })

	n, err := c.AppendOrUpdate(context.Background(), "Orders", rows(5))
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, IsPermanent(err))
	assert.Len(t, sink.calls, 2)
}

func TestAppendOrUpdate_TransientSurfaces(t *testing.T) {
	sink := &fakeSink{results: []error{&Error{Kind: KindTransient, StatusCode: 503, Err: errors.New("unavailable")}}}
	c, clock := newTestClient(sink, nil, nil)

	_, err := c.AppendOrUpdate(context.Background(), "Orders", rows(1))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
	assert.Empty(t, clock.sleeps, "5xx is retried by the engine, not inline")
}

func TestAppendOrUpdate_UnclassifiedIsTransient(t *testing.T) {
	sink := &fakeSink{results: []error{context.DeadlineExceeded}}
	c, _ := newTestClient(sink, nil, nil)

	_, err := c.AppendOrUpdate(context.Background(), "Orders", rows(1))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestAppendOrUpdate_WaitsForQuotaSlot(t *testing.T) {
	sink := &fakeSink{}
	window := &fakeWindow{allow: []bool{false, true}, next: 3 * time.Second}
	c, clock := newTestClient(sink, window, nil)

	_, err := c.AppendOrUpdate(context.Background(), "Orders", rows(1))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.sleeps)
}

func TestAppendOrUpdate_QuotaWaitTooLong(t *testing.T) {
	sink := &fakeSink{}
	window := &fakeWindow{allow: []bool{false}, next: 45 * time.Second}
	c, _ := newTestClient(sink, window, nil)

	_, err := c.AppendOrUpdate(context.Background(), "Orders", rows(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Empty(t, sink.calls)
}

func TestAppendOrUpdate_QuotaBackendDownStillSends(t *testing.T) {
	sink := &fakeSink{}
	window := &fakeWindow{err: errors.New("redis down")}
	c, _ := newTestClient(sink, window, nil)

	_, err := c.AppendOrUpdate(context.Background(), "Orders", rows(1))
	require.NoError(t, err)
	assert.Len(t, sink.calls, 1)
}

func TestAppendOrUpdate_IdempotentReplay(t *testing.T) {
	sink := &fakeSink{}
	c, _ := newTestClient(sink, nil, nil)
	batch := rows(3)

	for i := 0; i < 3; i++ {
		_, err := c.AppendOrUpdate(context.Background(), "Orders", batch)
		require.NoError(t, err)
	}
	assert.Len(t, sink.stored, 3)
}

func TestRemainingQuota(t *testing.T) {
	window := &fakeWindow{remaining: 42}
	c, _ := newTestClient(&fakeSink{}, window, nil)

	remaining, err := c.RemainingQuota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), remaining)

	c.throttle(time.Minute)
	remaining, err = c.RemainingQuota(context.Background())
	require.NoError(t, err)
	assert.Zero(t, remaining, "throttled client reports no quota")
}

func TestRemainingQuota_Disabled(t *testing.T) {
	c := NewClient(&fakeSink{}, nil, DefaultConfig(), logging.Discard())

	remaining, err := c.RemainingQuota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(60), remaining)
}
