// Package delivery writes rows to the rate-limited analytics store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/tracing"
	"github.com/telhawk-systems/tracksync/tracking/internal/metrics"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/quota"
)

// Sink is the analytics store's row API.
type Sink interface {
	// Upsert inserts or replaces rows in target, keyed by Row.Key.
	Upsert(ctx context.Context, target string, rows []models.Row) error
}

// Pinger is implemented by sinks that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes batching, pacing and rate-limit handling.
type Config struct {
	BatchSize           int
	RequestTimeout      time.Duration
	RequestsPerSecond   float64
	Burst               int
	QuotaLimit          int64
	MaxQuotaWait        time.Duration
	MaxRateLimitRetries int
	Backoff             Backoff
}

// DefaultConfig matches the store's published quota of 60 requests per minute.
func DefaultConfig() Config {
	return Config{
		BatchSize:           50,
		RequestTimeout:      15 * time.Second,
		RequestsPerSecond:   1,
		Burst:               5,
		QuotaLimit:          60,
		MaxQuotaWait:        30 * time.Second,
		MaxRateLimitRetries: 8,
		Backoff:             DefaultBackoff(),
	}
}

// Client batches rows, paces calls under the quota and re-queues batches the
// store rate limits.
type Client struct {
	sink    Sink
	cfg     Config
	limiter *rate.Limiter
	quota   quota.Window
	logger  *logging.Logger
	tracer  trace.Tracer

	mu             sync.Mutex
	throttledUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client. A nil window disables shared quota accounting.
func NewClient(sink Sink, window quota.Window, cfg Config, logger *logging.Logger) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if window == nil {
		window = &quota.NoOpWindow{Limit: cfg.QuotaLimit}
	}
	if logger == nil {
		logger = logging.Default()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		sink:    sink,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		quota:   window,
		logger:  logger.Component("delivery"),
		tracer:  tracing.Tracer("delivery"),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// BatchSize returns the configured rows per call.
func (c *Client) BatchSize() int {
	return c.cfg.BatchSize
}

// AppendOrUpdate upserts rows into target in batches. It returns how many rows,
// counted from the start of rows, were written before the first failing batch.
func (c *Client) AppendOrUpdate(ctx context.Context, target string, rows []models.Row) (int, error) {
	delivered := 0
	for start := 0; start < len(rows); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := c.sendBatch(ctx, target, rows[start:end]); err != nil {
			return delivered, err
		}
		delivered = end
	}
	return delivered, nil
}

// RemainingQuota returns the requests left in the store's current quota window.
func (c *Client) RemainingQuota(ctx context.Context) (int64, error) {
	remaining, err := c.quota.Remaining(ctx)
	if err != nil {
		return 0, err
	}
	if c.Throttled() {
		remaining = 0
	}
	metrics.StoreQuotaRemaining.Set(float64(remaining))
	return remaining, nil
}

// Throttled reports whether a recent rate-limit response is still being honoured.
func (c *Client) Throttled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.throttledUntil)
}

// Ping checks store reachability when the sink supports it.
func (c *Client) Ping(ctx context.Context) error {
	if p, ok := c.sink.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *Client) sendBatch(ctx context.Context, target string, batch []models.Row) error {
	ctx, span := c.tracer.Start(ctx, "delivery.batch", trace.WithAttributes(
		attribute.String("target", target),
		attribute.Int("rows", len(batch)),
	))
	defer span.End()

	var lastDelay time.Duration
	for attempt := 0; ; attempt++ {
		if err := c.acquire(ctx); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		start := time.Now()
		err := c.sink.Upsert(callCtx, target, batch)
		cancel()

		derr := classify(err)
		outcome := "ok"
		if derr != nil {
			outcome = derr.Kind.String()
		}
		metrics.StoreRequestDuration.WithLabelValues(target, outcome).Observe(time.Since(start).Seconds())
		metrics.StoreBatchSize.Observe(float64(len(batch)))

		if derr == nil {
			return nil
		}
		if derr.Kind != KindRateLimited {
			span.SetStatus(codes.Error, derr.Error())
			return derr
		}

		metrics.StoreRateLimited.WithLabelValues(target).Inc()
		delay := c.cfg.Backoff.Delay(attempt)
		if derr.RetryAfter > delay {
			delay = derr.RetryAfter
		}
		// Never wait less than last time, even when the store hints a shorter retry.
		if delay < lastDelay {
			delay = lastDelay
		}
		lastDelay = delay

		if attempt >= c.cfg.MaxRateLimitRetries {
			span.SetStatus(codes.Error, "quota exceeded")
			c.throttle(delay)
			return &Error{Kind: KindQuotaExceeded, StatusCode: derr.StatusCode, RetryAfter: delay, Err: derr.Err}
		}

		c.logger.WarnContext(ctx, "analytics store rate limited, re-queueing batch",
			logging.Target(target),
			logging.Attempt(attempt+1),
			logging.Duration(delay))
		c.throttle(delay)
	}
}

// throttle pauses every send until now+d, not only the batch that was limited.
func (c *Client) throttle(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until := c.now().Add(d); until.After(c.throttledUntil) {
		c.throttledUntil = until
	}
}

// acquire waits for the shared throttle, the local token bucket and a quota slot.
func (c *Client) acquire(ctx context.Context) error {
	c.mu.Lock()
	wait := c.throttledUntil.Sub(c.now())
	c.mu.Unlock()
	if wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return Transient(err)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Transient(err)
	}

	deadline := c.now().Add(c.cfg.MaxQuotaWait)
	for {
		ok, err := c.quota.Allow(ctx)
		if err != nil {
			// Quota accounting is advisory; the token bucket still paces us.
			c.logger.WarnContext(ctx, "quota window unavailable", logging.Error(err))
			return nil
		}
		if ok {
			return nil
		}

		next, err := c.quota.NextSlot(ctx)
		if err != nil || next <= 0 {
			next = time.Second
		}
		if c.now().Add(next).After(deadline) {
			c.throttle(next)
			return &Error{Kind: KindQuotaExceeded, RetryAfter: next, Err: errors.New("no quota slot available")}
		}
		if err := c.sleep(ctx, next); err != nil {
			return Transient(err)
		}
	}
}

// classify converts sink errors into *Error. Unclassified errors are transient.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(fmt.Errorf("store call timed out: %w", err))
	}
	return Transient(err)
}
