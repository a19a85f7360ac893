// Package quota tracks consumption of the analytics store's request quota.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window is a request quota shared by every process talking to the store.
type Window interface {
	// Allow consumes one request if the window has room.
	Allow(ctx context.Context) (bool, error)
	// Remaining returns how many requests are left in the current window.
	Remaining(ctx context.Context) (int64, error)
	// NextSlot returns how long until a consumed request leaves the window.
	NextSlot(ctx context.Context) (time.Duration, error)
	Close() error
}

var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])

	-- Drop requests that left the window
	redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

	local current = redis.call('ZCARD', key)
	if current < limit then
		redis.call('ZADD', key, now, ARGV[4])
		redis.call('PEXPIRE', key, ARGV[5])
		return 1
	end
	return 0
`)

var remainingScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, tonumber(ARGV[1]))
	return redis.call('ZCARD', KEYS[1])
`)

type redisWindow struct {
	client *redis.Client
	key    string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisWindow creates a sliding-window quota of limit requests per window under key.
func NewRedisWindow(client *redis.Client, key string, limit int64, window time.Duration) Window {
	return &redisWindow{
		client: client,
		key:    "tracksync:quota:" + key,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow implements sliding window accounting using Redis.
func (w *redisWindow) Allow(ctx context.Context) (bool, error) {
	now := w.now().UnixMilli()
	windowStart := now - w.window.Milliseconds()

	result, err := allowScript.Run(ctx, w.client, []string{w.key},
		now, windowStart, w.limit, uuid.NewString(), w.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("quota check failed: %w", err)
	}
	return result == 1, nil
}

func (w *redisWindow) Remaining(ctx context.Context) (int64, error) {
	windowStart := w.now().UnixMilli() - w.window.Milliseconds()
	used, err := remainingScript.Run(ctx, w.client, []string{w.key}, windowStart).Int64()
	if err != nil {
		return 0, fmt.Errorf("quota remaining failed: %w", err)
	}
	if used >= w.limit {
		return 0, nil
	}
	return w.limit - used, nil
}

func (w *redisWindow) NextSlot(ctx context.Context) (time.Duration, error) {
	oldest, err := w.client.ZRangeWithScores(ctx, w.key, 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("quota next slot failed: %w", err)
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	freeAt := time.UnixMilli(int64(oldest[0].Score)).Add(w.window)
	if d := freeAt.Sub(w.now()); d > 0 {
		return d, nil
	}
	return 0, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (w *redisWindow) Close() error {
	return nil
}

// NoOpWindow never limits. Remaining reports Limit.
type NoOpWindow struct {
	Limit int64
}

func (n *NoOpWindow) Allow(context.Context) (bool, error) { return true, nil }

func (n *NoOpWindow) Remaining(context.Context) (int64, error) { return n.Limit, nil }

func (n *NoOpWindow) NextSlot(context.Context) (time.Duration, error) { return 0, nil }

func (n *NoOpWindow) Close() error { return nil }
