package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestRedisWindow_AllowAndRemaining(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	w := NewRedisWindow(client, "store", 3, time.Minute).(*redisWindow)
	w.now = func() time.Time { return now }

	remaining, err := w.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), remaining)

	for i := 0; i < 3; i++ {
		ok, err := w.Allow(ctx)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
		now = now.Add(time.Second)
	}

	ok, err := w.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "quota exhausted")

	remaining, err = w.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)

	wait, err := w.NextSlot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 57*time.Second, wait)

	// The first request leaves the window.
	now = now.Add(57*time.Second + 500*time.Millisecond)
	remaining, err = w.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	ok, err = w.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisWindow_KeyExpires(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	w := NewRedisWindow(client, "store", 10, time.Minute)
	ok, err := w.Allow(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("tracksync:quota:store"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("tracksync:quota:store"))
}

func TestNoOpWindow(t *testing.T) {
	w := &NoOpWindow{Limit: 60}
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ok, err := w.Allow(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	remaining, err := w.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), remaining)
	assert.NoError(t, w.Close())
}
