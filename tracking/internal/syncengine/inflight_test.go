package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tracksync/tracking/internal/delivery"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

// gatedStore holds sends of rows carrying holdStatus until release is closed.
type gatedStore struct {
	*memoryStore
	holdStatus string
	entered    chan struct{}
	release    chan struct{}
	deadline   chan time.Time
}

func newGatedStore(store *memoryStore, holdStatus string) *gatedStore {
	return &gatedStore{
		memoryStore: store,
		holdStatus:  holdStatus,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
		deadline:    make(chan time.Time, 1),
	}
}

func (g *gatedStore) AppendOrUpdate(ctx context.Context, target string, rows []models.Row) (int, error) {
	for _, r := range rows {
		if r.Values["status"] != g.holdStatus {
			continue
		}
		if d, ok := ctx.Deadline(); ok {
			g.deadline <- d
		}
		g.entered <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return 0, delivery.Transient(ctx.Err())
		}
		break
	}
	return g.memoryStore.AppendOrUpdate(ctx, target, rows)
}

func TestEngine_StaleSendCannotOverwriteNewerValue(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.InflightTimeout = time.Minute })
	ctx := context.Background()
	gate := newGatedStore(h.store, "pending")
	h.engine.deliverer = gate

	older := h.submitOrder(t, "evt-old", "pending", h.now.Add(-20*time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.pass(ctx)
		done <- err
	}()
	<-gate.entered

	newer := h.submitOrder(t, "evt-new", "shipped", h.now.Add(-10*time.Second))

	// The old send outlives its lease and in-flight window.
	h.advance(3 * time.Minute)
	h.mr.FastForward(3 * time.Minute)

	n, err := h.engine.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a send still running here is not requeued")

	_, err = h.engine.pass(ctx)
	require.NoError(t, err)
	_, ok := h.store.row("Orders", "ORD-1")
	assert.False(t, ok, "newer value waits for the running send")

	close(gate.release)
	require.NoError(t, <-done)

	h.advance(time.Minute)
	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)

	row, ok := h.store.row("Orders", "ORD-1")
	require.True(t, ok)
	assert.Equal(t, "shipped", row.Values["status"])

	for _, id := range []string{older.Task.ID, newer.Task.ID} {
		task, err := h.engine.Task(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskDelivered, task.Status, id)
	}
}

func TestEngine_SendBoundedByInflightTimeout(t *testing.T) {
	const inflight = 200 * time.Millisecond
	h := newHarness(t, func(cfg *Config) { cfg.InflightTimeout = inflight })
	ctx := context.Background()
	gate := newGatedStore(h.store, "pending")
	h.engine.deliverer = gate

	result := h.submitOrder(t, "evt-1", "pending", h.now.Add(-time.Minute))

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.pass(ctx)
		done <- err
	}()
	<-gate.entered

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send was not cut off")
	}
	deadline := <-gate.deadline
	assert.True(t, deadline.Before(start.Add(inflight)), "send deadline falls inside the in-flight timeout")

	task, err := h.engine.Task(ctx, result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status, "cut-off send is retried")
	assert.Equal(t, 1, task.Attempt)
}
