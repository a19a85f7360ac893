package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	h := NewHealth(time.Second)
	h.Register("redis", true, ok)
	h.Register("store", false, ok)
	assert.Equal(t, StatusOK, h.Check(context.Background()).Status)
	assert.Equal(t, []string{"redis", "store"}, h.Names())

	h.Register("channel:email", false, failing)
	report := h.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "connection refused", report.Dependencies["channel:email"].Error)
	assert.Equal(t, StatusOK, report.Dependencies["redis"].Status)

	h.Register("redis", true, failing)
	assert.Equal(t, StatusDown, h.Check(context.Background()).Status)
}

func TestHealth_Timeout(t *testing.T) {
	h := NewHealth(20 * time.Millisecond)
	h.Register("slow", false, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	start := time.Now()
	report := h.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusDegraded, report.Status)
}
