package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/quota"
)

func TestWithLog_DoesNotAliasConfig(t *testing.T) {
	configured := make([]string, 1, 4)
	configured[0] = "email"

	first := withLog(configured)
	second := withLog(configured[:1])
	first[0] = "pager"

	assert.Equal(t, []string{"pager", "log"}, first)
	assert.Equal(t, []string{"email", "log"}, second)
	assert.Equal(t, []string{"email"}, configured)
	assert.Equal(t, "", configured[:2][1], "spare capacity of the config slice is untouched")
}

func TestBuildRoutes(t *testing.T) {
	routes := buildRoutes(map[string][]string{
		"high":    {"pager", "email"},
		"unknown": {"email"},
	})
	assert.Equal(t, []string{"pager", "email", "log"}, routes[models.Severity("high")])
	assert.Len(t, routes, 1)
}

func TestStoreQuotaKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	w := quota.NewRedisWindow(client, storeQuotaKey, 10, time.Minute)
	ok, err := w.Allow(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, mr.Exists("tracksync:quota:store"))
	assert.False(t, mr.Exists("tracksync:quota:tracksync:quota:store"))
}
