package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8095, cfg.Server.Port)
	assert.Equal(t, int64(1048576), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)

	// Delivery defaults
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Sync.BackoffMax)
	assert.Equal(t, 2.0, cfg.Sync.BackoffMultiplier)
	assert.Equal(t, 50, cfg.Store.BatchSize)
	assert.Equal(t, 1.0, cfg.Store.RequestsPerSecond)
	assert.Equal(t, 5, cfg.Store.Burst)
	assert.Equal(t, int64(60), cfg.Store.QuotaLimit)
	assert.Equal(t, time.Minute, cfg.Store.QuotaWindow)

	assert.Equal(t, 5*time.Minute, cfg.Notify.Window)
	assert.Equal(t, []string{"pager", "email"}, cfg.Notify.Routes["high"])
	assert.Equal(t, []string{"email"}, cfg.Notify.Routes["low"])
	assert.Equal(t, []string{"user-activity"}, cfg.Webhooks.Unsigned)
	assert.Equal(t, time.Minute, cfg.Scheduler.RealtimeInterval)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.Period)
	assert.Equal(t, 14*24*time.Hour, cfg.Reports.ForecastWindow)
	assert.Empty(t, cfg.Admin.JWTSecret)
	assert.Empty(t, cfg.Tracing.Endpoint)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRACKING_SERVER_PORT", "9100")
	t.Setenv("TRACKING_STORE_URL", "https://store.example.com")
	t.Setenv("TRACKING_SYNC_MAX_ATTEMPTS", "5")
	t.Setenv("TRACKING_NOTIFY_WINDOW", "2m")
	t.Setenv("TRACKING_WEBHOOKS_SHARED_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "https://store.example.com", cfg.Store.URL)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Notify.Window)
	assert.Equal(t, "s3cret", cfg.Webhooks.SharedSecret)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracking.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  url: https://sheets.internal
  batch_size: 25
sync:
  claim_batch: 25
webhooks:
  channel_secrets:
    orders: orders-secret
notify:
  routes:
    critical: [pager, slack, email]
scheduler:
  disabled: [monthly]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://sheets.internal", cfg.Store.URL)
	assert.Equal(t, 25, cfg.Store.BatchSize)
	assert.Equal(t, "orders-secret", cfg.Webhooks.ChannelSecrets["orders"])
	assert.Equal(t, []string{"pager", "slack", "email"}, cfg.Notify.Routes["critical"])
	assert.Equal(t, []string{"monthly"}, cfg.Scheduler.Disabled)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"store url", func(c *Config) { c.Store.URL = "" }},
		{"workers", func(c *Config) { c.Sync.Workers = 0 }},
		{"attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"multiplier", func(c *Config) { c.Sync.BackoffMultiplier = 0.5 }},
		{"jitter", func(c *Config) { c.Sync.BackoffJitter = 1.5 }},
		{"backoff cap", func(c *Config) { c.Sync.BackoffMax = time.Millisecond }},
		{"window", func(c *Config) { c.Notify.Window = 0 }},
		{"request timeout over in-flight budget", func(c *Config) { c.Store.RequestTimeout = c.Sync.InflightTimeout }},
		{"quota wait equals in-flight timeout", func(c *Config) {
			c.Store.MaxQuotaWait = 2 * time.Minute
			c.Sync.InflightTimeout = 2 * time.Minute
		}},
		{"rate limit retries outlast in-flight timeout", func(c *Config) { c.Store.MaxRateLimitRetries = 20 }},
		{"claim batch spans too many store batches", func(c *Config) { c.Sync.ClaimBatch = 500 }},
		{"no in-flight timeout", func(c *Config) { c.Sync.InflightTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStoreSendBound_DefaultsFitInflightTimeout(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Sync.InflightTimeout)
	assert.Equal(t, 9*time.Minute, cfg.SendBudget())
	// 5 tries x (10s request + 30s quota wait) + 4 x 60s backoff
	assert.Equal(t, 440*time.Second, cfg.StoreSendBound())
	assert.Less(t, cfg.StoreSendBound(), cfg.SendBudget())
}

func TestPostgresConnString(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, User: "tracksync", Password: "p@ss", Database: "tracksync", SSLMode: "disable"}
	assert.Equal(t, "postgres://tracksync:p%40ss@db:5432/tracksync?sslmode=disable", p.ConnString())
}
