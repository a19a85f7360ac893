package seeder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  orders: 5
  span: 2h
  channels: [orders, payments]
signing:
  shared_secret: abc
  derive: true
`), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Defaults.Orders)
	assert.Equal(t, 200, cfg.Defaults.Sessions)
	assert.Equal(t, 2*time.Hour, cfg.Defaults.Span)
	assert.Equal(t, []string{"orders", "payments"}, cfg.Defaults.Channels)

	rules := cfg.SigningRules()
	assert.Equal(t, "abc", rules.Shared)
	assert.True(t, rules.Derive)
	assert.Equal(t, []string{"user-activity"}, rules.Unsigned)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{Defaults: DefaultsConfig{Workers: 1, Channels: []string{"orders", "returns"}}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown channel "returns"`)

	cfg.Defaults.Channels = nil
	assert.NoError(t, cfg.Validate())

	cfg.Defaults.Workers = 0
	assert.Error(t, cfg.Validate())
}
