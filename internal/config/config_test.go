// File: internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newTestViper())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)

	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 45*time.Second, cfg.Browser.ActionTimeout)
	assert.Equal(t, 90*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, 30*time.Second, cfg.Browser.KeepaliveInterval)
	assert.Equal(t, int64(1366), cfg.Browser.Fingerprint.ViewportWidth)

	assert.Equal(t, "./credentials", cfg.Store.Dir)
	assert.Equal(t, 1500*time.Millisecond, cfg.Store.MinSaveInterval)
	assert.Equal(t, 24*time.Hour, cfg.Store.MaxAge)
	assert.Empty(t, cfg.Store.MarkerCredential, "the marker policy is off by default")

	assert.Equal(t, 2*time.Second, cfg.Watcher.PollInterval)
	assert.Equal(t, 150, cfg.Watcher.PollBudget)
	assert.Equal(t, 750*time.Millisecond, cfg.Watcher.DebounceDelay)

	assert.False(t, cfg.Vision.Enabled)
	assert.Equal(t, ProviderGemini, cfg.Vision.Provider)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: debug
browser:
  headless: false
  action_timeout: 10s
store:
  dir: /tmp/creds
  marker_credential: auth_token
watcher:
  poll_interval: 500ms
  poll_budget: 40
vision:
  enabled: true
  api_key: k
`), 0o600))

	v := newTestViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 10*time.Second, cfg.Browser.ActionTimeout)
	assert.Equal(t, 90*time.Second, cfg.Browser.NavigationTimeout, "unset keys keep defaults")
	assert.Equal(t, "/tmp/creds", cfg.Store.Dir)
	assert.Equal(t, "auth_token", cfg.Store.MarkerCredential)
	assert.Equal(t, 500*time.Millisecond, cfg.Watcher.PollInterval)
	assert.Equal(t, 40, cfg.Watcher.PollBudget)
	assert.True(t, cfg.Vision.Enabled)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(newTestViper())
		require.NoError(t, err)
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("rejects missing store location", func(t *testing.T) {
		cfg := base()
		cfg.Store.Dir = ""
		cfg.Store.DSN = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive poll interval", func(t *testing.T) {
		cfg := base()
		cfg.Watcher.PollInterval = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects zero poll budget", func(t *testing.T) {
		cfg := base()
		cfg.Watcher.PollBudget = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects vision without api key", func(t *testing.T) {
		cfg := base()
		cfg.Vision.Enabled = true
		cfg.Vision.APIKey = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive keepalive", func(t *testing.T) {
		cfg := base()
		cfg.Browser.KeepaliveInterval = 0
		assert.Error(t, cfg.Validate())
	})
}
