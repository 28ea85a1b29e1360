// -- cmd/root_test.go --
package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/marionette-cli/internal/config"
)

func TestInitializeConfigDefaultsAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("MARIONETTE_BROWSER_HEADLESS", "false")
	t.Setenv("MARIONETTE_STORE_DIR", t.TempDir())

	require.NoError(t, initializeConfig())

	cfg, err := config.Load(viper.GetViper())
	require.NoError(t, err)

	assert.False(t, cfg.Browser.Headless, "env var must override the default")
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 150, cfg.Watcher.PollBudget)
	assert.False(t, cfg.Vision.Enabled)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"session", "watch", "auth", "creds"} {
		assert.True(t, names[want], "command %q must be registered", want)
	}
}
