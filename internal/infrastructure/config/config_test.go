package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Sandbox.Budget)
	assert.Equal(t, 32, cfg.Sandbox.MaxLive)
	assert.Equal(t, 15*time.Second, cfg.Bridge.Timeout)
	assert.Equal(t, int64(4<<20), cfg.Installer.MaxPayloadBytes)
	assert.Equal(t, 6*time.Hour, cfg.Updates.Interval)
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Server.Port, cfg.Server.Port)
	assert.Equal(t, def.Sandbox, cfg.Sandbox)
	assert.Equal(t, def.Bridge, cfg.Bridge)
	assert.Equal(t, def.Updates, cfg.Updates)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                   "9000",
		"LOG_LEVEL":              "debug",
		"DATA_DIR":               "/var/lib/streambox",
		"SANDBOX_BUDGET":         "5s",
		"SANDBOX_MAX_LIVE":       "4",
		"BRIDGE_RPS":             "2.5",
		"INSTALLER_TRUSTED_KEYS": "main:AAAA,backup:BBBB",
		"UPDATES_ENABLED":        "false",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/streambox", cfg.Storage.DataDir)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.Budget)
	assert.Equal(t, 4, cfg.Sandbox.MaxLive)
	assert.InDelta(t, 2.5, cfg.Bridge.RequestsPerSecond, 0.001)
	assert.Equal(t, map[string]string{"main": "AAAA", "backup": "BBBB"}, cfg.Installer.TrustedKeys)
	assert.False(t, cfg.Updates.Enabled)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("SANDBOX_BUDGET", "soon")

	_, err := Load()
	assert.Error(t, err)

	cfg := LoadOrDefault()
	assert.Equal(t, 30*time.Second, cfg.Sandbox.Budget)
}
