package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softair/roomsync"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "serialize", cfg.CorrelationPolicy)

	opts, err := cfg.Options()
	require.NoError(t, err)
	def := roomsync.DefaultOptions()
	assert.Equal(t, def.BackendURL, opts.BackendURL)
	assert.Equal(t, def.PollInterval, opts.PollInterval)
	assert.Equal(t, def.CommandTimeout, opts.CommandTimeout)
	assert.Equal(t, def.ReconnectFor(roomsync.PurposeInventory), opts.ReconnectFor(roomsync.PurposeInventory))
	assert.Equal(t, def.ReconnectFor(roomsync.PurposeReport), opts.ReconnectFor(roomsync.PurposeReport))
	assert.Nil(t, opts.Auth)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "backend_url: ws://backend:9000/ws\npoll_interval_seconds: 3\ncorrelation_policy: overwrite\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), []byte(yaml), 0o600))
	t.Setenv("POLL_INTERVAL_SECONDS", "7")
	t.Setenv("AUTH_TOKEN", "Bearer abc")
	t.Setenv("SESSION_RECONNECT_DELAY_MS", "500")
	t.Setenv("REPORT_MAX_ATTEMPTS", "2")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	opts, err := cfg.Options()
	require.NoError(t, err)

	assert.Equal(t, "ws://backend:9000/ws", opts.BackendURL)
	assert.Equal(t, 7*time.Second, opts.PollInterval)
	assert.Equal(t, roomsync.CorrelateOverwrite, opts.Correlation)
	assert.Equal(t, roomsync.StaticAuth{Value: "Bearer abc"}, opts.Auth)
	assert.Equal(t, 500*time.Millisecond, opts.ReconnectFor(roomsync.PurposeBill).Delay)
	assert.Equal(t, roomsync.ReconnectPolicy{MaxAttempts: 2, Delay: 500 * time.Millisecond}, opts.ReconnectFor(roomsync.PurposeReport))
	// room channels keep their own delay and retry forever
	assert.Equal(t, 5*time.Second, opts.ReconnectFor(roomsync.PurposeDetail).Delay)
	assert.True(t, opts.ReconnectFor(roomsync.PurposeDetail).Unbounded())
}

func TestOptionsRejectsUnknownPolicy(t *testing.T) {
	cfg := &Config{CorrelationPolicy: "random"}
	_, err := cfg.Options()
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "component", "Test")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"component":"Test"`)
}
