package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, 10*time.Second, cfg.Transport.GatherTimeout.Duration())
	require.Equal(t, "sig", cfg.Relay.Prefix)
	require.Equal(t, 3*time.Second, cfg.Relay.PollInterval.Duration())
	require.Equal(t, "0.0.0.0", cfg.RelayServer.Host)
	require.Equal(t, 8000, cfg.RelayServer.Port)
	require.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Duration())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  json: true
transport:
  ice_servers:
    - stun:stun.example.com:3478
  gather_timeout: 20s
relay:
  base_url: http://relay.example.com
  poll_interval: 1s
light:
  endpoint: http://light.local/api
  api_key: secret
relay_server:
  port: 9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Log.JSON)
	require.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.Transport.ICEServers)
	require.Equal(t, 20*time.Second, cfg.Transport.GatherTimeout.Duration())
	require.Equal(t, "http://relay.example.com", cfg.Relay.BaseURL)
	require.Equal(t, time.Second, cfg.Relay.PollInterval.Duration())
	require.Equal(t, "http://light.local/api", cfg.Light.Endpoint)
	require.Equal(t, "secret", cfg.Light.APIKey)
	require.Equal(t, 9000, cfg.RelayServer.Port)

	// Untouched sections still get defaults.
	require.Equal(t, "sig", cfg.Relay.Prefix)
	require.Equal(t, 5*time.Second, cfg.Light.Timeout.Duration())
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_URL", "http://from-env:9999")

	path := writeConfig(t, `
relay:
  base_url: ${TEST_RELAY_URL}
  prefix: ${TEST_RELAY_PREFIX:custom}
light:
  api_key: ${TEST_UNSET_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "http://from-env:9999", cfg.Relay.BaseURL)
	// Unset with a default falls back to the default.
	require.Equal(t, "custom", cfg.Relay.Prefix)
	// Unset without a default expands to empty.
	require.Empty(t, cfg.Light.APIKey)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "log: [not: a: mapping")
	_, err := Load(path)
	require.Error(t, err)
}

func TestDuration_RejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
transport:
  gather_timeout: banana
`)
	_, err := Load(path)
	require.Error(t, err)
}
