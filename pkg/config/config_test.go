package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
listen_addr: 127.0.0.1:7214
state_dir: /tmp/sweetmcp-test
hostnames:
  - mesh-1.internal
jwt_secret_env: SWEETMCP_JWT_SECRET
build_id: test-build
rate_limit:
  endpoints:
    /rpc: {capacity: 10, refill_rate: 1}
  window: 60s
  window_max: 600
circuit:
  error_threshold_pct: 50
  request_volume_threshold: 20
  sleep_window: 30s
  half_open_permits: 3
  metrics_window: 60s
sse:
  idle_timeout: 300s
  ping_interval: 30s
  max_sessions: 4096
plugin:
  dir: /tmp/sweetmcp-test/plugins
  fuel_limit: 10000000
  call_timeout: 5s
  max_faults: 3
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidFilePassesValidation(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7214", cfg.ListenAddr)
	require.Equal(t, []string{"mesh-1.internal"}, cfg.Hostnames)
}

func TestLoadWithoutPathFailsValidationBecauseNoDefaultHostname(t *testing.T) {
	// Defaults() deliberately sets no hostname; the gateway has no sane
	// default identity to announce without operator input.
	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid config")
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	path := writeConfig(t, `
listen_addr: 127.0.0.1:7214
state_dir: /tmp/sweetmcp-test
hostnames:
  - mesh-1.internal
build_id: ""
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnvOverridesTakesPrecedenceOverFile(t *testing.T) {
	path := writeConfig(t, validYAML)
	t.Setenv("SWEETMCP_LISTEN_ADDR", "0.0.0.0:9999")
	t.Setenv("SWEETMCP_DOMAIN", "mesh.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.ListenAddr)
	require.Equal(t, "mesh.example.com", cfg.DNSDomain)
}

func TestDefaultsProducesSaneBaselineValues(t *testing.T) {
	d := Defaults()
	require.Equal(t, "0.0.0.0:7214", d.ListenAddr)
	require.Equal(t, 600, d.RateLimit.WindowMax)
	require.Equal(t, 4096, d.SSE.MaxSessions)
}
