// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_EDGE_SECRET", "a-very-long-secret-for-testing-jwt")

	path := writeConfig(t, "server.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  coap_addr: "0.0.0.0:5683"
  grpc_addr: "0.0.0.0:50051"

database:
  driver: "sqlite3"
  path: "./test.db"

auth:
  jwt_secret: "${TEST_EDGE_SECRET}"

c2:
  max_batch_size: 25
  base_url: "https://c2.example.net"
  ack_dedupe_ttl: "2m"
  ack_dedupe_size: 500
  agent_timeout: "90s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/prom"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "0.0.0.0:5683", cfg.Server.CoAPAddr)
	assert.Equal(t, "0.0.0.0:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "a-very-long-secret-for-testing-jwt", cfg.Auth.JWTSecret)
	assert.Equal(t, 25, cfg.C2.MaxBatchSize)
	assert.Equal(t, "https://c2.example.net", cfg.C2.BaseURL)
	assert.Equal(t, 2*time.Minute, cfg.C2.AckDedupeTTL)
	assert.Equal(t, 500, cfg.C2.AckDedupeSize)
	assert.Equal(t, 90*time.Second, cfg.C2.AgentTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/prom", cfg.Metrics.Path)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "server.toml", `
[server]
grpc_addr = "127.0.0.1:50051"

[database]
path = "./test.db"

[c2]
max_batch_size = -5
agent_timeout = "1m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, -1, cfg.C2.MaxBatchSize, "negative means unbounded")
	assert.Equal(t, time.Minute, cfg.C2.AgentTimeout)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "server.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxBatchSize, cfg.C2.MaxBatchSize)
	assert.Equal(t, DefaultAckDedupeTTL, cfg.C2.AckDedupeTTL)
	assert.Equal(t, DefaultAckDedupeSize, cfg.C2.AckDedupeSize)
	assert.Equal(t, DefaultAgentTimeout, cfg.C2.AgentTimeout)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Empty(t, cfg.C2.BaseURL)
}

func TestLoad_ZeroBatchKept(t *testing.T) {
	path := writeConfig(t, "server.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
c2:
  max_batch_size: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.C2.MaxBatchSize)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "no endpoints",
			content: "database:\n  path: x.db\n",
			want:    "server.http_addr",
		},
		{
			name:    "missing database path",
			content: "server:\n  http_addr: \":8080\"\n",
			want:    "database.path",
		},
		{
			name:    "bad driver",
			content: "server:\n  http_addr: \":8080\"\ndatabase:\n  path: x.db\n  driver: postgres\n",
			want:    "database.driver",
		},
		{
			name:    "tailscale without hostname",
			content: "server:\n  http_addr: \":8080\"\ndatabase:\n  path: x.db\ntailscale:\n  enabled: true\n",
			want:    "tailscale.hostname",
		},
		{
			name:    "short secret",
			content: "server:\n  http_addr: \":8080\"\ndatabase:\n  path: x.db\nauth:\n  jwt_secret: short\n",
			want:    "jwt_secret",
		},
		{
			name:    "bad duration",
			content: "server:\n  http_addr: \":8080\"\ndatabase:\n  path: x.db\nc2:\n  agent_timeout: soon\n",
			want:    "agent_timeout",
		},
		{
			name:    "relative base url",
			content: "server:\n  http_addr: \":8080\"\ndatabase:\n  path: x.db\nc2:\n  base_url: c2.local\n",
			want:    "c2.base_url",
		},
		{
			name:    "bad log format",
			content: "server:\n  http_addr: \":8080\"\ndatabase:\n  path: x.db\nlogging:\n  format: xml\n",
			want:    "logging.format",
		},
		{
			name:    "invalid yaml",
			content: "server: [",
			want:    "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "server.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("EDGE_TEST_HOST", "c2.internal")
	os.Unsetenv("EDGE_TEST_UNSET")

	assert.Equal(t, "https://c2.internal:8443", expandEnvVars("https://${EDGE_TEST_HOST}:8443"))
	assert.Equal(t, "x--y", expandEnvVars("x-${EDGE_TEST_UNSET}-y"))
	assert.Equal(t, "no vars", expandEnvVars("no vars"))
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("EDGE_C2_CONFIG", "/etc/edge-c2.yaml")
	assert.Equal(t, "/etc/edge-c2.yaml", DefaultPath())

	t.Setenv("EDGE_C2_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "edge-c2", "server.yaml"), DefaultPath())
}

func TestDefaultDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	assert.Equal(t, filepath.Join("/data", "edge-c2"), DefaultDataDir())
}
