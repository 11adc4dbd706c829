// ABOUTME: Configuration loading and parsing for edge-c2
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left unset
const (
	DefaultMaxBatchSize   = 100
	DefaultAckDedupeTTL   = 10 * time.Minute
	DefaultAckDedupeSize  = 10000
	DefaultAgentTimeout   = 5 * time.Minute
	DefaultDatabaseDriver = "sqlite"
	DefaultMetricsPath    = "/metrics"
)

// Config represents the complete edge-c2 configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	C2        C2Config        `yaml:"c2" toml:"c2"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the adapter endpoints. An empty address disables that adapter.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	CoAPAddr string `yaml:"coap_addr" toml:"coap_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds operator API authentication configuration.
// An empty secret leaves the operator API unauthenticated.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// C2Config holds heartbeat and acknowledgement behaviour
type C2Config struct {
	// MaxBatchSize caps operations per heartbeat response. Negative means unbounded.
	MaxBatchSize  int           `yaml:"-" toml:"-"`
	BaseURL       string        `yaml:"base_url" toml:"base_url"`
	AckDedupeTTL  time.Duration `yaml:"-" toml:"-"`
	AckDedupeSize int           `yaml:"ack_dedupe_size" toml:"ack_dedupe_size"`
	AgentTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw values for unmarshaling
	MaxBatchSizeRaw *int   `yaml:"max_batch_size" toml:"max_batch_size"`
	AckDedupeTTLRaw string `yaml:"ack_dedupe_ttl" toml:"ack_dedupe_ttl"`
	AgentTimeoutRaw string `yaml:"agent_timeout" toml:"agent_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	switch {
	case c.C2.MaxBatchSizeRaw == nil:
		c.C2.MaxBatchSize = DefaultMaxBatchSize
	case *c.C2.MaxBatchSizeRaw < 0:
		c.C2.MaxBatchSize = -1
	default:
		c.C2.MaxBatchSize = *c.C2.MaxBatchSizeRaw
	}
	if c.C2.AckDedupeTTLRaw == "" {
		c.C2.AckDedupeTTL = DefaultAckDedupeTTL
	}
	if c.C2.AckDedupeSize == 0 {
		c.C2.AckDedupeSize = DefaultAckDedupeSize
	}
	if c.C2.AgentTimeoutRaw == "" {
		c.C2.AgentTimeout = DefaultAgentTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" && c.Server.CoAPAddr == "" && c.Server.GRPCAddr == "" {
		return fmt.Errorf("at least one of server.http_addr, server.coap_addr or server.grpc_addr is required")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.C2.BaseURL != "" && !strings.Contains(c.C2.BaseURL, "://") {
		return fmt.Errorf("c2.base_url must be an absolute URI, got %q", c.C2.BaseURL)
	}
	if c.C2.AckDedupeTTL < 0 {
		return fmt.Errorf("c2.ack_dedupe_ttl must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.C2.AckDedupeTTLRaw != "" {
		cfg.C2.AckDedupeTTL, err = time.ParseDuration(cfg.C2.AckDedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing ack_dedupe_ttl %q: %w", cfg.C2.AckDedupeTTLRaw, err)
		}
	}

	if cfg.C2.AgentTimeoutRaw != "" {
		cfg.C2.AgentTimeout, err = time.ParseDuration(cfg.C2.AgentTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing agent_timeout %q: %w", cfg.C2.AgentTimeoutRaw, err)
		}
	}

	return nil
}

// DefaultPath returns the config file location.
// Priority: EDGE_C2_CONFIG env var > XDG_CONFIG_HOME/edge-c2/server.yaml > ~/.config/edge-c2/server.yaml
func DefaultPath() string {
	if envPath := os.Getenv("EDGE_C2_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "edge-c2", "server.yaml")
}

// DefaultDataDir returns the directory for the database and tailnet state.
// Priority: XDG_DATA_HOME/edge-c2 > ~/.local/share/edge-c2
func DefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "edge-c2")
}
