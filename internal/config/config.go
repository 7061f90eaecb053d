// ABOUTME: Configuration loading and parsing for lurkbot-gateway
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

// Environment overrides
const (
	EnvConfigPath = "LURKBOT_CONFIG"
	EnvDBPath     = "LURKBOT_DB_PATH"
	EnvTSAuthKey  = "TS_AUTHKEY"
)

// Config represents the complete lurkbot-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Protocol  ProtocolConfig  `yaml:"protocol" toml:"protocol"`
	Batching  BatchingConfig  `yaml:"batching" toml:"batching"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Pending   PendingConfig   `yaml:"pending" toml:"pending"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses. Empty disables a listener.
type ServerConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
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

// ProtocolConfig bounds the wire protocol.
type ProtocolConfig struct {
	Min           int `yaml:"min" toml:"min"`
	Max           int `yaml:"max" toml:"max"`
	MaxFrameBytes int `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	MaxInflight   int `yaml:"max_inflight" toml:"max_inflight"`

	HandshakeTimeout    time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeoutRaw string        `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// BatchingConfig tunes outbound frame coalescing.
type BatchingConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Size    int  `yaml:"size" toml:"size"`

	Delay    time.Duration `yaml:"-" toml:"-"`
	DelayRaw string        `yaml:"delay" toml:"delay"`
}

// EventsConfig tunes the event broadcaster.
type EventsConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
}

// PendingConfig tunes client round-trips.
type PendingConfig struct {
	DefaultTimeout    time.Duration `yaml:"-" toml:"-"`
	DefaultTimeoutRaw string        `yaml:"default_timeout" toml:"default_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret  string   `yaml:"jwt_secret" toml:"jwt_secret"`
	PairedKeys []string `yaml:"paired_keys" toml:"paired_keys"`
	Required   bool     `yaml:"required" toml:"required"`
}

// StoreConfig selects the snapshot store backend.
type StoreConfig struct {
	Driver    string `yaml:"driver" toml:"driver"`
	Path      string `yaml:"path" toml:"path"`
	RedisAddr string `yaml:"redis_addr" toml:"redis_addr"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
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

// Default returns a configuration that serves NDJSON and HTTP on loopback
// with an in-memory store.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     "127.0.0.1:18789",
			HTTPAddr: "127.0.0.1:18790",
		},
		Tailscale: TailscaleConfig{Hostname: "lurkbot"},
		Protocol: ProtocolConfig{
			Min:                 3,
			Max:                 3,
			MaxFrameBytes:       1 << 20,
			MaxInflight:         16,
			HandshakeTimeoutRaw: "10s",
		},
		Batching: BatchingConfig{
			Enabled:  true,
			Size:     32,
			DelayRaw: "5ms",
		},
		Events:  EventsConfig{SubscriberBuffer: 256},
		Pending: PendingConfig{DefaultTimeoutRaw: "2m"},
		Store:   StoreConfig{Driver: "memory"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize applies environment overrides, parses durations and validates.
// Load calls it; callers building a Config in code should too.
func (c *Config) Finalize() error {
	applyEnvOverrides(c)
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvTSAuthKey); v != "" {
		c.Tailscale.AuthKey = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.Addr == "" && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.addr or server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Protocol.Min < 1 || c.Protocol.Max < c.Protocol.Min {
		return fmt.Errorf("protocol range %d..%d is invalid", c.Protocol.Min, c.Protocol.Max)
	}
	if c.Protocol.MaxFrameBytes < 1024 {
		return fmt.Errorf("protocol.max_frame_bytes must be at least 1024")
	}
	if c.Protocol.MaxInflight < 1 {
		return fmt.Errorf("protocol.max_inflight must be positive")
	}

	if c.Batching.Enabled && c.Batching.Size < 1 {
		return fmt.Errorf("batching.size must be positive when batching is enabled")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, redis", c.Store.Driver)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"protocol.handshake_timeout", cfg.Protocol.HandshakeTimeoutRaw, &cfg.Protocol.HandshakeTimeout},
		{"batching.delay", cfg.Batching.DelayRaw, &cfg.Batching.Delay},
		{"pending.default_timeout", cfg.Pending.DefaultTimeoutRaw, &cfg.Pending.DefaultTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
