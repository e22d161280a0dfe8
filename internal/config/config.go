// ABOUTME: Configuration loading and parsing for zybo-gateway
// ABOUTME: Supports YAML or TOML files with ${ENV} expansion, ZYBO_* overrides and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // chat.timezone must resolve on hosts without zoneinfo

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides, e.g. ZYBO_HTTP_ADDR.
const EnvPrefix = "zybo"

// Config represents the complete zybo-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// AllowedOrigins limits WebSocket upgrades by Origin header. Empty
	// means same-host only; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTP on :443 with a tailnet cert
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// ChatConfig holds connection and message handling settings
type ChatConfig struct {
	Timezone         string `yaml:"timezone" toml:"timezone"`
	SendBuffer       int    `yaml:"send_buffer" toml:"send_buffer"`
	MaxFrameBytes    int64  `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	DedupeMaxEntries int    `yaml:"dedupe_max_entries" toml:"dedupe_max_entries"`

	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	PongWait     time.Duration `yaml:"-" toml:"-"`
	PingInterval time.Duration `yaml:"-" toml:"-"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	PongWaitRaw     string `yaml:"pong_wait" toml:"pong_wait"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// Location returns the configured timezone, UTC when unset.
func (c ChatConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// envOverrides are read from ZYBO_* variables and win over file values.
type envOverrides struct {
	HTTPAddr       string `envconfig:"HTTP_ADDR"`
	GRPCAddr       string `envconfig:"GRPC_ADDR"`
	DatabaseDriver string `envconfig:"DATABASE_DRIVER"`
	DatabasePath   string `envconfig:"DATABASE_PATH"`
	JWTSecret      string `envconfig:"JWT_SECRET"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	LogFormat      string `envconfig:"LOG_FORMAT"`
	ChatTimezone   string `envconfig:"CHAT_TIMEZONE"`
	TailscaleKey   string `envconfig:"TAILSCALE_AUTH_KEY"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, ZYBO_*
// overrides are applied, and duration strings are parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Server.HTTPAddr, env.HTTPAddr)
	override(&cfg.Server.GRPCAddr, env.GRPCAddr)
	override(&cfg.Database.Driver, env.DatabaseDriver)
	override(&cfg.Database.Path, env.DatabasePath)
	override(&cfg.Auth.JWTSecret, env.JWTSecret)
	override(&cfg.Logging.Level, env.LogLevel)
	override(&cfg.Logging.Format, env.LogFormat)
	override(&cfg.Chat.Timezone, env.ChatTimezone)
	override(&cfg.Tailscale.AuthKey, env.TailscaleKey)
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 30 * 24 * time.Hour
	}
	if cfg.Chat.SendBuffer <= 0 {
		cfg.Chat.SendBuffer = 64
	}
	if cfg.Chat.MaxFrameBytes <= 0 {
		cfg.Chat.MaxFrameBytes = 64 * 1024
	}
	if cfg.Chat.WriteTimeout == 0 {
		cfg.Chat.WriteTimeout = 10 * time.Second
	}
	if cfg.Chat.PongWait == 0 {
		cfg.Chat.PongWait = 60 * time.Second
	}
	if cfg.Chat.PingInterval == 0 {
		cfg.Chat.PingInterval = cfg.Chat.PongWait * 9 / 10
	}
	if cfg.Chat.DedupeTTL == 0 {
		cfg.Chat.DedupeTTL = 5 * time.Minute
	}
	if cfg.Chat.DedupeMaxEntries <= 0 {
		cfg.Chat.DedupeMaxEntries = 10000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
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

	if _, err := c.Chat.Location(); err != nil {
		return fmt.Errorf("chat.timezone: %w", err)
	}

	if c.Chat.PingInterval >= c.Chat.PongWait {
		return fmt.Errorf("chat.ping_interval (%s) must be shorter than chat.pong_wait (%s)", c.Chat.PingInterval, c.Chat.PongWait)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"chat.write_timeout", cfg.Chat.WriteTimeoutRaw, &cfg.Chat.WriteTimeout},
		{"chat.pong_wait", cfg.Chat.PongWaitRaw, &cfg.Chat.PongWait},
		{"chat.ping_interval", cfg.Chat.PingIntervalRaw, &cfg.Chat.PingInterval},
		{"chat.dedupe_ttl", cfg.Chat.DedupeTTLRaw, &cfg.Chat.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
