// ABOUTME: Configuration loading and parsing for directline-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults, and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete directline-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Bot         BotConfig         `yaml:"bot" toml:"bot"`
	Attachments AttachmentsConfig `yaml:"attachments" toml:"attachments"`
	Transcripts TranscriptsConfig `yaml:"transcripts" toml:"transcripts"`
	Dedupe      DedupeConfig      `yaml:"dedupe" toml:"dedupe"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses and the URLs advertised to clients
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	WSAddr   string `yaml:"ws_addr" toml:"ws_addr"`

	// PublicURL is the serviceUrl stamped on activities. Derived from
	// http_addr when empty.
	PublicURL string `yaml:"public_url" toml:"public_url"`
	// StreamURL is the websocket URL handed out by the start endpoint.
	StreamURL string `yaml:"stream_url" toml:"stream_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// AuthConfig holds token verification settings. An empty JWTSecret runs the
// gate in open mode.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string        `yaml:"issuer" toml:"issuer"`
	Audience  string        `yaml:"audience" toml:"audience"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// BotConfig describes the default bot that receives user activities
type BotConfig struct {
	Endpoint string        `yaml:"endpoint" toml:"endpoint"`
	BotID    string        `yaml:"bot_id" toml:"bot_id"`
	BotName  string        `yaml:"bot_name" toml:"bot_name"`
	AppID    string        `yaml:"app_id" toml:"app_id"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// AttachmentsConfig bounds attachment uploads
type AttachmentsConfig struct {
	MaxBytes int64 `yaml:"max_bytes" toml:"max_bytes"`
}

// TranscriptsConfig selects the transcript store. An empty Path keeps
// transcripts in memory.
type TranscriptsConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DedupeConfig sizes the clientActivityID replay cache
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a Config populated with the values used when a key is
// absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:3978",
			WSAddr:   "127.0.0.1:3979",
		},
		Auth: AuthConfig{
			TokenTTLRaw: "30m",
		},
		Bot: BotConfig{
			BotID:      "bot",
			TimeoutRaw: "10s",
		},
		Attachments: AttachmentsConfig{
			MaxBytes: 4 << 20,
		},
		Dedupe: DedupeConfig{
			TTLRaw:     "5m",
			MaxEntries: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location.
// Priority: DIRECTLINE_CONFIG > XDG_CONFIG_HOME/directline/gateway.yaml > ~/.config/directline/gateway.yaml
func DefaultPath() string {
	if path := os.Getenv("DIRECTLINE_CONFIG"); path != "" {
		return path
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "directline", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// decode unmarshals onto cfg so keys missing from the file keep their defaults.
func decode(path, content string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(content, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(content), cfg)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Listener addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
		if c.Server.WSAddr == "" {
			return fmt.Errorf("server.ws_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 bytes")
	}

	for key, raw := range map[string]string{
		"server.public_url": c.Server.PublicURL,
		"server.stream_url": c.Server.StreamURL,
		"bot.endpoint":      c.Bot.Endpoint,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
		}
	}

	if c.Attachments.MaxBytes <= 0 {
		return fmt.Errorf("attachments.max_bytes must be positive")
	}
	if c.Dedupe.MaxEntries <= 0 {
		return fmt.Errorf("dedupe.max_entries must be positive")
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
		key string
		raw string
		dst *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"bot.timeout", cfg.Bot.TimeoutRaw, &cfg.Bot.Timeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.key, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.key, f.raw)
		}
		*f.dst = d
	}

	return nil
}
