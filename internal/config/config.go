// Package config handles YAML configuration loading with environment variable
// expansion, and seeds storage from the loaded file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	relay "github.com/eugener/palantir/internal"
)

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	ProxyURL  string          `yaml:"proxy_url"` // upstream egress proxy; empty = direct
	Providers []ProviderEntry `yaml:"providers"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 = no deadline; streams outlive any fixed value
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// LoggingConfig controls slog output. An empty File logs JSON to stderr;
// otherwise output rotates through lumberjack.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// AuthConfig holds downstream authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // operator key, seeded under the "admin" user
}

// ProviderEntry is a provider instance definition in the config file.
type ProviderEntry struct {
	Name        string            `yaml:"name"`
	Family      string            `yaml:"family"` // claude, gemini, openai
	BaseURL     string            `yaml:"base_url"`
	MaxAttempts int               `yaml:"max_attempts"` // credentials tried per request; 0 = engine default
	Timeout     time.Duration     `yaml:"timeout"`      // per upstream attempt, non-streaming
	Enabled     *bool             `yaml:"enabled"`
	OAuth       *OAuthEntry       `yaml:"oauth"` // gemini only
	Credentials []CredentialEntry `yaml:"credentials"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// OAuthEntry configures the authorization-code flow of a provider instance.
type OAuthEntry struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// CredentialEntry is one upstream secret. api_key is shorthand for the common
// case; secret carries an arbitrary shape the provider family understands.
type CredentialEntry struct {
	Name    string         `yaml:"name"` // natural key within the provider; defaults by position
	APIKey  string         `yaml:"api_key"`
	Secret  map[string]any `yaml:"secret"`
	Meta    map[string]any `yaml:"meta"`
	Enabled *bool          `yaml:"enabled"`
}

// IsEnabled reports whether the credential is enabled (defaults to true when nil).
func (c CredentialEntry) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ResolvedName returns the entry name, falling back to a positional key so
// unnamed entries stay stable across reloads as long as order is kept.
func (c CredentialEntry) ResolvedName(index int) string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("key-%d", index+1)
}

// SecretJSON renders the secret as the opaque JSON blob providers consume.
// An explicit secret map wins over the api_key shorthand.
func (c CredentialEntry) SecretJSON() (json.RawMessage, error) {
	if len(c.Secret) > 0 {
		raw, err := json.Marshal(c.Secret)
		if err != nil {
			return nil, fmt.Errorf("marshal secret: %w", err)
		}
		return raw, nil
	}
	if c.APIKey != "" {
		raw, err := json.Marshal(map[string]string{"api_key": c.APIKey})
		if err != nil {
			return nil, fmt.Errorf("marshal secret: %w", err)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("credential needs api_key or secret")
}

// MetaJSON renders the meta map, nil when absent.
func (c CredentialEntry) MetaJSON() (json.RawMessage, error) {
	if len(c.Meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(c.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	return raw, nil
}

// KeyEntry is a downstream API key seed in the config file.
type KeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`  // plaintext, hashed on bootstrap
	User string `yaml:"user"` // owning user; defaults to Name
}

// UserName returns the owning user for the key.
func (k KeyEntry) UserName() string {
	if k.User != "" {
		return k.User
	}
	return k.Name
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    32 << 20,
		},
		Database: DatabaseConfig{
			DSN: "palantir.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// DSN and DATA_DIR env vars override the file value.
	if v := os.Getenv("DSN"); v != "" {
		cfg.Database.DSN = v
	} else if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Database.DSN = filepath.Join(v, "palantir.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects configs the rest of the system would trip over later:
// unknown families, duplicate names, credentials with no secret.
func (c *Config) validate() error {
	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		names[p.Name] = true

		switch relay.Protocol(p.Family) {
		case relay.ProtoClaude, relay.ProtoGemini, relay.ProtoOpenAI:
		default:
			return fmt.Errorf("provider %q: unknown family %q", p.Name, p.Family)
		}

		credNames := make(map[string]bool, len(p.Credentials))
		for i, cred := range p.Credentials {
			name := cred.ResolvedName(i)
			if credNames[name] {
				return fmt.Errorf("provider %q: duplicate credential %q", p.Name, name)
			}
			credNames[name] = true
			if _, err := cred.SecretJSON(); err != nil {
				return fmt.Errorf("provider %q credential %q: %w", p.Name, name, err)
			}
		}
	}

	keyNames := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		if k.Name == "" {
			return fmt.Errorf("api key with empty name")
		}
		if keyNames[k.Name] {
			return fmt.Errorf("duplicate api key %q", k.Name)
		}
		keyNames[k.Name] = true
	}
	return nil
}
