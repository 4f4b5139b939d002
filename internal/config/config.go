// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Defaults applied when neither the config file nor the environment sets a value.
const (
	DefaultAddr            = "127.0.0.1:8787"
	DefaultDBPath          = "gpttools.db"
	DefaultIssuer          = "https://auth.openai.com"
	DefaultClientID        = "app_EMoamEEZ73f0CkXaXp7hrann"
	DefaultUpstreamBaseURL = "https://chatgpt.com/backend-api/codex"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Usage     UsageConfig     `yaml:"usage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP server settings. WriteTimeout stays zero: the
// gateway relays long-running event streams and must not cut them off.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"` // file path or ":memory:"
}

// UpstreamConfig holds upstream target settings.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	Cookie  string `yaml:"cookie"`
	Debug   bool   `yaml:"debug"`
}

// OAuthConfig holds the token-exchange collaborator settings. RedirectURI
// falls back to http://<server.addr>/auth/callback when empty.
type OAuthConfig struct {
	Issuer      string `yaml:"issuer"`
	ClientID    string `yaml:"client_id"`
	RedirectURI string `yaml:"redirect_uri"`
}

// GatewayConfig holds data-path tunables.
type GatewayConfig struct {
	AccountMaxInflight int                `yaml:"account_max_inflight"` // 0 = unlimited
	Availability       AvailabilityConfig `yaml:"availability"`
	PersistKeyLastUsed bool               `yaml:"persist_key_last_used"`
}

// AvailabilityConfig parameterizes the usage exhaustion cutoffs.
type AvailabilityConfig struct {
	PrimaryCutoff   float64 `yaml:"primary_cutoff"`
	SecondaryCutoff float64 `yaml:"secondary_cutoff"`
}

// UsageConfig controls the periodic usage snapshot sweep.
type UsageConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"` // 0 disables the worker
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// KeyEntry is a platform key seed in the config file.
type KeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"` // plaintext, hashed on bootstrap
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

// Load reads and parses a YAML config file, expanding ${VAR} references.
// An empty path loads defaults only. GPTTOOLS_* environment variables
// override file values either way.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:              DefaultAddr,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: DefaultDBPath,
		},
		Upstream: UpstreamConfig{
			BaseURL: DefaultUpstreamBaseURL,
		},
		OAuth: OAuthConfig{
			Issuer:   DefaultIssuer,
			ClientID: DefaultClientID,
		},
		Gateway: GatewayConfig{
			Availability: AvailabilityConfig{
				PrimaryCutoff:   100.0,
				SecondaryCutoff: 100.0,
			},
		},
		Usage: UsageConfig{
			RefreshInterval: 15 * time.Minute,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv lets the process environment take precedence over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GPTTOOLS_SERVICE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("GPTTOOLS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GPTTOOLS_CLIENT_ID"); v != "" {
		cfg.OAuth.ClientID = v
	}
	if v := os.Getenv("GPTTOOLS_ISSUER"); v != "" {
		cfg.OAuth.Issuer = v
	}
	if v := os.Getenv("GPTTOOLS_UPSTREAM_COOKIE"); v != "" {
		cfg.Upstream.Cookie = v
	}
	if v := os.Getenv("GPTTOOLS_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
}
