// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinSecretLength is the minimum length of signing secrets.
const MinSecretLength = 32

// Defaults applied by Load when a field is left empty.
const (
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultCSRFTTL          = 10 * time.Minute
	DefaultCleanupInterval  = time.Hour
	DefaultToolTimeout      = 30 * time.Second
	DefaultMaxResponseBytes = 10 * 1024 * 1024
	DefaultReloadChannel    = "relay:reload"
	DefaultAMQPExchange     = "relay.executions"
	DefaultMetricsPath      = "/metrics"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Secrets   SecretsConfig   `yaml:"secrets" toml:"secrets"`
	OAuth     OAuthConfig     `yaml:"oauth" toml:"oauth"`
	Admin     AdminConfig     `yaml:"admin" toml:"admin"`
	Executor  ExecutorConfig  `yaml:"executor" toml:"executor"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Reload    ReloadConfig    `yaml:"reload" toml:"reload"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the listener and public address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// BaseURL is the public origin used in OAuth metadata and challenges.
	// If not set, it's derived from the request host.
	BaseURL string `yaml:"base_url" toml:"base_url"`
	// TenantDomain enables <uuid>.<tenant_domain> addressing when set.
	TenantDomain string `yaml:"tenant_domain" toml:"tenant_domain"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SecretsConfig names the source of the master key for secret server globals
type SecretsConfig struct {
	MasterKey         string `yaml:"master_key" toml:"master_key"`
	MasterKeySecretID string `yaml:"master_key_secret_id" toml:"master_key_secret_id"`
	Region            string `yaml:"region" toml:"region"`
	JSONField         string `yaml:"json_field" toml:"json_field"`
}

// OAuthConfig holds the authorization server settings
type OAuthConfig struct {
	// SessionSecret verifies the login collaborator's session cookie and signs CSRF tokens.
	SessionSecret string `yaml:"session_secret" toml:"session_secret"`
	SessionCookie string `yaml:"session_cookie" toml:"session_cookie"`
	LoginURL      string `yaml:"login_url" toml:"login_url"`

	CSRFTTL            time.Duration `yaml:"-" toml:"-"`
	CleanupInterval    time.Duration `yaml:"-" toml:"-"`
	CSRFTTLRaw         string        `yaml:"csrf_ttl" toml:"csrf_ttl"`
	CleanupIntervalRaw string        `yaml:"cleanup_interval" toml:"cleanup_interval"`
}

// AdminConfig holds admin API authentication configuration
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// ExecutorConfig bounds outbound tool calls
type ExecutorConfig struct {
	DefaultTimeout    time.Duration `yaml:"-" toml:"-"`
	DefaultTimeoutRaw string        `yaml:"default_timeout" toml:"default_timeout"`
	MaxResponseBytes  int64         `yaml:"max_response_bytes" toml:"max_response_bytes"`
}

// AuditConfig enables optional execution audit sinks besides SQLite
type AuditConfig struct {
	PostgresDSN  string `yaml:"postgres_dsn" toml:"postgres_dsn"`
	AMQPURL      string `yaml:"amqp_url" toml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange" toml:"amqp_exchange"`
}

// ReloadConfig enables the Redis reload listener
type ReloadConfig struct {
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	Channel  string `yaml:"channel" toml:"channel"`
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
// Duration strings are parsed into time.Duration values.
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

// Parse decodes configuration bytes, applies defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.OAuth.CSRFTTL == 0 {
		c.OAuth.CSRFTTL = DefaultCSRFTTL
	}
	if c.OAuth.CleanupInterval == 0 {
		c.OAuth.CleanupInterval = DefaultCleanupInterval
	}
	if c.Executor.DefaultTimeout == 0 {
		c.Executor.DefaultTimeout = DefaultToolTimeout
	}
	if c.Executor.MaxResponseBytes == 0 {
		c.Executor.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if c.Audit.AMQPExchange == "" {
		c.Audit.AMQPExchange = DefaultAMQPExchange
	}
	if c.Reload.Channel == "" {
		c.Reload.Channel = DefaultReloadChannel
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
	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.OAuth.SessionSecret) < MinSecretLength {
		return fmt.Errorf("oauth.session_secret must be at least %d bytes", MinSecretLength)
	}

	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < MinSecretLength {
		return fmt.Errorf("admin.jwt_secret must be at least %d bytes", MinSecretLength)
	}

	if c.Server.BaseURL != "" {
		u, err := url.Parse(c.Server.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("server.base_url %q must be an absolute http(s) URL", c.Server.BaseURL)
		}
	}

	if strings.Contains(c.Server.TenantDomain, "/") || strings.HasPrefix(c.Server.TenantDomain, ".") {
		return fmt.Errorf("server.tenant_domain %q must be a bare domain", c.Server.TenantDomain)
	}

	if c.Executor.MaxResponseBytes < 0 {
		return fmt.Errorf("executor.max_response_bytes cannot be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
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
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"oauth.csrf_ttl", cfg.OAuth.CSRFTTLRaw, &cfg.OAuth.CSRFTTL},
		{"oauth.cleanup_interval", cfg.OAuth.CleanupIntervalRaw, &cfg.OAuth.CleanupInterval},
		{"executor.default_timeout", cfg.Executor.DefaultTimeoutRaw, &cfg.Executor.DefaultTimeout},
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
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// DefaultPath resolves the config file location.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "relay", "gateway.yaml")
}
