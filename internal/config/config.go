package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Merge     MergeConfig     `yaml:"merge"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Inbound   InboundConfig   `yaml:"inbound"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN announced in EHLO and inbound greetings
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, used instead of api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	MaxUploadBytes int64         `yaml:"max_upload_bytes"` // Multipart campaign form limit (default: 32MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // empty = allow all
	AllowedOrigins []string      `yaml:"allowed_origins"`
	PublicURL      string        `yaml:"public_url"` // External base URL, e.g. https://mail.example.com
}

// StorageConfig selects the campaign store
type StorageConfig struct {
	Driver    string          `yaml:"driver"` // bolt, postgres
	Path      string          `yaml:"path"`   // bolt file
	DSN       string          `yaml:"dsn"`    // postgres connection string
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls cleanup of finished campaigns and how long
// tracking events are accepted
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`  // 0 = keep forever
	Schedule string        `yaml:"schedule"` // cron expression, default hourly
}

// TransportConfig contains settings shared by all senders
type TransportConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Hostname string        `yaml:"hostname"` // EHLO name, default server.hostname
	DKIM     DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// TrackingConfig contains open, click and unsubscribe link settings
type TrackingConfig struct {
	Secret         string `yaml:"secret"`
	BaseURL        string `yaml:"base_url"` // Default: api.public_url + /t
	UnsubscribeURL string `yaml:"unsubscribe_url"`
}

// MergeConfig contains template merge settings
type MergeConfig struct {
	Unresolved string `yaml:"unresolved"` // keep, empty, reject
}

// SchedulerConfig contains campaign run settings
type SchedulerConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"` // in-flight sends per campaign
}

// RateLimitConfig contains hourly and daily send quotas
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Global        *LimitValues  `yaml:"global,omitempty"`
	PerTransport  *LimitValues  `yaml:"per_transport,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// BroadcastConfig contains live progress settings
type BroadcastConfig struct {
	Buffer int         `yaml:"buffer"` // per-subscriber event buffer
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig enables sharing progress between replicas
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// InboundConfig contains the reply catcher SMTP listener settings
type InboundConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`
	Domain          string        `yaml:"domain"` // reply+<campaign>.<index>@domain
	MaxMessageBytes int           `yaml:"max_message_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	Auth            AuthConfig    `yaml:"auth"`
	TLS             TLSConfig     `yaml:"tls"`
	AllowedIPs      []string      `yaml:"allowed_ips"` // empty = allow all
}

// TLSConfig enables STARTTLS on the inbound listener
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig contains SMTP authentication settings
type AuthConfig struct {
	Required bool              `yaml:"required"`
	Users    map[string]string `yaml:"users"` // username -> password

	// Brute force protection settings
	MaxFailures   int           `yaml:"max_failures"`   // Default: 5
	BlockDuration time.Duration `yaml:"block_duration"` // Default: 15m
	FailureWindow time.Duration `yaml:"failure_window"` // Default: 5m
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// Load loads configuration from a YAML file. A .env file next to it is
// loaded first, and ${VAR} references are expanded from the environment.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses, defaults and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxUploadBytes == 0 {
		c.API.MaxUploadBytes = 32 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "bolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/mailcast/mailcast.db"
	}
	if c.Storage.Retention.Schedule == "" {
		c.Storage.Retention.Schedule = "0 * * * *"
	}

	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 30 * time.Second
	}
	if c.Transport.Hostname == "" {
		c.Transport.Hostname = c.Server.Hostname
	}

	if c.Tracking.BaseURL == "" && c.API.PublicURL != "" {
		c.Tracking.BaseURL = c.API.PublicURL + "/t"
	}
	if c.Tracking.UnsubscribeURL == "" && c.API.PublicURL != "" {
		c.Tracking.UnsubscribeURL = c.API.PublicURL + "/unsubscribe"
	}

	if c.Merge.Unresolved == "" {
		c.Merge.Unresolved = "keep"
	}

	if c.Scheduler.MaxConcurrency == 0 {
		c.Scheduler.MaxConcurrency = 4
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Broadcast.Buffer == 0 {
		c.Broadcast.Buffer = 64
	}
	if c.Broadcast.Redis.Channel == "" {
		c.Broadcast.Redis.Channel = "mailcast:progress"
	}

	if c.Inbound.ListenAddr == "" {
		c.Inbound.ListenAddr = ":2525"
	}
	if c.Inbound.MaxMessageBytes == 0 {
		c.Inbound.MaxMessageBytes = 10 * 1024 * 1024 // 10MB
	}
	if c.Inbound.ReadTimeout == 0 {
		c.Inbound.ReadTimeout = 60 * time.Second
	}
	if c.Inbound.WriteTimeout == 0 {
		c.Inbound.WriteTimeout = 60 * time.Second
	}
	if c.Inbound.Auth.MaxFailures == 0 {
		c.Inbound.Auth.MaxFailures = 5
	}
	if c.Inbound.Auth.BlockDuration == 0 {
		c.Inbound.Auth.BlockDuration = 15 * time.Minute
	}
	if c.Inbound.Auth.FailureWindow == 0 {
		c.Inbound.Auth.FailureWindow = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be bolt or postgres)", c.Storage.Driver)
	}

	if c.Storage.Retention.MaxAge < 0 {
		return fmt.Errorf("storage.retention.max_age must not be negative")
	}

	if c.API.PublicURL != "" {
		if err := validateURL(c.API.PublicURL); err != nil {
			return fmt.Errorf("invalid api.public_url: %w", err)
		}
	}

	if c.Tracking.BaseURL != "" {
		if err := validateURL(c.Tracking.BaseURL); err != nil {
			return fmt.Errorf("invalid tracking.base_url: %w", err)
		}
		if c.Tracking.Secret == "" {
			return fmt.Errorf("tracking.secret is required when tracking is enabled")
		}
	}

	validPolicies := map[string]bool{"keep": true, "empty": true, "reject": true}
	if !validPolicies[c.Merge.Unresolved] {
		return fmt.Errorf("invalid merge.unresolved: %s (must be keep, empty, or reject)", c.Merge.Unresolved)
	}

	if c.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("scheduler.max_concurrency must be at least 1")
	}

	if c.Broadcast.Buffer < 1 {
		return fmt.Errorf("broadcast.buffer must be at least 1")
	}
	if c.Broadcast.Redis.Enabled && c.Broadcast.Redis.URL == "" {
		return fmt.Errorf("broadcast.redis.url is required when redis is enabled")
	}

	if c.Inbound.Enabled {
		if c.Inbound.Domain == "" {
			return fmt.Errorf("inbound.domain is required when inbound is enabled")
		}
		if c.Inbound.Auth.Required && len(c.Inbound.Auth.Users) == 0 {
			return fmt.Errorf("inbound.auth.users must not be empty when auth is required")
		}
		if (c.Inbound.TLS.CertFile == "") != (c.Inbound.TLS.KeyFile == "") {
			return fmt.Errorf("inbound.tls requires both cert_file and key_file")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateDKIM(); err != nil {
		return err
	}

	return nil
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	dkim := c.Transport.DKIM
	if !dkim.Enabled {
		return nil
	}

	if dkim.Selector == "" {
		return fmt.Errorf("transport.dkim.selector is required when DKIM is enabled")
	}
	if dkim.KeyFile == "" {
		return fmt.Errorf("transport.dkim.key_file is required when DKIM is enabled")
	}
	if dkim.Domain == "" {
		return fmt.Errorf("transport.dkim.domain is required when DKIM is enabled")
	}

	return nil
}

// TrackingEnabled reports whether open and click URLs can be built
func (c *Config) TrackingEnabled() bool {
	return c.Tracking.BaseURL != ""
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
