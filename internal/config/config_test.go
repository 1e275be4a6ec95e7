package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	content := `
server:
  hostname: "mail.test.com"

api:
  listen_addr: ":9080"
  api_key: "test-api-key"
  public_url: "https://mail.test.com"

storage:
  driver: bolt
  path: "/tmp/test.db"
  retention:
    max_age: 720h
    schedule: "30 3 * * *"

tracking:
  secret: "${MAILCAST_TEST_TRACKING_SECRET}"

merge:
  unresolved: reject

scheduler:
  max_concurrency: 8

rate_limit:
  enabled: true
  global:
    messages_per_hour: 1000
  per_transport:
    messages_per_day: 5000

inbound:
  enabled: true
  domain: "in.test.com"
  auth:
    required: true
    users:
      relay: "relaypass"

logging:
  level: "debug"
  format: "text"
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	envPath := filepath.Join(tmpDir, ".env")
	if err := os.WriteFile(envPath, []byte("MAILCAST_TEST_TRACKING_SECRET=from-dotenv\n"), 0644); err != nil {
		t.Fatalf("failed to write .env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("MAILCAST_TEST_TRACKING_SECRET") })

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Hostname != "mail.test.com" {
		t.Errorf("Hostname = %v, want mail.test.com", cfg.Server.Hostname)
	}
	if cfg.API.ListenAddr != ":9080" {
		t.Errorf("API.ListenAddr = %v, want :9080", cfg.API.ListenAddr)
	}
	if cfg.Tracking.Secret != "from-dotenv" {
		t.Errorf("Tracking.Secret = %q, want from-dotenv", cfg.Tracking.Secret)
	}
	if cfg.Tracking.BaseURL != "https://mail.test.com/t" {
		t.Errorf("Tracking.BaseURL = %v, want derived from public_url", cfg.Tracking.BaseURL)
	}
	if !cfg.TrackingEnabled() {
		t.Error("TrackingEnabled() = false, want true")
	}
	if cfg.Storage.Retention.MaxAge != 720*time.Hour {
		t.Errorf("Retention.MaxAge = %v, want 720h", cfg.Storage.Retention.MaxAge)
	}
	if cfg.Storage.Retention.Schedule != "30 3 * * *" {
		t.Errorf("Retention.Schedule = %v", cfg.Storage.Retention.Schedule)
	}
	if cfg.Merge.Unresolved != "reject" {
		t.Errorf("Merge.Unresolved = %v, want reject", cfg.Merge.Unresolved)
	}
	if cfg.Scheduler.MaxConcurrency != 8 {
		t.Errorf("Scheduler.MaxConcurrency = %v, want 8", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.RateLimit.Global == nil || cfg.RateLimit.Global.MessagesPerHour != 1000 {
		t.Errorf("RateLimit.Global = %+v", cfg.RateLimit.Global)
	}
	if cfg.RateLimit.PerTransport == nil || cfg.RateLimit.PerTransport.MessagesPerDay != 5000 {
		t.Errorf("RateLimit.PerTransport = %+v", cfg.RateLimit.PerTransport)
	}
	if cfg.Inbound.Auth.Users["relay"] != "relaypass" {
		t.Errorf("Inbound.Auth.Users[relay] = %v", cfg.Inbound.Auth.Users["relay"])
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Storage.Driver != "bolt" {
		t.Errorf("Storage.Driver = %v, want bolt", cfg.Storage.Driver)
	}
	if cfg.Transport.Timeout != 30*time.Second {
		t.Errorf("Transport.Timeout = %v, want 30s", cfg.Transport.Timeout)
	}
	if cfg.Transport.Hostname != cfg.Server.Hostname {
		t.Errorf("Transport.Hostname = %v, want server hostname", cfg.Transport.Hostname)
	}
	if cfg.Merge.Unresolved != "keep" {
		t.Errorf("Merge.Unresolved = %v, want keep", cfg.Merge.Unresolved)
	}
	if cfg.Broadcast.Buffer != 64 {
		t.Errorf("Broadcast.Buffer = %v, want 64", cfg.Broadcast.Buffer)
	}
	if cfg.Broadcast.Redis.Channel != "mailcast:progress" {
		t.Errorf("Broadcast.Redis.Channel = %v", cfg.Broadcast.Redis.Channel)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %v, want /metrics", cfg.Metrics.Path)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
	if cfg.TrackingEnabled() {
		t.Error("TrackingEnabled() = true without a base url")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid minimal",
			yaml: "{}",
		},
		{
			name:    "unknown storage driver",
			yaml:    "storage: {driver: sqlite}",
			wantErr: "storage.driver",
		},
		{
			name:    "postgres without dsn",
			yaml:    "storage: {driver: postgres}",
			wantErr: "storage.dsn",
		},
		{
			name:    "tracking without secret",
			yaml:    "tracking: {base_url: 'https://x.test/t'}",
			wantErr: "tracking.secret",
		},
		{
			name:    "bad public url",
			yaml:    "api: {public_url: 'ftp://x.test'}",
			wantErr: "api.public_url",
		},
		{
			name:    "bad merge policy",
			yaml:    "merge: {unresolved: drop}",
			wantErr: "merge.unresolved",
		},
		{
			name:    "redis without url",
			yaml:    "broadcast: {redis: {enabled: true}}",
			wantErr: "broadcast.redis.url",
		},
		{
			name:    "inbound without domain",
			yaml:    "inbound: {enabled: true}",
			wantErr: "inbound.domain",
		},
		{
			name:    "inbound auth without users",
			yaml:    "inbound: {enabled: true, domain: in.test, auth: {required: true}}",
			wantErr: "inbound.auth.users",
		},
		{
			name:    "inbound tls without key",
			yaml:    "inbound: {enabled: true, domain: in.test, tls: {cert_file: cert.pem}}",
			wantErr: "inbound.tls",
		},
		{
			name:    "dkim without selector",
			yaml:    "transport: {dkim: {enabled: true, domain: test.com, key_file: k.pem}}",
			wantErr: "transport.dkim.selector",
		},
		{
			name:    "invalid log level",
			yaml:    "logging: {level: verbose}",
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Parse() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Parse() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("api: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
