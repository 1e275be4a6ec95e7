package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/storage/bolt"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "mailcast.db")
	cfg.Logging.Level = "error"
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.PerTransport = &config.LimitValues{MessagesPerHour: 100}
	cfg.Storage.Retention.MaxAge = 24 * time.Hour
	cfg.API.PublicURL = "https://mail.example.com"
	cfg.Tracking.Secret = "tracking-secret"
	cfg.Tracking.BaseURL = "https://mail.example.com/t"

	a, err := New(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.rateLimiter == nil {
		t.Error("expected rate limiter")
	}
	if a.cleaner == nil {
		t.Error("expected cleaner")
	}
	if a.inboundServer != nil {
		t.Error("inbound listener should be disabled by default")
	}
	if a.counters != nil {
		t.Error("bolt store should share its database with the limiter")
	}

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var health map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if health["version"] != "test" {
		t.Errorf("expected version test, got %v", health["version"])
	}
}

func TestNewFinishesInterruptedCampaigns(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	store, err := bolt.Open(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("bolt.Open() error = %v", err)
	}
	interrupted := &campaign.Campaign{Status: campaign.StatusProcessing, RecipientCount: 3, CreatedAt: time.Now()}
	if err := store.CreateCampaign(ctx, interrupted); err != nil {
		t.Fatalf("CreateCampaign() error = %v", err)
	}
	if err := store.SaveStatus(ctx, &campaign.EmailStatus{CampaignID: interrupted.ID, Index: 0, Email: "a@example.com", Sent: true}); err != nil {
		t.Fatalf("SaveStatus() error = %v", err)
	}
	store.Close()

	a, err := New(ctx, cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(ctx)

	got, err := a.Manager().Get(ctx, interrupted.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != campaign.StatusCompleted || !got.Cancelled {
		t.Errorf("expected completed and cancelled, got %s cancelled=%v", got.Status, got.Cancelled)
	}
	if got.Sent != 1 || got.Success != 1 {
		t.Errorf("expected counters rebuilt from rows, got sent=%d success=%d", got.Sent, got.Success)
	}
}

func TestNewRejectsBadMergePolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Merge.Unresolved = "explode"

	if _, err := New(context.Background(), cfg, "test"); err == nil {
		t.Fatal("expected error for unknown merge policy")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.ListenAddr = "127.0.0.1:0"

	a, err := New(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		debug bool
	}{
		{"debug", true},
		{"info", false},
		{"warn", false},
		{"", false},
	}

	for _, tt := range tests {
		logger := setupLogger(config.LoggingConfig{Level: tt.level, Format: "text"})
		if got := logger.Enabled(context.Background(), -4); got != tt.debug {
			t.Errorf("level %q: debug enabled = %v, want %v", tt.level, got, tt.debug)
		}
	}
}
