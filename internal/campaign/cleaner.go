package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSchedule runs retention cleanup hourly
const DefaultCleanupSchedule = "0 * * * *"

// CleanerConfig contains retention settings
type CleanerConfig struct {
	// MaxAge is how long finished campaigns are kept; zero disables cleanup
	MaxAge time.Duration
	// Schedule is a 5-field cron expression
	Schedule string
}

// Cleaner deletes finished campaigns past their retention on a cron schedule
type Cleaner struct {
	store  Store
	cfg    CleanerConfig
	cron   *cron.Cron
	now    func() time.Time
	logger *slog.Logger

	stopOnce sync.Once
}

// NewCleaner creates a cleaner; the schedule is validated here
func NewCleaner(store Store, cfg CleanerConfig, logger *slog.Logger) (*Cleaner, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultCleanupSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cleaner{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "cleaner"),
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c.cron = cron.New(cron.WithParser(parser))
	if _, err := c.cron.AddFunc(cfg.Schedule, func() {
		c.RunOnce(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Schedule, err)
	}
	return c, nil
}

// Start runs one cleanup immediately, then follows the schedule until ctx
// is done or Stop is called
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.MaxAge <= 0 {
		c.logger.Info("retention cleanup disabled")
		return
	}

	c.RunOnce(ctx)
	c.cron.Start()
	c.logger.Info("cleaner started", "max_age", c.cfg.MaxAge, "schedule", c.cfg.Schedule)

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}

// Stop stops the schedule and waits for a running cleanup
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() {
		<-c.cron.Stop().Done()
		c.logger.Info("cleaner stopped")
	})
}

// RunOnce deletes finished campaigns created before now - MaxAge
func (c *Cleaner) RunOnce(ctx context.Context) int {
	if c.cfg.MaxAge <= 0 {
		return 0
	}

	cutoff := c.now().Add(-c.cfg.MaxAge)
	deleted, err := c.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error("failed to cleanup campaigns", "error", err)
		return 0
	}

	if deleted > 0 {
		c.logger.Info("cleaned up campaigns", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted
}
