// Package app wires the configured components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/foxzi/mailcast/internal/api"
	"github.com/foxzi/mailcast/internal/broadcast"
	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/inbound"
	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/metrics"
	"github.com/foxzi/mailcast/internal/ratelimit"
	"github.com/foxzi/mailcast/internal/scheduler"
	"github.com/foxzi/mailcast/internal/storage/bolt"
	"github.com/foxzi/mailcast/internal/storage/postgres"
	"github.com/foxzi/mailcast/internal/tracking"
	"github.com/foxzi/mailcast/internal/transport"
)

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	store campaign.Store
	// counters holds rate limit counters when the store is not bbolt
	counters    *bbolt.DB
	rateLimiter *ratelimit.Limiter
	broadcaster *broadcast.Broadcaster
	redis       redis.UniversalClient
	relay       *broadcast.Relay
	manager     *campaign.Manager
	cleaner     *campaign.Cleaner

	apiServer     *api.Server
	inboundServer *inbound.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)
	a := &App{config: cfg, logger: logger}

	if err := a.setup(ctx, version); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) setup(ctx context.Context, version string) error {
	cfg := a.config
	logger := a.logger

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))

		storagePath := ""
		if cfg.Storage.Driver == "bolt" {
			storagePath = cfg.Storage.Path
		}
		a.collector = metrics.NewCollector(m, storagePath, cfg.Metrics.FlushInterval)
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	// Create storage
	var boltDB *bbolt.DB
	switch cfg.Storage.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Storage.DSN, logger)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		a.store = store
	default:
		store, err := bolt.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		a.store = store
		boltDB = store.DB()
	}
	logger.Info("campaign store opened", "driver", cfg.Storage.Driver)

	// Create rate limiter if enabled
	if cfg.RateLimit.Enabled {
		if boltDB == nil {
			db, err := bbolt.Open(cfg.Storage.Path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
			if err != nil {
				return fmt.Errorf("failed to open rate limit counters: %w", err)
			}
			a.counters = db
			boltDB = db
		}

		rlConfig := &ratelimit.Config{FlushInterval: cfg.RateLimit.FlushInterval}
		if cfg.RateLimit.Global != nil {
			rlConfig.Global = &ratelimit.LimitConfig{
				MessagesPerHour: cfg.RateLimit.Global.MessagesPerHour,
				MessagesPerDay:  cfg.RateLimit.Global.MessagesPerDay,
			}
		}
		if cfg.RateLimit.PerTransport != nil {
			rlConfig.PerTransport = &ratelimit.LimitConfig{
				MessagesPerHour: cfg.RateLimit.PerTransport.MessagesPerHour,
				MessagesPerDay:  cfg.RateLimit.PerTransport.MessagesPerDay,
			}
		}

		limiter, err := ratelimit.NewLimiter(boltDB, rlConfig, logger.With("component", "ratelimit"))
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.rateLimiter = limiter
		logger.Info("rate limiting enabled")
	}

	// Progress broadcasting, optionally shared between replicas
	a.broadcaster = broadcast.New(broadcast.Options{Buffer: cfg.Broadcast.Buffer, Logger: logger})
	if cfg.Broadcast.Redis.Enabled {
		client, err := broadcast.OpenRedis(ctx, cfg.Broadcast.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
		a.relay = broadcast.NewRelay(client, cfg.Broadcast.Redis.Channel, a.broadcaster, logger)
	}

	policy, err := merge.ParsePolicy(cfg.Merge.Unresolved)
	if err != nil {
		return err
	}
	engine := merge.NewEngine(merge.Options{
		UnsubscribeURL: cfg.Tracking.UnsubscribeURL,
		Policy:         policy,
	})

	topts := transport.Options{
		Timeout:  cfg.Transport.Timeout,
		Hostname: cfg.Transport.Hostname,
		Logger:   logger.With("component", "transport"),
	}
	if cfg.Transport.DKIM.Enabled {
		signer, err := transport.LoadSigner(cfg.Transport.DKIM.KeyFile, cfg.Transport.DKIM.Domain, cfg.Transport.DKIM.Selector)
		if err != nil {
			return fmt.Errorf("failed to load DKIM key: %w", err)
		}
		topts.Signer = signer
		logger.Info("DKIM signing enabled", "domain", cfg.Transport.DKIM.Domain, "selector", cfg.Transport.DKIM.Selector)
	}

	var tracker *tracking.Tracker
	if cfg.TrackingEnabled() {
		tracker, err = tracking.New(tracking.Options{Secret: cfg.Tracking.Secret, BaseURL: cfg.Tracking.BaseURL})
		if err != nil {
			return fmt.Errorf("failed to create tracker: %w", err)
		}
		logger.Info("open and click tracking enabled", "base_url", cfg.Tracking.BaseURL)
	}

	mopts := campaign.Options{
		TransportOptions: topts,
		Merge:            engine,
		MaxConcurrency:   cfg.Scheduler.MaxConcurrency,
		Retention:        cfg.Storage.Retention.MaxAge,
		Logger:           logger,
	}
	if tracker != nil {
		mopts.Instrument = tracker
	}
	if cfg.Inbound.Enabled {
		mopts.ReplyDomain = cfg.Inbound.Domain
	}
	if a.rateLimiter != nil {
		limiter := a.rateLimiter
		mopts.Gate = func(c transport.Config) scheduler.Gate {
			return limiter.Gate(transport.Identity(c))
		}
	}
	a.manager = campaign.NewManager(a.store, a.broadcaster, mopts)

	recovered, err := a.manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted campaigns: %w", err)
	}
	if recovered > 0 {
		logger.Warn("finished campaigns interrupted by a previous run", "count", recovered)
	}

	if cfg.Storage.Retention.MaxAge > 0 {
		cleaner, err := campaign.NewCleaner(a.store, campaign.CleanerConfig{
			MaxAge:   cfg.Storage.Retention.MaxAge,
			Schedule: cfg.Storage.Retention.Schedule,
		}, logger)
		if err != nil {
			return err
		}
		a.cleaner = cleaner
	}

	a.apiServer = api.NewServer(&cfg.API, api.Deps{
		Campaigns:   a.manager,
		Merge:       engine,
		Broadcaster: a.broadcaster,
		Tracker:     tracker,
		RateLimiter: a.rateLimiter,
		Version:     version,
	}, logger)

	if cfg.Inbound.Enabled {
		srv, err := inbound.NewServer(&cfg.Inbound, cfg.Server.Hostname, a.manager, logger)
		if err != nil {
			return fmt.Errorf("failed to create inbound server: %w", err)
		}
		a.inboundServer = srv
	}

	return nil
}

// Manager returns the campaign manager
func (a *App) Manager() *campaign.Manager {
	return a.manager
}

// Broadcaster returns the progress broadcaster
func (a *App) Broadcaster() *broadcast.Broadcaster {
	return a.broadcaster
}

// Handler returns the HTTP API handler
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	logAttrs := []any{
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Driver,
	}
	if a.inboundServer != nil {
		logAttrs = append(logAttrs, "inbound_addr", a.config.Inbound.ListenAddr)
	}
	a.logger.Info("starting mailcast", logAttrs...)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if a.collector != nil {
		a.collector.Start(gctx)
	}
	if a.cleaner != nil {
		a.cleaner.Start(gctx)
	}
	if a.relay != nil {
		g.Go(func() error {
			if err := a.relay.Run(gctx); err != nil {
				return fmt.Errorf("progress relay: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if a.inboundServer != nil {
		g.Go(func() error {
			if err := a.inboundServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				return fmt.Errorf("inbound server: %w", err)
			}
			return nil
		})
	}

	if a.metricsServer != nil {
		g.Go(func() error {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			a.logger.Info("shutdown signal received")
		}
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting work before draining runs
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.inboundServer != nil {
		if err := a.inboundServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("inbound server shutdown error", "error", err)
		}
	}

	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("campaign runs did not drain", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// close releases background workers and storage
func (a *App) close() {
	if a.cleaner != nil {
		a.cleaner.Stop()
	}
	if a.collector != nil {
		a.collector.Stop()
	}

	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}
	if a.counters != nil {
		a.counters.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
