// Package api is the HTTP interface: campaign control, personalization
// helpers, tracking endpoints and the live progress stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/mailcast/internal/broadcast"
	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/ipfilter"
	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/metrics"
	"github.com/foxzi/mailcast/internal/ratelimit"
	"github.com/foxzi/mailcast/internal/tracking"
)

// Deps are the components the API drives
type Deps struct {
	Campaigns   *campaign.Manager
	Merge       *merge.Engine
	Broadcaster *broadcast.Broadcaster
	// Tracker serves /t; nil disables open and click tracking endpoints
	Tracker *tracking.Tracker
	// RateLimiter backs /api/v1/ratelimits; nil reports limiting as disabled
	RateLimiter *ratelimit.Limiter
	Version     string
}

// Server is the HTTP API server
type Server struct {
	router      *chi.Mux
	httpServer  *http.Server
	campaigns   *campaign.Manager
	merge       *merge.Engine
	broadcaster *broadcast.Broadcaster
	tracker     *tracking.Tracker
	limiter     *ratelimit.Limiter
	filter      *ipfilter.Filter
	config      *config.APIConfig
	version     string
	logger      *slog.Logger
	startTime   time.Time
}

// NewServer creates a new API server
func NewServer(cfg *config.APIConfig, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	if deps.Merge == nil {
		deps.Merge = merge.NewEngine(merge.Options{})
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		router:      chi.NewRouter(),
		campaigns:   deps.Campaigns,
		merge:       deps.Merge,
		broadcaster: deps.Broadcaster,
		tracker:     deps.Tracker,
		limiter:     deps.RateLimiter,
		filter:      ipfilter.New(cfg.AllowedIPs, logger),
		config:      cfg,
		version:     deps.Version,
		logger:      logger,
		startTime:   time.Now(),
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// No auth: health and the links embedded in sent mail
	s.router.Get("/health", s.handleHealth)
	if s.tracker != nil {
		s.router.Mount("/t", s.tracker.Routes(s.campaigns, s.logger))
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.filter.HTTPMiddleware)
		r.Use(s.authMiddleware)

		if s.broadcaster != nil {
			r.Handle("/ws", broadcast.Handler(s.broadcaster, broadcast.WSOptions{
				OriginPatterns: s.config.AllowedOrigins,
				Logger:         s.logger,
			}))
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/campaigns", func(r chi.Router) {
				r.Post("/", s.handleCreateCampaign)
				r.Get("/", s.handleListCampaigns)
				r.Get("/{id}", s.handleGetCampaign)
				r.Get("/{id}/status", s.handleCampaignStatus)
				r.Post("/{id}/cancel", s.handleCancelCampaign)
				r.Get("/{id}/recipients", s.handleCampaignRecipients)
				r.Post("/{id}/events", s.handleCampaignEvent)
			})

			r.Post("/email/test", s.handleTestEmail)

			r.Route("/personalization", func(r chi.Router) {
				r.Get("/variables", s.handleVariables)
				r.Get("/documentation", s.handleDocumentation)
				r.Post("/parse", s.handleParseRecipient)
				r.Post("/merge", s.handleMergePreview)
			})

			r.Route("/ratelimits", func(r chi.Router) {
				r.Get("/", s.handleRateLimits)
				r.Get("/{level}/{key}", s.handleRateLimitStats)
			})
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}
