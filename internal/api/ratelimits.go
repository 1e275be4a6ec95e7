package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailcast/internal/ratelimit"
)

// rateLimitsResponse is the response for GET /api/v1/ratelimits
type rateLimitsResponse struct {
	Enabled      bool                   `json:"enabled"`
	Global       *ratelimit.LimitConfig `json:"global,omitempty"`
	PerTransport *ratelimit.LimitConfig `json:"per_transport,omitempty"`
	Usage        []*ratelimit.Stats     `json:"usage"`
}

// rateLimitStatsResponse is the response for GET /api/v1/ratelimits/{level}/{key}
type rateLimitStatsResponse struct {
	*ratelimit.Stats
	HourlyLimit       int             `json:"hourly_limit"`
	DailyLimit        int             `json:"daily_limit"`
	Allowed           bool            `json:"allowed"`
	DeniedBy          ratelimit.Level `json:"denied_by,omitempty"`
	RetryAfterSeconds int             `json:"retry_after_seconds,omitempty"`
}

// handleRateLimits handles GET /api/v1/ratelimits
func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		s.sendJSON(w, http.StatusOK, rateLimitsResponse{Usage: []*ratelimit.Stats{}})
		return
	}

	s.sendJSON(w, http.StatusOK, rateLimitsResponse{
		Enabled:      true,
		Global:       s.limiter.Limits(ratelimit.LevelGlobal),
		PerTransport: s.limiter.Limits(ratelimit.LevelTransport),
		Usage:        s.limiter.Usage(r.Context()),
	})
}

// handleRateLimitStats handles GET /api/v1/ratelimits/{level}/{key}. The
// allowed flag tells whether one more send through key would pass now.
func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Rate limiting is not enabled")
		return
	}

	level := ratelimit.Level(chi.URLParam(r, "level"))
	key := chi.URLParam(r, "key")

	var transportKey string
	switch level {
	case ratelimit.LevelGlobal:
	case ratelimit.LevelTransport:
		transportKey = key
	default:
		s.sendError(w, http.StatusBadRequest, "level must be global or transport")
		return
	}

	stats, err := s.limiter.GetStats(r.Context(), level, key)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	check, err := s.limiter.Check(r.Context(), transportKey)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	resp := rateLimitStatsResponse{
		Stats:    stats,
		Allowed:  check.Allowed,
		DeniedBy: check.DeniedBy,
	}
	if limits := s.limiter.Limits(level); limits != nil {
		resp.HourlyLimit = limits.MessagesPerHour
		resp.DailyLimit = limits.MessagesPerDay
	}
	if !check.Allowed {
		resp.RetryAfterSeconds = int(check.RetryAfter.Seconds())
	}
	s.sendJSON(w, http.StatusOK, resp)
}
