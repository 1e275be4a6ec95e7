// Package inbound is the SMTP listener that catches replies to campaign
// messages and records them as replied events.
package inbound

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/ipfilter"
	"github.com/foxzi/mailcast/internal/metrics"
)

// Recorder stores reply events
type Recorder interface {
	RecordEvent(ctx context.Context, campaignID uint64, index int, kind campaign.EventKind) (*campaign.EmailStatus, error)
}

// authFailure tracks failed auth attempts
type authFailure struct {
	count     int
	lastFail  time.Time
	blockedAt time.Time
}

// Backend implements smtp.Backend for go-smtp
type Backend struct {
	recorder Recorder
	domain   string
	auth     *config.AuthConfig
	filter   *ipfilter.Filter
	logger   *slog.Logger

	authFailures map[string]*authFailure
	authMu       sync.RWMutex
}

// NewBackend creates a new SMTP backend
func NewBackend(rec Recorder, cfg *config.InboundConfig, filter *ipfilter.Filter, logger *slog.Logger) *Backend {
	return &Backend{
		recorder:     rec,
		domain:       cfg.Domain,
		auth:         &cfg.Auth,
		filter:       filter,
		logger:       logger,
		authFailures: make(map[string]*authFailure),
	}
}

// CheckAuthBlocked checks if IP is blocked due to too many auth failures
func (b *Backend) CheckAuthBlocked(ip string) bool {
	b.authMu.RLock()
	defer b.authMu.RUnlock()

	if f, ok := b.authFailures[ip]; ok {
		if !f.blockedAt.IsZero() && time.Since(f.blockedAt) < b.auth.BlockDuration {
			return true
		}
	}
	return false
}

// RecordAuthFailure records a failed auth attempt and reports whether the
// IP is now blocked
func (b *Backend) RecordAuthFailure(ip string) bool {
	b.authMu.Lock()
	defer b.authMu.Unlock()

	now := time.Now()
	f, ok := b.authFailures[ip]
	if !ok {
		f = &authFailure{}
		b.authFailures[ip] = f
	}

	// Reset counter if outside window
	if time.Since(f.lastFail) > b.auth.FailureWindow {
		f.count = 0
		f.blockedAt = time.Time{}
	}

	f.count++
	f.lastFail = now

	if f.count >= b.auth.MaxFailures {
		f.blockedAt = now
		b.logger.Warn("IP blocked due to auth failures", "ip", ip, "failures", f.count)
		return true
	}

	return false
}

// ClearAuthFailure clears auth failure record on successful auth
func (b *Backend) ClearAuthFailure(ip string) {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	delete(b.authFailures, ip)
}

// NewSession is called when a new SMTP connection is established
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	metrics.IncInboundConnections()

	if b.filter != nil && !b.filter.AllowedNetAddr(c.Conn().RemoteAddr()) {
		b.logger.Warn("connection rejected by ip filter", "remote_addr", c.Conn().RemoteAddr().String())
		return nil, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Access denied",
		}
	}

	return NewSession(b, c), nil
}
