package inbound

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/mail"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/metrics"
	"github.com/foxzi/mailcast/internal/recipient"
)

// Session implements smtp.Session and smtp.AuthSession for go-smtp
type Session struct {
	backend  *Backend
	conn     *smtp.Conn
	remoteIP string
	from     string
	to       []string
	authUser string
	logger   *slog.Logger
}

// NewSession creates a new SMTP session
func NewSession(b *Backend, c *smtp.Conn) *Session {
	remote := c.Conn().RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = remote
	}
	return &Session{
		backend:  b,
		conn:     c,
		remoteIP: ip,
		logger:   b.logger.With("remote_addr", remote),
	}
}

// AuthMechanisms returns supported authentication mechanisms
func (s *Session) AuthMechanisms() []string {
	if len(s.backend.auth.Users) == 0 {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth handles authentication
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	if s.backend.CheckAuthBlocked(s.remoteIP) {
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many authentication failures, try again later",
		}
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("identity must be empty or match username")
		}

		expected, ok := s.backend.auth.Users[username]
		if !ok || expected != password {
			s.logger.Warn("authentication failed", "username", username)
			s.backend.RecordAuthFailure(s.remoteIP)
			return smtp.ErrAuthFailed
		}

		s.backend.ClearAuthFailure(s.remoteIP)
		s.authUser = username
		s.logger.Info("authentication successful", "username", username)
		return nil
	}), nil
}

// Mail handles MAIL FROM command
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.auth.Required && s.authUser == "" {
		return &smtp.SMTPError{
			Code:    530,
			Message: "Authentication required",
		}
	}

	s.from = from
	s.logger.Debug("MAIL FROM", "from", from)
	return nil
}

// Rcpt accepts only addresses of the reply domain
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.backend.domain != "" && recipient.ExtractDomain(to) != s.backend.domain {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Relay not permitted",
		}
	}

	s.to = append(s.to, to)
	s.logger.Debug("RCPT TO", "to", to)
	return nil
}

// Data matches the message to campaign sends and records a reply for each
func (s *Session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{
			Code:    442,
			Message: "Failed to read message data",
		}
	}

	refs := s.refs(data)
	if len(refs) == 0 {
		metrics.IncInboundReplies("unmatched")
		s.logger.Info("message does not reference a campaign", "from", s.from, "to", s.to, "size", len(data))
		return nil
	}

	ctx := context.Background()
	for _, ref := range refs {
		_, err := s.backend.recorder.RecordEvent(ctx, ref.CampaignID, ref.Index, campaign.EventReplied)
		switch {
		case err == nil:
			metrics.IncInboundReplies("matched")
			s.logger.Info("reply recorded", "campaign_id", ref.CampaignID, "recipient_index", ref.Index, "from", s.from)
		case errors.Is(err, campaign.ErrNotFound), errors.Is(err, campaign.ErrExpired),
			errors.Is(err, campaign.ErrRecipientFailed):
			metrics.IncInboundReplies("unmatched")
			s.logger.Info("reply ignored", "campaign_id", ref.CampaignID, "recipient_index", ref.Index, "error", err)
		default:
			metrics.IncInboundReplies("error")
			s.logger.Error("failed to record reply", "campaign_id", ref.CampaignID, "recipient_index", ref.Index, "error", err)
			return &smtp.SMTPError{
				Code:    451,
				Message: "Failed to record reply, try again later",
			}
		}
	}

	return nil
}

func (s *Session) refs(data []byte) []Ref {
	var refs []Ref
	for _, to := range s.to {
		if ref, ok := RefFromAddress(to, s.backend.domain); ok {
			refs = append(refs, ref)
		}
	}

	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		s.logger.Debug("failed to parse message headers", "error", err)
		return dedupe(refs)
	}
	refs = append(refs, RefsFromHeaders(msg.Header.Get("In-Reply-To"), msg.Header.Get("References"))...)
	return dedupe(refs)
}

// Reset resets the session state
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout handles session logout
func (s *Session) Logout() error {
	s.logger.Debug("session logout")
	return nil
}
