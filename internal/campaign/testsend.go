package campaign

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/foxzi/mailcast/internal/broadcast"
	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/recipient"
	"github.com/foxzi/mailcast/internal/transport"
)

// TestRequest is a single send outside any campaign
type TestRequest struct {
	// Line is a recipient line; its address receives the message
	Line      string
	FromName  string
	FromEmail string
	Transport transport.Config
	Subjects  []string
	HTML      string
}

// SendTest merges the first subject and the body for one recipient and sends
// it through the given transport. Nothing is stored; the outcome is
// published as a log event of campaign 0.
func (m *Manager) SendTest(ctx context.Context, req TestRequest) (*transport.Receipt, error) {
	rec, err := recipient.Parse(req.Line, 1)
	if err != nil {
		return nil, err
	}
	if req.Transport == nil {
		return nil, &ConfigError{Reason: "no transport configured"}
	}
	if _, err := mail.ParseAddress(req.FromEmail); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid from address %q", req.FromEmail)}
	}
	if strings.TrimSpace(req.HTML) == "" {
		return nil, &ConfigError{Reason: "email template is empty"}
	}

	sender, err := m.opts.NewSender(req.Transport)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error(), Err: err}
	}

	mctx := merge.Context{Now: m.opts.Clock.Now()}
	subject, subjErr := m.opts.Merge.Merge(merge.SubjectFor(req.Subjects, 0), rec, mctx)
	body, bodyErr := m.opts.Merge.Merge(req.HTML, rec, mctx)
	if err := errors.Join(subjErr, bodyErr); err != nil {
		m.pub.Publish(broadcast.Log(0, broadcast.LogError, "Test email not sent: "+err.Error()))
		return nil, err
	}

	msg := &transport.Message{
		FromName:  req.FromName,
		FromEmail: req.FromEmail,
		To:        rec.Email,
		Subject:   subject,
		HTML:      body,
		MessageID: transport.NewMessageID("test."+uuid.NewString(), recipient.ExtractDomain(req.FromEmail)),
		Headers: map[string]string{
			"List-Unsubscribe": "<" + m.opts.Merge.UnsubscribeLink(rec.Email) + ">",
		},
	}

	m.pub.Publish(broadcast.Log(0, broadcast.LogInfo, "Sending test email to "+rec.Email))
	receipt, err := sender.Send(ctx, msg)
	if err != nil {
		m.logger.Warn("test email failed", "to", rec.Email, "method", req.Transport.Method(), "error", err)
		m.pub.Publish(broadcast.Log(0, broadcast.LogError, fmt.Sprintf("Test email to %s failed: %v", rec.Email, err)))
		return nil, err
	}

	m.logger.Info("test email sent", "to", rec.Email, "method", req.Transport.Method(), "id", receipt.ID)
	m.pub.Publish(broadcast.Log(0, broadcast.LogSuccess, "Test email sent to "+rec.Email))
	return receipt, nil
}
