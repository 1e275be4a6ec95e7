package transport

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/resend/resend-go/v3"
)

// emailsAPI is the part of the Resend client the API sender uses
type emailsAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// APISender delivers through the Resend HTTP API with a single key
type APISender struct {
	emails  emailsAPI
	timeout time.Duration
	logger  *slog.Logger
}

// NewAPISender creates an API sender
func NewAPISender(apiKey string, opts Options) *APISender {
	opts.setDefaults()
	client := resend.NewClient(apiKey)
	return &APISender{
		emails:  client.Emails,
		timeout: opts.Timeout,
		logger:  opts.Logger.With("transport", "api"),
	}
}

// Send delivers msg through the API
func (s *APISender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := &resend.SendEmailRequest{
		From:    msg.From(),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.PlainText(),
		ReplyTo: msg.ReplyTo,
		Headers: apiHeaders(msg),
	}
	for name, value := range msg.Tags {
		req.Tags = append(req.Tags, resend.Tag{Name: name, Value: value})
	}

	now := time.Now()
	resp, err := s.emails.SendWithContext(ctx, req)
	if err != nil {
		return nil, categorizeAPIError(err)
	}

	s.logger.Debug("message accepted", "to", msg.To, "id", resp.Id)

	return &Receipt{ID: resp.Id, SentAt: now}, nil
}

func apiHeaders(msg *Message) map[string]string {
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.MessageID != "" {
		headers["Message-ID"] = msg.MessageID
	}
	return headers
}

// categorizeAPIError maps an opaque upstream error onto a Kind
func categorizeAPIError(err error) *Error {
	if isTimeout(err) {
		return newError(KindTimeout, err, "api request timed out: %v", err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindConnectFailure, err, "api request canceled")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "api key"), strings.Contains(msg, "unauthorized"):
		return newError(KindAuthFailure, err, "api rejected credentials: %v", err)
	case strings.Contains(msg, "422"), strings.Contains(msg, "invalid `to`"),
		strings.Contains(msg, "validation"):
		return newError(KindRejectedRecipient, err, "api rejected message: %v", err)
	}
	return newError(KindConnectFailure, err, "api send failed: %v", err)
}
