// Package transport sends single messages through an email API, one SMTP
// relay or a rotating set of SMTP credentials.
//
// Senders never retry. A failed send is returned to the caller as an
// *Error whose Kind tells why.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"
)

// Sender sends one message
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}

// Options are shared by all variants
type Options struct {
	// Timeout bounds a single send, default 30s
	Timeout time.Duration
	// Hostname is announced in EHLO
	Hostname string
	// Signer, when set, DKIM-signs SMTP messages
	Signer *Signer
	// TLSConfig overrides the STARTTLS configuration
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Hostname == "" {
		o.Hostname = "localhost"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// New builds the sender for a validated config
func New(cfg Config, opts Options) (Sender, error) {
	if cfg == nil {
		return nil, configError("no transport configured")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()

	switch c := cfg.(type) {
	case APIConfig:
		return NewAPISender(c.APIKey, opts), nil
	case SMTPConfig:
		return NewSMTPSender(c.Mode, c.Credential, opts), nil
	case RotatingConfig:
		senders := make([]Sender, len(c.Credentials))
		for i, cred := range c.Credentials {
			senders[i] = NewSMTPSender(ModeRelay, cred, opts)
		}
		return NewRotatingSender(senders), nil
	}
	return nil, fmt.Errorf("%w: unsupported config %T", ErrConfigurationInvalid, cfg)
}
