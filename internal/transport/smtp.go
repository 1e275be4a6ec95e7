package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPSender delivers through one SMTP server with one credential. Each
// send uses its own connection.
type SMTPSender struct {
	mode      SMTPMode
	cred      Credential
	hostname  string
	timeout   time.Duration
	signer    *Signer
	tlsConfig *tls.Config
	logger    *slog.Logger
	dialer    *net.Dialer
}

// NewSMTPSender creates an SMTP sender
func NewSMTPSender(mode SMTPMode, cred Credential, opts Options) *SMTPSender {
	opts.setDefaults()
	if mode == ModeLocalhost {
		cred = Credential{Host: "localhost", Port: 25}
	}
	return &SMTPSender{
		mode:      mode,
		cred:      cred,
		hostname:  opts.Hostname,
		timeout:   opts.Timeout,
		signer:    opts.Signer,
		tlsConfig: opts.TLSConfig,
		logger:    opts.Logger.With("smtp_server", cred.Addr()),
		dialer:    &net.Dialer{Timeout: opts.Timeout},
	}
}

// Credential returns the credential label used by this sender
func (s *SMTPSender) Credential() string {
	return s.cred.Label()
}

// Send delivers msg to its single recipient
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	receipt, err := s.send(ctx, msg)
	if err != nil {
		err.Credential = s.cred.Label()
		return nil, err
	}
	return receipt, nil
}

func (s *SMTPSender) send(ctx context.Context, msg *Message) (*Receipt, *Error) {
	now := time.Now()
	data := msg.Bytes(now)
	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned", "domain", s.signer.Domain(), "error", err)
		} else {
			data = signed
		}
	}

	addr := s.cred.Addr()
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return nil, newError(KindTimeout, err, "connection to %s timed out", addr)
		}
		return nil, newError(KindConnectFailure, err, "connection failed to %s: %v", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// Closing the connection unblocks a stalled conversation on cancel
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello(s.hostname); err != nil {
		return nil, categorizeError(s.ctxErr(ctx, err), stageHello)
	}

	if s.mode == ModeRelay {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := s.tlsConfig
			if tlsConfig == nil {
				tlsConfig = &tls.Config{ServerName: s.cred.Host, MinVersion: tls.VersionTLS12}
			}
			if err := client.StartTLS(tlsConfig); err != nil {
				return nil, categorizeError(s.ctxErr(ctx, err), stageTLS)
			}
		}

		if s.cred.Username != "" {
			if ok, _ := client.Extension("AUTH"); !ok {
				return nil, newError(KindAuthFailure, nil, "server %s does not support AUTH", addr)
			}
			auth := sasl.NewPlainClient("", s.cred.Username, s.cred.Password)
			if err := client.Auth(auth); err != nil {
				return nil, categorizeError(s.ctxErr(ctx, err), stageAuth)
			}
		}
	}

	if err := client.Mail(msg.FromEmail, nil); err != nil {
		return nil, categorizeError(s.ctxErr(ctx, err), stageMail)
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return nil, categorizeError(s.ctxErr(ctx, err), stageRcpt)
	}

	wc, err := client.Data()
	if err != nil {
		return nil, categorizeError(s.ctxErr(ctx, err), stageData)
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return nil, categorizeError(s.ctxErr(ctx, err), stageData)
	}
	if err := wc.Close(); err != nil {
		return nil, categorizeError(s.ctxErr(ctx, err), stageData)
	}

	client.Quit()

	s.logger.Debug("message delivered", "to", msg.To, "message_id", msg.MessageID)

	return &Receipt{
		ID:         msg.MessageID,
		Credential: s.cred.Label(),
		SentAt:     now,
	}, nil
}

// ctxErr prefers the context error when the conversation failed because
// the deadline passed and the connection was closed underneath it.
func (s *SMTPSender) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return context.DeadlineExceeded
	}
	return err
}
