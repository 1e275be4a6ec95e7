package inbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/ipfilter"
)

// Server wraps go-smtp server with configuration
type Server struct {
	server *smtp.Server
	addr   string
	logger *slog.Logger
}

// NewServer creates the reply listener. STARTTLS is offered when a
// certificate is configured, and AUTH then requires it.
func NewServer(cfg *config.InboundConfig, hostname string, rec Recorder, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "inbound")
	filter := ipfilter.New(cfg.AllowedIPs, logger)
	backend := NewBackend(rec, cfg, filter, logger)

	srv := smtp.NewServer(backend)
	srv.Domain = hostname
	srv.MaxMessageBytes = int64(cfg.MaxMessageBytes)
	srv.MaxRecipients = 10
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.AllowInsecureAuth = true

	if cfg.TLS.CertFile != "" {
		tlsConfig, err := loadCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = tlsConfig
		srv.AllowInsecureAuth = false
	}

	return &Server{
		server: srv,
		addr:   cfg.ListenAddr,
		logger: logger,
	}, nil
}

// loadCertificate loads a TLS certificate from PEM files
func loadCertificate(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ListenAndServe starts the SMTP server
func (s *Server) ListenAndServe() error {
	s.server.Addr = s.addr
	s.logger.Info("starting inbound SMTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Serve accepts connections on l
func (s *Server) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down inbound SMTP server")
	return s.server.Shutdown(ctx)
}
