package inbound

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/transport"
)

const testUUID = "0b8e5a4c-3c1f-4f57-9d1e-2a6c6f1b9e11"

func TestRefsFromHeaders(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   []Ref
	}{
		{"none", []string{"", ""}, nil},
		{"in-reply-to", []string{"<12.3." + testUUID + "@news.example.com>"}, []Ref{{12, 3}}},
		{
			"references chain",
			[]string{"", "<abc@client.example> <7.0." + testUUID + "@example.com> <7.1." + testUUID + "@example.com>"},
			[]Ref{{7, 0}, {7, 1}},
		},
		{
			"duplicates",
			[]string{"<7.0." + testUUID + "@example.com>", "<7.0." + testUUID + "@example.com>"},
			[]Ref{{7, 0}},
		},
		{"foreign id", []string{"<CAF=abc123@mail.gmail.com>"}, nil},
		{"zero campaign", []string{"<0.1." + testUUID + "@example.com>"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RefsFromHeaders(tt.values...)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRefFromAddress(t *testing.T) {
	tests := []struct {
		addr   string
		domain string
		want   Ref
		ok     bool
	}{
		{"reply+4.9@in.example.com", "in.example.com", Ref{4, 9}, true},
		{"<Reply+4.9@IN.example.com>", "in.example.com", Ref{4, 9}, true},
		{"reply+4.9@other.example.com", "in.example.com", Ref{}, false},
		{"reply+4.9@other.example.com", "", Ref{4, 9}, true},
		{"reply@in.example.com", "in.example.com", Ref{}, false},
		{"reply+x.1@in.example.com", "in.example.com", Ref{}, false},
	}

	for _, tt := range tests {
		got, ok := RefFromAddress(tt.addr, tt.domain)
		assert.Equal(t, tt.ok, ok, tt.addr)
		assert.Equal(t, tt.want, got, tt.addr)
	}
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []Ref
	err    error
}

func (f *fakeRecorder) RecordEvent(ctx context.Context, campaignID uint64, index int, kind campaign.EventKind) (*campaign.EmailStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind != campaign.EventReplied {
		return nil, errors.New("unexpected event " + string(kind))
	}
	if f.err != nil {
		return nil, f.err
	}
	f.events = append(f.events, Ref{campaignID, index})
	return &campaign.EmailStatus{CampaignID: campaignID, Index: index, Replied: true}, nil
}

func (f *fakeRecorder) recorded() []Ref {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Ref(nil), f.events...)
}

func startServer(t *testing.T, cfg config.InboundConfig, rec Recorder) int {
	t.Helper()
	if cfg.Domain == "" {
		cfg.Domain = "in.example.com"
	}
	cfg.ReadTimeout = 5 * time.Second
	cfg.WriteTimeout = 5 * time.Second
	cfg.MaxMessageBytes = 1 << 20
	cfg.Auth.MaxFailures = 3
	cfg.Auth.BlockDuration = time.Minute
	cfg.Auth.FailureWindow = time.Minute

	srv, err := NewServer(&cfg, "mx.example.com", rec, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return l.Addr().(*net.TCPAddr).Port
}

func sendReply(t *testing.T, cred transport.Credential, msg *transport.Message) error {
	t.Helper()
	sender, err := transport.New(transport.SMTPConfig{Mode: transport.ModeRelay, Credential: cred}, transport.Options{
		Timeout:  2 * time.Second,
		Hostname: "client.example.org",
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	_, err = sender.Send(context.Background(), msg)
	return err
}

func replyMessage(to string, headers map[string]string) *transport.Message {
	return &transport.Message{
		FromEmail: "customer@example.org",
		To:        to,
		Subject:   "Re: Spring sale",
		HTML:      "<p>Thanks!</p>",
		MessageID: "<reply-1@example.org>",
		Headers:   headers,
	}
}

func TestServerRecordsReplies(t *testing.T) {
	rec := &fakeRecorder{}
	port := startServer(t, config.InboundConfig{}, rec)
	cred := transport.Credential{Host: "127.0.0.1", Port: port}

	err := sendReply(t, cred, replyMessage("reply+3.1@in.example.com", map[string]string{
		"In-Reply-To": "<3.1." + testUUID + "@news.example.com>",
		"References":  "<3.1." + testUUID + "@news.example.com> <3.2." + testUUID + "@news.example.com>",
	}))
	require.NoError(t, err)
	assert.Equal(t, []Ref{{3, 1}, {3, 2}}, rec.recorded())

	// unmatched messages are accepted and dropped
	err = sendReply(t, cred, replyMessage("postmaster@in.example.com", nil))
	require.NoError(t, err)
	assert.Len(t, rec.recorded(), 2)
}

func TestServerRejectsForeignDomain(t *testing.T) {
	port := startServer(t, config.InboundConfig{}, &fakeRecorder{})

	err := sendReply(t, transport.Credential{Host: "127.0.0.1", Port: port}, replyMessage("someone@elsewhere.example", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrRejectedRecipient)
}

func TestServerStoreFailureIsTemporary(t *testing.T) {
	rec := &fakeRecorder{err: campaign.StoreError("record event", errors.New("disk full"))}
	port := startServer(t, config.InboundConfig{}, rec)

	err := sendReply(t, transport.Credential{Host: "127.0.0.1", Port: port}, replyMessage("reply+3.1@in.example.com", nil))
	require.Error(t, err)
}

func TestServerIgnoresUnknownCampaign(t *testing.T) {
	rec := &fakeRecorder{err: campaign.ErrNotFound}
	port := startServer(t, config.InboundConfig{}, rec)

	err := sendReply(t, transport.Credential{Host: "127.0.0.1", Port: port}, replyMessage("reply+3.1@in.example.com", nil))
	require.NoError(t, err)
}

func TestServerAuth(t *testing.T) {
	rec := &fakeRecorder{}
	port := startServer(t, config.InboundConfig{
		Auth: config.AuthConfig{Required: true, Users: map[string]string{"relay": "relaypass"}},
	}, rec)

	t.Run("anonymous", func(t *testing.T) {
		err := sendReply(t, transport.Credential{Host: "127.0.0.1", Port: port}, replyMessage("reply+1.0@in.example.com", nil))
		require.Error(t, err)
	})

	t.Run("wrong password", func(t *testing.T) {
		cred := transport.Credential{Host: "127.0.0.1", Port: port, Username: "relay", Password: "nope"}
		err := sendReply(t, cred, replyMessage("reply+1.0@in.example.com", nil))
		assert.ErrorIs(t, err, transport.ErrAuthFailure)
	})

	t.Run("valid", func(t *testing.T) {
		cred := transport.Credential{Host: "127.0.0.1", Port: port, Username: "relay", Password: "relaypass"}
		err := sendReply(t, cred, replyMessage("reply+1.0@in.example.com", nil))
		require.NoError(t, err)
		assert.Equal(t, []Ref{{1, 0}}, rec.recorded())
	})
}

func TestAuthBlocking(t *testing.T) {
	cfg := config.InboundConfig{Auth: config.AuthConfig{MaxFailures: 2, BlockDuration: time.Minute, FailureWindow: time.Minute}}
	b := NewBackend(&fakeRecorder{}, &cfg, nil, slog.New(slog.DiscardHandler))

	assert.False(t, b.RecordAuthFailure("10.0.0.1"))
	assert.False(t, b.CheckAuthBlocked("10.0.0.1"))
	assert.True(t, b.RecordAuthFailure("10.0.0.1"))
	assert.True(t, b.CheckAuthBlocked("10.0.0.1"))
	assert.False(t, b.CheckAuthBlocked("10.0.0.2"))

	b.ClearAuthFailure("10.0.0.1")
	assert.False(t, b.CheckAuthBlocked("10.0.0.1"))
}

func writeSelfSigned(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}

func TestServerSTARTTLS(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)
	rec := &fakeRecorder{}
	port := startServer(t, config.InboundConfig{
		TLS: config.TLSConfig{CertFile: certFile, KeyFile: keyFile},
		Auth: config.AuthConfig{
			Required: true,
			Users:    map[string]string{"relay": "secret"},
		},
	}, rec)

	sender, err := transport.New(transport.SMTPConfig{
		Mode:       transport.ModeRelay,
		Credential: transport.Credential{Host: "127.0.0.1", Port: port, Username: "relay", Password: "secret"},
	}, transport.Options{
		Timeout:   2 * time.Second,
		Hostname:  "client.example.org",
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		Logger:    slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), replyMessage("reply+4.2@in.example.com", nil))
	require.NoError(t, err)
	assert.Equal(t, []Ref{{4, 2}}, rec.recorded())
}

func TestNewServerBadCertificate(t *testing.T) {
	cfg := config.InboundConfig{
		Domain: "in.example.com",
		TLS:    config.TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
	}
	_, err := NewServer(&cfg, "mx.example.com", &fakeRecorder{}, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}
