package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/resend/resend-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBytes(t *testing.T) {
	msg := &Message{
		FromName:  "Jörg Sender",
		FromEmail: "sender@example.com",
		To:        "ann@example.org",
		ReplyTo:   "reply+1.0@in.example.com",
		Subject:   "Grüße, Ann",
		HTML:      "<h1>Hello</h1><p>Line one<br>Line two</p>",
		MessageID: "<1.0.x@example.com>",
		Headers:   map[string]string{"List-Unsubscribe": "<https://u.test/?e=1>", "X-Campaign": "1"},
	}

	raw := msg.Bytes(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Grüße, Ann", subject)

	from, err := mail.ParseAddress(parsed.Header.Get("From"))
	require.NoError(t, err)
	assert.Equal(t, "Jörg Sender", from.Name)
	assert.Equal(t, "sender@example.com", from.Address)

	assert.Equal(t, "<1.0.x@example.com>", parsed.Header.Get("Message-ID"))
	assert.Equal(t, "reply+1.0@in.example.com", parsed.Header.Get("Reply-To"))
	assert.Equal(t, "1", parsed.Header.Get("X-Campaign"))

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", mediaType)

	mr := multipart.NewReader(parsed.Body, params["boundary"])
	var types []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(part)
		require.NoError(t, err)
		types = append(types, part.Header.Get("Content-Type"))
		if strings.HasPrefix(part.Header.Get("Content-Type"), "text/plain") {
			text := strings.ReplaceAll(string(body), "\r\n", "\n")
			assert.Contains(t, text, "Line one\nLine two")
		}
	}
	assert.Equal(t, []string{"text/plain; charset=utf-8", "text/html; charset=utf-8"}, types)
}

func TestMessageHeaderInjection(t *testing.T) {
	msg := &Message{FromEmail: "a@b.com", To: "c@d.com", Subject: "hi\r\nBcc: evil@x.com", Text: "body"}
	raw := string(msg.Bytes(time.Now()))
	assert.NotContains(t, raw, "\r\nBcc:")
}

func TestEnsureMessageID(t *testing.T) {
	msg := &Message{FromEmail: "a@Example.com"}
	id := msg.EnsureMessageID()
	assert.True(t, strings.HasSuffix(id, "@example.com>"), id)
	assert.Equal(t, id, msg.EnsureMessageID())
}

func TestHTMLToText(t *testing.T) {
	in := `<html><head><style>p{color:red}</style></head><body><h1>Title</h1><p>Hello &amp; welcome</p><script>x()</script></body></html>`
	assert.Equal(t, "Title\nHello & welcome", HTMLToText(in))
}

type fakeEmails struct {
	req  *resend.SendEmailRequest
	resp *resend.SendEmailResponse
	err  error
}

func (f *fakeEmails) SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	f.req = params
	return f.resp, f.err
}

func TestAPISender(t *testing.T) {
	fake := &fakeEmails{resp: &resend.SendEmailResponse{Id: "re_42"}}
	sender := NewAPISender("re_key", testOptions())
	sender.emails = fake

	msg := testMessage("ann@example.org")
	msg.Tags = map[string]string{"campaign": "7"}
	receipt, err := sender.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "re_42", receipt.ID)

	require.NotNil(t, fake.req)
	assert.Equal(t, []string{"ann@example.org"}, fake.req.To)
	assert.Equal(t, `"Sender" <sender@example.com>`, fake.req.From)
	assert.Equal(t, "Hi there", fake.req.Text)
	assert.Equal(t, msg.MessageID, fake.req.Headers["Message-ID"])
	assert.Equal(t, []resend.Tag{{Name: "campaign", Value: "7"}}, fake.req.Tags)
}

func TestAPISenderErrors(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{errors.New("[ERROR]: API key is invalid"), KindAuthFailure},
		{errors.New("[ERROR]: 422 Invalid `to` field"), KindRejectedRecipient},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("dial tcp: connection refused"), KindConnectFailure},
	}

	for _, tt := range tests {
		sender := NewAPISender("re_key", testOptions())
		sender.emails = &fakeEmails{err: tt.err}
		_, err := sender.Send(context.Background(), testMessage("ann@example.org"))
		assert.Equal(t, tt.want, KindOf(err), tt.err.Error())
	}
}

func TestDKIMSigning(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer := NewSigner(key, "example.com", "mc")
	msg := testMessage("ann@example.org")
	signed, err := signer.Sign(msg.Bytes(time.Now()))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(signed, []byte("DKIM-Signature:")))

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	record := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			assert.Equal(t, "mc._domainkey.example.com", domain)
			return []string{record}, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, verifications, 1)
	assert.NoError(t, verifications[0].Err)
}

func TestLoadSigner(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "dkim.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	signer, err := LoadSigner(path, "example.com", "mc")
	require.NoError(t, err)
	assert.Equal(t, "example.com", signer.Domain())

	_, err = LoadSigner(filepath.Join(t.TempDir(), "missing.pem"), "example.com", "mc")
	assert.Error(t, err)
}

func TestGenerateSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "example.com.pem")

	signer, err := GenerateSigner(path, "example.com", "mc")
	require.NoError(t, err)
	assert.Equal(t, "mc._domainkey.example.com", signer.DNSName())

	record, err := signer.DNSRecord()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(record, "v=DKIM1; k=rsa; p="))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadSigner(path, "example.com", "mc")
	require.NoError(t, err)
	loadedRecord, err := loaded.DNSRecord()
	require.NoError(t, err)
	assert.Equal(t, record, loadedRecord)

	// an existing key is never overwritten
	_, err = GenerateSigner(path, "example.com", "mc")
	assert.Error(t, err)
}
