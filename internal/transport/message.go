package transport

import (
	"bytes"
	"fmt"
	"html"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailcast/internal/recipient"
)

// Message is one fully merged email for one recipient
type Message struct {
	FromName  string
	FromEmail string
	To        string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string
	MessageID string
	Headers   map[string]string
	Tags      map[string]string
}

// Receipt is returned for an accepted message
type Receipt struct {
	ID         string    `json:"id"`
	Credential string    `json:"credential,omitempty"`
	SentAt     time.Time `json:"sentAt"`
}

// From returns the formatted From header value
func (m *Message) From() string {
	addr := mail.Address{Name: m.FromName, Address: m.FromEmail}
	return addr.String()
}

// EnsureMessageID assigns a Message-ID when none is set
func (m *Message) EnsureMessageID() string {
	if m.MessageID == "" {
		m.MessageID = NewMessageID(uuid.New().String(), recipient.ExtractDomain(m.FromEmail))
	}
	return m.MessageID
}

// NewMessageID formats <local@domain>
func NewMessageID(local, domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", local, domain)
}

// PlainText returns the text body, deriving it from HTML when unset
func (m *Message) PlainText() string {
	if m.Text != "" || m.HTML == "" {
		return m.Text
	}
	return HTMLToText(m.HTML)
}

// Bytes builds the RFC 5322 representation of the message
func (m *Message) Bytes(now time.Time) []byte {
	var buf bytes.Buffer

	writeHeader(&buf, "From", m.From())
	writeHeader(&buf, "To", m.To)
	if m.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", m.ReplyTo)
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", m.EnsureMessageID())

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(&buf, k, m.Headers[k])
	}

	writeHeader(&buf, "MIME-Version", "1.0")

	text := m.PlainText()
	if m.HTML == "" {
		writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		writeQuotedPrintable(&buf, text)
		return buf.Bytes()
	}

	boundary := uuid.New().String()
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=\"%s\"", boundary))
	buf.WriteString("\r\n")

	if text != "" {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		writeQuotedPrintable(&buf, text)
		buf.WriteString("\r\n")
	}

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	writeHeader(&buf, "Content-Type", "text/html; charset=utf-8")
	writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")
	writeQuotedPrintable(&buf, m.HTML)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

func writeQuotedPrintable(buf *bytes.Buffer, s string) {
	w := quotedprintable.NewWriter(buf)
	w.Write([]byte(s))
	w.Close()
}

var (
	tagPattern   = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	breakPattern = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</h[1-6]>|</li>|</tr>`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
	blankPattern = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText produces a rough plain text alternative of an HTML body
func HTMLToText(s string) string {
	s = breakPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = spacePattern.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
