// Package tracking instruments outgoing HTML for open and click tracking and
// serves the pixel and redirect endpoints that record those events.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ErrInvalidToken is returned for a malformed or tampered token
var ErrInvalidToken = errors.New("invalid tracking token")

const (
	kindOpen  = "o"
	kindClick = "c"
)

// Options configures a Tracker
type Options struct {
	// Secret signs tokens
	Secret string
	// BaseURL is the public URL the tracking routes are mounted under,
	// e.g. https://mail.example.com/t
	BaseURL string
}

// Tracker builds and verifies tracking URLs
type Tracker struct {
	secret  []byte
	baseURL string
}

// New creates a tracker
func New(opts Options) (*Tracker, error) {
	if opts.Secret == "" {
		return nil, errors.New("tracking secret is required")
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid tracking base url %q", opts.BaseURL)
	}
	return &Tracker{
		secret:  []byte(opts.Secret),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}, nil
}

// OpenURL returns the pixel URL of one recipient
func (t *Tracker) OpenURL(campaignID uint64, index int) string {
	return t.baseURL + "/o/" + t.sign(kindOpen, campaignID, index, "")
}

// ClickURL returns the redirect URL for target
func (t *Tracker) ClickURL(campaignID uint64, index int, target string) string {
	return t.baseURL + "/c/" + t.sign(kindClick, campaignID, index, target) + "?u=" + url.QueryEscape(target)
}

// Format: base64(campaign.index).base64(signature)
func (t *Tracker) sign(kind string, campaignID uint64, index int, target string) string {
	value := strconv.FormatUint(campaignID, 10) + "." + strconv.Itoa(index)
	return base64.RawURLEncoding.EncodeToString([]byte(value)) +
		"." + base64.RawURLEncoding.EncodeToString(t.mac(kind, value, target))
}

func (t *Tracker) mac(kind, value, target string) []byte {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(kind + "|" + value + "|" + target))
	return mac.Sum(nil)
}

// VerifyOpen decodes a pixel token
func (t *Tracker) VerifyOpen(token string) (uint64, int, error) {
	return t.verify(kindOpen, token, "")
}

// VerifyClick decodes a redirect token; target must be the signed URL
func (t *Tracker) VerifyClick(token, target string) (uint64, int, error) {
	return t.verify(kindClick, token, target)
}

func (t *Tracker) verify(kind, token, target string) (uint64, int, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return 0, 0, ErrInvalidToken
	}

	value, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return 0, 0, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, 0, ErrInvalidToken
	}
	if !hmac.Equal(sig, t.mac(kind, string(value), target)) {
		return 0, 0, ErrInvalidToken
	}

	id, idx, ok := strings.Cut(string(value), ".")
	if !ok {
		return 0, 0, ErrInvalidToken
	}
	campaignID, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, 0, ErrInvalidToken
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return 0, 0, ErrInvalidToken
	}
	return campaignID, index, nil
}

// Instrument rewrites http(s) links through the click redirect and appends
// the open pixel. Markup it does not touch is copied byte for byte.
func (t *Tracker) Instrument(body string, campaignID uint64, index int, opens, links bool) string {
	if links {
		body = t.rewriteLinks(body, campaignID, index)
	}
	if opens {
		body = insertPixel(body, t.OpenURL(campaignID, index))
	}
	return body
}

func (t *Tracker) rewriteLinks(body string, campaignID uint64, index int) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	b.Grow(len(body) + 256)

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				// unparseable input is sent as is
				return body
			}
			return b.String()
		}

		raw := string(z.Raw())
		if tt != html.StartTagToken {
			b.WriteString(raw)
			continue
		}

		tok := z.Token()
		if tok.Data != "a" || !t.rewriteHref(&tok, campaignID, index) {
			b.WriteString(raw)
			continue
		}
		b.WriteString(tok.String())
	}
}

func (t *Tracker) rewriteHref(tok *html.Token, campaignID uint64, index int) bool {
	for i, attr := range tok.Attr {
		if attr.Key != "href" {
			continue
		}
		href := strings.TrimSpace(attr.Val)
		if !trackable(href) || strings.HasPrefix(href, t.baseURL) {
			return false
		}
		tok.Attr[i].Val = t.ClickURL(campaignID, index, href)
		return true
	}
	return false
}

func trackable(href string) bool {
	// unsubscribe links stay direct
	return isHTTP(href) && !strings.Contains(strings.ToLower(href), "unsubscribe")
}

func isHTTP(href string) bool {
	lower := strings.ToLower(href)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func insertPixel(body, src string) string {
	pixel := `<img src="` + html.EscapeString(src) + `" width="1" height="1" alt="" style="display:none">`
	lower := strings.ToLower(body)
	if i := strings.LastIndex(lower, "</body>"); i >= 0 && len(lower) == len(body) {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}
