// Package merge substitutes personalization tokens in subjects and bodies.
//
// Tokens are written {name} or {{name}} and resolve, in order, from the
// recipient's custom fields, fields derived from the address itself and
// system variables computed from the merge Context.
package merge

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/foxzi/mailcast/internal/recipient"
)

// ErrMergeTokenUnresolved is matched by UnresolvedError
var ErrMergeTokenUnresolved = errors.New("unresolved merge token")

// UnresolvedError lists tokens left unresolved under the Reject policy
type UnresolvedError struct {
	Tokens []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved merge tokens: %s", strings.Join(e.Tokens, ", "))
}

func (e *UnresolvedError) Unwrap() error {
	return ErrMergeTokenUnresolved
}

// Policy decides what happens to a token nothing resolves
type Policy string

const (
	// PolicyKeep leaves the token verbatim in the output
	PolicyKeep Policy = "keep"
	// PolicyEmpty replaces the token with an empty string
	PolicyEmpty Policy = "empty"
	// PolicyReject keeps the token and reports an UnresolvedError
	PolicyReject Policy = "reject"
)

// ParsePolicy parses a configured policy name
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyKeep:
		return PolicyKeep, nil
	case PolicyEmpty:
		return PolicyEmpty, nil
	case PolicyReject:
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown unresolved token policy: %s", s)
}

// tokenPattern matches {name} and {{name}}
var tokenPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_.]+)\}\}|\{([A-Za-z0-9_.]+)\}`)

// Options configures an Engine
type Options struct {
	// UnsubscribeURL is the base of the per-recipient unsubscribe link
	UnsubscribeURL string
	Policy         Policy
}

// Context carries the send-time inputs of system variables
type Context struct {
	Now  time.Time
	Seed uint64
}

// Engine merges templates against recipient records
type Engine struct {
	unsubscribeURL string
	policy         Policy
}

// DefaultUnsubscribeURL is used when no unsubscribe base is configured
const DefaultUnsubscribeURL = "https://example.com/unsubscribe"

// NewEngine creates a merge engine
func NewEngine(opts Options) *Engine {
	if opts.UnsubscribeURL == "" {
		opts.UnsubscribeURL = DefaultUnsubscribeURL
	}
	if opts.Policy == "" {
		opts.Policy = PolicyKeep
	}
	return &Engine{
		unsubscribeURL: opts.UnsubscribeURL,
		policy:         opts.Policy,
	}
}

// Policy returns the engine's unresolved token policy
func (e *Engine) Policy() Policy {
	return e.policy
}

// Merge substitutes every token of template. The result depends only on
// the arguments. Under PolicyReject the substituted string is returned
// together with an *UnresolvedError.
func (e *Engine) Merge(template string, rec recipient.Record, ctx Context) (string, error) {
	if template == "" {
		return template, nil
	}

	var unresolved []string
	out := tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := tokenName(match)
		if value, ok := e.resolve(name, rec, ctx); ok {
			return value
		}
		if !slices.Contains(unresolved, name) {
			unresolved = append(unresolved, name)
		}
		if e.policy == PolicyEmpty {
			return ""
		}
		return match
	})

	if e.policy == PolicyReject && len(unresolved) > 0 {
		slices.Sort(unresolved)
		return out, &UnresolvedError{Tokens: unresolved}
	}
	return out, nil
}

// Unresolved lists tokens of template that neither the catalog nor the
// sample record's fields can resolve. Callers use it to warn before a
// campaign starts.
func (e *Engine) Unresolved(template string, sample recipient.Record) []string {
	var missing []string
	for _, name := range ExtractVariables(template) {
		if _, ok := sample.Get(name); ok {
			continue
		}
		if isBuiltin(name) {
			continue
		}
		missing = append(missing, name)
	}
	return missing
}

// resolve looks a lowercased name up in priority order
func (e *Engine) resolve(name string, rec recipient.Record, ctx Context) (string, bool) {
	if v, ok := rec.Get(name); ok {
		return v, true
	}
	if v, ok := derived(name, rec.Email); ok {
		return v, true
	}
	return e.system(name, rec.Email, ctx)
}

// derived computes fields from the address itself
func derived(name, email string) (string, bool) {
	switch name {
	case "email", "recipient_email":
		return email, true
	case "emailname":
		return recipient.LocalPart(email), true
	case "domain", "full_domain":
		return recipient.ExtractDomain(email), true
	case "domain_name":
		return domainName(email), true
	case "firstname":
		first, _ := splitName(recipient.LocalPart(email))
		return first, true
	case "lastname":
		_, last := splitName(recipient.LocalPart(email))
		return last, true
	case "company":
		return titleCase(domainName(email)), true
	}
	return "", false
}

// system computes send-time variables from the context
func (e *Engine) system(name, email string, ctx Context) (string, bool) {
	now := ctx.Now
	switch name {
	case "day":
		return now.Weekday().String(), true
	case "month":
		return now.Month().String(), true
	case "date":
		return now.Format("2006-01-02"), true
	case "year":
		return now.Format("2006"), true
	case "time":
		return now.Format("15:04:05"), true
	case "random_number":
		return RandomNumber(email, ctx.Seed), true
	case "unsubscribe":
		return e.UnsubscribeLink(email), true
	}
	return "", false
}

// UnsubscribeLink returns the per-recipient unsubscribe URL
func (e *Engine) UnsubscribeLink(email string) string {
	sep := "?"
	if strings.Contains(e.unsubscribeURL, "?") {
		sep = "&"
	}
	return e.unsubscribeURL + sep + "email=" + url.QueryEscape(email)
}

// RandomNumber returns a stable three digit string for an address
func RandomNumber(email string, seed uint64) string {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(email)))
	n := (h.Sum64() ^ seed) % 1000
	return fmt.Sprintf("%03d", n)
}

// ExtractVariables returns the sorted, deduplicated token names of template
func ExtractVariables(template string) []string {
	matches := tokenPattern.FindAllString(template, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := tokenName(m)
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func tokenName(match string) string {
	return strings.ToLower(strings.Trim(match, "{}"))
}

// domainName strips the top level domain: mail.example.com -> mail.example
func domainName(email string) string {
	domain := recipient.ExtractDomain(email)
	if i := strings.LastIndex(domain, "."); i > 0 {
		return domain[:i]
	}
	return domain
}

// splitName derives first and last names from a local part like ann.lee
func splitName(local string) (string, string) {
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return titleCase(parts[0]), ""
	}
	return titleCase(parts[0]), titleCase(parts[len(parts)-1])
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ' ' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}
