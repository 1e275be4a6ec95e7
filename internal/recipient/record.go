// Package recipient parses recipient list lines into records.
//
// A line is either a bare address or the enhanced form
// "email|key=value|key=value". Keys are case-insensitive and stored
// lowercased; the last duplicate key on a line wins.
package recipient

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedRecipient is matched by every line rejection
var ErrMalformedRecipient = errors.New("malformed recipient")

// MalformedError describes a rejected recipient line
type MalformedError struct {
	Line   string
	LineNo int
	Reason string
}

func (e *MalformedError) Error() string {
	if e.LineNo > 0 {
		return fmt.Sprintf("line %d: malformed recipient %q: %s", e.LineNo, e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed recipient %q: %s", e.Line, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformedRecipient
}

// Field is a single custom field of a recipient
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record is one parsed recipient line
type Record struct {
	Email  string  `json:"email"`
	Fields []Field `json:"fields,omitempty"`
	LineNo int     `json:"line,omitempty"`
}

// Get returns the value of a custom field
func (r Record) Get(key string) (string, bool) {
	key = strings.ToLower(key)
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Map returns the custom fields as a map
func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r.Fields))
	for _, f := range r.Fields {
		m[f.Key] = f.Value
	}
	return m
}

// Equal reports whether two records carry the same address and fields.
// Line numbers are ignored.
func (r Record) Equal(o Record) bool {
	if r.Email != o.Email || len(r.Fields) != len(o.Fields) {
		return false
	}
	for i := range r.Fields {
		if r.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// set stores a field, overwriting an earlier value in place
func (r *Record) set(key, value string) {
	for i := range r.Fields {
		if r.Fields[i].Key == key {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Key: key, Value: value})
}

// Parse parses one recipient line. lineNo is only used for error reporting.
func Parse(line string, lineNo int) (Record, error) {
	raw := line
	line = strings.TrimSpace(line)
	if line == "" {
		return Record{}, &MalformedError{Line: raw, LineNo: lineNo, Reason: "empty line"}
	}

	segments := strings.Split(line, "|")
	email := strings.TrimSpace(segments[0])
	if reason := checkAddress(email); reason != "" {
		return Record{}, &MalformedError{Line: raw, LineNo: lineNo, Reason: reason}
	}

	rec := Record{Email: email, LineNo: lineNo}
	for _, seg := range segments[1:] {
		key, value, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		rec.set(key, strings.TrimSpace(value))
	}

	return rec, nil
}

// Format renders a record back into the enhanced line form
func Format(r Record) string {
	if len(r.Fields) == 0 {
		return r.Email
	}

	var b strings.Builder
	b.WriteString(r.Email)
	for _, f := range r.Fields {
		b.WriteByte('|')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(f.Value)
	}
	return b.String()
}

// checkAddress returns a rejection reason, or "" for a usable address
func checkAddress(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "missing local part or domain"
	}
	if strings.ContainsAny(email, " \t<>,;\"") {
		return "invalid characters in address"
	}
	if strings.Count(email, "@") != 1 {
		return "multiple @ signs"
	}

	domain := email[at+1:]
	dot := strings.Index(domain, ".")
	if dot <= 0 || dot == len(domain)-1 || strings.Contains(domain, "..") {
		return "domain must contain a dot"
	}
	if strings.HasSuffix(domain, ".") {
		return "domain must not end with a dot"
	}
	return ""
}

// ExtractDomain returns the lowercased domain part of an address
func ExtractDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// LocalPart returns the part of an address before the @
func LocalPart(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	return email[:at]
}
