package recipient

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
)

// maxLineBytes bounds a single recipient line
const maxLineBytes = 64 * 1024

// Source is a restartable recipient list. Every call to All re-opens the
// underlying input, so a Source can be iterated any number of times.
type Source struct {
	open func() (io.ReadCloser, error)
}

// NewSource creates a source from an opener
func NewSource(open func() (io.ReadCloser, error)) *Source {
	return &Source{open: open}
}

// SourceFromString creates a source over in-memory text
func SourceFromString(text string) *Source {
	return NewSource(func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(text)), nil
	})
}

// SourceFromFile creates a source that reads path on every iteration
func SourceFromFile(path string) *Source {
	return NewSource(func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open recipients file: %w", err)
		}
		return f, nil
	})
}

// All yields one record per usable line. Malformed lines yield a
// *MalformedError and iteration continues; an I/O error is yielded once
// and ends the sequence. Blank lines and lines starting with # are skipped.
func (s *Source) All() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rc, err := s.open()
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if !yield(Parse(line, lineNo)) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Record{}, fmt.Errorf("failed to read recipients: %w", err))
		}
	}
}

// Collect drains a source into records and per-line errors
func Collect(src *Source) ([]Record, []error) {
	var records []Record
	var errs []error
	for rec, err := range src.All() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

// Dedupe drops records whose address already appeared, comparing
// case-insensitively. The first occurrence is kept.
func Dedupe(records []Record) []Record {
	seen := make(map[string]bool, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		key := strings.ToLower(r.Email)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}
