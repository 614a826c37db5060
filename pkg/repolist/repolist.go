// Package repolist parses the line-oriented artifact list a worker is asked to
// provision. Each line reads "[<kind>] <link>"; the kind is optional and
// case-insensitive, blank lines and '#' comments are ignored.
package repolist

import (
	"bufio"
	"io"
	"strings"
	"unicode"

	"github.com/fly-io/modelworker/pkg/errors"
)

// DefaultKind is assigned to lines that carry only a link.
const DefaultKind = "ckpt"

// Entry is one artifact directive.
type Entry struct {
	Kind string `json:"kind"`
	Link string `json:"link"`
	Line int    `json:"line"`
}

// Parse turns the list text into entries, preserving order.
// Links are not validated here; a bad link surfaces as a fetch failure.
func Parse(text string) []Entry {
	var entries []Entry
	for i, raw := range strings.Split(text, "\n") {
		if e, ok := parseLine(raw); ok {
			e.Line = i + 1
			entries = append(entries, e)
		}
	}
	return entries
}

// ParseReader is Parse over a reader, used for list files and stdin.
func ParseReader(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	n := 0
	for scanner.Scan() {
		n++
		if e, ok := parseLine(scanner.Text()); ok {
			e.Line = n
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read repo list")
	}
	return entries, nil
}

func parseLine(raw string) (Entry, bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return Entry{}, false
	}

	idx := strings.IndexFunc(line, unicode.IsSpace)
	if idx < 0 {
		return Entry{Kind: DefaultKind, Link: line}, true
	}

	return Entry{
		Kind: strings.ToLower(line[:idx]),
		Link: strings.TrimSpace(line[idx:]),
	}, true
}
