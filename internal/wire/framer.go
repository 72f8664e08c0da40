// Package wire frames and decodes the line-oriented agent event protocol:
// each record is a `data: <json>` line, and `data: [DONE]` ends the stream.
package wire

import (
	"strings"
)

const (
	// Prefix starts every event line.
	Prefix = "data:"
	// Sentinel is the payload of the termination line.
	Sentinel = "[DONE]"
)

// Framer splits a chunked text stream into complete lines. The trailing
// fragment after the last newline is kept until the next Push.
type Framer struct {
	buf strings.Builder
}

// NewFramer returns an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Push appends chunk and returns every line it completed. Boundary
// artifacts (blank lines, a bare prefix) are never returned.
func (f *Framer) Push(chunk string) []string {
	if chunk == "" {
		return nil
	}
	if !strings.Contains(chunk, "\n") {
		f.buf.WriteString(chunk)
		return nil
	}

	f.buf.WriteString(chunk)
	data := f.buf.String()
	f.buf.Reset()

	parts := strings.Split(data, "\n")
	f.buf.WriteString(parts[len(parts)-1])

	lines := make([]string, 0, len(parts)-1)
	for _, line := range parts[:len(parts)-1] {
		if isArtifact(line) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Flush returns the retained fragment at end of stream if it looks like a
// complete record, and clears the buffer either way.
func (f *Framer) Flush() (string, bool) {
	rest := f.buf.String()
	f.buf.Reset()

	trimmed := strings.TrimSpace(rest)
	if !strings.HasPrefix(trimmed, Prefix) || isArtifact(trimmed) {
		return "", false
	}
	return trimmed, true
}

// Buffered returns the number of bytes held in the trailing fragment.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

func isArtifact(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, Prefix)) == "" && strings.HasPrefix(trimmed, Prefix)
}
