package proc

import (
	"strings"
	"sync"
)

// TailBuffer is an io.Writer that keeps the last maxLines lines written to
// it. The supervised process's combined stdout/stderr is piped through one
// of these so the classifier can inspect how the run ended.
type TailBuffer struct {
	mu       sync.Mutex
	maxLines int
	lines    []string
	partial  strings.Builder
}

// NewTailBuffer creates a tail buffer bounded to maxLines lines.
func NewTailBuffer(maxLines int) *TailBuffer {
	if maxLines <= 0 {
		maxLines = 200
	}
	return &TailBuffer{maxLines: maxLines}
}

// Write implements io.Writer. Never returns an error; a full buffer drops
// the oldest lines.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range string(p) {
		if c == '\n' {
			b.appendLineLocked(b.partial.String())
			b.partial.Reset()
			continue
		}
		b.partial.WriteRune(c)
	}
	return len(p), nil
}

func (b *TailBuffer) appendLineLocked(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.maxLines {
		b.lines = b.lines[len(b.lines)-b.maxLines:]
	}
}

// Snapshot returns the buffered tail as a single string, including any
// unterminated final line.
func (b *TailBuffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := strings.Join(b.lines, "\n")
	if b.partial.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += b.partial.String()
	}
	return out
}

// Reset clears the buffer for a fresh process run.
func (b *TailBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = nil
	b.partial.Reset()
}
