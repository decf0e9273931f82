package procio

import (
	"strings"
	"sync"
)

// LineBuffer is an append-only text buffer safe for one writer goroutine and
// concurrent snapshot readers.
type LineBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

// Write appends raw bytes. It never fails so it can back an io.Copy drain.
func (b *LineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// AppendLine appends text followed by a newline.
func (b *LineBuffer) AppendLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

// String returns a snapshot of everything appended so far.
func (b *LineBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Len reports the number of bytes appended so far.
func (b *LineBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
