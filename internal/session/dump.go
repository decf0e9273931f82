package session

import (
	"strings"
	"sync"
)

// Dump is the ordered, human-readable record of one player's conversation.
type Dump struct {
	mu    sync.Mutex
	lines []string
}

// Add appends one entry.
func (d *Dump) Add(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, line)
}

// Lines returns a copy of all entries.
func (d *Dump) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.lines))
	copy(out, d.lines)
	return out
}

// String renders every entry followed by a newline.
func (d *Dump) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, line := range d.lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
