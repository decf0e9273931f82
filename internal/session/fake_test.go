package session

import (
	"context"
	"time"

	"github.com/riddles/gamewrapper/internal/procio"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

type fakeReply struct {
	line    string
	err     error
	elapsed time.Duration
}

// fakeChannel replays scripted replies and advances the clock by their elapsed
// time. With no reply left it behaves like a silent process: the full timeout
// passes and ErrReadTimeout is returned.
type fakeChannel struct {
	clock       *fakeClock
	replies     []fakeReply
	writes      []string
	timeouts    []time.Duration
	failWrites  bool
	finished    bool
	finishCalls int
	stdout      string
	stderr      string
}

func (f *fakeChannel) Write(line string) bool {
	if f.finished || f.failWrites {
		return false
	}
	f.writes = append(f.writes, line)
	return true
}

func (f *fakeChannel) ReadLine(_ context.Context, timeout time.Duration) (string, error) {
	f.timeouts = append(f.timeouts, timeout)
	if f.finished {
		return "", procio.ErrFinished
	}
	if len(f.replies) == 0 {
		if f.clock != nil {
			f.clock.advance(timeout)
		}
		return "", procio.ErrReadTimeout
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	if f.clock != nil {
		f.clock.advance(reply.elapsed)
	}
	return reply.line, reply.err
}

func (f *fakeChannel) Stdout() string { return f.stdout }

func (f *fakeChannel) Stderr() string { return f.stderr }

func (f *fakeChannel) Finished() bool { return f.finished }

func (f *fakeChannel) Finish() {
	f.finishCalls++
	f.finished = true
}

func (f *fakeChannel) reads() int {
	return len(f.timeouts)
}
