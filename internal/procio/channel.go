// Package procio exchanges newline-delimited text with one child process.
//
// A Channel drains the child's stdout and stderr on background goroutines for
// its whole lifetime, so a child never blocks on a full pipe while the caller is
// busy with another process. Reads are bounded by a timeout; a timed-out read
// does not stop the drain, and a line that arrives late stays in the stdout
// history.
package procio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/riddles/gamewrapper/internal/procgroup"
)

const (
	// NoDeadline makes ReadLine wait until a line arrives or the stream closes.
	NoDeadline time.Duration = -1

	defaultKillGrace  = 2 * time.Second
	defaultDrainGrace = 250 * time.Millisecond
)

var (
	// ErrReadTimeout is returned when no line arrives before the read deadline.
	ErrReadTimeout = errors.New("read timed out")
	// ErrStreamClosed is returned when the child closed stdout with nothing left to read.
	ErrStreamClosed = errors.New("output stream closed")
	// ErrFinished is returned by reads on a channel that has been finished.
	ErrFinished = errors.New("channel finished")
)

// Option configures Spawn.
type Option func(*Channel)

// WithKillGrace sets how long Finish waits after SIGTERM before SIGKILL.
func WithKillGrace(grace time.Duration) Option {
	return func(c *Channel) {
		if grace > 0 {
			c.killGrace = grace
		}
	}
}

// WithLogger configures the logger used for lifecycle diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDiscardStale drops unread stdout lines whenever a new line is written, so
// a reply that missed its deadline cannot answer the next request. Channels
// whose output is a stream of instructions must not use it.
func WithDiscardStale() Option {
	return func(c *Channel) {
		c.discardStale = true
	}
}

// WithDir sets the working directory of the child.
func WithDir(dir string) Option {
	return func(c *Channel) {
		c.dir = strings.TrimSpace(dir)
	}
}

// Channel owns one child process and its three standard streams.
type Channel struct {
	name       string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdoutR    *os.File
	stderrR    *os.File
	dir          string
	killGrace    time.Duration
	drainGrace   time.Duration
	discardStale bool
	logger       *log.Logger

	stdout LineBuffer
	stderr LineBuffer

	mu      sync.Mutex
	pending []string
	notify  chan struct{}
	eof     chan struct{}

	exited  chan struct{}
	exitErr error

	drains     sync.WaitGroup
	finished   atomic.Bool
	finishOnce sync.Once
}

// Spawn starts command in its own process group and begins draining its output.
// The command is split on whitespace; no shell is involved. Nothing is started
// once ctx is done. The child outlives ctx and is stopped only by Finish.
func Spawn(ctx context.Context, name string, command string, options ...Option) (*Channel, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", strings.TrimSpace(name), err)
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("command is required")
	}

	c := &Channel{
		name:       strings.TrimSpace(name),
		killGrace:  defaultKillGrace,
		drainGrace: defaultDrainGrace,
		logger:     log.New(io.Discard),
		notify:     make(chan struct{}, 1),
		eof:        make(chan struct{}),
		exited:     make(chan struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(c)
	}

	// #nosec G204 -- commands come from the operator's own match configuration.
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Dir = c.dir
	procgroup.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %s: %w", c.name, err)
	}
	// Raw os pipes keep cmd.Wait from closing the read ends under the drains.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe for %s: %w", c.name, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe for %s: %w", c.name, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start %s (%s): %w", c.name, command, err)
	}
	closeAll(stdoutW, stderrW)

	c.cmd = cmd
	c.stdin = stdin
	c.stdoutR = stdoutR
	c.stderrR = stderrR

	c.drains.Add(2)
	go c.drainStdout()
	go c.drainStderr()
	go c.wait()

	c.logger.With("process", c.name, "pid", cmd.Process.Pid).Debug("process started")
	return c, nil
}

// Name returns the label the channel was spawned with.
func (c *Channel) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Pid returns the child's process id, or 0 when unknown.
func (c *Channel) Pid() int {
	if c == nil || c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Write sends line plus a newline to the child's stdin.
// It returns false when the channel is finished or the write fails.
func (c *Channel) Write(line string) bool {
	if c == nil || c.finished.Load() {
		return false
	}

	if c.discardStale {
		c.discardPending()
	}

	if _, err := io.WriteString(c.stdin, line+"\n"); err != nil {
		c.logger.With("process", c.name, "error", err).Debug("write failed")
		return false
	}
	return true
}

// ReadLine returns the next stdout line without its terminator.
//
// A negative timeout waits without deadline; zero only takes a line that is
// already buffered. On failure the line is empty and the error is one of
// ErrReadTimeout, ErrStreamClosed, ErrFinished or the context error.
func (c *Channel) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	if c == nil || c.finished.Load() {
		return "", ErrFinished
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if line, ok := c.popLine(); ok {
			return line, nil
		}
		select {
		case <-c.notify:
		case <-c.eof:
			if line, ok := c.popLine(); ok {
				return line, nil
			}
			return "", ErrStreamClosed
		case <-deadline:
			return "", ErrReadTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Stdout returns all stdout text received so far.
func (c *Channel) Stdout() string {
	if c == nil {
		return ""
	}
	return c.stdout.String()
}

// Stderr returns all stderr text received so far.
func (c *Channel) Stderr() string {
	if c == nil {
		return ""
	}
	return c.stderr.String()
}

// Finished reports whether Finish has run.
func (c *Channel) Finished() bool {
	return c == nil || c.finished.Load()
}

// Exited reports whether the child has exited, on its own or after Finish.
func (c *Channel) Exited() bool {
	if c == nil {
		return true
	}
	select {
	case <-c.exited:
		return true
	default:
		return false
	}
}

// Finish stops the child and releases its pipes. It is idempotent and safe to
// call after the child exited on its own.
func (c *Channel) Finish() {
	if c == nil {
		return
	}
	c.finishOnce.Do(func() {
		c.finished.Store(true)
		_ = c.stdin.Close()

		if !c.Exited() {
			if err := procgroup.Terminate(c.cmd); err != nil {
				c.logger.With("process", c.name, "error", err).Debug("terminate failed")
			}
			select {
			case <-c.exited:
			case <-time.After(c.killGrace):
				c.logger.With("process", c.name, "grace", c.killGrace).Warn("process ignored SIGTERM, killing")
				if err := procgroup.Kill(c.cmd); err != nil {
					c.logger.With("process", c.name, "error", err).Warn("kill failed")
				}
				select {
				case <-c.exited:
				case <-time.After(c.killGrace):
					c.logger.With("process", c.name, "pid", c.Pid()).Error("process survived SIGKILL")
				}
			}
		}

		// Orphaned grandchildren can hold the write ends open; stop waiting for EOF.
		drained := make(chan struct{})
		go func() {
			c.drains.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(c.drainGrace):
			closeAll(c.stdoutR, c.stderrR)
			<-drained
		}
		closeAll(c.stdoutR, c.stderrR)

		exit := "still running"
		if c.Exited() {
			exit = exitDescription(c.exitErr)
		}
		c.logger.With("process", c.name, "exit", exit).Debug("process finished")
	})
}

func (c *Channel) drainStdout() {
	defer c.drains.Done()
	defer close(c.eof)

	reader := bufio.NewReader(c.stdoutR)
	for {
		raw, err := reader.ReadString('\n')
		if raw != "" {
			_, _ = c.stdout.Write([]byte(raw))
			c.pushLine(strings.TrimRight(raw, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

func (c *Channel) drainStderr() {
	defer c.drains.Done()
	_, _ = io.Copy(&c.stderr, c.stderrR)
}

func (c *Channel) wait() {
	err := c.cmd.Wait()
	c.exitErr = err
	close(c.exited)
}

func (c *Channel) pushLine(line string) {
	c.mu.Lock()
	c.pending = append(c.pending, line)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) popLine() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return "", false
	}
	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, true
}

func (c *Channel) discardPending() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

func closeAll(files ...*os.File) {
	for _, file := range files {
		if file != nil {
			_ = file.Close()
		}
	}
}

func exitDescription(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
