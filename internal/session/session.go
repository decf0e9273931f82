// Package session turns raw process channels into the two conversation partners
// of a match: quota-bound, fault-tolerant players and the trusted engine.
package session

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/riddles/gamewrapper/internal/procio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// NoMoves is the reserved player response for an explicit pass.
const NoMoves = "no_moves"

// ErrEngineUnavailable marks any failed exchange with the engine. The match
// cannot continue without the engine, so callers treat it as fatal.
var ErrEngineUnavailable = errors.New("engine unavailable")

// Status represents the lifecycle state of one session.
type Status string

const (
	// StatusActive indicates a session that still exchanges messages.
	StatusActive Status = "active"
	// StatusDisabled indicates a player that exhausted its timeout budget.
	StatusDisabled Status = "disabled"
	// StatusFinished indicates the underlying process was torn down.
	StatusFinished Status = "finished"
)

// Channel is the line transport a session drives. *procio.Channel implements it.
type Channel interface {
	Write(line string) bool
	ReadLine(ctx context.Context, timeout time.Duration) (string, error)
	Stdout() string
	Stderr() string
	Finished() bool
	Finish()
}

// Session is the capability set shared by players and the engine.
type Session interface {
	Name() string
	Stdout() string
	Stderr() string
	Finish()
}

// Option configures player and engine construction.
type Option func(*options)

type options struct {
	logger          *log.Logger
	tracer          trace.Tracer
	now             func() time.Time
	responseTimeout time.Duration
}

// WithLogger configures the logger for session lifecycle records.
func WithLogger(logger *log.Logger) Option {
	return func(opts *options) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithTracer configures the tracer used for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(opts *options) {
		if tracer != nil {
			opts.tracer = tracer
		}
	}
}

// WithClock overrides the wall clock used to measure response time.
func WithClock(now func() time.Time) Option {
	return func(opts *options) {
		if now != nil {
			opts.now = now
		}
	}
}

// WithResponseTimeout bounds how long the engine may take to answer. Zero or
// less waits indefinitely. Players ignore it; their bound is the time bank.
func WithResponseTimeout(timeout time.Duration) Option {
	return func(opts *options) {
		opts.responseTimeout = timeout
	}
}

func resolveOptions(list []Option) options {
	resolved := options{
		logger:          log.New(io.Discard),
		tracer:          otel.Tracer("gamewrapper/session"),
		now:             time.Now,
		responseTimeout: procio.NoDeadline,
	}
	for _, option := range list {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}

var (
	_ Channel = (*procio.Channel)(nil)
	_ Session = (*Player)(nil)
	_ Session = (*Engine)(nil)
)
