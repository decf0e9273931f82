package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/riddles/gamewrapper/internal/procio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the judge's session. It has no quota: the engine is trusted, and any
// failed exchange is returned as ErrEngineUnavailable.
type Engine struct {
	channel Channel
	timeout time.Duration
	config  []string

	logger *log.Logger
	tracer trace.Tracer

	finishOnce sync.Once
}

// NewEngine wraps channel for the engine process.
func NewEngine(channel Channel, opts ...Option) (*Engine, error) {
	if channel == nil {
		return nil, errors.New("channel is required")
	}
	resolved := resolveOptions(opts)
	timeout := resolved.responseTimeout
	if timeout <= 0 {
		timeout = procio.NoDeadline
	}
	return &Engine{
		channel: channel,
		timeout: timeout,
		logger:  resolved.logger.With("process", "engine"),
		tracer:  resolved.tracer,
	}, nil
}

// Name returns a label for logs.
func (e *Engine) Name() string {
	return "engine"
}

// Configure sends the startup messages and keeps them as the engine's
// configuration context.
func (e *Engine) Configure(messages ...string) error {
	for _, message := range messages {
		if err := e.Send(message); err != nil {
			return fmt.Errorf("configure engine: %w", err)
		}
		e.config = append(e.config, message)
	}
	return nil
}

// Config returns the configuration messages handed to the engine so far.
func (e *Engine) Config() []string {
	out := make([]string, len(e.config))
	copy(out, e.config)
	return out
}

// Send writes one line to the engine.
func (e *Engine) Send(line string) error {
	if !e.channel.Write(line) {
		return fmt.Errorf("%w: write %q failed", ErrEngineUnavailable, line)
	}
	return nil
}

// Ask sends line and waits for the engine's reply.
func (e *Engine) Ask(ctx context.Context, line string) (string, error) {
	if err := e.Send(line); err != nil {
		return "", err
	}
	return e.GetResponse(ctx)
}

// GetResponse waits for the engine's next line, bounded only by the optional
// response timeout and ctx.
func (e *Engine) GetResponse(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := e.tracer.Start(ctx, "session.engine.read")
	defer span.End()

	line, err := e.channel.ReadLine(ctx, e.timeout)
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		e.logger.With("error", err).Error("engine read failed")
		return "", wrapped
	}
	span.SetAttributes(attribute.Int("line_bytes", len(line)))
	return line, nil
}

// Stdout returns everything the engine printed on stdout.
func (e *Engine) Stdout() string {
	return e.channel.Stdout()
}

// Stderr returns everything the engine printed on stderr.
func (e *Engine) Stderr() string {
	return e.channel.Stderr()
}

// Finish tears down the engine process. Only the first call has an effect.
func (e *Engine) Finish() {
	e.finishOnce.Do(func() {
		e.channel.Finish()
		e.logger.Debug("engine shut down")
	})
}
