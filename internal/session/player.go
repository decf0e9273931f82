package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/riddles/gamewrapper/internal/procio"
	"github.com/riddles/gamewrapper/internal/telemetry/invariants"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PlayerConfig carries the quota settings of one player.
type PlayerConfig struct {
	TimebankMax time.Duration
	TimePerMove time.Duration
	MaxTimeouts int
}

// Player is one bot's session: a channel plus a time bank, an error budget and
// a dump of everything exchanged.
type Player struct {
	id          int
	channel     Channel
	bank        TimeBank
	errors      int
	maxTimeouts int
	dump        Dump

	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time

	finishOnce sync.Once
}

// NewPlayer wraps channel for the player with the given id.
func NewPlayer(id int, channel Channel, cfg PlayerConfig, opts ...Option) (*Player, error) {
	if channel == nil {
		return nil, errors.New("channel is required")
	}
	if id < 0 {
		return nil, fmt.Errorf("player id must not be negative, got %d", id)
	}
	if cfg.MaxTimeouts < 0 {
		cfg.MaxTimeouts = 0
	}

	resolved := resolveOptions(opts)
	return &Player{
		id:          id,
		channel:     channel,
		bank:        NewTimeBank(cfg.TimebankMax, cfg.TimePerMove),
		maxTimeouts: cfg.MaxTimeouts,
		logger:      resolved.logger.With("player", id),
		tracer:      resolved.tracer,
		now:         resolved.now,
	}, nil
}

// ID returns the player's numeric identity.
func (p *Player) ID() int {
	return p.id
}

// Name returns a label for logs.
func (p *Player) Name() string {
	return "player " + strconv.Itoa(p.id)
}

// TimeBank returns a snapshot of the player's budget.
func (p *Player) TimeBank() TimeBank {
	return p.bank
}

// Errors returns the number of failed responses so far.
func (p *Player) Errors() int {
	return p.errors
}

// Disabled reports whether the player exhausted its timeout budget. Once true it
// stays true for the rest of the match.
func (p *Player) Disabled() bool {
	return p.errors > p.maxTimeouts
}

// Status returns the player's lifecycle state.
func (p *Player) Status() Status {
	switch {
	case p.Disabled():
		return StatusDisabled
	case p.channel.Finished():
		return StatusFinished
	default:
		return StatusActive
	}
}

// Send records line in the dump and writes it to the bot. A failed write is
// noted in the dump and otherwise ignored.
func (p *Player) Send(line string) {
	p.dump.Add(line)
	if !p.channel.Write(line) && !p.channel.Finished() {
		p.dump.Add("Write to bot failed, shutting down...")
	}
}

// Ask sends line with the remaining time bank in milliseconds appended and
// returns the bot's response.
func (p *Player) Ask(ctx context.Context, line string) string {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := p.tracer.Start(ctx, "session.ask")
	defer span.End()
	span.SetAttributes(
		attribute.Int("player_id", p.id),
		attribute.Int64("time_bank_ms", p.bank.Millis()),
	)

	p.Send(fmt.Sprintf("%s %d", line, p.bank.Millis()))
	response := p.GetResponse(ctx)

	span.SetAttributes(
		attribute.Bool("empty_response", response == ""),
		attribute.Int("errors", p.errors),
		attribute.Bool("disabled", p.Disabled()),
	)
	return response
}

// GetResponse waits up to the remaining time bank for the bot's next line.
//
// An empty string is returned for an explicit pass, a timeout, a closed stream
// or a disabled player. Only timeouts and closed streams count as errors.
func (p *Player) GetResponse(ctx context.Context) string {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.Disabled() {
		p.dump.Add(fmt.Sprintf("Maximum number (%d) of time-outs reached: skipping all moves.", p.maxTimeouts))
		return ""
	}

	timeout := p.bank.Remaining()
	started := p.now()
	line, err := p.channel.ReadLine(ctx, timeout)
	p.bank.Update(p.now().Sub(started))
	invariants.CheckTimeBankWithinBounds(
		ctx,
		"session.player.getResponse",
		p.id,
		p.bank.Millis(),
		p.bank.Max().Milliseconds(),
	)

	if err != nil && ctx.Err() != nil {
		p.dump.Add("Match interrupted while waiting for bot.")
		return ""
	}
	if err == nil && strings.EqualFold(line, NoMoves) {
		p.botDump(NoMoves)
		return ""
	}
	if err != nil || line == "" {
		p.recordFailure(timeout, err)
		p.botDump("null")
		return ""
	}

	p.botDump(line)
	return line
}

// AddNote appends an engine-originated note to the dump.
func (p *Player) AddNote(text string) {
	p.dump.Add(fmt.Sprintf("Engine warning: \"%s\"", text))
}

// Dump returns the rendered activity log.
func (p *Player) Dump() string {
	return p.dump.String()
}

// DumpLines returns the activity log entries.
func (p *Player) DumpLines() []string {
	return p.dump.Lines()
}

// Stdout returns everything the bot printed on stdout.
func (p *Player) Stdout() string {
	return p.channel.Stdout()
}

// Stderr returns everything the bot printed on stderr.
func (p *Player) Stderr() string {
	return p.channel.Stderr()
}

// Finish tears down the bot process. Only the first call has an effect.
func (p *Player) Finish() {
	p.finishOnce.Do(func() {
		p.channel.Finish()
		p.logger.Info("bot shut down")
	})
}

func (p *Player) recordFailure(timeout time.Duration, err error) {
	switch {
	case errors.Is(err, procio.ErrReadTimeout):
		p.dump.Add(fmt.Sprintf(
			"Response timed out (%dms), let your bot return '%s' instead of nothing or make it faster.",
			timeout.Milliseconds(),
			NoMoves,
		))
	case errors.Is(err, procio.ErrStreamClosed), errors.Is(err, procio.ErrFinished):
		p.dump.Add("Bot output stream closed, no response received.")
	case err == nil:
		p.dump.Add("Bot returned an empty line.")
	default:
		p.dump.Add(fmt.Sprintf("Reading from bot failed: %v", err))
	}

	p.errors++
	p.logger.With("errors", p.errors, "max_timeouts", p.maxTimeouts).Warn("bot response missing")
	if p.Disabled() {
		p.logger.With("errors", p.errors).Warn("timeout budget exhausted, disabling bot")
		p.Finish()
	}
}

func (p *Player) botDump(output string) {
	p.dump.Add(fmt.Sprintf("Output from your bot: \"%s\"", output))
}
