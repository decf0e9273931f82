// Package match drives one game: it hands the engine its configuration, relays
// the engine's instructions to the players in strict order and collects the
// final game record.
package match

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/riddles/gamewrapper/internal/events"
	"github.com/riddles/gamewrapper/internal/protocol"
	"github.com/riddles/gamewrapper/internal/state"
	"github.com/riddles/gamewrapper/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Player is the orchestrator's view of one bot session.
type Player interface {
	ID() int
	Send(line string)
	Ask(ctx context.Context, line string) string
	AddNote(text string)
	Disabled() bool
	Errors() int
	Dump() string
	Stdout() string
	Stderr() string
	Finish()
}

// Engine is the orchestrator's view of the engine session.
type Engine interface {
	Configure(messages ...string) error
	Send(line string) error
	Ask(ctx context.Context, line string) (string, error)
	GetResponse(ctx context.Context) (string, error)
	Stdout() string
	Stderr() string
	Finish()
}

// PlayerReport is the post-match diagnostic record of one player.
type PlayerReport struct {
	ID         int
	Log        string
	Stdout     string
	Stderr     string
	ErrorCount int
	Disabled   bool
}

// Outcome is what a match produced. Details and Game are only set for a
// complete match; player reports are always available.
type Outcome struct {
	MatchID string
	State   state.State
	Details string
	Game    string
	Players []PlayerReport
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger configures the logger for match lifecycle records.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer configures the tracer used for match and instruction spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithPublisher publishes match events.
func WithPublisher(publisher events.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

// WithMatchID overrides the generated match identity.
func WithMatchID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.matchID = id
		}
	}
}

// Orchestrator runs the match loop over one engine and its players.
type Orchestrator struct {
	engine   Engine
	players  []Player
	settings map[string]string

	matchID   string
	machine   *state.Machine
	logger    *log.Logger
	tracer    trace.Tracer
	publisher events.Publisher

	details string
	game    string

	closeOnce sync.Once
}

// New validates the roster and builds an orchestrator. Player i must have id i.
// settings are forwarded to the engine during the handshake.
func New(engine Engine, players []Player, settings map[string]string, opts ...Option) (*Orchestrator, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if len(players) == 0 {
		return nil, errors.New("at least one player is required")
	}
	for i, player := range players {
		if player == nil {
			return nil, fmt.Errorf("player %d is nil", i)
		}
		if player.ID() != i {
			return nil, fmt.Errorf("player at position %d has id %d", i, player.ID())
		}
	}

	o := &Orchestrator{
		engine:   engine,
		players:  players,
		settings: settings,
		matchID:  "match",
		logger:   log.New(io.Discard),
		tracer:   otel.Tracer("gamewrapper/match"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	machine, err := state.NewMachine(
		o.matchID,
		state.WithTracer(o.tracer),
		state.WithPublisher(o.publisher),
	)
	if err != nil {
		return nil, fmt.Errorf("create match state machine: %w", err)
	}
	o.machine = machine
	o.logger = o.logger.With("match_id", o.matchID)
	return o, nil
}

// State returns the match's lifecycle state.
func (o *Orchestrator) State() state.State {
	return o.machine.Current()
}

// Run plays the match to the end. On failure the returned Outcome is still
// populated with the player reports gathered so far.
func (o *Orchestrator) Run(ctx context.Context) (*Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := o.tracer.Start(ctx, "match.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("match_id", o.matchID),
		attribute.Int("players", len(o.players)),
	)

	if err := o.run(ctx, span); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if transitionErr := o.machine.Transition(ctx, state.Failed, err.Error()); transitionErr != nil {
			o.logger.With("error", transitionErr).Error("failed to mark match as failed")
		}
		o.logger.With("error", err).Error("match failed")
		return o.Outcome(), err
	}

	span.SetStatus(codes.Ok, "match complete")
	return o.Outcome(), nil
}

func (o *Orchestrator) run(ctx context.Context, span trace.Span) error {
	handshake, err := protocol.Handshake(len(o.players), o.settings)
	if err != nil {
		return fmt.Errorf("build engine handshake: %w", err)
	}
	if err := o.engine.Configure(handshake...); err != nil {
		return err
	}
	if err := o.machine.Transition(ctx, state.Running, "engine configured"); err != nil {
		return err
	}
	o.logger.Info("match running", "players", len(o.players))

	instructions := 0
	for {
		line, err := o.engine.GetResponse(ctx)
		if err != nil {
			return fmt.Errorf("read engine instruction: %w", err)
		}

		instruction, err := protocol.Parse(line)
		if err != nil {
			o.logger.With("instruction", line).Warn("skipping unknown engine instruction")
			o.publish(events.Event{
				Type:       events.EventTypeUnknownInstruction,
				EntityType: "match",
				EntityID:   o.matchID,
				Payload:    events.InstructionPayload{Message: line},
				Severity:   events.SeverityWarn,
			})
			continue
		}
		if instruction.Kind == protocol.KindNoop {
			continue
		}
		if instruction.Kind == protocol.KindEnd {
			break
		}

		instructions++
		if err := o.handle(ctx, instruction); err != nil {
			return err
		}
	}
	span.SetAttributes(attribute.Int("instructions", instructions))

	details, err := o.engine.Ask(ctx, protocol.AskDetails)
	if err != nil {
		return fmt.Errorf("ask engine for game details: %w", err)
	}
	game, err := o.engine.Ask(ctx, protocol.AskGame)
	if err != nil {
		return fmt.Errorf("ask engine for played game: %w", err)
	}
	o.details = details
	o.game = game

	if err := o.machine.Transition(ctx, state.Complete, "engine ended the game"); err != nil {
		return err
	}
	o.logger.Info("match complete", "instructions", instructions)
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, instruction protocol.Instruction) error {
	ctx, span := o.tracer.Start(ctx, "match.instruction")
	defer span.End()
	span.SetAttributes(
		attribute.String("kind", string(instruction.Kind)),
		attribute.String("target", instruction.Target()),
	)

	if err := instruction.Validate(len(o.players)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	switch instruction.Kind {
	case protocol.KindAsk:
		return o.relay(ctx, span, instruction)
	case protocol.KindSend:
		for _, player := range o.targets(instruction) {
			player.Send(instruction.Message)
		}
		o.publishInstruction(instruction, "")
	case protocol.KindWarning:
		for _, player := range o.targets(instruction) {
			player.AddNote(instruction.Message)
		}
		o.logger.With("target", instruction.Target()).Warn("engine warning", "message", instruction.Message)
		o.publish(events.Event{
			Type:       events.EventTypeEngineWarning,
			EntityType: "player",
			EntityID:   instruction.Target(),
			Payload:    events.InstructionPayload{Kind: string(instruction.Kind), Target: instruction.Target(), Message: instruction.Message},
			Severity:   events.SeverityWarn,
		})
	}
	return nil
}

func (o *Orchestrator) relay(ctx context.Context, span trace.Span, instruction protocol.Instruction) error {
	player := o.players[instruction.PlayerID]
	wasDisabled := player.Disabled()

	response := player.Ask(ctx, instruction.Message)
	if wasDisabled {
		invariants.CheckDisabledPlayerSilent(ctx, "match.orchestrator.relay", player.ID(), response)
	}
	if !wasDisabled && player.Disabled() {
		o.logger.With("player", player.ID(), "errors", player.Errors()).Warn("player disabled for the rest of the match")
		o.publish(events.Event{
			Type:       events.EventTypePlayerDisabled,
			EntityType: "player",
			EntityID:   strconv.Itoa(player.ID()),
			Payload:    events.PlayerPayload{PlayerID: player.ID(), Errors: player.Errors()},
			Severity:   events.SeverityWarn,
		})
	}
	span.SetAttributes(attribute.Bool("empty_response", response == ""))

	if err := o.engine.Send(response); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("forward response of player %d: %w", player.ID(), err)
	}
	o.publishInstruction(instruction, response)
	return nil
}

func (o *Orchestrator) targets(instruction protocol.Instruction) []Player {
	if instruction.All {
		return o.players
	}
	return []Player{o.players[instruction.PlayerID]}
}

func (o *Orchestrator) publishInstruction(instruction protocol.Instruction, response string) {
	o.publish(events.Event{
		Type:       events.EventTypeInstructionRelayed,
		EntityType: "player",
		EntityID:   instruction.Target(),
		Payload: events.InstructionPayload{
			Kind:     string(instruction.Kind),
			Target:   instruction.Target(),
			Message:  instruction.Message,
			Response: response,
		},
		Severity: events.SeverityInfo,
	})
}

func (o *Orchestrator) publish(event events.Event) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(event)
}

// Outcome snapshots the match result and every player's diagnostics.
func (o *Orchestrator) Outcome() *Outcome {
	reports := make([]PlayerReport, 0, len(o.players))
	for _, player := range o.players {
		reports = append(reports, PlayerReport{
			ID:         player.ID(),
			Log:        player.Dump(),
			Stdout:     player.Stdout(),
			Stderr:     player.Stderr(),
			ErrorCount: player.Errors(),
			Disabled:   player.Disabled(),
		})
	}
	return &Outcome{
		MatchID: o.matchID,
		State:   o.machine.Current(),
		Details: o.details,
		Game:    o.game,
		Players: reports,
	}
}

// Close finishes every player concurrently and then the engine. Only the first
// call has an effect.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		var group errgroup.Group
		for _, player := range o.players {
			player := player
			group.Go(func() error {
				player.Finish()
				return nil
			})
		}
		_ = group.Wait()
		o.engine.Finish()
		o.logger.Debug("match torn down")
	})
}
