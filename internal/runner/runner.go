// Package runner wires configuration, processes, sessions and the match loop
// into one command-line run and maps the result to an exit status.
package runner

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/riddles/gamewrapper/internal/config"
	"github.com/riddles/gamewrapper/internal/events"
	"github.com/riddles/gamewrapper/internal/match"
	"github.com/riddles/gamewrapper/internal/procio"
	"github.com/riddles/gamewrapper/internal/protocol"
	"github.com/riddles/gamewrapper/internal/result"
	"github.com/riddles/gamewrapper/internal/session"
	"github.com/riddles/gamewrapper/internal/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Exit statuses.
const (
	StatusComplete     = 0
	StatusFailed       = 1
	StatusSetupFailure = 2
)

var saveResult = func(doc result.Document, path string) error {
	return doc.Write(path)
}

// Runner executes one match end to end.
type Runner struct {
	cfg     *config.Config
	logger  *log.Logger
	console *log.Logger
	tracer  trace.Tracer
	matchID string
	dump    bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger configures the structured logger for process and match records.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConsole configures the operator-facing logger for progress notices.
func WithConsole(console *log.Logger) Option {
	return func(r *Runner) {
		if console != nil {
			r.console = console
		}
	}
}

// WithTracer configures the tracer shared by sessions and the orchestrator.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithMatchID sets the match identity. A uuid is generated otherwise.
func WithMatchID(id string) Option {
	return func(r *Runner) {
		if id != "" {
			r.matchID = id
		}
	}
}

// WithDump logs every bot's dump and output streams after the match.
func WithDump(enabled bool) Option {
	return func(r *Runner) {
		r.dump = enabled
	}
}

// New validates cfg and builds a runner.
func New(cfg *config.Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid match config: %w", err)
	}
	r := &Runner{
		cfg:     cfg,
		logger:  log.New(io.Discard),
		console: log.New(io.Discard),
		tracer:  otel.Tracer("gamewrapper/match"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.matchID == "" {
		r.matchID = uuid.NewString()
	}
	r.logger = r.logger.With("match_id", r.matchID)
	return r, nil
}

// Run spawns the processes, plays the match and tears everything down. The
// result file is written only for a complete match.
func (r *Runner) Run(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}

	engineChannel, playerChannels, err := r.spawn(ctx)
	if err != nil {
		r.logger.With("error", err).Error("match setup failed")
		r.console.Error(err.Error())
		return StatusSetupFailure
	}

	orchestrator, bus, err := r.assemble(engineChannel, playerChannels)
	if err != nil {
		finishChannels(engineChannel, playerChannels)
		r.logger.With("error", err).Error("match setup failed")
		r.console.Error(err.Error())
		return StatusSetupFailure
	}
	defer bus.Close()
	defer orchestrator.Close()

	r.console.Info("Starting...")
	outcome, err := orchestrator.Run(ctx)

	status := StatusComplete
	switch {
	case err != nil:
		status = StatusFailed
		r.console.Error("match failed", "error", err)
	case outcome.State != state.Complete:
		status = StatusFailed
		r.console.Error("match ended without completing", "state", outcome.State)
	default:
		r.console.Info("Saving game...")
		if saveErr := saveResult(result.FromOutcome(outcome), r.cfg.ResultPath); saveErr != nil {
			r.logger.With("error", saveErr, "path", r.cfg.ResultPath).Error("failed to save result")
			r.console.Error("failed to save result", "error", saveErr)
		} else {
			r.logger.With("path", r.cfg.ResultPath).Info("result saved")
		}
	}

	r.console.Info("Stopping...")
	orchestrator.Close()

	final := orchestrator.Outcome()
	r.logger.With("process", "engine").Debug("engine stderr", "stderr", engineChannel.Stderr())
	if r.dump {
		r.printGame(final, engineChannel)
	}

	r.console.Info("Done.")
	return status
}

func (r *Runner) spawn(ctx context.Context) (*procio.Channel, []*procio.Channel, error) {
	spawnOpts := []procio.Option{
		procio.WithKillGrace(r.cfg.KillGrace),
		procio.WithLogger(r.logger),
	}

	r.console.Info("executing: " + r.cfg.EngineCommand)
	engineChannel, err := procio.Spawn(ctx, "engine", r.cfg.EngineCommand, spawnOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn engine: %w", err)
	}

	players := make([]*procio.Channel, 0, len(r.cfg.PlayerCommands))
	for i, command := range r.cfg.PlayerCommands {
		r.console.Info("executing: " + command)
		channel, spawnErr := procio.Spawn(ctx, "player "+strconv.Itoa(i), command, append(spawnOpts, procio.WithDiscardStale())...)
		if spawnErr != nil {
			finishChannels(engineChannel, players)
			return nil, nil, fmt.Errorf("spawn player %d: %w", i, spawnErr)
		}
		players = append(players, channel)
	}
	return engineChannel, players, nil
}

func (r *Runner) assemble(engineChannel *procio.Channel, playerChannels []*procio.Channel) (*match.Orchestrator, *events.InMemoryBus, error) {
	engine, err := session.NewEngine(
		engineChannel,
		session.WithLogger(r.logger),
		session.WithTracer(r.tracer),
		session.WithResponseTimeout(r.cfg.EngineTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create engine session: %w", err)
	}

	quota := session.PlayerConfig{
		TimebankMax: r.cfg.TimebankMax,
		TimePerMove: r.cfg.TimePerMove,
		MaxTimeouts: r.cfg.MaxTimeouts,
	}
	players := make([]match.Player, 0, len(playerChannels))
	for i, channel := range playerChannels {
		player, playerErr := session.NewPlayer(i, channel, quota, session.WithLogger(r.logger), session.WithTracer(r.tracer))
		if playerErr != nil {
			return nil, nil, fmt.Errorf("create player %d session: %w", i, playerErr)
		}
		players = append(players, player)
	}

	bus := events.New(events.WithLogger(r.logger))
	bus.SubscribeAll(r.logEvent)

	orchestrator, err := match.New(
		engine,
		players,
		r.engineSettings(),
		match.WithLogger(r.logger),
		match.WithTracer(r.tracer),
		match.WithPublisher(bus),
		match.WithMatchID(r.matchID),
	)
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("create match: %w", err)
	}
	return orchestrator, bus, nil
}

// engineSettings merges the configured engine settings with the wrapper's own
// quota values, which always win.
func (r *Runner) engineSettings() map[string]string {
	settings := make(map[string]string, len(r.cfg.EngineSettings)+3)
	for key, value := range r.cfg.EngineSettings {
		settings[key] = value
	}
	settings[protocol.SettingTimebankMax] = strconv.FormatInt(r.cfg.TimebankMax.Milliseconds(), 10)
	settings[protocol.SettingTimePerMove] = strconv.FormatInt(r.cfg.TimePerMove.Milliseconds(), 10)
	settings[protocol.SettingMaxTimeouts] = strconv.Itoa(r.cfg.MaxTimeouts)
	return settings
}

func (r *Runner) logEvent(event events.Event) {
	entry := r.logger.With(
		"event", event.Type,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"payload", event.Payload,
	)
	switch event.Severity {
	case events.SeverityError:
		entry.Error("match event")
	case events.SeverityWarn:
		entry.Warn("match event")
	default:
		entry.Debug("match event")
	}
}

func (r *Runner) printGame(outcome *match.Outcome, engineChannel *procio.Channel) {
	for _, report := range outcome.Players {
		entry := r.console.With("player", report.ID)
		entry.Info("bot dump", "dump", report.Log)
		entry.Info("bot stdout", "stdout", report.Stdout)
		entry.Info("bot stderr", "stderr", report.Stderr)
	}
	entry := r.console.With("process", "engine")
	entry.Info("engine stdout", "stdout", engineChannel.Stdout())
	entry.Info("engine stderr", "stderr", engineChannel.Stderr())
}

func finishChannels(engine *procio.Channel, players []*procio.Channel) {
	for _, player := range players {
		player.Finish()
	}
	if engine != nil {
		engine.Finish()
	}
}

