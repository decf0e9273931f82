package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/riddles/gamewrapper/internal/config"
	"github.com/riddles/gamewrapper/internal/logging"
	"github.com/riddles/gamewrapper/internal/runner"
	"github.com/riddles/gamewrapper/internal/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(status)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	status := runner.StatusComplete
	cmd := newRootCommand(&status, stderr, args)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return runner.StatusSetupFailure
	}
	return status
}

type matchFlags struct {
	configPath    string
	engine        string
	players       []string
	timebankMax   int64
	timePerMove   int64
	maxTimeouts   int
	resultPath    string
	engineTimeout time.Duration
	dump          bool
	verbose       bool
}

func newRootCommand(status *int, stderr io.Writer, invocation []string) *cobra.Command {
	root := &cobra.Command{
		Use:           "gamewrapper",
		Short:         "Run a bot match between a game engine and player processes",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(status, stderr, invocation),
		newLegacyCommand(status, stderr, invocation),
		newVersionCommand(),
		newBugreportCommand(),
	)
	return root
}

func newRunCommand(status *int, stderr io.Writer, invocation []string) *cobra.Command {
	flags := &matchFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Play one match",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			*status = executeMatch(cmd.Context(), flags, stderr, invocation)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.engine, "engine", "", "engine command line")
	cmd.Flags().StringArrayVar(&flags.players, "player", nil, "player command line, repeat once per bot")
	cmd.Flags().Int64Var(&flags.timebankMax, "timebank-max", 0, "time bank ceiling in milliseconds")
	cmd.Flags().Int64Var(&flags.timePerMove, "time-per-move", 0, "time bank credit per move in milliseconds")
	cmd.Flags().IntVar(&flags.maxTimeouts, "max-timeouts", 0, "missed responses tolerated before a bot is disabled")
	cmd.Flags().StringVar(&flags.resultPath, "result", "", "path of the result file")
	cmd.Flags().DurationVar(&flags.engineTimeout, "engine-timeout", 0, "bound on each engine read, 0 waits indefinitely")
	cmd.Flags().StringVar(&flags.configPath, "config", "", "additional config file")
	cmd.Flags().BoolVar(&flags.dump, "dump", false, "print every bot's dump and output after the match")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "write debug records to the log file")
	return cmd
}

// newLegacyCommand keeps the positional invocation used by existing match
// schedulers.
func newLegacyCommand(status *int, stderr io.Writer, invocation []string) *cobra.Command {
	flags := &matchFlags{}
	cmd := &cobra.Command{
		Use:   "legacy TIMEBANK TIME_PER_MOVE MAX_TIMEOUTS RESULT ENGINE PLAYER...",
		Short: "Play one match using positional arguments",
		Args:  cobra.MinimumNArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parseLegacyArgs(args, flags); err != nil {
				return err
			}
			*status = executeMatch(cmd.Context(), flags, stderr, invocation)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "additional config file")
	cmd.Flags().BoolVar(&flags.dump, "dump", false, "print every bot's dump and output after the match")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gamewrapper version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

func parseLegacyArgs(args []string, flags *matchFlags) error {
	if len(args) < 6 {
		return errors.New("legacy form needs TIMEBANK TIME_PER_MOVE MAX_TIMEOUTS RESULT ENGINE PLAYER...")
	}
	timebank, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parse TIMEBANK %q: %w", args[0], err)
	}
	timePerMove, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("parse TIME_PER_MOVE %q: %w", args[1], err)
	}
	maxTimeouts, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("parse MAX_TIMEOUTS %q: %w", args[2], err)
	}

	flags.timebankMax = timebank
	flags.timePerMove = timePerMove
	flags.maxTimeouts = maxTimeouts
	flags.resultPath = args[3]
	flags.engine = args[4]
	flags.players = append([]string(nil), args[5:]...)
	return nil
}

func executeMatch(ctx context.Context, flags *matchFlags, stderr io.Writer, invocation []string) int {
	console := logging.NewConsole(stderr, log.InfoLevel)

	cfg, err := config.Load(ctx, flags.configPath)
	if err != nil {
		console.Error("load config", "error", err)
		return runner.StatusSetupFailure
	}
	cfg.Apply(config.Overrides{
		TimebankMaxMS:  flags.timebankMax,
		TimePerMoveMS:  flags.timePerMove,
		MaxTimeouts:    flags.maxTimeouts,
		EngineTimeout:  flags.engineTimeout,
		ResultPath:     flags.resultPath,
		EngineCommand:  flags.engine,
		PlayerCommands: flags.players,
	})
	if err := cfg.Validate(); err != nil {
		console.Error("invalid match config", "error", err)
		return runner.StatusSetupFailure
	}

	if cfg.Telemetry.Enabled {
		shutdown, telemetryErr := telemetry.Init(ctx, telemetry.Settings{
			Endpoint:       cfg.Telemetry.Endpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
			Warnings:       stderr,
		})
		if telemetryErr != nil {
			console.Warn("telemetry disabled", "error", telemetryErr)
		} else {
			defer shutdown()
		}
	}
	ctx, span := otel.Tracer("gamewrapper/cli").Start(ctx, "gamewrapper."+resolveCommandName(invocation))
	defer span.End()

	level := log.InfoLevel
	if flags.verbose {
		level = log.DebugLevel
	}
	logger, err := logging.New(ctx, logging.WithDir(cfg.LogDir), logging.WithLevel(level))
	if err != nil {
		console.Error("initialize logging", "error", err)
		return runner.StatusSetupFailure
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(stderr, "failed to close logger: %v\n", closeErr)
		}
	}()
	logger.Logger.With("command", resolveCommandName(invocation), "args", redactArgs(invocation)).Debug("command invocation")

	r, err := runner.New(
		cfg,
		runner.WithLogger(logger.Logger),
		runner.WithConsole(console),
		runner.WithMatchID(logger.RunID()),
		runner.WithDump(flags.dump),
	)
	if err != nil {
		console.Error("create runner", "error", err)
		return runner.StatusSetupFailure
	}
	status := r.Run(ctx)
	span.SetAttributes(attribute.Int("exit_status", status))
	return status
}
