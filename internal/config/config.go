package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultTimebankMax is the bank ceiling and starting budget of every player.
	DefaultTimebankMax = 10 * time.Second
	// DefaultTimePerMove is the credit added to a bank after every response.
	DefaultTimePerMove = 500 * time.Millisecond
	// DefaultMaxTimeouts is the number of missed responses a player may exceed.
	DefaultMaxTimeouts = 2

	defaultKillGrace   = 2 * time.Second
	defaultResultPath  = "result.json"
	defaultConfigDir   = ".gamewrapper"
	defaultConfigFile  = "config.toml"
	defaultLogSubdir   = "logs"
	defaultServiceName = "gamewrapper"
)

// Config stores the settings of one match.
type Config struct {
	TimebankMax    time.Duration
	TimePerMove    time.Duration
	MaxTimeouts    int
	EngineTimeout  time.Duration
	KillGrace      time.Duration
	ResultPath     string
	EngineCommand  string
	PlayerCommands []string
	EngineSettings map[string]string
	LogDir         string
	Telemetry      TelemetryConfig
}

// TelemetryConfig stores trace export settings.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

type fileConfig struct {
	TimebankMaxMS *int64           `toml:"timebank_max_ms"`
	TimePerMoveMS *int64           `toml:"time_per_move_ms"`
	MaxTimeouts   *int             `toml:"max_timeouts"`
	EngineTimeout *string          `toml:"engine_timeout"`
	KillGrace     *string          `toml:"kill_grace"`
	ResultPath    *string          `toml:"result_path"`
	LogDir        *string          `toml:"log_dir"`
	Players       []string         `toml:"players"`
	Engine        *engineConfig    `toml:"engine"`
	Telemetry     *telemetryConfig `toml:"telemetry"`
}

type engineConfig struct {
	Command  *string        `toml:"command"`
	Settings map[string]any `toml:"settings"`
}

type telemetryConfig struct {
	Enabled     *bool   `toml:"enabled"`
	Endpoint    *string `toml:"endpoint"`
	ServiceName *string `toml:"service_name"`
}

// Overrides carries command-line values. Zero values leave the loaded setting
// untouched.
type Overrides struct {
	TimebankMaxMS  int64
	TimePerMoveMS  int64
	MaxTimeouts    int
	EngineTimeout  time.Duration
	ResultPath     string
	EngineCommand  string
	PlayerCommands []string
}

// Load reads config from ~/.gamewrapper/config.toml, overlays a project-local
// .gamewrapper/config.toml and finally explicitPath when it is set. A missing
// explicit file is an error; missing default files are skipped.
func Load(ctx context.Context, explicitPath string) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg.LogDir = filepath.Join(homeDir, defaultConfigDir, defaultLogSubdir)
	paths := []string{
		filepath.Join(homeDir, defaultConfigDir, defaultConfigFile),
		filepath.Join(workingDir, defaultConfigDir, defaultConfigFile),
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	explicitPath = strings.TrimSpace(explicitPath)
	if explicitPath != "" {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if _, err := os.Stat(explicitPath); err != nil {
			return nil, fmt.Errorf("stat config file %q: %w", explicitPath, err)
		}
		if err := overlayFromFile(&cfg, explicitPath); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Default returns the built-in settings without reading any file.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

func defaults() Config {
	return Config{
		TimebankMax:    DefaultTimebankMax,
		TimePerMove:    DefaultTimePerMove,
		MaxTimeouts:    DefaultMaxTimeouts,
		KillGrace:      defaultKillGrace,
		ResultPath:     defaultResultPath,
		EngineSettings: map[string]string{},
		Telemetry: TelemetryConfig{
			ServiceName: defaultServiceName,
		},
	}
}

// Apply overlays command-line values. Non-positive numeric values are ignored
// so the file or default setting stays in effect.
func (c *Config) Apply(overrides Overrides) {
	if c == nil {
		return
	}
	if overrides.TimebankMaxMS > 0 {
		c.TimebankMax = time.Duration(overrides.TimebankMaxMS) * time.Millisecond
	}
	if overrides.TimePerMoveMS > 0 {
		c.TimePerMove = time.Duration(overrides.TimePerMoveMS) * time.Millisecond
	}
	if overrides.MaxTimeouts > 0 {
		c.MaxTimeouts = overrides.MaxTimeouts
	}
	if overrides.EngineTimeout > 0 {
		c.EngineTimeout = overrides.EngineTimeout
	}
	if path := strings.TrimSpace(overrides.ResultPath); path != "" {
		c.ResultPath = path
	}
	if command := strings.TrimSpace(overrides.EngineCommand); command != "" {
		c.EngineCommand = command
	}
	if commands := nonEmpty(overrides.PlayerCommands); len(commands) > 0 {
		c.PlayerCommands = commands
	}
}

// Validate reports settings that make a match impossible to start.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(c.EngineCommand) == "" {
		return errors.New("engine command is required")
	}
	if len(nonEmpty(c.PlayerCommands)) == 0 {
		return errors.New("at least one player command is required")
	}
	if c.KillGrace <= 0 {
		return fmt.Errorf("kill grace must be > 0, got %s", c.KillGrace)
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applyMatchOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyEngineOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyTelemetryOverrides(cfg, decoded)
	return nil
}

func applyMatchOverrides(cfg *Config, decoded fileConfig) {
	if decoded.TimebankMaxMS != nil && *decoded.TimebankMaxMS > 0 {
		cfg.TimebankMax = time.Duration(*decoded.TimebankMaxMS) * time.Millisecond
	}
	if decoded.TimePerMoveMS != nil && *decoded.TimePerMoveMS > 0 {
		cfg.TimePerMove = time.Duration(*decoded.TimePerMoveMS) * time.Millisecond
	}
	if decoded.MaxTimeouts != nil && *decoded.MaxTimeouts > 0 {
		cfg.MaxTimeouts = *decoded.MaxTimeouts
	}
	if decoded.ResultPath != nil && strings.TrimSpace(*decoded.ResultPath) != "" {
		cfg.ResultPath = strings.TrimSpace(*decoded.ResultPath)
	}
	if decoded.LogDir != nil && strings.TrimSpace(*decoded.LogDir) != "" {
		cfg.LogDir = strings.TrimSpace(*decoded.LogDir)
	}
	if commands := nonEmpty(decoded.Players); len(commands) > 0 {
		cfg.PlayerCommands = commands
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.EngineTimeout != nil {
		value, err := parseDuration(*decoded.EngineTimeout, "engine_timeout", path)
		if err != nil {
			return err
		}
		cfg.EngineTimeout = value
	}
	if decoded.KillGrace != nil {
		value, err := parseDuration(*decoded.KillGrace, "kill_grace", path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse kill_grace in %q: must be > 0", path)
		}
		cfg.KillGrace = value
	}
	return nil
}

func applyEngineOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Engine == nil {
		return nil
	}
	if decoded.Engine.Command != nil && strings.TrimSpace(*decoded.Engine.Command) != "" {
		cfg.EngineCommand = strings.TrimSpace(*decoded.Engine.Command)
	}
	if cfg.EngineSettings == nil {
		cfg.EngineSettings = map[string]string{}
	}
	for key, value := range decoded.Engine.Settings {
		text, err := settingValue(value)
		if err != nil {
			return fmt.Errorf("parse engine.settings.%s in %q: %w", key, path, err)
		}
		cfg.EngineSettings[strings.TrimSpace(key)] = text
	}
	return nil
}

func applyTelemetryOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Telemetry == nil {
		return
	}
	if decoded.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *decoded.Telemetry.Enabled
	}
	if decoded.Telemetry.Endpoint != nil {
		cfg.Telemetry.Endpoint = strings.TrimSpace(*decoded.Telemetry.Endpoint)
	}
	if decoded.Telemetry.ServiceName != nil && strings.TrimSpace(*decoded.Telemetry.ServiceName) != "" {
		cfg.Telemetry.ServiceName = strings.TrimSpace(*decoded.Telemetry.ServiceName)
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func settingValue(value any) (string, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case int64, float64, bool:
		return fmt.Sprint(typed), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}
