// Package config loads the daemon's TOML configuration and maps it
// onto the subsystem option structs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/djdanielsson/mosaicterm-sub001/internal/correlate"
	"github.com/djdanielsson/mosaicterm-sub001/internal/platform"
)

// Duration unmarshals from TOML strings like "400ms" or "2s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Server   Server   `toml:"server"`
	Log      Log      `toml:"log"`
	Terminal Terminal `toml:"terminal"`
	Capture  Capture  `toml:"capture"`
	History  History  `toml:"history"`
}

// Server configures the client-facing bridge.
type Server struct {
	ListenAddr string `toml:"listen_addr"`
}

// Log configures diagnostic output.
type Log struct {
	Level string `toml:"level"`
}

// Terminal configures newly created PTY sessions.
type Terminal struct {
	// Shell overrides the login shell. Empty means $SHELL.
	Shell      string `toml:"shell"`
	Rows       int    `toml:"rows"`
	Cols       int    `toml:"cols"`
	ReadBuffer int    `toml:"read_buffer"`
}

// Capture configures block segmentation.
type Capture struct {
	QuietInterval            Duration `toml:"quiet_interval"`
	QuietIntervalInteractive Duration `toml:"quiet_interval_interactive"`
	CommandTimeout           Duration `toml:"command_timeout"`
	InteractiveTimeout       Duration `toml:"interactive_timeout"`
	KillOnTimeout            bool     `toml:"kill_on_timeout"`
	MaxBlockLines            int      `toml:"max_block_lines"`
	MaxLineLength            int      `toml:"max_line_length"`
	DisableSentinel          bool     `toml:"disable_sentinel"`
	KeepPreamble             bool     `toml:"keep_preamble"`
	Fullscreen               []string `toml:"fullscreen"`
	Repl                     []string `toml:"repl"`
}

// History configures command persistence.
type History struct {
	// Path is the sqlite database location. Empty means the platform
	// data directory.
	Path string `toml:"path"`
	// FilePath enables the plain-text history file when set.
	FilePath string `toml:"file_path"`
	Disabled bool   `toml:"disabled"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: Server{ListenAddr: "127.0.0.1:7317"},
		Log:    Log{Level: "info"},
		Terminal: Terminal{
			Rows:       30,
			Cols:       120,
			ReadBuffer: 256 * 1024,
		},
		Capture: Capture{
			QuietInterval:            Duration(400 * time.Millisecond),
			QuietIntervalInteractive: Duration(2 * time.Second),
			MaxBlockLines:            10000,
			MaxLineLength:            10000,
		},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() (string, error) {
	dir, err := platform.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the file at path over the defaults. A missing file is not
// an error; the defaults stand. Unknown keys are rejected so a typo
// cannot silently fall back to a default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Terminal.Rows <= 0 || c.Terminal.Cols <= 0 {
		return errors.New("terminal size must be positive")
	}
	if c.Capture.QuietInterval <= 0 || c.Capture.QuietIntervalInteractive <= 0 {
		return errors.New("quiet intervals must be positive")
	}
	if c.Capture.CommandTimeout < 0 || c.Capture.InteractiveTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Capture.MaxBlockLines <= 0 || c.Capture.MaxLineLength <= 0 {
		return errors.New("capture limits must be positive")
	}
	return nil
}

// LogLevel maps the configured level onto slog's scale.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CaptureConfig maps the capture section onto the correlator's config.
func (c *Config) CaptureConfig() correlate.Config {
	return correlate.Config{
		MaxBlockLines:            c.Capture.MaxBlockLines,
		MaxLineLength:            c.Capture.MaxLineLength,
		QuietInterval:            c.Capture.QuietInterval.Std(),
		QuietIntervalInteractive: c.Capture.QuietIntervalInteractive.Std(),
		CommandTimeout:           c.Capture.CommandTimeout.Std(),
		InteractiveTimeout:       c.Capture.InteractiveTimeout.Std(),
		KillOnTimeout:            c.Capture.KillOnTimeout,
		DisableSentinel:          c.Capture.DisableSentinel,
		KeepPreamble:             c.Capture.KeepPreamble,
		Fullscreen:               c.Capture.Fullscreen,
		Repl:                     c.Capture.Repl,
	}
}

// HistoryDBPath resolves the history database location.
func (c *Config) HistoryDBPath() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	dir, err := platform.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}
