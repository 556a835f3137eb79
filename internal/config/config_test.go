package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:7317" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Capture.QuietInterval.Std() != 400*time.Millisecond {
		t.Errorf("quiet interval = %v", cfg.Capture.QuietInterval.Std())
	}
	if cfg.Terminal.Cols != 120 || cfg.Terminal.Rows != 30 {
		t.Errorf("terminal size = %dx%d", cfg.Terminal.Cols, cfg.Terminal.Rows)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
listen_addr = "127.0.0.1:9000"

[log]
level = "debug"

[capture]
quiet_interval = "1s"
command_timeout = "30s"
fullscreen = ["vim", "k9s"]

[history]
path = "/tmp/hist.db"
file_path = "/tmp/hist.txt"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Capture.QuietInterval.Std() != time.Second {
		t.Errorf("quiet interval = %v", cfg.Capture.QuietInterval.Std())
	}
	if cfg.Capture.CommandTimeout.Std() != 30*time.Second {
		t.Errorf("command timeout = %v", cfg.Capture.CommandTimeout.Std())
	}
	if want := []string{"vim", "k9s"}; !reflect.DeepEqual(cfg.Capture.Fullscreen, want) {
		t.Errorf("fullscreen = %v", cfg.Capture.Fullscreen)
	}
	// Untouched sections keep their defaults.
	if cfg.Capture.QuietIntervalInteractive.Std() != 2*time.Second {
		t.Errorf("interactive quiet interval = %v", cfg.Capture.QuietIntervalInteractive.Std())
	}
	if cfg.Terminal.Cols != 120 {
		t.Errorf("cols = %d", cfg.Terminal.Cols)
	}
	if p, err := cfg.HistoryDBPath(); err != nil || p != "/tmp/hist.db" {
		t.Errorf("history path = %q, %v", p, err)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, "[server]\nlisten_adr = \":1\"\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("err = %v, want unknown key", err)
	}
}

func TestBadDurationRejected(t *testing.T) {
	path := writeConfig(t, "[capture]\nquiet_interval = \"fast\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", "[log]\nlevel = \"loud\"\n"},
		{"zero rows", "[terminal]\nrows = 0\n"},
		{"negative timeout", "[capture]\ncommand_timeout = \"-1s\"\n"},
		{"zero block lines", "[capture]\nmax_block_lines = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Log.Level = tt.level
		if got := cfg.LogLevel(); got != tt.want {
			t.Errorf("LogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestCaptureConfigMapping(t *testing.T) {
	cfg := Default()
	cfg.Capture.KillOnTimeout = true
	cfg.Capture.Repl = []string{"ghci"}
	cc := cfg.CaptureConfig()
	if cc.QuietInterval != 400*time.Millisecond {
		t.Errorf("quiet interval = %v", cc.QuietInterval)
	}
	if !cc.KillOnTimeout {
		t.Error("KillOnTimeout not carried over")
	}
	if !reflect.DeepEqual(cc.Repl, []string{"ghci"}) {
		t.Errorf("repl = %v", cc.Repl)
	}
	if cc.MaxBlockLines != 10000 || cc.MaxLineLength != 10000 {
		t.Errorf("limits = %d/%d", cc.MaxBlockLines, cc.MaxLineLength)
	}
}
