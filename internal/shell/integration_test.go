package shell

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitScript(t *testing.T) {
	posix := InitScript(KindBash)
	if posix == "" {
		t.Fatal("no init script for bash")
	}
	for _, want := range []string{"PROMPT_COMMAND", "add-zsh-hook", "MOSAICTERM_SHELL_INTEGRATION", `\036MP\037`, "]7;file://"} {
		if !strings.Contains(posix, want) {
			t.Errorf("posix init script missing %q", want)
		}
	}
	if InitScript(KindZsh) != posix {
		t.Error("bash and zsh should share the posix init script")
	}

	ps := InitScript(KindPowerShell)
	if !strings.Contains(ps, "function prompt") || !strings.Contains(ps, "\x1eMP\x1f") {
		t.Error("powershell init script missing prompt hook or marker")
	}

	if InitScript(KindFish) != "" || InitScript(KindOther) != "" {
		t.Error("unsupported kinds should have no init script")
	}
}

func TestPrepareCommandBash(t *testing.T) {
	argv, env, cleanup, err := PrepareCommand("/bin/bash")
	if err != nil {
		t.Fatalf("PrepareCommand: %v", err)
	}
	if cleanup == nil {
		t.Fatal("expected cleanup for bash init file")
	}
	defer cleanup()

	if len(argv) != 3 || argv[0] != "/bin/bash" || argv[1] != "--rcfile" {
		t.Fatalf("unexpected argv %v", argv)
	}
	content, err := os.ReadFile(argv[2])
	if err != nil {
		t.Fatalf("reading init file: %v", err)
	}
	if !strings.Contains(string(content), "__mosaicterm_precmd") {
		t.Error("init file missing precmd hook")
	}
	if len(env) == 0 || env[0] != "TERM=xterm-256color" {
		t.Errorf("unexpected env %v", env)
	}

	cleanup()
	if _, err := os.Stat(argv[2]); !os.IsNotExist(err) {
		t.Error("cleanup did not remove init file")
	}
}

func TestPrepareCommandZsh(t *testing.T) {
	argv, env, cleanup, err := PrepareCommand("/usr/bin/zsh")
	if err != nil {
		t.Fatalf("PrepareCommand: %v", err)
	}
	if cleanup == nil {
		t.Fatal("expected cleanup for zdotdir")
	}
	defer cleanup()

	if len(argv) != 1 || argv[0] != "/usr/bin/zsh" {
		t.Fatalf("unexpected argv %v", argv)
	}
	var zdotdir string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "ZDOTDIR="); ok {
			zdotdir = v
		}
	}
	if zdotdir == "" {
		t.Fatalf("ZDOTDIR not set in %v", env)
	}
	if _, err := os.Stat(filepath.Join(zdotdir, ".zshrc")); err != nil {
		t.Fatalf("zdotdir .zshrc: %v", err)
	}

	cleanup()
	if _, err := os.Stat(zdotdir); !os.IsNotExist(err) {
		t.Error("cleanup did not remove zdotdir")
	}
}

func TestPrepareCommandUnsupported(t *testing.T) {
	argv, env, cleanup, err := PrepareCommand("/bin/fish")
	if err != nil {
		t.Fatalf("PrepareCommand: %v", err)
	}
	if cleanup != nil {
		t.Error("no cleanup expected for fish")
	}
	if len(argv) != 1 || argv[0] != "/bin/fish" {
		t.Errorf("unexpected argv %v", argv)
	}
	if len(env) != 1 || env[0] != "TERM=xterm-256color" {
		t.Errorf("unexpected env %v", env)
	}
}
