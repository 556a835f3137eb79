package shell

import (
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind identifies a shell family. The zero value is KindOther.
type Kind int

const (
	KindOther Kind = iota
	KindBash
	KindZsh
	KindFish
	KindKsh
	KindCsh
	KindTcsh
	KindDash
	KindPowerShell
	KindCmd
)

func (k Kind) String() string {
	switch k {
	case KindBash:
		return "bash"
	case KindZsh:
		return "zsh"
	case KindFish:
		return "fish"
	case KindKsh:
		return "ksh"
	case KindCsh:
		return "csh"
	case KindTcsh:
		return "tcsh"
	case KindDash:
		return "dash"
	case KindPowerShell:
		return "powershell"
	case KindCmd:
		return "cmd"
	default:
		return "other"
	}
}

// Detect maps a shell executable path to its Kind. The path may be bare
// ("zsh") or absolute ("/usr/local/bin/fish"); Windows separators and
// a ".exe" suffix are handled on any host.
func Detect(path string) Kind {
	name := strings.ToLower(filepath.Base(path))
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, ".exe")
	switch name {
	case "bash":
		return KindBash
	case "zsh":
		return KindZsh
	case "fish":
		return KindFish
	case "ksh", "mksh":
		return KindKsh
	case "csh":
		return KindCsh
	case "tcsh":
		return KindTcsh
	case "dash", "sh":
		return KindDash
	case "pwsh", "powershell":
		return KindPowerShell
	case "cmd":
		return KindCmd
	default:
		return KindOther
	}
}

// SupportsPromptDetection reports whether the kind has prompt patterns
// reliable enough to drive command-completion detection on their own.
func (k Kind) SupportsPromptDetection() bool {
	switch k {
	case KindBash, KindZsh, KindFish:
		return true
	default:
		return false
	}
}

// DefaultShell returns the shell to spawn when none is configured.
func DefaultShell() string {
	switch runtime.GOOS {
	case "windows":
		if ps, err := exec.LookPath("pwsh"); err == nil {
			return ps
		}
		if ps, err := exec.LookPath("powershell"); err == nil {
			return ps
		}
		return "cmd.exe"
	case "darwin", "linux":
		if sh := os.Getenv("SHELL"); sh != "" {
			return sh
		}
		for _, name := range []string{"zsh", "bash", "sh"} {
			if path, err := exec.LookPath(name); err == nil {
				return path
			}
		}
		return "/bin/sh"
	default:
		return "/bin/sh"
	}
}

// HomeDir returns the user's home directory, falling back to "." when
// it cannot be determined.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if home := os.Getenv("USERPROFILE"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return "."
}
