// Package classify maps submitted command text to the handling category
// the correlator dispatches on.
package classify

import "strings"

// Kind is the handling category of a submission.
type Kind uint8

const (
	// KindRegular runs through the normal capture pipeline.
	KindRegular Kind = iota
	// KindDirectoryChange is cd and friends; completion is fast and the
	// session cwd must be refreshed afterwards.
	KindDirectoryChange
	// KindExit ends the shell itself.
	KindExit
	// KindFullscreenTui hands the PTY to the overlay collaborator.
	KindFullscreenTui
	// KindSsh switches the correlator into remote tracking.
	KindSsh
	// KindInteractiveRepl is a local interpreter; captured like Regular
	// but cancellation implies a session restart.
	KindInteractiveRepl
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectoryChange:
		return "directory_change"
	case KindExit:
		return "exit"
	case KindFullscreenTui:
		return "fullscreen_tui"
	case KindSsh:
		return "ssh"
	case KindInteractiveRepl:
		return "interactive_repl"
	default:
		return "unknown"
	}
}

// DefaultFullscreen is the stock list of programs that take over the
// screen.
var DefaultFullscreen = []string{"vim", "nvim", "nano", "less", "more", "top", "htop", "emacs"}

// DefaultRepl is the stock list of interactive interpreters.
var DefaultRepl = []string{"python", "python3", "node", "irb", "ruby"}

var exitCommands = map[string]bool{
	"exit":   true,
	"logout": true,
	"quit":   true,
}

var dirCommands = map[string]bool{
	"cd":    true,
	"pushd": true,
	"popd":  true,
}

// Classifier holds the configurable program lists.
type Classifier struct {
	fullscreen map[string]bool
	repl       map[string]bool
}

// New builds a classifier. Nil slices select the defaults.
func New(fullscreen, repl []string) *Classifier {
	if fullscreen == nil {
		fullscreen = DefaultFullscreen
	}
	if repl == nil {
		repl = DefaultRepl
	}
	c := &Classifier{
		fullscreen: make(map[string]bool, len(fullscreen)),
		repl:       make(map[string]bool, len(repl)),
	}
	for _, p := range fullscreen {
		c.fullscreen[p] = true
	}
	for _, p := range repl {
		c.repl[p] = true
	}
	return c
}

// Classify categorizes command by its first whitespace-separated token.
func (c *Classifier) Classify(command string) Kind {
	trimmed := strings.TrimSpace(command)
	if exitCommands[trimmed] {
		return KindExit
	}
	prog := firstToken(trimmed)
	switch {
	case dirCommands[prog]:
		return KindDirectoryChange
	case prog == "ssh":
		return KindSsh
	case c.fullscreen[prog]:
		return KindFullscreenTui
	case c.repl[prog]:
		return KindInteractiveRepl
	default:
		return KindRegular
	}
}

func firstToken(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' {
			return s[:i]
		}
	}
	return s
}
