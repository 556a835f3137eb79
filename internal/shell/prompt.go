package shell

import (
	"regexp"
	"strings"
)

// Prompt patterns per shell family. A line is only tested against the
// session shell's own table; KindOther falls through to every table so
// prompts from unknown shells are still recognized. PowerShell's table
// is checked before fish's because "PS C:\> " would otherwise be
// swallowed by fish's bare "> ".
var (
	bashPrompts = []*regexp.Regexp{
		regexp.MustCompile(`^\$\s*$`),
		regexp.MustCompile(`^\[.*\]\$\s*$`),
		regexp.MustCompile(`^bash-\d+\.\d+\$\s*$`),
	}
	zshPrompts = []*regexp.Regexp{
		regexp.MustCompile(`^%\s*$`),
		regexp.MustCompile(`^\[.*\]%\s*$`),
		regexp.MustCompile(`^zsh-\d+\.\d+%\s*$`),
	}
	powerShellPrompts = []*regexp.Regexp{
		regexp.MustCompile(`^PS .*>\s*$`),
	}
	fishPrompts = []*regexp.Regexp{
		regexp.MustCompile(`^>\s*$`),
		regexp.MustCompile(`^fish-\d+\.\d+>\s*$`),
	}
	cmdPrompts = []*regexp.Regexp{
		regexp.MustCompile(`^[A-Z]:\\.*>\s*$`),
	}

	// Matches a bare path prompt such as "~/projects$ " that none of
	// the per-shell tables cover.
	pathPrompt = regexp.MustCompile(`^[~/][A-Za-z0-9/_.-]*[$%]\s*$`)

	continuationPrompts = []*regexp.Regexp{
		regexp.MustCompile(`^\s*>\s*$`),
		regexp.MustCompile(`^\s*\?\s*$`),
		regexp.MustCompile(`^\s*\+\s*$`),
	}
)

func promptTables(k Kind) [][]*regexp.Regexp {
	switch k {
	case KindBash:
		return [][]*regexp.Regexp{bashPrompts}
	case KindZsh:
		return [][]*regexp.Regexp{zshPrompts}
	case KindPowerShell:
		return [][]*regexp.Regexp{powerShellPrompts}
	case KindFish:
		return [][]*regexp.Regexp{fishPrompts}
	case KindCmd:
		return [][]*regexp.Regexp{cmdPrompts}
	default:
		return [][]*regexp.Regexp{bashPrompts, zshPrompts, powerShellPrompts, fishPrompts, cmdPrompts}
	}
}

// IsPrompt reports whether a finalized line is a shell prompt standing
// on its own. Only anchored patterns are used here: a terminated line
// that merely resembles a prompt is far more likely to be command
// output, so the loose heuristic is reserved for IsCompletionPrompt.
// Lines carrying the integration prompt marker always qualify.
func IsPrompt(k Kind, line string) bool {
	if strings.Contains(line, PromptMarker) {
		return true
	}
	for _, table := range promptTables(k) {
		for _, re := range table {
			if re.MatchString(line) {
				return true
			}
		}
	}
	return pathPrompt.MatchString(line)
}

// IsCompletionPrompt reports whether text, typically an unterminated
// partial line sitting at the end of the stream, marks the shell
// waiting for input again. Partial data that idles without a newline
// is almost always a redrawn prompt, so the anchored tables are
// widened with the LooksLikePrompt heuristic.
func IsCompletionPrompt(k Kind, text string) bool {
	if IsPrompt(k, text) {
		return true
	}
	return LooksLikePrompt(text)
}

// IsContinuation reports whether line is a shell continuation prompt,
// meaning the shell is waiting for more input to finish a command.
func IsContinuation(line string) bool {
	if strings.HasSuffix(strings.TrimRight(line, " \t"), "\\") {
		return true
	}
	for _, re := range continuationPrompts {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// LooksLikePrompt is the best-effort heuristic for prompts no table
// can enumerate, remote shells included: the text ends with a usual
// prompt terminator and either carries a user@host or path separator
// or is short enough to plausibly be a prompt rather than output.
func LooksLikePrompt(text string) bool {
	trimmed := strings.TrimRight(text, " \t")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '$', '%', '>', '#':
	default:
		return false
	}
	return strings.ContainsAny(trimmed, "@:") || len(trimmed) < 50
}
