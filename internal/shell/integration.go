package shell

import (
	"fmt"
	"os"
	"path/filepath"
)

// posixInit is the integration script for bash and zsh. It sources the
// user's existing rc file first so aliases and settings are preserved,
// then installs a precmd hook that prints the prompt marker and an
// OSC 7 working-directory report before every prompt.
const posixInit = `# mosaicterm shell integration
export MOSAICTERM_SHELL_INTEGRATION=1

# precmd: fires after each command, before the prompt is drawn.
__mosaicterm_precmd() {
  # Prompt marker: RS "MP" US.
  printf '\036MP\037'
  # OSC 7: report the current working directory.
  printf '\e]7;file://%s%s\e\\' "${HOSTNAME:-$(hostname 2>/dev/null)}" "$PWD"
}

# For zsh
if [[ -n "${ZSH_VERSION}" ]]; then
  [[ -f ~/.zshrc ]] && source ~/.zshrc
  # Disable the % indicator for commands without trailing newline
  unsetopt PROMPT_SP
  autoload -Uz add-zsh-hook
  add-zsh-hook precmd __mosaicterm_precmd

# For bash
elif [[ -n "${BASH_VERSION}" ]]; then
  [[ -f ~/.bashrc ]] && source ~/.bashrc
  PROMPT_COMMAND="__mosaicterm_precmd${PROMPT_COMMAND:+;$PROMPT_COMMAND}"
fi
`

// powerShellInit wraps the user's prompt function so the marker and
// OSC 7 report are written before each prompt. PowerShell uses backtick
// as its escape character, so ESC/RS/US are embedded directly.
var powerShellInit = "# mosaicterm shell integration for PowerShell\n" +
	"$env:MOSAICTERM_SHELL_INTEGRATION = \"1\"\n" +
	"\n" +
	"$__mt_originalPrompt = if (Test-Path Function:\\prompt) { $function:prompt } else { { \"PS> \" } }\n" +
	"\n" +
	"function prompt {\n" +
	"    [System.Console]::Out.Write(\"\x1eMP\x1f\")\n" +
	"    [System.Console]::Out.Write(\"\x1b]7;file://$env:COMPUTERNAME$($PWD.Path.Replace('\\','/'))\x1b\\\")\n" +
	"    & $__mt_originalPrompt\n" +
	"}\n"

// InitScript returns the integration script for the given shell kind,
// or "" when the kind has no integration support.
func InitScript(k Kind) string {
	switch k {
	case KindBash, KindZsh:
		return posixInit
	case KindPowerShell:
		return powerShellInit
	default:
		return ""
	}
}

// EnvSetup returns environment variables every spawned shell receives,
// integration or not.
func EnvSetup() []string {
	return []string{
		"TERM=xterm-256color",
	}
}

// createInitFile writes script to a temporary file and returns its path
// with a cleanup function that removes it.
func createInitFile(k Kind, script string) (string, func(), error) {
	var pattern string
	switch k {
	case KindBash:
		pattern = "mosaicterm-bash-init-*.sh"
	case KindZsh:
		pattern = "mosaicterm-zsh-init-*.zsh"
	case KindPowerShell:
		pattern = "mosaicterm-ps-init-*.ps1"
	default:
		pattern = "mosaicterm-shell-init-*.sh"
	}

	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp init file: %w", err)
	}
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to write init script: %w", err)
	}
	path := f.Name()
	f.Close()

	return path, func() { os.Remove(path) }, nil
}

// createZdotdir creates a temporary directory holding script as .zshrc,
// suitable for pointing ZDOTDIR at.
func createZdotdir(script string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "mosaicterm-zdotdir-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create zdotdir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".zshrc"), []byte(script), 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("failed to write .zshrc: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// PrepareCommand builds the argv and extra environment for spawning
// shellPath with integration hooks installed. The returned cleanup
// removes any temporary files and may be nil. Shells without
// integration support are returned unchanged.
func PrepareCommand(shellPath string) (argv []string, extraEnv []string, cleanup func(), err error) {
	kind := Detect(shellPath)
	script := InitScript(kind)
	if script == "" {
		return []string{shellPath}, EnvSetup(), nil, nil
	}

	switch kind {
	case KindBash:
		// --rcfile replaces ~/.bashrc; the init script sources it itself.
		initFile, clean, err := createInitFile(kind, script)
		if err != nil {
			return nil, nil, nil, err
		}
		return []string{shellPath, "--rcfile", initFile}, EnvSetup(), clean, nil

	case KindZsh:
		// zsh reads $ZDOTDIR/.zshrc; the init script sources ~/.zshrc itself.
		dir, clean, err := createZdotdir(script)
		if err != nil {
			return nil, nil, nil, err
		}
		return []string{shellPath}, append(EnvSetup(), "ZDOTDIR="+dir), clean, nil

	case KindPowerShell:
		initFile, clean, err := createInitFile(kind, script)
		if err != nil {
			return nil, nil, nil, err
		}
		args := []string{shellPath, "-NoProfile", "-NoExit", "-Command", fmt.Sprintf(". '%s'", initFile)}
		return args, EnvSetup(), clean, nil

	default:
		return []string{shellPath}, EnvSetup(), nil, nil
	}
}
