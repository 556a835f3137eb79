package correlate

import (
	"bytes"
	"strings"
	"time"

	"github.com/djdanielsson/mosaicterm-sub001/internal/block"
	"github.com/djdanielsson/mosaicterm-sub001/internal/classify"
	"github.com/djdanielsson/mosaicterm-sub001/internal/shell"
)

// sshScanWindow bounds the rolling text window used for auth prompt
// detection, enough to hold a full host-key fingerprint message.
const sshScanWindow = 2048

// sshState tracks one remote session over the opaque tunnel.
type sshState struct {
	active       bool   // a remote prompt has been recognized
	host         string // destination from the ssh command line
	remotePrompt string // first recognized remote prompt, trimmed
	authPending  bool   // a handler round-trip is in flight
	expectEcho   string // host-key answer echo to swallow, e.g. "yes"
	scan         string // rolling window of recent finalized text
}

// submitSsh opens the connection block and flips into remote mode. No
// sentinel: marker games on a line bound for another machine would
// only end up displayed there.
func (c *Correlator) submitSsh(trimmed string, now time.Time) (*block.Block, error) {
	if err := c.sess.WriteInput([]byte(trimmed + "\n")); err != nil {
		return nil, err
	}
	c.record(trimmed, now)
	b := c.openBlock(trimmed, now)
	c.kind = classify.KindSsh
	c.writtenLine = trimmed
	b.MarkRunning()
	c.phase = PhaseSshInteractive
	c.ssh = sshState{host: extractSshHost(trimmed)}
	c.logger.Info("ssh session starting", "host", c.ssh.host)
	return b, nil
}

// submitRemote forwards a line typed while the remote shell owns the
// PTY. Each remote command gets its own block, finalized when the
// recognized remote prompt redraws.
func (c *Correlator) submitRemote(trimmed string, now time.Time) (*block.Block, error) {
	if c.cur != nil {
		return nil, ErrBusy
	}
	if err := c.sess.WriteInput([]byte(trimmed + "\n")); err != nil {
		return nil, err
	}
	c.record(trimmed, now)
	b := c.openBlock(trimmed, now)
	c.kind = classify.KindSsh
	c.writtenLine = trimmed
	b.MarkRunning()
	return b, nil
}

// sshLine routes one finalized line of tunnel output.
func (c *Correlator) sshLine(ln block.Line, now time.Time) {
	c.linesSeen++
	text := ln.Text
	trimmed := strings.TrimSpace(shell.StripMarkers(text))

	if c.refresh.active() || strings.Contains(text, shell.RefreshStartMarker) {
		c.refreshLine(text)
		return
	}

	if strings.Contains(text, shell.PromptMarker) {
		if c.submitted != "" && strings.Contains(trimmed, c.submitted) {
			// The command echo with the stale local prompt glued to
			// its front.
			return
		}
		// The integration hook only draws at a local prompt, so the
		// tunnel is gone whatever else the line says.
		c.endSshLocked(c.sshEndStatus(), now)
		return
	}

	c.pushScan(text)

	if sshSessionEnded(text) {
		if !c.suppressSshLine(trimmed) {
			c.appendLine(ln)
		}
		c.endSshLocked(c.sshEndStatus(), now)
		return
	}

	if c.ssh.expectEcho != "" && trimmed == c.ssh.expectEcho {
		c.ssh.expectEcho = ""
		return
	}

	if c.ssh.active {
		if c.isRemotePrompt(trimmed) {
			if c.cur != nil && c.cur.Running() {
				c.completeLocked(block.StatusCompleted, nil, now)
			}
			return
		}
		if c.localPromptReturned(trimmed) {
			c.endSshLocked(block.StatusCompleted, now)
			return
		}
	} else if shell.IsPrompt(c.sess.ShellKind(), text) {
		// The local prompt came back before any remote one: the
		// connection attempt died.
		c.endSshLocked(block.StatusFailed, now)
		return
	}

	if c.suppressSshLine(trimmed) {
		return
	}
	c.appendLine(ln)
}

// sshPartial inspects the unterminated tail of the tunnel: remote
// prompts and auth prompts both idle there without a newline.
func (c *Correlator) sshPartial(now time.Time) {
	partial, ok := c.seg.Partial()
	if !ok {
		c.notifyPartial("")
		return
	}
	clean := shell.StripMarkers(partial)
	trimmed := strings.TrimSpace(clean)

	if strings.Contains(partial, shell.PromptMarker) && shell.LooksLikePrompt(clean) {
		c.seg.Reset()
		c.endSshLocked(c.sshEndStatus(), now)
		return
	}

	if !c.ssh.active {
		if !c.ssh.authPending && c.auth != nil {
			if kind, prompt, found := detectAuthPrompt(c.ssh.scan + clean); found {
				c.ssh.authPending = true
				// Capture suspends here: the question is dropped from
				// the segmenter and goes to the handler instead.
				c.seg.Reset()
				c.notifyPartial("")
				c.logger.Info("auth prompt detected", "kind", kind.String())
				go c.runAuthPrompt(kind, prompt)
				return
			}
		}
		if shell.IsPrompt(c.sess.ShellKind(), clean) {
			c.seg.Reset()
			c.endSshLocked(block.StatusFailed, now)
			return
		}
		if trimmed != "" && shell.LooksLikePrompt(clean) {
			c.seg.Reset()
			c.activateRemoteLocked(trimmed, now)
		}
		return
	}

	if c.isRemotePrompt(trimmed) {
		c.seg.Reset()
		if c.cur != nil && c.cur.Running() {
			c.completeLocked(block.StatusCompleted, nil, now)
		}
		return
	}
	if c.localPromptReturned(trimmed) {
		c.seg.Reset()
		c.endSshLocked(block.StatusCompleted, now)
		return
	}
	c.notifyPartial(clean)
}

// activateRemoteLocked records the first remote prompt and closes the
// connection block: from here on the remote shell owns the tunnel.
func (c *Correlator) activateRemoteLocked(prompt string, now time.Time) {
	c.ssh.active = true
	c.ssh.remotePrompt = prompt
	c.ssh.scan = ""
	if c.cur != nil && c.cur.Running() {
		c.completeLocked(block.StatusCompleted, nil, now)
	}
	c.logger.Info("remote session established", "host", c.ssh.host)
}

// endSshLocked leaves remote mode: finalize whatever block is open,
// flush the tunnel state, and probe the local shell for where it
// stands now.
func (c *Correlator) endSshLocked(status block.Status, now time.Time) {
	host := c.ssh.host
	c.ssh = sshState{}
	c.sess.DrainOutput()
	c.proc.Reset()
	c.seg.Reset()
	c.completeLocked(status, nil, now)
	c.phase = PhaseIdle
	c.logger.Info("ssh session ended", "host", host)
	c.scheduleRefreshLocked(now)
}

// sshEndStatus grades the connection block: ending before any remote
// prompt was seen means the connection never worked.
func (c *Correlator) sshEndStatus() block.Status {
	if c.ssh.active {
		return block.StatusCompleted
	}
	return block.StatusFailed
}

// isRemotePrompt matches a redrawn remote prompt. The remote cwd moves
// around, so the user@host signature is compared when both sides have
// one; bare prompts fall back to an exact match.
func (c *Correlator) isRemotePrompt(trimmed string) bool {
	if trimmed == "" || !shell.LooksLikePrompt(trimmed) {
		return false
	}
	sig := userHost(trimmed)
	rsig := userHost(c.ssh.remotePrompt)
	if sig != "" && rsig != "" {
		return sig == rsig
	}
	return trimmed == c.ssh.remotePrompt
}

// localPromptReturned detects the prompt flipping to a different
// identity than the remote one, the surest sign the tunnel closed
// without a goodbye message.
func (c *Correlator) localPromptReturned(trimmed string) bool {
	if trimmed == "" {
		return false
	}
	if !shell.LooksLikePrompt(trimmed) && !shell.IsPrompt(c.sess.ShellKind(), trimmed) {
		return false
	}
	rsig := userHost(c.ssh.remotePrompt)
	sig := userHost(trimmed)
	if rsig != "" && sig != "" {
		return sig != rsig
	}
	// With no identities to compare, only the local shell's own
	// anchored patterns are trusted.
	return shell.IsPrompt(c.sess.ShellKind(), trimmed)
}

// suppressSshLine drops tunnel noise: blank lines before any output,
// echoes carrying the submitted command (the remote echoes it glued to
// its prompt), ^C echoes, and, while a handler runs the authentication
// conversation, the conversation's own lines.
func (c *Correlator) suppressSshLine(trimmed string) bool {
	if trimmed == "" {
		return c.cur == nil || len(c.cur.Output) == 0
	}
	if !c.ssh.active && c.auth != nil && authChatter(trimmed) {
		return true
	}
	if c.submitted != "" && strings.Contains(trimmed, c.submitted) {
		return true
	}
	return strings.Contains(trimmed, "^C")
}

func (c *Correlator) pushScan(line string) {
	c.ssh.scan += line + "\n"
	if len(c.ssh.scan) > sshScanWindow {
		c.ssh.scan = c.ssh.scan[len(c.ssh.scan)-sshScanWindow:]
	}
}

// runAuthPrompt performs the handler round-trip off the lock so a slow
// user cannot stall output handling. The response goes straight to the
// PTY and is never logged; only a host-key answer, which the terminal
// echoes back, is remembered just long enough to swallow that echo.
func (c *Correlator) runAuthPrompt(kind AuthKind, prompt string) {
	resp, ok := c.auth.HandleAuthPrompt(kind, prompt)
	c.mu.Lock()
	c.ssh.authPending = false
	c.ssh.scan = ""
	if ok && kind == AuthHostKey {
		c.ssh.expectEcho = strings.TrimSpace(string(resp))
	}
	c.mu.Unlock()
	if !ok {
		if err := c.sess.WriteInput([]byte{0x03}); err != nil {
			c.logger.Debug("auth cancel write rejected", "error", err)
		}
		return
	}
	if !bytes.HasSuffix(resp, []byte("\n")) {
		resp = append(resp, '\n')
	}
	if err := c.sess.WriteInput(resp); err != nil {
		c.logger.Debug("auth response write rejected", "error", err)
	}
}

// detectAuthPrompt classifies the authentication question sitting in
// the window, which holds recent lines plus the unterminated tail.
func detectAuthPrompt(window string) (AuthKind, string, bool) {
	lower := strings.ToLower(window)
	if strings.Contains(lower, "the authenticity of host") ||
		strings.Contains(lower, "are you sure you want to continue connecting") ||
		(strings.Contains(lower, "(yes/no") &&
			(strings.Contains(lower, "fingerprint") || strings.Contains(lower, "?"))) {
		return AuthHostKey, promptMessage(window), true
	}
	if strings.Contains(lower, "enter passphrase for key") ||
		strings.Contains(lower, "passphrase for") {
		return AuthPassphrase, promptMessage(window), true
	}
	for _, p := range []string{"password:", "password for", "'s password:"} {
		if strings.Contains(lower, p) {
			trimmed := strings.TrimSpace(window)
			if strings.HasSuffix(trimmed, ":") || strings.HasSuffix(window, "? ") {
				return AuthPassword, promptMessage(window), true
			}
		}
	}
	return 0, "", false
}

// authChatter reports whether a line belongs to the authentication
// conversation rather than to command output.
func authChatter(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range []string{
		"authenticity of host",
		"key fingerprint",
		"continue connecting",
		"password",
		"passphrase",
		"permission denied",
		"permanently added",
	} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// promptMessage keeps the last few authentication lines of the window
// for display in the handler's prompt. Only those lines qualify, so
// the handler's prompt text and a block's output never share bytes.
func promptMessage(window string) string {
	var lines []string
	for _, l := range strings.Split(window, "\n") {
		if t := strings.TrimSpace(l); t != "" && authChatter(t) {
			lines = append(lines, t)
		}
	}
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}

// sshEndPatterns are the connection-closed fragments ssh and the
// kernel print when a tunnel dies, matched case-insensitively.
var sshEndPatterns = []string{
	"connection closed by",
	"connection reset by peer",
	"connection timed out",
	"connection refused",
	"broken pipe",
	"could not resolve hostname",
	"no route to host",
}

// sshSessionEnded reports whether line announces the end of the remote
// session: an exact logout, or one of the connection-closed messages.
func sshSessionEnded(line string) bool {
	lower := strings.ToLower(line)
	if strings.Contains(lower, "connection to") && strings.Contains(lower, "closed") {
		return true
	}
	for _, p := range sshEndPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return strings.TrimSpace(lower) == "logout"
}

// userHost extracts the "user@host" token a prompt displays, or "".
func userHost(p string) string {
	at := strings.IndexByte(p, '@')
	if at <= 0 || at == len(p)-1 {
		return ""
	}
	start := 0
	for i := at - 1; i >= 0; i-- {
		if !promptWordByte(p[i]) {
			start = i + 1
			break
		}
	}
	end := len(p)
loop:
	for i := at + 1; i < len(p); i++ {
		switch p[i] {
		case ':', ' ', '$', '%', '>':
			end = i
			break loop
		}
	}
	return p[start:end]
}

func promptWordByte(b byte) bool {
	return b == '_' || b == '-' ||
		('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// sshValueFlags are the ssh options that consume the following
// argument, so "-p 2222" is not mistaken for the destination.
const sshValueFlags = "BbcDEeFIiJLlmOopQRSWw"

// extractSshHost returns the destination argument of an ssh command
// line, skipping option flags and their values.
func extractSshHost(command string) string {
	fields := strings.Fields(command)
	skip := false
	for i, f := range fields {
		if i == 0 {
			continue
		}
		if skip {
			skip = false
			continue
		}
		if strings.HasPrefix(f, "-") {
			skip = len(f) == 2 && strings.ContainsRune(sshValueFlags, rune(f[1]))
			continue
		}
		return f
	}
	return "remote"
}
