package correlate

import (
	"fmt"
	"strings"
	"time"

	"github.com/djdanielsson/mosaicterm-sub001/internal/ansi"
	"github.com/djdanielsson/mosaicterm-sub001/internal/block"
	"github.com/djdanielsson/mosaicterm-sub001/internal/classify"
	"github.com/djdanielsson/mosaicterm-sub001/internal/shell"
)

// HandleOutput consumes one chunk of session output in arrival order.
func (c *Correlator) HandleOutput(data []byte, now time.Time) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	if c.phase == PhaseSuspendedForOverlay {
		w := c.overlayOut
		c.mu.Unlock()
		if w != nil {
			// A write error means the overlay hung up; its exit
			// signal handles the rest.
			_, _ = w.Write(data)
		}
		return
	}
	defer c.mu.Unlock()
	c.handleOutputLocked(data, now)
}

func (c *Correlator) handleOutputLocked(data []byte, now time.Time) {
	c.lastByte = now
	if c.phase == PhaseAwaitingStart {
		c.cur.MarkRunning()
		c.phase = PhaseCapturing
	}
	ops := c.proc.Feed(data)
	cleared := false
	for _, op := range ops {
		switch op.Kind {
		case ansi.OpCwd:
			c.sess.SetCwd(op.Text)
		case ansi.OpEraseScreen:
			cleared = cleared || op.Mode >= 2
		}
	}
	c.seg.Feed(ops)
	for _, ln := range c.seg.TakeReady() {
		switch c.phase {
		case PhaseCapturing:
			c.captureLine(ln, now)
		case PhaseSshInteractive:
			c.sshLine(ln, now)
		default:
			c.idleLine(ln, now)
		}
	}
	if cleared {
		c.resetTranscriptLocked()
	}
	switch c.phase {
	case PhaseCapturing:
		c.capturePartial(now)
	case PhaseSshInteractive:
		c.sshPartial(now)
	}
}

// resetTranscriptLocked applies a full-screen erase to the transcript:
// every finalized block is dropped, the open block stays and keeps
// capturing. The clear command's own block survives its own effect.
func (c *Correlator) resetTranscriptLocked() {
	var kept []*block.Block
	if c.cur != nil {
		kept = append(kept, c.cur)
	}
	if len(kept) == len(c.blocks) {
		return
	}
	c.blocks = kept
	c.preamble = nil
	for _, o := range c.observers {
		o.TranscriptCleared(c.sess.ID())
	}
	c.logger.Debug("transcript cleared", "kept", len(kept))
}

// captureLine routes one finalized line while a local command is
// capturing. Order matters: the sentinel check runs first because
// real output may arrive glued to it, then the echo suppression
// rules, then prompt detection, and only what survives becomes
// output.
func (c *Correlator) captureLine(ln block.Line, now time.Time) {
	c.linesSeen++
	text := ln.Text

	if c.refresh.active() || strings.Contains(text, shell.RefreshStartMarker) {
		// A probe response can straddle the next submission; its
		// lines are consumed no matter what phase they land in.
		c.refreshLine(text)
		return
	}

	if code, ok := shell.ParseSentinel(text); ok {
		if rest := shell.StripSentinel(text); strings.TrimSpace(rest) != "" && !c.suppressLine(rest) {
			ln.Text = rest
			ln.Spans = nil
			c.appendLine(ln)
		}
		status := block.StatusCompleted
		if code != 0 {
			status = block.StatusFailed
		}
		c.completeLocked(status, &code, now)
		return
	}

	// Suppression outranks prompt detection: when the submission is
	// typed at a prompt the echo line arrives with that prompt glued to
	// its front, marker included, and it is still just the echo.
	if c.suppressLine(text) {
		return
	}

	if shell.IsPrompt(c.sess.ShellKind(), text) {
		c.completeLocked(block.StatusCompleted, nil, now)
		return
	}
	c.appendLine(ln)
}

// capturePartial applies the prompt fast path to an unterminated tail:
// a redrawn prompt usually arrives without a newline.
func (c *Correlator) capturePartial(now time.Time) {
	partial, ok := c.seg.Partial()
	if ok && c.cur != nil && c.promptPartial(partial) {
		c.seg.Reset()
		c.completeLocked(block.StatusCompleted, nil, now)
		return
	}
	c.notifyPartial(partial)
}

// promptPartial reports whether the unterminated tail is a freshly
// drawn prompt and nothing more. Text glued after the prompt means the
// shell has moved on, so the tail must still end in a prompt
// terminator to qualify.
func (c *Correlator) promptPartial(partial string) bool {
	clean := shell.StripMarkers(partial)
	if strings.Contains(partial, shell.PromptMarker) {
		return shell.LooksLikePrompt(clean)
	}
	return shell.IsPrompt(c.sess.ShellKind(), clean)
}

// suppressLine reports whether a finalized line is terminal noise
// rather than command output: the echo of the submitted line, a
// prompt glued to that echo, the first few typed characters echoed
// back while the terminal settles, a ^C echo, or a blank line before
// any real output arrived.
func (c *Correlator) suppressLine(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return c.cur == nil || len(c.cur.Output) == 0
	}
	for _, echo := range []string{strings.TrimSpace(c.writtenLine), c.submitted} {
		if echo == "" {
			continue
		}
		if trimmed == echo {
			return true
		}
		if strings.HasSuffix(trimmed, echo) {
			prefix := strings.TrimSpace(strings.TrimSuffix(trimmed, echo))
			if prefix == "" || shell.LooksLikePrompt(prefix) {
				return true
			}
		}
	}
	if c.linesSeen <= 3 && len(trimmed) <= 3 && strings.HasPrefix(c.submitted, trimmed) {
		return true
	}
	return strings.Contains(trimmed, "^C")
}

// appendLine adds a surviving line to the open block and streams it to
// observers. Marker bytes never leave the correlator.
func (c *Correlator) appendLine(ln block.Line) {
	if c.cur == nil {
		return
	}
	if strings.ContainsAny(ln.Text, "\x1e\x1f") {
		ln.Text = shell.StripMarkers(ln.Text)
		ln.Spans = nil
	}
	c.cur.AppendLine(ln)
	for _, o := range c.observers {
		o.BlockOutput(c.cur.ID, []block.Line{ln}, "")
	}
}

// idleLine consumes output that belongs to no submission: refresh
// probe responses, redrawn prompts, stray marker fragments, and, per
// configuration, everything else into a synthetic background block.
func (c *Correlator) idleLine(ln block.Line, now time.Time) {
	text := ln.Text
	if c.refresh.active() || strings.Contains(text, shell.RefreshStartMarker) {
		c.refreshLine(text)
		return
	}
	if shell.IsPrompt(c.sess.ShellKind(), text) {
		// Back-to-back prompt redraws coalesce into nothing.
		return
	}
	if _, ok := shell.ParseSentinel(text); ok {
		// A sentinel that outlived its block, e.g. after quiescence
		// already finished it.
		return
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	if !c.cfg.KeepPreamble {
		return
	}
	if c.preamble == nil {
		c.preamble = block.New(c.sess.ID(), "", c.sess.Cwd(), now, c.cfg.MaxBlockLines)
		c.preamble.Background = true
		c.preamble.MarkRunning()
		c.blocks = append(c.blocks, c.preamble)
	}
	if strings.ContainsAny(ln.Text, "\x1e\x1f") {
		ln.Text = shell.StripMarkers(ln.Text)
		ln.Spans = nil
	}
	c.preamble.AppendLine(ln)
}

// completeLocked finalizes the open block. The phase returns to Idle
// except inside an ssh session, where remote sub-blocks come and go
// while the phase stays put.
func (c *Correlator) completeLocked(status block.Status, exitCode *int, now time.Time) {
	b := c.cur
	if b == nil {
		return
	}
	d := now.Sub(c.startedAt)
	switch status {
	case block.StatusCompleted:
		b.MarkCompleted(d, exitCode)
	case block.StatusFailed:
		b.MarkFailed(d, exitCode)
	case block.StatusCancelled:
		b.MarkCancelled(d)
	case block.StatusTimedOut:
		b.MarkTimedOut(d)
	}
	c.cur = nil
	c.lastPartial = ""
	if c.phase != PhaseSshInteractive {
		c.phase = PhaseIdle
	}
	c.notifyCompleted(b)
	if c.kind == classify.KindDirectoryChange && status == block.StatusCompleted {
		c.scheduleRefreshLocked(now)
	}
}

// Tick drives the time-based paths: the hard per-command timeout, the
// quiescence safety net, and the refresh probe watchdog. Run calls it
// on a coarse interval; tests call it directly.
func (c *Correlator) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refresh.active() && now.Sub(c.refresh.startedAt) > refreshTimeout {
		c.logger.Debug("refresh probe abandoned")
		c.refresh = refreshState{}
	}

	if c.cur == nil || c.phase == PhaseSuspendedForOverlay {
		return
	}
	elapsed := now.Sub(c.startedAt)

	if limit := c.timeoutFor(); limit > 0 && elapsed >= limit {
		c.timeoutLocked(limit, now)
		return
	}

	// Quiescence: the stream went quiet with an unrecognized prompt
	// sitting unterminated at the end. Only a safety net; with the
	// sentinel armed the exit code is still on its way, so the net
	// stays out of the way.
	if c.phase == PhaseCapturing && !c.sentinelArmed {
		partial, ok := c.seg.Partial()
		if ok && now.Sub(c.lastByte) >= c.quietFor() &&
			shell.IsCompletionPrompt(c.sess.ShellKind(), partial) {
			c.seg.Reset()
			c.logger.Debug("quiescence completion", "elapsed", elapsed)
			c.completeLocked(block.StatusCompleted, nil, now)
		}
	}
}

func (c *Correlator) timeoutLocked(limit time.Duration, now time.Time) {
	c.appendLine(block.Line{
		Text:       fmt.Sprintf("[command exceeded %s limit]", limit),
		ProducedAt: now,
	})
	wasSsh := c.phase == PhaseSshInteractive && !c.ssh.active
	c.completeLocked(block.StatusTimedOut, nil, now)
	if wasSsh {
		// The connection attempt itself timed out; leave remote mode.
		c.ssh = sshState{}
		c.phase = PhaseIdle
	}
	c.logger.Warn("command timed out", "limit", limit)
	if c.cfg.KillOnTimeout {
		if err := c.sess.Interrupt(); err != nil {
			c.logger.Debug("timeout interrupt failed", "error", err)
		}
	}
}

// timeoutFor picks the limit for the open command. Pipelines and
// redirections get the interactive allowance even when classified
// Regular, since they routinely run long.
func (c *Correlator) timeoutFor() time.Duration {
	if c.interactiveCommand() {
		return c.cfg.InteractiveTimeout
	}
	return c.cfg.CommandTimeout
}

func (c *Correlator) quietFor() time.Duration {
	if c.interactiveCommand() {
		return c.cfg.QuietIntervalInteractive
	}
	return c.cfg.QuietInterval
}

func (c *Correlator) interactiveCommand() bool {
	switch c.kind {
	case classify.KindInteractiveRepl, classify.KindFullscreenTui, classify.KindSsh:
		return true
	}
	return strings.Contains(c.submitted, " | ") ||
		strings.Contains(c.submitted, " > ") ||
		strings.Contains(c.submitted, " >> ")
}
