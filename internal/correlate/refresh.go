package correlate

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/djdanielsson/mosaicterm-sub001/internal/envctx"
	"github.com/djdanielsson/mosaicterm-sub001/internal/shell"
)

// refreshTimeout abandons a probe whose response never arrived, so a
// wedged shell cannot leave the correlator eating output forever.
const refreshTimeout = 5 * time.Second

// refreshState tracks one cwd/env probe. The probe's output is framed
// by the refresh markers and is consumed here without ever reaching a
// block or an observer.
type refreshState struct {
	pending   bool // probe written, start marker not seen yet
	capturing bool // between the start and end markers
	startedAt time.Time
	lines     []string
}

func (r refreshState) active() bool { return r.pending || r.capturing }

// scheduleRefreshLocked writes the state probe after a directory
// change completes or an ssh session ends, both moments where the
// tracked cwd and env may have drifted from the shell's reality.
func (c *Correlator) scheduleRefreshLocked(now time.Time) {
	probe := shell.RefreshCommand(c.sess.ShellKind())
	if err := c.sess.WriteInput([]byte(probe + "\n")); err != nil {
		c.logger.Debug("refresh probe rejected", "error", err)
		return
	}
	c.refresh = refreshState{pending: true, startedAt: now}
}

// refreshLine consumes one line of the probe conversation. The echo of
// the probe command carries both markers on a single line and is
// dropped; the real response has the start marker, the payload lines,
// and the end marker each on their own line.
func (c *Correlator) refreshLine(text string) {
	hasStart := strings.Contains(text, shell.RefreshStartMarker)
	hasEnd := strings.Contains(text, shell.RefreshEndMarker)
	switch {
	case hasStart && hasEnd:
		// Probe echo.
	case hasStart:
		c.refresh.pending = false
		c.refresh.capturing = true
		c.refresh.lines = c.refresh.lines[:0]
	case hasEnd:
		c.finishRefreshLocked()
	case c.refresh.capturing:
		c.refresh.lines = append(c.refresh.lines, text)
	default:
		// Still pending: prompt redraw or leftover noise before the
		// start marker.
	}
}

// finishRefreshLocked applies the probe response: first line is the
// working directory, the rest are KEY=VALUE environment pairs. The
// context tags for the next block are recomputed from the fresh
// snapshot.
func (c *Correlator) finishRefreshLocked() {
	lines := c.refresh.lines
	c.refresh = refreshState{}
	if len(lines) == 0 {
		return
	}
	cwd := strings.TrimSpace(lines[0])
	if filepath.IsAbs(cwd) {
		c.sess.SetCwd(cwd)
	}
	env := make(map[string]string, len(lines))
	for _, l := range lines[1:] {
		if k, v, ok := strings.Cut(l, "="); ok && k != "" {
			env[k] = v
		}
	}
	if len(env) > 0 {
		c.sess.SetEnv(env)
		c.nextContexts = envctx.Tags(envctx.Detect(env))
	}
	c.probeGitLocked()
	c.logger.Debug("session state refreshed", "env_vars", len(env))
}
