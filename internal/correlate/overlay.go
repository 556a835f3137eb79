package correlate

import (
	"io"
	"time"

	"github.com/djdanielsson/mosaicterm-sub001/internal/block"
	"github.com/djdanielsson/mosaicterm-sub001/internal/classify"
)

// inputWriter adapts Session.WriteInput to io.Writer for the overlay
// side of the tunnel.
type inputWriter struct{ sess Session }

func (w inputWriter) Write(p []byte) (int, error) {
	if err := w.sess.WriteInput(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// submitOverlay hands the PTY to the fullscreen overlay collaborator.
// Output bytes tunnel through untouched until the overlay signals
// exit; the block stays open and empty meanwhile. Without an overlay
// the command is captured like any other and prompt detection picks up
// the aftermath.
func (c *Correlator) submitOverlay(trimmed string, now time.Time) (*block.Block, error) {
	if c.overlay == nil {
		return c.submitCapture(trimmed, classify.KindFullscreenTui, now)
	}
	if err := c.sess.WriteInput([]byte(trimmed + "\n")); err != nil {
		return nil, err
	}
	c.record(trimmed, now)
	b := c.openBlock(trimmed, now)
	c.kind = classify.KindFullscreenTui
	c.writtenLine = trimmed
	b.MarkRunning()

	pr, pw := io.Pipe()
	exitCh, err := c.overlay.Attach(pr, inputWriter{c.sess})
	if err != nil {
		pw.Close()
		c.logger.Warn("overlay attach failed, capturing instead", "error", err)
		c.phase = PhaseAwaitingStart
		return b, nil
	}
	c.overlayOut = pw
	c.phase = PhaseSuspendedForOverlay
	c.logger.Debug("overlay attached", "block_id", b.ID)
	go c.waitOverlayExit(exitCh, c.gen)
	return b, nil
}

// waitOverlayExit re-attaches after the fullscreen program ends. The
// generation guard drops the callback if the block was finalized some
// other way first.
func (c *Correlator) waitOverlayExit(exitCh <-chan struct{}, gen uint64) {
	<-exitCh
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.phase != PhaseSuspendedForOverlay {
		return
	}
	c.closeOverlayLocked()
	c.sess.DrainOutput()
	c.proc.Reset()
	c.seg.Reset()
	c.completeLocked(block.StatusCompleted, nil, c.now())
	c.logger.Debug("overlay detached")
}

func (c *Correlator) closeOverlayLocked() {
	if c.overlayOut != nil {
		c.overlayOut.Close()
		c.overlayOut = nil
	}
}
