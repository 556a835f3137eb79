// Package correlate drives the block lifecycle for one session: it
// turns submitted command lines into blocks, routes segmented PTY
// output into the open block, and decides when a block is finished.
//
// A single mutex serializes every state change, so a block is only
// ever mutated by one goroutine at a time. The Run loop feeds the
// correlator from the session's event stream; Submit and CancelRunning
// are called from API goroutines and synchronize on the same lock.
package correlate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/djdanielsson/mosaicterm-sub001/internal/ansi"
	"github.com/djdanielsson/mosaicterm-sub001/internal/block"
	"github.com/djdanielsson/mosaicterm-sub001/internal/classify"
	"github.com/djdanielsson/mosaicterm-sub001/internal/envctx"
	"github.com/djdanielsson/mosaicterm-sub001/internal/events"
	"github.com/djdanielsson/mosaicterm-sub001/internal/segment"
	"github.com/djdanielsson/mosaicterm-sub001/internal/session"
	"github.com/djdanielsson/mosaicterm-sub001/internal/shell"
	"github.com/djdanielsson/mosaicterm-sub001/internal/validators"
)

// ErrBusy rejects a submission while another command still owns the
// session's foreground.
var ErrBusy = errors.New("a command is already running")

// Phase is the correlator's position in the block lifecycle.
type Phase int

const (
	// PhaseIdle: no open block, output belongs to no command.
	PhaseIdle Phase = iota
	// PhaseAwaitingStart: a command was written, no bytes seen yet.
	PhaseAwaitingStart
	// PhaseCapturing: output is being appended to the open block.
	PhaseCapturing
	// PhaseSuspendedForOverlay: a fullscreen program owns the PTY and
	// bytes tunnel through the overlay untouched.
	PhaseSuspendedForOverlay
	// PhaseSshInteractive: a remote shell owns the PTY and remote
	// prompt rules replace the local ones.
	PhaseSshInteractive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingStart:
		return "awaiting_start"
	case PhaseCapturing:
		return "capturing"
	case PhaseSuspendedForOverlay:
		return "suspended_for_overlay"
	case PhaseSshInteractive:
		return "ssh_interactive"
	default:
		return "unknown"
	}
}

// Session is the slice of session behavior the correlator drives. The
// concrete *session.Session satisfies it; tests substitute a fake.
type Session interface {
	ID() string
	ShellKind() shell.Kind
	State() session.State
	Cwd() string
	SetCwd(dir string)
	Env() map[string]string
	SetEnv(env map[string]string)
	WriteInput(data []byte) error
	Interrupt() error
	DrainOutput()
	Subscribe() (<-chan events.Event, func())
}

// Observer receives block lifecycle notifications. Methods are invoked
// with the correlator lock held: implementations must return quickly
// and must not call back into the Correlator.
type Observer interface {
	BlockStarted(b *block.Block)
	// BlockOutput delivers newly finalized lines and the current
	// partial line, already stripped of integration markers. An empty
	// partial after a non-empty one means the partial was consumed.
	BlockOutput(blockID string, lines []block.Line, partial string)
	BlockCompleted(b *block.Block)
	// TranscriptCleared signals that a full-screen erase dropped every
	// finalized block; consumers should discard what they rendered and
	// resync from the transcript.
	TranscriptCleared(sessionID string)
	// RestartRequested signals that the shell was left in an unknown
	// state and the session should be recycled.
	RestartRequested(sessionID, reason string)
}

// TuiOverlay renders a fullscreen program. Attach hands it the raw
// session byte stream and a writer into the session; the returned
// channel closes when the program exits and the overlay detaches.
type TuiOverlay interface {
	Attach(sessionRead io.Reader, sessionWrite io.Writer) (<-chan struct{}, error)
}

// AuthKind classifies an authentication prompt seen during ssh setup.
type AuthKind int

const (
	AuthHostKey AuthKind = iota
	AuthPassphrase
	AuthPassword
)

func (k AuthKind) String() string {
	switch k {
	case AuthHostKey:
		return "host_key"
	case AuthPassphrase:
		return "passphrase"
	case AuthPassword:
		return "password"
	default:
		return "unknown"
	}
}

// AuthPromptHandler collects a user response to an authentication
// prompt. ok=false means the user cancelled and the connection attempt
// is interrupted. The returned bytes go straight to the PTY; the
// correlator never logs them and never attributes them to a block.
type AuthPromptHandler interface {
	HandleAuthPrompt(kind AuthKind, prompt string) (response []byte, ok bool)
}

// HistorySink records accepted submissions.
type HistorySink interface {
	Record(command, cwd string, submittedAt time.Time)
}

// Config bounds and tunes one correlator. Zero values take the
// defaults; MaxBlockLines and MaxLineLength can be set to -1 for
// unlimited.
type Config struct {
	// MaxBlockLines caps retained output lines per block.
	MaxBlockLines int
	// MaxLineLength caps cells per output line.
	MaxLineLength int
	// QuietInterval is how long the stream must stay silent, with an
	// unrecognized prompt pending, before a block is deemed finished
	// without an exit code.
	QuietInterval time.Duration
	// QuietIntervalInteractive replaces QuietInterval for repl, tui
	// and ssh commands.
	QuietIntervalInteractive time.Duration
	// CommandTimeout force-finishes a block after this long. Zero
	// disables the limit.
	CommandTimeout time.Duration
	// InteractiveTimeout replaces CommandTimeout for interactive
	// commands. Zero disables the limit.
	InteractiveTimeout time.Duration
	// KillOnTimeout interrupts the foreground process when a timeout
	// fires.
	KillOnTimeout bool
	// DisableSentinel stops the exit-code sentinel from being appended
	// to submitted lines, leaving prompt detection and quiescence as
	// the only completion paths.
	DisableSentinel bool
	// KeepPreamble retains output that arrives with no open block in a
	// synthetic background block instead of dropping it.
	KeepPreamble bool
	// Fullscreen and Repl override the classifier program lists.
	Fullscreen []string
	Repl       []string
}

// DefaultConfig mirrors stock terminal behavior: 10k lines per block
// and 10k cells per line, 400ms quiet interval with 2s for interactive
// commands, timeouts off, sentinel on.
func DefaultConfig() Config {
	return Config{
		MaxBlockLines:            10000,
		MaxLineLength:            10000,
		QuietInterval:            400 * time.Millisecond,
		QuietIntervalInteractive: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBlockLines == 0 {
		c.MaxBlockLines = d.MaxBlockLines
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = d.MaxLineLength
	}
	if c.QuietInterval == 0 {
		c.QuietInterval = d.QuietInterval
	}
	if c.QuietIntervalInteractive == 0 {
		c.QuietIntervalInteractive = d.QuietIntervalInteractive
	}
	return c
}

// Options carries the collaborators wired at construction. Any of them
// may be nil: a nil overlay falls back to regular capture for
// fullscreen commands, a nil auth handler leaves ssh authentication to
// raw input, a nil history sink records nothing.
type Options struct {
	Config  Config
	Logger  *slog.Logger
	History HistorySink
	Auth    AuthPromptHandler
	Overlay TuiOverlay
}

// Correlator owns the block lifecycle for one session.
type Correlator struct {
	sess   Session
	cfg    Config
	logger *slog.Logger

	classifier *classify.Classifier
	history    HistorySink
	auth       AuthPromptHandler
	overlay    TuiOverlay
	gitProbe   func(ctx context.Context, dir string) *envctx.Git

	mu        sync.Mutex
	phase     Phase
	proc      *ansi.Processor
	seg       *segment.Segmenter
	blocks    []*block.Block
	cur       *block.Block
	preamble  *block.Block
	observers []Observer

	submitted     string        // trimmed command text of the open block
	writtenLine   string        // exact line written to the pty, sentinel included
	kind          classify.Kind // classification of the open block
	sentinelArmed bool          // sentinel appended to the current command
	startedAt     time.Time
	lastByte      time.Time
	linesSeen     int    // lines observed since submission, for echo suppression
	lastPartial   string // last partial text sent to observers
	gen           uint64 // bumped per block, invalidates stale overlay callbacks
	gitGen        uint64 // bumped per git probe, latest result wins

	overlayOut *io.PipeWriter

	ssh     sshState
	refresh refreshState

	nextContexts []string
	nextGit      *block.GitInfo

	now func() time.Time
}

// New builds a correlator bound to sess.
func New(sess Session, opts Options) *Correlator {
	cfg := opts.Config.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		sess:       sess,
		cfg:        cfg,
		logger:     logger.With("session_id", sess.ID()),
		classifier: classify.New(cfg.Fullscreen, cfg.Repl),
		history:    opts.History,
		auth:       opts.Auth,
		overlay:    opts.Overlay,
		gitProbe:   envctx.GitProbe,
		proc:       ansi.NewProcessor(),
		seg:        segment.New(segment.WithMaxLineLength(cfg.MaxLineLength)),
		now:        time.Now,
	}
	c.nextContexts = envctx.Tags(envctx.Detect(sess.Env()))
	return c
}

// AddObserver registers o for block notifications.
func (c *Correlator) AddObserver(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Phase returns the current lifecycle phase.
func (c *Correlator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Blocks returns the session transcript in creation order. The blocks
// are live: they are mutated only while the correlator lock is held.
func (c *Correlator) Blocks() []*block.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*block.Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// Current returns the open block, or nil.
func (c *Correlator) Current() *block.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Snapshot returns value copies of the transcript, the open block
// included, stable enough to serialize while capture continues. Line
// values are copied by slice; finalized lines are never mutated.
func (c *Correlator) Snapshot() []block.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]block.Block, 0, len(c.blocks))
	for _, b := range c.blocks {
		cp := *b
		cp.Output = append([]block.Line(nil), b.Output...)
		if b.ExitCode != nil {
			code := *b.ExitCode
			cp.ExitCode = &code
		}
		out = append(out, cp)
	}
	return out
}

// RefreshContexts recomputes the context tags and git info from the
// session's current snapshot. Called once after startup; later updates
// ride on directory-change refreshes.
func (c *Correlator) RefreshContexts() {
	c.mu.Lock()
	c.nextContexts = envctx.Tags(envctx.Detect(c.sess.Env()))
	c.probeGitLocked()
	c.mu.Unlock()
}

// Submit runs one command line through the pipeline: validate,
// classify, dispatch, record. The returned block is nil for Exit
// commands, which produce no block of their own.
func (c *Correlator) Submit(command string) (*block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.State() == session.StateTerminated {
		return nil, session.ErrSessionAlreadyTerminated
	}
	if err := validators.ValidateCommand(command); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(command)
	now := c.now()

	if c.phase == PhaseSshInteractive {
		return c.submitRemote(trimmed, now)
	}
	if c.phase != PhaseIdle {
		return nil, ErrBusy
	}

	switch kind := c.classifier.Classify(trimmed); kind {
	case classify.KindExit:
		if err := c.sess.WriteInput([]byte(trimmed + "\n")); err != nil {
			return nil, err
		}
		c.record(trimmed, now)
		c.logger.Debug("exit command forwarded")
		return nil, nil
	case classify.KindFullscreenTui:
		return c.submitOverlay(trimmed, now)
	case classify.KindSsh:
		return c.submitSsh(trimmed, now)
	default:
		return c.submitCapture(trimmed, kind, now)
	}
}

// submitCapture handles Regular, InteractiveRepl and DirectoryChange:
// write the line (sentinel appended), open a block, wait for output.
func (c *Correlator) submitCapture(trimmed string, kind classify.Kind, now time.Time) (*block.Block, error) {
	line := trimmed
	armed := !c.cfg.DisableSentinel
	if armed {
		line += shell.SentinelSuffix(c.sess.ShellKind())
	}
	if err := c.sess.WriteInput([]byte(line + "\n")); err != nil {
		return nil, err
	}
	c.record(trimmed, now)
	b := c.openBlock(trimmed, now)
	c.kind = kind
	c.writtenLine = line
	c.sentinelArmed = armed
	c.phase = PhaseAwaitingStart
	return b, nil
}

// openBlock creates the block for an accepted submission and resets
// the per-command tracking state. Whatever sits unterminated in the
// segmenter at this point is the old prompt; it is dropped so the echo
// of this submission cannot glue onto it.
func (c *Correlator) openBlock(command string, now time.Time) *block.Block {
	c.seg.Reset()
	b := block.New(c.sess.ID(), command, c.sess.Cwd(), now, c.cfg.MaxBlockLines)
	b.Contexts = c.nextContexts
	b.Git = c.nextGit
	c.cur = b
	c.blocks = append(c.blocks, b)
	c.submitted = command
	c.startedAt = now
	c.lastByte = now
	c.linesSeen = 0
	c.lastPartial = ""
	c.sentinelArmed = false
	c.gen++
	for _, o := range c.observers {
		o.BlockStarted(b)
	}
	c.logger.Debug("block opened", "block_id", b.ID)
	return b
}

func (c *Correlator) record(command string, now time.Time) {
	if c.history == nil {
		return
	}
	c.history.Record(command, c.sess.Cwd(), now)
}

// CancelRunning interrupts the foreground command and finalizes its
// block as Cancelled. With nothing running, or while an overlay or a
// remote shell owns the PTY, the interrupt byte is forwarded instead
// and the owner decides what it means.
func (c *Correlator) CancelRunning() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	switch c.phase {
	case PhaseIdle, PhaseSuspendedForOverlay, PhaseSshInteractive:
		return c.sess.WriteInput([]byte{0x03})
	}

	if err := c.sess.Interrupt(); err != nil {
		return err
	}
	kind := c.kind
	c.completeLocked(block.StatusCancelled, nil, now)
	c.sess.DrainOutput()
	c.proc.Reset()
	c.seg.Reset()
	if kind == classify.KindInteractiveRepl || kind == classify.KindFullscreenTui {
		reason := "interrupted " + kind.String() + " leaves the shell in an unknown state"
		for _, o := range c.observers {
			o.RestartRequested(c.sess.ID(), reason)
		}
	}
	return nil
}

// HandleProcessExit finalizes the open block against the shell's own
// death. The session-level Terminated event follows separately.
func (c *Correlator) HandleProcessExit(exitCode *int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeOverlayLocked()
	c.ssh = sshState{}
	c.refresh = refreshState{}
	if c.cur != nil {
		for _, ln := range c.seg.Flush() {
			if !c.suppressLine(ln.Text) {
				c.appendLine(ln)
			}
		}
		c.completeLocked(block.StatusFailed, exitCode, now)
	}
	c.phase = PhaseIdle
}

// HandleTerminated finalizes after a session close with no observed
// exit code: whatever was running was cut off, not finished.
func (c *Correlator) HandleTerminated(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeOverlayLocked()
	c.ssh = sshState{}
	c.refresh = refreshState{}
	if c.cur != nil {
		c.completeLocked(block.StatusCancelled, nil, now)
	}
	c.phase = PhaseIdle
}

// tickInterval drives the time-based completion checks in Run.
const tickInterval = 50 * time.Millisecond

// Run consumes the session's event stream until ctx is cancelled, the
// session terminates, or the stream closes.
func (c *Correlator) Run(ctx context.Context) error {
	evs, cancel := c.sess.Subscribe()
	defer cancel()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case events.KindOutput:
				c.HandleOutput(ev.Bytes, ev.Time)
			case events.KindProcessExited:
				c.HandleProcessExit(ev.ExitCode, ev.Time)
			case events.KindTerminated:
				c.HandleTerminated(ev.Time)
				return nil
			case events.KindError:
				c.logger.Warn("session error", "message", ev.Message)
			case events.KindLagged:
				c.logger.Warn("output events dropped", "missed", ev.Missed)
			}
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

func (c *Correlator) notifyCompleted(b *block.Block) {
	for _, o := range c.observers {
		o.BlockCompleted(b)
	}
	c.logger.Debug("block finished",
		"block_id", b.ID,
		"status", b.Status.String(),
		"lines", len(b.Output),
		"duration", b.Duration)
}

func (c *Correlator) notifyPartial(partial string) {
	if c.cur == nil {
		return
	}
	clean := shell.StripMarkers(partial)
	if i := strings.IndexAny(clean, "\x1e\x1f"); i >= 0 {
		// A marker still mid-transmission ends the visible partial.
		clean = clean[:i]
	}
	if clean == c.lastPartial {
		return
	}
	if clean != "" && c.writtenLine != "" && strings.HasPrefix(c.writtenLine, clean) {
		// The terminal echoing the submitted line back is not output.
		return
	}
	c.lastPartial = clean
	for _, o := range c.observers {
		o.BlockOutput(c.cur.ID, nil, clean)
	}
}

// probeGitLocked refreshes nextGit off the lock; only the most recent
// probe's result is kept.
func (c *Correlator) probeGitLocked() {
	if c.gitProbe == nil {
		return
	}
	dir := c.sess.Cwd()
	c.gitGen++
	gen := c.gitGen
	probe := c.gitProbe
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g := probe(ctx, dir)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gitGen != gen {
			return
		}
		if g == nil {
			c.nextGit = nil
		} else {
			c.nextGit = &block.GitInfo{Branch: g.Branch, Dirty: g.Dirty}
		}
	}()
}
