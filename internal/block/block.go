// Package block holds the canonical command-block model: one submitted
// command, its segmented output, its status and timing. Blocks are owned by
// a single correlator goroutine; the type itself is not synchronized.
package block

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djdanielsson/mosaicterm-sub001/internal/ansi"
)

// Status is the lifecycle state of a block. The four terminal states are
// irreversible.
type Status uint8

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the final states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Stream tags which output stream a line came from. PTYs merge the two, so
// StreamStdout is the common case.
type Stream uint8

const (
	StreamStdout Stream = iota
	StreamStderr
)

// StyleSpan applies one style to the byte range [Start, End) of a line's
// text.
type StyleSpan struct {
	Start int        `json:"start"`
	End   int        `json:"end"`
	Style ansi.Style `json:"style"`
}

// Line is one finalized output line.
type Line struct {
	Seq        int         `json:"seq"`
	Text       string      `json:"text"`
	Spans      []StyleSpan `json:"spans,omitempty"`
	ProducedAt time.Time   `json:"produced_at"`
	Stream     Stream      `json:"stream"`
}

// GitInfo is the repository context captured at submission time.
type GitInfo struct {
	Branch string `json:"branch"`
	Dirty  bool   `json:"dirty"`
}

// ExitCodeCancelled mirrors the shell convention for SIGINT death.
const ExitCodeCancelled = 130

// Block ties one command to its output and status. Everything except
// output, status, timing and exit code is fixed at creation.
type Block struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Command     string        `json:"command"`
	SubmittedAt time.Time     `json:"submitted_at"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	CwdAtSubmit string        `json:"cwd_at_submit"`
	Contexts    []string      `json:"contexts,omitempty"`
	Git         *GitInfo      `json:"git,omitempty"`
	Output      []Line        `json:"output"`
	Status      Status        `json:"status"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Duration    time.Duration `json:"duration_ns"`

	// Background marks a synthetic block holding output that arrived with
	// no corresponding submission.
	Background bool `json:"background,omitempty"`

	nextSeq   int
	maxLines  int
	truncated int
}

// New creates a Pending block. maxLines bounds how many output lines are
// retained; zero means unlimited.
func New(sessionID, command, cwd string, submittedAt time.Time, maxLines int) *Block {
	return &Block{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Command:     command,
		SubmittedAt: submittedAt,
		CwdAtSubmit: cwd,
		Status:      StatusPending,
		maxLines:    maxLines,
	}
}

// AppendLine assigns the next sequence number to l and stores it, dropping
// the oldest lines once the cap is exceeded. Appends to a terminal block
// are ignored.
func (b *Block) AppendLine(l Line) {
	if b.Status.Terminal() {
		return
	}
	l.Seq = b.nextSeq
	b.nextSeq++
	b.Output = append(b.Output, l)
	b.enforceCap()
}

// enforceCap drops the oldest tenth beyond the limit in one batch so the
// copy does not run on every append, and leaves a marker line in place of
// what was dropped.
func (b *Block) enforceCap() {
	if b.maxLines <= 0 || len(b.Output) <= b.maxLines {
		return
	}
	remove := len(b.Output) - b.maxLines + b.maxLines/10
	if remove > len(b.Output) {
		remove = len(b.Output)
	}
	first := b.Output[remove-1].Seq
	b.Output = append([]Line(nil), b.Output[remove:]...)
	b.truncated += remove
	marker := Line{
		Seq:        first,
		Text:       fmt.Sprintf("... [%d earlier lines dropped] ...", b.truncated),
		ProducedAt: time.Now(),
	}
	b.Output = append([]Line{marker}, b.Output...)
}

// TruncatedLines returns how many lines have been dropped by the cap.
func (b *Block) TruncatedLines() int { return b.truncated }

// MarkRunning moves Pending to Running. Any other state is left alone.
func (b *Block) MarkRunning() {
	if b.Status == StatusPending {
		b.Status = StatusRunning
	}
}

// MarkCompleted finalizes the block as Completed. exitCode may be nil when
// completion was detected without an observable code.
func (b *Block) MarkCompleted(d time.Duration, exitCode *int) {
	b.finish(StatusCompleted, d, exitCode)
}

// MarkFailed finalizes the block as Failed with the observed exit code, or
// nil when the shell died without one.
func (b *Block) MarkFailed(d time.Duration, exitCode *int) {
	b.finish(StatusFailed, d, exitCode)
}

// MarkCancelled finalizes the block after a user interrupt.
func (b *Block) MarkCancelled(d time.Duration) {
	code := ExitCodeCancelled
	b.finish(StatusCancelled, d, &code)
}

// MarkTimedOut finalizes the block after the configured command timeout.
func (b *Block) MarkTimedOut(d time.Duration) {
	b.finish(StatusTimedOut, d, nil)
}

func (b *Block) finish(s Status, d time.Duration, exitCode *int) {
	if b.Status.Terminal() {
		return
	}
	b.Status = s
	b.Duration = d
	b.CompletedAt = b.SubmittedAt.Add(d)
	b.ExitCode = exitCode
}

// Running reports whether the block is in the Running state.
func (b *Block) Running() bool { return b.Status == StatusRunning }

// Open reports whether the block still accepts output.
func (b *Block) Open() bool { return !b.Status.Terminal() }
