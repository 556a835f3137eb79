package correlate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/djdanielsson/mosaicterm-sub001/internal/block"
	"github.com/djdanielsson/mosaicterm-sub001/internal/events"
	"github.com/djdanielsson/mosaicterm-sub001/internal/session"
	"github.com/djdanielsson/mosaicterm-sub001/internal/shell"
	"github.com/djdanielsson/mosaicterm-sub001/internal/validators"
)

// fakeSession stands in for a live PTY session. Tests feed terminal
// output through the correlator directly and inspect what was written
// back toward the shell.
type fakeSession struct {
	mu         sync.Mutex
	state      session.State
	cwd        string
	env        map[string]string
	writes     [][]byte
	interrupts int
	drains     int
	events     chan events.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		state:  session.StateRunning,
		cwd:    "/home/mel",
		env:    map[string]string{"HOME": "/home/mel"},
		events: make(chan events.Event, 64),
	}
}

func (s *fakeSession) ID() string            { return "sess-test" }
func (s *fakeSession) ShellKind() shell.Kind { return shell.KindBash }

func (s *fakeSession) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) setState(st session.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *fakeSession) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *fakeSession) SetCwd(dir string) {
	s.mu.Lock()
	s.cwd = dir
	s.mu.Unlock()
}

func (s *fakeSession) Env() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]string, len(s.env))
	for k, v := range s.env {
		m[k] = v
	}
	return m
}

func (s *fakeSession) SetEnv(env map[string]string) {
	s.mu.Lock()
	s.env = env
	s.mu.Unlock()
}

func (s *fakeSession) WriteInput(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSession) Interrupt() error {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) DrainOutput() {
	s.mu.Lock()
	s.drains++
	s.mu.Unlock()
}

func (s *fakeSession) Subscribe() (<-chan events.Event, func()) {
	return s.events, func() {}
}

// write returns the i-th input write as a string; negative indexes
// count from the end.
func (s *fakeSession) write(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 {
		i += len(s.writes)
	}
	return string(s.writes[i])
}

func (s *fakeSession) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *fakeSession) interruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

func (s *fakeSession) drainCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drains
}

// recordingObserver collects every notification for later assertions.
type recordingObserver struct {
	mu        sync.Mutex
	started   []string
	completed []string
	lines     map[string][]string
	partials  []string
	restarts  []string
	clears    int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{lines: make(map[string][]string)}
}

func (o *recordingObserver) BlockStarted(b *block.Block) {
	o.mu.Lock()
	o.started = append(o.started, b.ID)
	o.mu.Unlock()
}

func (o *recordingObserver) BlockOutput(blockID string, lines []block.Line, partial string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(lines) == 0 {
		o.partials = append(o.partials, partial)
		return
	}
	for _, l := range lines {
		o.lines[blockID] = append(o.lines[blockID], l.Text)
	}
}

func (o *recordingObserver) BlockCompleted(b *block.Block) {
	o.mu.Lock()
	o.completed = append(o.completed, b.ID)
	o.mu.Unlock()
}

func (o *recordingObserver) TranscriptCleared(sessionID string) {
	o.mu.Lock()
	o.clears++
	o.mu.Unlock()
}

func (o *recordingObserver) RestartRequested(sessionID, reason string) {
	o.mu.Lock()
	o.restarts = append(o.restarts, reason)
	o.mu.Unlock()
}

func (o *recordingObserver) linesFor(id string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.lines[id]...)
}

func (o *recordingObserver) startedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.started)
}

func (o *recordingObserver) restartCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.restarts)
}

func (o *recordingObserver) clearCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clears
}

func (o *recordingObserver) allPartials() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.partials...)
}

type fakeHistory struct {
	mu       sync.Mutex
	commands []string
	cwds     []string
}

func (h *fakeHistory) Record(command, cwd string, submittedAt time.Time) {
	h.mu.Lock()
	h.commands = append(h.commands, command)
	h.cwds = append(h.cwds, cwd)
	h.mu.Unlock()
}

func (h *fakeHistory) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRig struct {
	c    *Correlator
	sess *fakeSession
	obs  *recordingObserver
	clk  *fakeClock
	hist *fakeHistory
}

func buildRig(t *testing.T, opts Options) *testRig {
	t.Helper()
	r := &testRig{
		sess: newFakeSession(),
		obs:  newRecordingObserver(),
		clk:  newFakeClock(),
	}
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.History == nil {
		r.hist = &fakeHistory{}
		opts.History = r.hist
	}
	r.c = New(r.sess, opts)
	r.c.gitProbe = nil
	r.c.now = r.clk.Now
	r.c.AddObserver(r.obs)
	return r
}

func newRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	return buildRig(t, Options{Config: cfg})
}

func (r *testRig) feed(s string) {
	r.c.HandleOutput([]byte(s), r.clk.Now())
}

// echo returns the terminal echo of the most recent write, ready to
// feed back through the correlator.
func (r *testRig) echo() string {
	return strings.TrimSuffix(r.sess.write(-1), "\n") + "\r\n"
}

func (r *testRig) mustSubmit(t *testing.T, command string) *block.Block {
	t.Helper()
	b, err := r.c.Submit(command)
	if err != nil {
		t.Fatalf("Submit(%q): %v", command, err)
	}
	return b
}

func sentinelLine(code int) string {
	return "\x1eMT:" + strconv.Itoa(code) + ":\x1f\r\n"
}

func outputTexts(b *block.Block) []string {
	var out []string
	for _, l := range b.Output {
		out = append(out, l.Text)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCommandLifecycle(t *testing.T) {
	r := newRig(t, Config{})
	b := r.mustSubmit(t, "echo hello")

	want := "echo hello" + shell.SentinelSuffix(shell.KindBash) + "\n"
	if got := r.sess.write(0); got != want {
		t.Fatalf("written line = %q, want %q", got, want)
	}
	if got := r.c.Phase(); got != PhaseAwaitingStart {
		t.Fatalf("phase = %v", got)
	}

	r.clk.Advance(10 * time.Millisecond)
	r.feed(r.echo())
	if !b.Running() {
		t.Fatalf("status after first output = %v", b.Status)
	}
	r.clk.Advance(10 * time.Millisecond)
	r.feed("hello\r\n")
	r.clk.Advance(10 * time.Millisecond)
	r.feed(sentinelLine(0))

	if b.Status != block.StatusCompleted {
		t.Fatalf("status = %v", b.Status)
	}
	if b.ExitCode == nil || *b.ExitCode != 0 {
		t.Fatalf("exit code = %v", b.ExitCode)
	}
	if b.Duration != 30*time.Millisecond {
		t.Fatalf("duration = %v", b.Duration)
	}
	if got := outputTexts(b); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("output = %q", got)
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase after completion = %v", got)
	}
	if r.c.Current() != nil {
		t.Fatal("current block not cleared")
	}
	if got := r.obs.linesFor(b.ID); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("streamed lines = %q", got)
	}
	if got := r.hist.recorded(); len(got) != 1 || got[0] != "echo hello" {
		t.Fatalf("history = %q", got)
	}
}

func TestFailedExitCode(t *testing.T) {
	r := newRig(t, Config{})
	b := r.mustSubmit(t, "ls /missing")
	r.feed(r.echo())
	r.feed("ls: cannot access '/missing': No such file or directory\r\n")
	r.feed(sentinelLine(2))

	if b.Status != block.StatusFailed {
		t.Fatalf("status = %v", b.Status)
	}
	if b.ExitCode == nil || *b.ExitCode != 2 {
		t.Fatalf("exit code = %v", b.ExitCode)
	}
	if got := outputTexts(b); len(got) != 1 || !strings.Contains(got[0], "No such file") {
		t.Fatalf("output = %q", got)
	}
}

func TestStyledOutputSpans(t *testing.T) {
	r := newRig(t, Config{})
	b := r.mustSubmit(t, "ls --color")
	r.feed(r.echo())
	r.feed("\x1b[31mred.txt\x1b[0m  plain.txt\r\n")
	r.feed(sentinelLine(0))

	if len(b.Output) != 1 {
		t.Fatalf("output lines = %d", len(b.Output))
	}
	ln := b.Output[0]
	if ln.Text != "red.txt  plain.txt" {
		t.Fatalf("text = %q", ln.Text)
	}
	if len(ln.Spans) != 1 {
		t.Fatalf("spans = %+v", ln.Spans)
	}
	sp := ln.Spans[0]
	if sp.Start != 0 || sp.End != len("red.txt") || sp.Style.IsZero() {
		t.Fatalf("span = %+v", sp)
	}
}

func TestSentinelGluedToOutput(t *testing.T) {
	r := newRig(t, Config{})
	b := r.mustSubmit(t, "printf core")
	r.feed(r.echo())
	r.feed("core\x1eMT:0:\x1f\r\n")

	if b.Status != block.StatusCompleted {
		t.Fatalf("status = %v", b.Status)
	}
	if got := outputTexts(b); len(got) != 1 || got[0] != "core" {
		t.Fatalf("output = %q", got)
	}
}

func TestUnexpandedSentinelIsOutput(t *testing.T) {
	r := newRig(t, Config{})
	b := r.mustSubmit(t, "cat wrap.sh")
	r.feed(r.echo())
	r.feed("echo \"\x1eMT:$?:\x1f\"\r\n")

	// No digits, no exit code: the line is output, not a sentinel.
	if b.Status != block.StatusRunning {
		t.Fatalf("status = %v", b.Status)
	}
	r.feed(sentinelLine(0))
	if got := outputTexts(b); len(got) != 1 || got[0] != `echo "MT:$?:"` {
		t.Fatalf("output = %q", got)
	}
	for _, l := range b.Output {
		if strings.ContainsAny(l.Text, "\x1e\x1f") {
			t.Fatalf("marker bytes stored in %q", l.Text)
		}
	}
}

func TestPromptCompletesWhenSentinelDisabled(t *testing.T) {
	r := newRig(t, Config{DisableSentinel: true})
	b := r.mustSubmit(t, "true")

	if got := r.sess.write(0); got != "true\n" {
		t.Fatalf("written = %q", got)
	}
	r.feed("true\r\n")
	r.feed("\x1eMP\x1fmel@dev:~$ ")

	if b.Status != block.StatusCompleted {
		t.Fatalf("status = %v", b.Status)
	}
	if b.ExitCode != nil {
		t.Fatalf("exit code = %v, want nil", *b.ExitCode)
	}
	if len(b.Output) != 0 {
		t.Fatalf("output = %q", outputTexts(b))
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v", got)
	}
}

func TestPromptLineCompletesCapture(t *testing.T) {
	r := newRig(t, Config{DisableSentinel: true})
	b := r.mustSubmit(t, "make")
	r.feed(r.echo())
	r.feed("building\r\n")
	r.feed("\x1eMP\x1fmel@dev:~/proj$ \r\n")

	if b.Status != block.StatusCompleted {
		t.Fatalf("status = %v", b.Status)
	}
	if got := outputTexts(b); len(got) != 1 || got[0] != "building" {
		t.Fatalf("output = %q", got)
	}
}

func TestCancelRunningCommand(t *testing.T) {
	r := newRig(t, Config{})
	b := r.mustSubmit(t, "sleep 5")
	r.feed(r.echo())

	r.clk.Advance(500 * time.Millisecond)
	r.c.Tick(r.clk.Now())
	if b.Status != block.StatusRunning {
		t.Fatalf("completed while silent: %v", b.Status)
	}

	r.clk.Advance(500 * time.Millisecond)
	if err := r.c.CancelRunning(); err != nil {
		t.Fatalf("CancelRunning: %v", err)
	}
	if b.Status != block.StatusCancelled {
		t.Fatalf("status = %v", b.Status)
	}
	if b.ExitCode == nil || *b.ExitCode != block.ExitCodeCancelled {
		t.Fatalf("exit code = %v", b.ExitCode)
	}
	if b.Duration != time.Second {
		t.Fatalf("duration = %v", b.Duration)
	}
	if r.sess.interruptCount() != 1 {
		t.Fatalf("interrupts = %d", r.sess.interruptCount())
	}
	if r.sess.drainCount() != 1 {
		t.Fatalf("drains = %d", r.sess.drainCount())
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v", got)
	}
	if r.obs.restartCount() != 0 {
		t.Fatalf("restart requested for a regular command")
	}
}

func TestCancelReplRequestsRestart(t *testing.T) {
	r := newRig(t, Config{})
	r.mustSubmit(t, "python3")
	r.feed(r.echo())
	r.feed("Python 3.12.1 (main)\r\n")

	if err := r.c.CancelRunning(); err != nil {
		t.Fatalf("CancelRunning: %v", err)
	}
	if r.obs.restartCount() != 1 {
		t.Fatalf("restarts = %d", r.obs.restartCount())
	}
}

func TestCancelIdleForwardsInterruptByte(t *testing.T) {
	r := newRig(t, Config{})
	if err := r.c.CancelRunning(); err != nil {
		t.Fatalf("CancelRunning: %v", err)
	}
	if got := r.sess.write(0); got != "\x03" {
		t.Fatalf("written = %q", got)
	}
	if r.sess.interruptCount() != 0 {
		t.Fatalf("interrupt sent with nothing running")
	}
}

func TestSubmitWhileBusy(t *testing.T) {
	r := newRig(t, Config{})
	r.mustSubmit(t, "sleep 1")
	if _, err := r.c.Submit("ls"); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	r := newRig(t, Config{})
	_, err := r.c.Submit("   ")
	var verr *validators.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if r.sess.writeCount() != 0 {
		t.Fatal("rejected command reached the session")
	}
	if len(r.c.Blocks()) != 0 {
		t.Fatal("rejected command produced a block")
	}
}

func TestSubmitAfterTermination(t *testing.T) {
	r := newRig(t, Config{})
	r.sess.setState(session.StateTerminated)
	if _, err := r.c.Submit("ls"); !errors.Is(err, session.ErrSessionAlreadyTerminated) {
		t.Fatalf("err = %v", err)
	}
}

func TestExitCommandProducesNoBlock(t *testing.T) {
	r := newRig(t, Config{})
	b, err := r.c.Submit("exit")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if b != nil {
		t.Fatalf("block = %+v, want nil", b)
	}
	if got := r.sess.write(0); got != "exit\n" {
		t.Fatalf("written = %q", got)
	}
	if len(r.c.Blocks()) != 0 {
		t.Fatal("exit produced a block")
	}
	if got := r.hist.recorded(); len(got) != 1 || got[0] != "exit" {
		t.Fatalf("history = %q", got)
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v", got)
	}
}

func TestProcessExitFinalizesBlock(t *testing.T) {
	r := newRig(t, Config{})
	b := r.mustSubmit(t, "./flaky")
	r.feed(r.echo())
	r.feed("started\r\nalmost done")

	code := 137
	r.clk.Advance(20 * time.Millisecond)
	r.c.HandleProcessExit(&code, r.clk.Now())

	if b.Status != block.StatusFailed {
		t.Fatalf("status = %v", b.Status)
	}
	if b.ExitCode == nil || *b.ExitCode != 137 {
		t.Fatalf("exit code = %v", b.ExitCode)
	}
	if got := outputTexts(b); len(got) != 2 || got[1] != "almost done" {
		t.Fatalf("output = %q", got)
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v", got)
	}
}

func TestTerminationCancelsOpenBlock(t *testing.T) {
	r := newRig(t, Config{})
	b := r.mustSubmit(t, "sleep 30")
	r.feed(r.echo())
	r.c.HandleTerminated(r.clk.Now())

	if b.Status != block.StatusCancelled {
		t.Fatalf("status = %v", b.Status)
	}
	if got := r.c.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v", got)
	}
}

func TestRunConsumesEventStream(t *testing.T) {
	r := newRig(t, Config{})
	b := r.mustSubmit(t, "echo hi")

	done := make(chan error, 1)
	go func() { done <- r.c.Run(context.Background()) }()

	echo := strings.TrimSuffix(r.sess.write(0), "\n")
	r.sess.events <- events.Event{
		Kind:  events.KindOutput,
		Time:  r.clk.Now(),
		Bytes: []byte(echo + "\r\nhi\r\n" + sentinelLine(0)),
	}
	r.sess.events <- events.Event{Kind: events.KindTerminated, Time: r.clk.Now()}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on termination")
	}
	if b.Status != block.StatusCompleted {
		t.Fatalf("status = %v", b.Status)
	}
	if got := outputTexts(b); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("output = %q", got)
	}
}
