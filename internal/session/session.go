// Package session owns shell processes attached to PTYs. Each session
// runs three workers: a reader pumping master-side bytes onto the event
// bus, a writer draining an input queue, and a monitor reaping the
// child. Control operations touch only the session's own lock, so
// sessions never block each other.
package session

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/djdanielsson/mosaicterm-sub001/internal/events"
	"github.com/djdanielsson/mosaicterm-sub001/internal/platform"
	"github.com/djdanielsson/mosaicterm-sub001/internal/shell"
)

// ErrSessionNotFound is returned when a session id has no live entry.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionAlreadyTerminated is returned for operations against a
// session whose shell has exited.
var ErrSessionAlreadyTerminated = errors.New("session already terminated")

// WriteRejectedError reports why input bytes were not enqueued.
type WriteRejectedError struct {
	Reason string
}

func (e *WriteRejectedError) Error() string {
	return "write rejected: " + e.Reason
}

// State is a session's lifecycle phase.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	// DefaultRows and DefaultCols size new PTYs.
	DefaultRows uint16 = 30
	DefaultCols uint16 = 120

	// DefaultBufferLimit bounds the bytes held for
	// ReadOutputNonblocking; oldest bytes are dropped beyond it.
	DefaultBufferLimit = 256 * 1024

	inputQueueSize = 64

	// interruptGrace separates TERM from KILL when tearing down the
	// descendant tree of an interrupted command.
	interruptGrace = 300 * time.Millisecond

	// closeGrace is how long a shell gets to exit on TERM at close.
	closeGrace = 5 * time.Second

	// exitDrainTimeout bounds how long the monitor waits for the
	// reader to drain trailing output after the child exits. A
	// straggler grandchild holding the slave open must not stall the
	// ProcessExited event forever.
	exitDrainTimeout = 500 * time.Millisecond
)

// Pty is the master-side handle a session drives. *platform.Pty
// implements it; tests substitute an in-memory fake.
type Pty interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Close() error
	Pid() int
	Wait() platform.ExitStatus
}

// Opener spawns the shell process for a new session.
type Opener func(platform.SpawnSpec) (Pty, error)

func defaultOpener(spec platform.SpawnSpec) (Pty, error) {
	return platform.Open(spec)
}

// Options configures a new session. Zero values select defaults.
type Options struct {
	Shell       string   // shell executable, default per platform
	Cwd         string   // starting directory, default home
	Env         []string // extra KEY=VALUE pairs
	Rows        uint16
	Cols        uint16
	Integration bool // install shell integration hooks
	BufferLimit int  // output buffer bound in bytes
}

// Session is a live shell process attached to a PTY master.
type Session struct {
	id        string
	shellPath string
	kind      shell.Kind
	createdAt time.Time

	logger *slog.Logger
	bus    *events.Bus

	pty Pty
	pid int

	mu    sync.RWMutex
	state State
	cwd   string
	env   map[string]string
	rows  uint16
	cols  uint16
	exit  *platform.ExitStatus

	outMu    sync.Mutex
	outBuf   []byte
	outLimit int

	input       chan []byte
	quit        chan struct{}
	readerDone  chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	writeFailed atomic.Bool
	cleanup     func()
}

func newSession(opts Options, opener Opener, bus *events.Bus, logger *slog.Logger) (*Session, error) {
	if opts.Shell == "" {
		opts.Shell = shell.DefaultShell()
	}
	if opts.Cwd == "" {
		opts.Cwd = shell.HomeDir()
	}
	if opts.Rows == 0 {
		opts.Rows = DefaultRows
	}
	if opts.Cols == 0 {
		opts.Cols = DefaultCols
	}
	if opts.BufferLimit <= 0 {
		opts.BufferLimit = DefaultBufferLimit
	}
	if opener == nil {
		opener = defaultOpener
	}

	var (
		argv     []string
		extraEnv []string
		cleanup  func()
	)
	if opts.Integration {
		var err error
		argv, extraEnv, cleanup, err = shell.PrepareCommand(opts.Shell)
		if err != nil {
			return nil, fmt.Errorf("preparing shell command: %w", err)
		}
	} else {
		argv = []string{opts.Shell}
		extraEnv = shell.EnvSetup()
	}

	env := append(os.Environ(), opts.Env...)
	env = append(env, extraEnv...)

	p, err := opener(platform.SpawnSpec{
		Argv: argv,
		Env:  env,
		Cwd:  opts.Cwd,
		Rows: opts.Rows,
		Cols: opts.Cols,
	})
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}

	s := &Session{
		id:         uuid.New().String(),
		shellPath:  opts.Shell,
		kind:       shell.Detect(opts.Shell),
		createdAt:  time.Now(),
		bus:        bus,
		pty:        p,
		pid:        p.Pid(),
		state:      StateRunning,
		cwd:        opts.Cwd,
		env:        parseEnviron(env),
		rows:       opts.Rows,
		cols:       opts.Cols,
		outLimit:   opts.BufferLimit,
		input:      make(chan []byte, inputQueueSize),
		quit:       make(chan struct{}),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
		cleanup:    cleanup,
	}
	s.logger = logger.With("component", "session", "session_id", s.id)

	s.publish(events.Event{Kind: events.KindCreated, SessionID: s.id, PID: s.pid})
	s.logger.Info("session started", "shell", opts.Shell, "pid", s.pid, "rows", opts.Rows, "cols", opts.Cols)

	go s.readLoop()
	go s.writeLoop()
	go s.monitor()

	return s, nil
}

func parseEnviron(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

// ID returns the session's unique handle.
func (s *Session) ID() string { return s.id }

// Shell returns the shell executable path the session was spawned with.
func (s *Session) Shell() string { return s.shellPath }

// ShellKind returns the detected shell family.
func (s *Session) ShellKind() shell.Kind { return s.kind }

// Pid returns the shell process id.
func (s *Session) Pid() int { return s.pid }

// CreatedAt returns the spawn time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ExitStatus returns the child's exit status once terminated, else nil.
func (s *Session) ExitStatus() *platform.ExitStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exit
}

// Cwd returns the tracked working directory of the shell.
func (s *Session) Cwd() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cwd
}

// SetCwd records a new tracked working directory.
func (s *Session) SetCwd(dir string) {
	if dir == "" {
		return
	}
	s.mu.Lock()
	s.cwd = dir
	s.mu.Unlock()
}

// Env returns a copy of the tracked environment snapshot.
func (s *Session) Env() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := make(map[string]string, len(s.env))
	for k, v := range s.env {
		m[k] = v
	}
	return m
}

// SetEnv replaces the tracked environment snapshot.
func (s *Session) SetEnv(env map[string]string) {
	if len(env) == 0 {
		return
	}
	s.mu.Lock()
	s.env = env
	s.mu.Unlock()
}

// Size returns the current PTY dimensions.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows, s.cols
}

// WriteInput enqueues raw bytes for the writer worker. It never
// blocks: a full queue or a terminated session rejects the write.
func (s *Session) WriteInput(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if s.State() == StateTerminated {
		return &WriteRejectedError{Reason: "session terminated"}
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case s.input <- buf:
		return nil
	case <-s.quit:
		return &WriteRejectedError{Reason: "session terminated"}
	default:
		return &WriteRejectedError{Reason: "input queue full"}
	}
}

// ReadOutputNonblocking returns whatever output accumulated since the
// last call, or nil.
func (s *Session) ReadOutputNonblocking() []byte {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	buf := s.outBuf
	s.outBuf = nil
	return buf
}

// DrainOutput discards any buffered output. Used when switching
// between local and remote modes where stale bytes would be
// mis-attributed.
func (s *Session) DrainOutput() {
	s.outMu.Lock()
	s.outBuf = nil
	s.outMu.Unlock()
}

// Subscribe returns this session's event stream and an unsubscribe
// function. Without a bus the stream is closed immediately.
func (s *Session) Subscribe() (<-chan events.Event, func()) {
	if s.bus == nil {
		ch := make(chan events.Event)
		close(ch)
		return ch, func() {}
	}
	return s.bus.SubscribeSession(s.id)
}

// Resize forwards new dimensions to the PTY master.
func (s *Session) Resize(rows, cols uint16) error {
	if s.State() == StateTerminated {
		return ErrSessionAlreadyTerminated
	}
	if err := s.pty.Resize(rows, cols); err != nil {
		return fmt.Errorf("resizing pty: %w", err)
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	return nil
}

// Interrupt sends SIGINT to the shell and tears down any descendant
// processes with a short TERM-then-KILL grace, so a runaway pipeline
// dies even when its leader ignores the interrupt.
func (s *Session) Interrupt() error {
	if s.State() == StateTerminated {
		return ErrSessionAlreadyTerminated
	}
	if s.pid <= 0 {
		// Signaling pid 0 would hit the whole process group.
		return nil
	}
	if err := platform.Interrupt(s.pid); err != nil {
		return err
	}
	killed, err := platform.KillDescendants(s.pid, interruptGrace)
	if err != nil && !platform.IsUnsupported(err) {
		s.logger.Debug("descendant teardown incomplete", "error", err)
	}
	if killed > 0 {
		s.logger.Debug("descendants killed", "count", killed)
	}
	return nil
}

// Close requests termination: the PTY is closed, the child is given
// closeGrace to exit on TERM before KILL, and workers wind down. Safe
// to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setTerminated()
		close(s.quit)
		s.pty.Close()
		if s.pid > 0 {
			if err := platform.KillTree(s.pid, closeGrace); err != nil && !platform.IsUnsupported(err) {
				s.logger.Debug("kill tree", "error", err)
			}
		}
		if s.cleanup != nil {
			s.cleanup()
			s.cleanup = nil
		}
	})
	return nil
}

// Done is closed after the child is reaped and the final events have
// been published.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setTerminated() {
	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
}

func (s *Session) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// readLoop pumps master-side bytes into the output buffer and onto the
// bus. EOF and EIO mean the child side is gone; the monitor reports the
// exit. Transient errors are retried, anything else surfaces as an
// Error event.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.bufferOutput(data)
			s.publish(events.Event{Kind: events.KindOutput, SessionID: s.id, PID: s.pid, Bytes: data})
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) || errors.Is(err, syscall.EIO) {
				return
			}
			s.logger.Warn("pty read failed", "error", err)
			s.publish(events.Event{Kind: events.KindError, SessionID: s.id, Message: fmt.Sprintf("pty read: %v", err)})
			return
		}
	}
}

func (s *Session) bufferOutput(data []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.outBuf = append(s.outBuf, data...)
	if len(s.outBuf) > s.outLimit {
		over := len(s.outBuf) - s.outLimit
		s.outBuf = append([]byte(nil), s.outBuf[over:]...)
	}
}

// writeLoop consumes the input queue. A write failure is reported once
// and terminates the session.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.quit:
			return
		case data := <-s.input:
			if _, err := s.pty.Write(data); err != nil {
				if s.writeFailed.CompareAndSwap(false, true) {
					s.logger.Error("pty write failed", "error", err, "len", len(data))
					s.publish(events.Event{Kind: events.KindError, SessionID: s.id, Message: fmt.Sprintf("pty write: %v", err)})
					go s.Close()
				}
				return
			}
		}
	}
}

// monitor reaps the child and publishes the final event pair. Within a
// session ProcessExited follows every Output event and Terminated
// follows ProcessExited.
func (s *Session) monitor() {
	st := s.pty.Wait()

	// Let the reader drain trailing output so ProcessExited lands
	// after the last Output event.
	select {
	case <-s.readerDone:
	case <-time.After(exitDrainTimeout):
	}

	s.mu.Lock()
	s.exit = &st
	s.mu.Unlock()

	s.publish(events.Event{Kind: events.KindProcessExited, SessionID: s.id, PID: s.pid, ExitCode: st.Code})
	if st.Code != nil {
		s.logger.Info("shell exited", "exit_code", *st.Code)
	} else {
		s.logger.Info("shell exited", "signal", st.Signal)
	}

	s.Close()
	s.publish(events.Event{Kind: events.KindTerminated, SessionID: s.id, PID: s.pid})
	close(s.done)
}
