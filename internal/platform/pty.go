package platform

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// SpawnSpec describes the process to attach to a new PTY.
type SpawnSpec struct {
	Argv []string
	Env  []string
	Cwd  string
	Rows uint16
	Cols uint16
}

// SpawnError reports a failed PTY spawn with a stable reason.
type SpawnError struct {
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("spawn failed: %s", e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitStatus carries what could be observed about a finished child.
// Code is nil when no numeric exit code was obtainable (killed by an
// uncaught signal, or the wait itself failed).
type ExitStatus struct {
	Code   *int
	Signal string
}

// Pty is the master side of a pseudoterminal with its attached child.
type Pty struct {
	f   *os.File
	cmd *exec.Cmd
}

// Open spawns spec.Argv attached to a fresh PTY sized rows x cols.
func Open(spec SpawnSpec) (*Pty, error) {
	if len(spec.Argv) == 0 {
		return nil, &SpawnError{Reason: "empty argv"}
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.Env

	ws := &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols}
	f, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, &SpawnError{Reason: "pty start", Err: err}
	}
	return &Pty{f: f, cmd: cmd}, nil
}

func (p *Pty) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *Pty) Write(b []byte) (int, error) { return p.f.Write(b) }

// Resize forwards the new dimensions to the master.
func (p *Pty) Resize(rows, cols uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close closes the master fd. The child keeps running; callers that want
// the child gone use the signal helpers first.
func (p *Pty) Close() error { return p.f.Close() }

// Pid returns the child process id, or 0 if the process is gone.
func (p *Pty) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the child exits and reports what was observable.
func (p *Pty) Wait() ExitStatus {
	err := p.cmd.Wait()
	if err == nil {
		code := 0
		if st := p.cmd.ProcessState; st != nil {
			code = st.ExitCode()
		}
		return ExitStatus{Code: &code}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitStatus{Signal: ws.Signal().String()}
			}
			code := ws.ExitStatus()
			return ExitStatus{Code: &code}
		}
		code := ee.ExitCode()
		if code >= 0 {
			return ExitStatus{Code: &code}
		}
	}
	return ExitStatus{}
}
