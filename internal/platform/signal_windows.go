//go:build windows

package platform

import "os"

// Interrupt is not deliverable on Windows; callers fall back to Terminate.
func Interrupt(pid int) error {
	return Unsupported("interrupt")
}

// Terminate force-terminates pid. Windows has no graceful TERM, so this is
// the same as Kill.
func Terminate(pid int) error {
	return Kill(pid)
}

// Kill terminates pid via TerminateProcess.
func Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// IsAlive reports whether pid can still be opened as a process.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Release only frees the handle; it does not touch the process.
	defer p.Release()
	return true
}
