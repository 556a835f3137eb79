//go:build unix

package platform

import (
	"golang.org/x/sys/unix"
)

// Interrupt sends SIGINT to pid.
func Interrupt(pid int) error {
	return unix.Kill(pid, unix.SIGINT)
}

// Terminate sends SIGTERM to pid.
func Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// Kill sends SIGKILL to pid.
func Kill(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

// IsAlive reports whether pid still names a live process. Signal 0 probes
// without delivering anything; EPERM still means the process exists.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
