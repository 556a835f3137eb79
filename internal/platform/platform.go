// Package platform abstracts the OS-sensitive capabilities the terminal core
// needs: PTY spawning, signal delivery, process-tree enumeration, filesystem
// path conventions, and executable lookup. Capabilities that an OS cannot
// provide fail with UnsupportedError instead of panicking so callers can
// degrade gracefully.
package platform

import (
	"errors"
	"fmt"
)

// UnsupportedError reports that the current platform cannot perform an
// operation. Op is a stable identifier such as "interrupt" or "proctree".
type UnsupportedError struct {
	Op string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("platform does not support %q", e.Op)
}

// Unsupported builds an UnsupportedError for op.
func Unsupported(op string) error {
	return &UnsupportedError{Op: op}
}

// IsUnsupported reports whether err is an UnsupportedError.
func IsUnsupported(err error) bool {
	var ue *UnsupportedError
	return errors.As(err, &ue)
}
