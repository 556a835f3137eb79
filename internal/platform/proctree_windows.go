//go:build windows

package platform

// Children is not implemented on Windows; the toolhelp snapshot would be
// the path if session teardown ever needs it there.
func Children(pid int) ([]int, error) {
	return nil, Unsupported("proctree")
}
