package platform

import (
	"os"
	"os/exec"
)

// Which resolves name against PATH. The empty string means not found.
func Which(name string) string {
	p, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return p
}

// IsExecutable reports whether path names a regular file with any execute
// bit set.
func IsExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode()&0o111 != 0
}
