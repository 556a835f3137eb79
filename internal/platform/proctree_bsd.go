//go:build darwin || freebsd || netbsd || openbsd

package platform

import (
	"os/exec"
	"strconv"
	"strings"
)

// Children lists the direct children of pid by parsing `ps -eo pid,ppid`.
// There is no /proc on these systems.
func Children(pid int) ([]int, error) {
	out, err := exec.Command("ps", "-eo", "pid,ppid").Output()
	if err != nil {
		return nil, err
	}
	return parsePsChildren(string(out), pid), nil
}

func parsePsChildren(out string, pid int) []int {
	var kids []int
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		child, err := strconv.Atoi(fields[0])
		if err != nil {
			// Header line.
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		if ppid == pid {
			kids = append(kids, child)
		}
	}
	return kids
}
