//go:build linux

package platform

import (
	"os"
	"strconv"
	"strings"
)

// Children lists the direct children of pid by scanning /proc/*/stat.
func Children(pid int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var kids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile("/proc/" + e.Name() + "/stat")
		if err != nil {
			// Raced with process exit; skip.
			continue
		}
		ppid, ok := parseStatPPID(string(data))
		if ok && ppid == pid {
			kids = append(kids, child)
		}
	}
	return kids, nil
}

// parseStatPPID extracts field 4 (ppid) from /proc/[pid]/stat. The comm
// field is parenthesized and may itself contain spaces and parentheses,
// so parsing starts after the last ')'.
func parseStatPPID(stat string) (int, bool) {
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 || idx+2 >= len(stat) {
		return 0, false
	}
	fields := strings.Fields(stat[idx+1:])
	// fields[0] is state, fields[1] is ppid.
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}
