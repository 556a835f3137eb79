package platform

import (
	"time"
)

// Descendants returns every transitive child of pid, breadth-first, parents
// before their children. pid itself is not included.
func Descendants(pid int) ([]int, error) {
	var out []int
	queue := []int{pid}
	seen := map[int]bool{pid: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids, err := Children(cur)
		if err != nil {
			return out, err
		}
		for _, k := range kids {
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
			queue = append(queue, k)
		}
	}
	return out, nil
}

// KillTree terminates pid and all of its descendants. Children go first so
// parents cannot respawn or reap them into odd states. Every process gets
// SIGTERM, then whatever is still alive after grace gets SIGKILL.
func KillTree(pid int, grace time.Duration) error {
	desc, err := Descendants(pid)
	if err != nil && len(desc) == 0 {
		// Fall through with just the root; partial enumeration is still
		// better than leaving everything running.
		desc = nil
	}
	ordered := make([]int, 0, len(desc)+1)
	for i := len(desc) - 1; i >= 0; i-- {
		ordered = append(ordered, desc[i])
	}
	ordered = append(ordered, pid)

	for _, p := range ordered {
		_ = Terminate(p)
	}
	waitUntilGone(ordered, grace)
	for _, p := range ordered {
		if IsAlive(p) {
			_ = Kill(p)
		}
	}
	return nil
}

// KillDescendants is KillTree without touching pid itself. Used by
// interrupt handling, where the shell must survive but its children
// (sleep, find, build jobs) must not.
func KillDescendants(pid int, grace time.Duration) (int, error) {
	desc, err := Descendants(pid)
	if err != nil && len(desc) == 0 {
		return 0, err
	}
	for i := len(desc) - 1; i >= 0; i-- {
		_ = Interrupt(desc[i])
	}
	waitUntilGone(desc, grace)
	killed := 0
	for i := len(desc) - 1; i >= 0; i-- {
		if IsAlive(desc[i]) {
			_ = Terminate(desc[i])
			killed++
		}
	}
	waitUntilGone(desc, grace)
	for i := len(desc) - 1; i >= 0; i-- {
		if IsAlive(desc[i]) {
			_ = Kill(desc[i])
		}
	}
	return len(desc), nil
}

func waitUntilGone(pids []int, grace time.Duration) {
	if grace <= 0 {
		return
	}
	const step = 25 * time.Millisecond
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		any := false
		for _, p := range pids {
			if IsAlive(p) {
				any = true
				break
			}
		}
		if !any {
			return
		}
		time.Sleep(step)
	}
}
