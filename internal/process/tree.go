package process

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// descendants lists every live descendant of pid, children first.
func descendants(pid int) []*gopsproc.Process {
	root, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []*gopsproc.Process
	queue := []*gopsproc.Process{root}
	seen := map[int32]bool{root.Pid: true}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// killTree terminates pid and everything it spawned. Descendants are
// collected before the root dies so orphans reparented to init are not lost.
func killTree(pid int) error {
	kids := descendants(pid)
	err := killRoot(pid)
	for _, c := range kids {
		if ok, _ := c.IsRunning(); ok {
			_ = c.Kill()
		}
	}
	return err
}
