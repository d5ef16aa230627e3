package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of a runner process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads CPU and memory usage of pid.
func Sample(ctx context.Context, pid int32) (Usage, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Usage{}, fmt.Errorf("process %d: %w", pid, err)
	}
	u := Usage{PID: pid, Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("memory of %d: %w", pid, err)
	}
	u.MemoryRSS, u.MemoryVMS = mem.RSS, mem.VMS
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// RunSampler samples every pid returned by pids each interval and exports
// the usage gauges until ctx is done. Runners missing from a round are
// forgotten.
func RunSampler(ctx context.Context, interval time.Duration, pids func() map[string]int, log *slog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	seen := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		current := map[string]bool{}
		for runner, pid := range pids() {
			u, err := Sample(ctx, int32(pid))
			if err != nil {
				if log != nil {
					log.Debug("usage sample failed", "runner", runner, "pid", pid, "error", err)
				}
				continue
			}
			current[runner] = true
			SetUsage(runner, u)
		}
		for runner := range seen {
			if !current[runner] {
				ForgetRunner(runner)
			}
		}
		seen = current
	}
}
