// Package hosting helps runner programs written in Go cooperate with the
// ensemble supervisor that launched them.
package hosting

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Environment variables injected into every runner process.
const (
	RunnerNameEnv       = "ENSEMBLE_RUNNER_NAME"
	SupervisorPIDEnv    = "ENSEMBLE_SUPERVISOR_PID"
	DiscoveryAddressEnv = "ENSEMBLE_DISCOVERY_ADDRESS"
	WorkingDirEnv       = "ENSEMBLE_WORKING_DIR"
)

// RunnerName is the name this process was declared with, or "" when it was
// not started by a supervisor.
func RunnerName() string { return os.Getenv(RunnerNameEnv) }

// SupervisorPID returns the supervisor's pid; ok is false when the variable
// is missing or malformed.
func SupervisorPID() (pid int, ok bool) {
	pid, err := strconv.Atoi(os.Getenv(SupervisorPIDEnv))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// DiscoveryAddress is the holder of the discovery role at launch time.
func DiscoveryAddress() string { return os.Getenv(DiscoveryAddressEnv) }

// Supervised reports whether the current process was launched by a supervisor.
func Supervised() bool {
	_, ok := SupervisorPID()
	return ok && RunnerName() != ""
}

// WatchParent polls every interval until the process pid disappears, then
// calls onExit once and returns. It returns without calling onExit when ctx
// ends first. A runner uses it with SupervisorPID to terminate itself when
// the supervisor dies.
func WatchParent(ctx context.Context, pid int, interval time.Duration, onExit func()) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		alive, err := process.PidExistsWithContext(ctx, int32(pid))
		if err == nil && !alive {
			onExit()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
