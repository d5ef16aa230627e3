// Package crashloop decides between restarting a crashed runner and
// failing the whole supervisor.
package crashloop

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/ensemble/internal/metrics"
	"github.com/loykin/ensemble/internal/process"
)

const (
	DefaultWindow    = 30 * time.Second
	DefaultThreshold = 2
)

// ErrCrashLoop is returned, wrapped with the runner name, when a runner
// crashes too often inside the window.
var ErrCrashLoop = errors.New("runner is crash-looping")

// Counter keeps timestamps of unexpected exits inside a sliding window.
type Counter struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	crashes []time.Time
}

func NewCounter(window time.Duration) *Counter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Counter{window: window, now: time.Now}
}

// WithClock replaces the time source; tests use it to step time.
func (c *Counter) WithClock(now func() time.Time) *Counter {
	c.now = now
	return c
}

func (c *Counter) prune(now time.Time) {
	cut := 0
	for cut < len(c.crashes) && now.Sub(c.crashes[cut]) > c.window {
		cut++
	}
	c.crashes = c.crashes[cut:]
}

// Count returns the crashes still inside the window.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.now())
	return len(c.crashes)
}

// Record adds a crash at the current time and returns how many crashes
// were already in the window before it.
func (c *Counter) Record() (prior int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.prune(now)
	prior = len(c.crashes)
	c.crashes = append(c.crashes, now)
	return prior
}

// Decision is the outcome of handling one exit.
type Decision int

const (
	// Detached: the exit followed a stop request, nothing to do.
	Detached Decision = iota
	// Graceful: exit code 0, never restarted.
	Graceful
	Restarted
	Escalated
)

func (d Decision) String() string {
	switch d {
	case Detached:
		return "detached"
	case Graceful:
		return "graceful"
	case Restarted:
		return "restarted"
	case Escalated:
		return "escalated"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Starter is the part of a process the decorator needs.
type Starter interface {
	Name() string
	Start() error
}

var _ Starter = (*process.Process)(nil)

// Supervised decorates a process with crash-loop supervision.
type Supervised struct {
	proc      Starter
	counter   *Counter
	threshold int
	log       *slog.Logger
}

func NewSupervised(p Starter, counter *Counter, threshold int, log *slog.Logger) *Supervised {
	if counter == nil {
		counter = NewCounter(DefaultWindow)
	}
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervised{proc: p, counter: counter, threshold: threshold, log: log}
}

// Counter exposes the crash counter.
func (s *Supervised) Counter() *Counter { return s.counter }

// HandleExit applies the supervision policy to one exit. The returned error
// wraps ErrCrashLoop on escalation, or carries the restart failure.
func (s *Supervised) HandleExit(e process.Exit) (Decision, error) {
	name := s.proc.Name()
	if e.Stopped {
		s.log.Debug("runner exited after stop", "runner", name, "pid", e.PID)
		return Detached, nil
	}
	if e.Code == 0 {
		s.log.Info("runner terminated gracefully", "runner", name, "pid", e.PID)
		return Graceful, nil
	}

	metrics.IncCrash(name)
	prior := s.counter.Record()
	if prior < s.threshold {
		s.log.Warn("runner crashed, restarting", "runner", name, "pid", e.PID, "exit_code", e.Code, "recent_crashes", prior+1)
		metrics.IncRestart(name)
		if err := s.proc.Start(); err != nil {
			return Restarted, fmt.Errorf("restart %s: %w", name, err)
		}
		return Restarted, nil
	}

	s.log.Error("runner is crash-looping, escalating", "runner", name, "pid", e.PID, "exit_code", e.Code, "recent_crashes", prior+1)
	metrics.IncEscalation(name)
	return Escalated, fmt.Errorf("%s exited with code %d: %w", name, e.Code, ErrCrashLoop)
}
