// Package process wraps one runner definition in one supervised OS process.
package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/ensemble/internal/env"
	"github.com/loykin/ensemble/internal/logger"
	"github.com/loykin/ensemble/internal/metrics"
	"github.com/loykin/ensemble/internal/topology"
	"github.com/loykin/ensemble/pkg/hosting"
)

var ErrAlreadyStarted = errors.New("process is already started")

// Exit describes the end of one OS process.
type Exit struct {
	Name string
	PID  int
	Code int
	Err  error
	// Stopped is true when the exit followed a Stop request.
	Stopped bool
}

// Options carries what every runner process shares.
type Options struct {
	Launcher   Launcher
	WorkingDir string
	Env        env.Env
	// Discovery returns the current discovery role holder, "" when unknown.
	// It is read at every start.
	Discovery func() string
	Logs      logger.Config
	// OnExit is called from the monitor goroutine after the process has
	// been reaped.
	OnExit func(Exit)
	// KillWait bounds how long Stop waits for the killed process to be reaped.
	KillWait time.Duration
	Log      *slog.Logger
}

// Process is the managed wrapper around exactly one OS process.
type Process struct {
	def  *topology.Definition
	opts Options

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	host      string
	running   bool
	stopping  bool
	done      chan struct{}
	startedAt time.Time
	launch    Launch
}

// New creates a wrapper for def; nothing is started.
func New(def *topology.Definition, opts Options) *Process {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.KillWait <= 0 {
		opts.KillWait = 5 * time.Second
	}
	return &Process{def: def.Clone(), opts: opts}
}

func (p *Process) Name() string { return p.def.Name }

// Definition returns a copy of the runner definition.
func (p *Process) Definition() *topology.Definition { return p.def.Clone() }

// PID is the OS pid, 0 when not running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) Host() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host
}

func (p *Process) SetHost(h string) {
	p.mu.Lock()
	p.host = h
	p.mu.Unlock()
}

func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// IsStopping reports whether the last transition was a Stop request. It
// stays set after the process exits until the next Start.
func (p *Process) IsStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// StartedAt is the time of the last successful start.
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Done is closed when the current process has been reaped. It is nil
// before the first start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Environment builds the child environment: shared variables plus the
// runner contract.
func (p *Process) Environment() []string {
	e := p.opts.Env.
		WithSet(hosting.RunnerNameEnv, p.def.Name).
		WithSet(hosting.SupervisorPIDEnv, strconv.Itoa(os.Getpid()))
	if p.opts.Discovery != nil {
		if addr := p.opts.Discovery(); addr != "" {
			e = e.WithSet(hosting.DiscoveryAddressEnv, addr)
		}
	}
	return e.Merge(nil)
}

func (p *Process) command() (*exec.Cmd, Launch, io.WriteCloser, io.WriteCloser, error) {
	launch, err := ResolveLaunch(p.def, p.opts.Launcher)
	if err != nil {
		return nil, Launch{}, nil, nil, err
	}
	// #nosec G204
	cmd := exec.Command(launch.Command, launch.Args...)
	cmd.Dir = WorkingDir(launch.Command, p.opts.WorkingDir)
	cmd.Env = p.Environment()
	configureSysProcAttr(cmd)

	// nil writers leave stdio on the null device
	outW, errW, err := p.opts.Logs.ProcessWriters(p.def.Name)
	if err != nil {
		return nil, Launch{}, nil, nil, err
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	return cmd, launch, outW, errW, nil
}

// Start launches the process. It fails with ErrAlreadyStarted when running.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyStarted
	}
	cmd, launch, outW, errW, err := p.command()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return fmt.Errorf("start %s (%s): %w", p.def.Name, launch, err)
	}
	done := make(chan struct{})
	p.cmd, p.pid, p.launch = cmd, cmd.Process.Pid, launch
	p.running, p.stopping = true, false
	p.done, p.startedAt = done, time.Now()
	metrics.IncStart(p.def.Name)
	p.opts.Log.Info("started runner", "runner", p.def.Name, "pid", p.pid, "command", launch.Command, "managed", launch.Managed, "dir", cmd.Dir)

	go p.monitor(cmd, done, outW, errW)
	return nil
}

func (p *Process) monitor(cmd *exec.Cmd, done chan struct{}, outW, errW io.WriteCloser) {
	err := cmd.Wait()
	closeAll(outW, errW)
	metrics.ProcessExited()

	e := Exit{Name: p.def.Name, PID: cmd.Process.Pid, Code: exitCode(cmd, err), Err: err}
	p.mu.Lock()
	if p.cmd == cmd {
		p.running, p.pid, p.cmd = false, 0, nil
		e.Stopped = p.stopping
	} else {
		// detached earlier; its exit is no longer ours to act on
		e.Stopped = true
	}
	p.mu.Unlock()
	close(done)

	if p.opts.OnExit != nil {
		p.opts.OnExit(e)
	}
}

// exitCode returns the process exit status; -1 when killed by a signal or
// when the status is unknown.
func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// Stop force-terminates the process tree. It is a no-op when not running.
// When the tree cannot be killed the wrapper is detached and the error is
// returned; the caller logs it and moves on.
func (p *Process) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	cmd, pid, done := p.cmd, p.pid, p.done
	p.mu.Unlock()

	metrics.IncStop(p.def.Name)
	p.opts.Log.Debug("stopping runner", "runner", p.def.Name, "pid", pid)
	if err := killTree(pid); err != nil {
		p.detach(cmd)
		return fmt.Errorf("stop %s (%d): %w", p.def.Name, pid, err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(p.opts.KillWait):
		p.detach(cmd)
		return fmt.Errorf("stop %s (%d): process not reaped after %s", p.def.Name, pid, p.opts.KillWait)
	}
}

// detach forgets cmd so a late exit of it no longer changes state.
func (p *Process) detach(cmd *exec.Cmd) {
	p.mu.Lock()
	if p.cmd == cmd {
		p.running, p.pid, p.cmd = false, 0, nil
	}
	p.mu.Unlock()
}

// Restart stops (if running) then starts.
func (p *Process) Restart() error {
	if err := p.Stop(); err != nil {
		p.opts.Log.Warn("stop before restart failed", "runner", p.def.Name, "error", err)
	}
	return p.Start()
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
