// Package registry owns the live set of runner processes. All state lives
// in one goroutine; callers and process monitors talk to it with messages.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/loykin/ensemble/internal/crashloop"
	"github.com/loykin/ensemble/internal/history"
	"github.com/loykin/ensemble/internal/metrics"
	"github.com/loykin/ensemble/internal/process"
	"github.com/loykin/ensemble/internal/readiness"
	"github.com/loykin/ensemble/internal/topology"
)

var (
	ErrDuplicateName = errors.New("a runner with this name already exists")
	ErrNotFound      = errors.New("runner not found")
	ErrClosed        = errors.New("registry is closed")
)

// DefaultSlowWarning is how long an operation may take before it is logged.
const DefaultSlowWarning = 10 * time.Second

type Config struct {
	// Process is the template for every runner; OnExit is set per runner.
	Process         process.Options
	KeepAlive       bool
	CrashWindow     time.Duration
	CrashThreshold  int
	BlockingTimeout time.Duration
	SlowWarning     time.Duration
	Read            topology.ReadOptions
	Signals         *readiness.Signals
	History         *history.Dispatcher
	Log             *slog.Logger
}

// Info is a point-in-time view of one runner.
type Info struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	PID        int       `json:"pid"`
	Host       string    `json:"host,omitempty"`
	Running    bool      `json:"running"`
	Stopping   bool      `json:"stopping"`
	Supervised bool      `json:"supervised"`
	Crashes    int       `json:"recent_crashes"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

type entry struct {
	proc *process.Process
	sup  *crashloop.Supervised
	// stopRequested is set by a stop and cleared by the next start. Only
	// the loop goroutine touches it.
	stopRequested bool
}

func (e *entry) info() Info {
	d := e.proc.Definition()
	i := Info{
		Name:       d.Name,
		Path:       d.Path,
		PID:        e.proc.PID(),
		Host:       e.proc.Host(),
		Running:    e.proc.IsRunning(),
		Stopping:   e.proc.IsStopping(),
		Supervised: e.sup != nil,
		StartedAt:  e.proc.StartedAt(),
	}
	if e.sup != nil {
		i.Crashes = e.sup.Counter().Count()
	}
	return i
}

type state struct {
	entries []*entry
	closing bool
}

func (s *state) byName(name string) *entry {
	for _, e := range s.entries {
		if e.proc.Name() == name {
			return e
		}
	}
	return nil
}

func (s *state) byPID(pid int) *entry {
	if pid <= 0 {
		return nil
	}
	for _, e := range s.entries {
		if e.proc.PID() == pid {
			return e
		}
	}
	return nil
}

type Registry struct {
	cfg   Config
	log   *slog.Logger
	inbox chan func(*state)
	fatal chan error
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New starts the registry loop. Call Close when done.
func New(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Signals == nil {
		cfg.Signals = readiness.NewSignals()
	}
	if cfg.SlowWarning <= 0 {
		cfg.SlowWarning = DefaultSlowWarning
	}
	if cfg.BlockingTimeout <= 0 {
		cfg.BlockingTimeout = 30 * time.Second
	}
	if cfg.Process.Log == nil {
		cfg.Process.Log = cfg.Log
	}
	r := &Registry{
		cfg:   cfg,
		log:   cfg.Log,
		inbox: make(chan func(*state)),
		fatal: make(chan error, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.done)
	st := &state{}
	for {
		select {
		case fn := <-r.inbox:
			fn(st)
		case <-r.quit:
			return
		}
	}
}

// do runs fn inside the loop and waits for it.
func (r *Registry) do(fn func(*state)) error {
	finished := make(chan struct{})
	select {
	case r.inbox <- func(st *state) { defer close(finished); fn(st) }:
	case <-r.quit:
		return ErrClosed
	}
	<-finished
	return nil
}

// post queues fn without waiting for it to run.
func (r *Registry) post(fn func(*state)) {
	select {
	case r.inbox <- fn:
	case <-r.quit:
	}
}

// Close stops the loop. Runners are not stopped; call Stop first.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.quit) })
	<-r.done
}

// Fatal delivers crash-loop escalations. At most one error is buffered.
func (r *Registry) Fatal() <-chan error { return r.fatal }

// Signals is the barrier used for blocking activation.
func (r *Registry) Signals() *readiness.Signals { return r.cfg.Signals }

func (r *Registry) emit(t history.EventType, name string, pid, code int, detail string) {
	if r.cfg.History != nil {
		r.cfg.History.Emit(history.Event{Type: t, Runner: name, PID: pid, ExitCode: code, Detail: detail})
	}
}

// slow logs a warning when the returned func is not called within the
// configured threshold.
func (r *Registry) slow(op, name string) func() {
	t := time.AfterFunc(r.cfg.SlowWarning, func() {
		r.log.Warn("runner operation is taking long", "op", op, "runner", name, "threshold", r.cfg.SlowWarning)
	})
	return func() { t.Stop() }
}

// Start resolves the document and starts every runner of the tree.
func (r *Registry) Start(ctx context.Context, documentPath string) error {
	defs, err := topology.Read(documentPath, r.cfg.Read)
	if err != nil {
		return err
	}
	r.log.Info("topology resolved", "path", documentPath, "runners", len(topology.Flatten(defs)))
	return r.StartDefinitions(ctx, defs)
}

// StartDefinitions creates and starts each node depth-first as a flat list.
// A blocking runner holds back the ones after it until it signals or its
// activation timeout passes.
func (r *Registry) StartDefinitions(ctx context.Context, defs []*topology.Definition) error {
	for _, def := range topology.Flatten(defs) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.AddNew(def, true); err != nil {
			if errors.Is(err, ErrDuplicateName) {
				r.log.Warn("skipping runner with duplicate name", "runner", def.Name, "path", def.Path)
				continue
			}
			if errors.Is(err, ErrClosed) {
				return err
			}
			// start failures stay local to the runner
			r.log.Error("failed to start runner", "runner", def.Name, "error", err)
			continue
		}
		if def.Activation.Blocking() {
			if err := r.awaitActivation(ctx, def); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) awaitActivation(ctx context.Context, def *topology.Definition) error {
	timeout := def.Activation.Timeout(r.cfg.BlockingTimeout)
	r.log.Info("waiting for blocking runner", "runner", def.Name, "timeout", timeout)
	began := time.Now()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := r.cfg.Signals.Wait(wctx, def.Name)
	metrics.ObserveActivationWait(def.Name, time.Since(began).Seconds())
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		r.log.Warn("blocking runner did not signal in time, continuing", "runner", def.Name, "timeout", timeout)
		return nil
	}
}

// AddNew registers def and optionally starts it. A name already present
// yields ErrDuplicateName and creates nothing. When start fails the runner
// stays registered, stopped.
func (r *Registry) AddNew(def *topology.Definition, start bool) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("runner definition requires a name")
	}
	var opErr error
	err := r.do(func(st *state) {
		if st.byName(def.Name) != nil {
			opErr = fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
			return
		}
		e := r.newEntry(def)
		st.entries = append(st.entries, e)
		r.emit(history.EventAdd, def.Name, 0, 0, def.Path)
		if start {
			opErr = r.startEntry(e)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

func (r *Registry) newEntry(def *topology.Definition) *entry {
	e := &entry{}
	opts := r.cfg.Process
	opts.OnExit = func(x process.Exit) {
		r.post(func(st *state) { r.onExit(st, e, x) })
	}
	e.proc = process.New(def, opts)
	if r.cfg.KeepAlive && def.KeepAlive() {
		e.sup = crashloop.NewSupervised(e.proc, crashloop.NewCounter(r.cfg.CrashWindow), r.cfg.CrashThreshold, r.log)
	}
	return e
}

func (r *Registry) startEntry(e *entry) error {
	defer r.slow("start", e.proc.Name())()
	e.stopRequested = false
	if err := e.proc.Start(); err != nil {
		return err
	}
	r.emit(history.EventStart, e.proc.Name(), e.proc.PID(), 0, "")
	return nil
}

func (r *Registry) stopEntry(e *entry) error {
	name, pid := e.proc.Name(), e.proc.PID()
	defer r.slow("stop", name)()
	e.stopRequested = true
	err := e.proc.Stop()
	if pid > 0 {
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		r.emit(history.EventStop, name, pid, 0, detail)
	}
	return err
}

func (r *Registry) onExit(st *state, e *entry, x process.Exit) {
	r.emit(history.EventExit, x.Name, x.PID, x.Code, "")
	if st.closing {
		return
	}
	// a crash queued behind a stop request must not bring the runner back
	if e.stopRequested {
		x.Stopped = true
	}
	// exit of an earlier instance; the current one is already running
	if x.PID != e.proc.PID() && e.proc.IsRunning() {
		return
	}
	if e.sup == nil {
		if !x.Stopped {
			r.log.Info("runner exited", "runner", x.Name, "pid", x.PID, "exit_code", x.Code)
		}
		return
	}
	decision, err := e.sup.HandleExit(x)
	switch decision {
	case crashloop.Restarted:
		if err != nil {
			r.log.Error("restart failed", "runner", x.Name, "error", err)
			return
		}
		r.emit(history.EventRestart, x.Name, e.proc.PID(), x.Code, "")
	case crashloop.Escalated:
		r.emit(history.EventEscalate, x.Name, x.PID, x.Code, err.Error())
		select {
		case r.fatal <- err:
		default:
		}
	}
}

// Stop stops every live runner concurrently. Failures are logged and the
// affected runner is left detached.
func (r *Registry) Stop() {
	_ = r.do(func(st *state) {
		st.closing = true
		var wg sync.WaitGroup
		for _, e := range st.entries {
			if !e.proc.IsRunning() {
				continue
			}
			wg.Add(1)
			go func(e *entry) {
				defer wg.Done()
				if err := r.stopEntry(e); err != nil {
					r.log.Error("failed to stop runner", "runner", e.proc.Name(), "error", err)
				}
			}(e)
		}
		wg.Wait()
	})
}

func (r *Registry) lookup(name string, pid int, fn func(*entry) error) error {
	var opErr error
	err := r.do(func(st *state) {
		e := st.byName(name)
		if e == nil {
			e = st.byPID(pid)
		}
		if e == nil {
			opErr = fmt.Errorf("%w: name %q pid %d", ErrNotFound, name, pid)
			return
		}
		opErr = fn(e)
	})
	if err != nil {
		return err
	}
	return opErr
}

// StartRunner starts the runner selected by name, or by pid when name is
// empty or unknown.
func (r *Registry) StartRunner(name string, pid int) error {
	return r.lookup(name, pid, r.startEntry)
}

func (r *Registry) StopRunner(name string, pid int) error {
	return r.lookup(name, pid, r.stopEntry)
}

func (r *Registry) RestartRunner(name string, pid int) error {
	return r.lookup(name, pid, func(e *entry) error {
		if err := r.stopEntry(e); err != nil {
			r.log.Warn("stop before restart failed", "runner", e.proc.Name(), "error", err)
		}
		return r.startEntry(e)
	})
}

// SetHost records the address a runner reported for itself.
func (r *Registry) SetHost(name, host string) error {
	return r.lookup(name, 0, func(e *entry) error {
		e.proc.SetHost(host)
		return nil
	})
}

// Definition returns the declared definition of the selected runner.
func (r *Registry) Definition(name string, pid int) (*topology.Definition, error) {
	var def *topology.Definition
	err := r.lookup(name, pid, func(e *entry) error {
		def = e.proc.Definition()
		return nil
	})
	return def, err
}

// FindByName returns the runner called name.
func (r *Registry) FindByName(name string) (Info, bool) {
	var (
		out Info
		ok  bool
	)
	_ = r.do(func(st *state) {
		if e := st.byName(name); e != nil {
			out, ok = e.info(), true
		}
	})
	return out, ok
}

// FindByID returns the runner whose current process has pid.
func (r *Registry) FindByID(pid int) (Info, bool) {
	var (
		out Info
		ok  bool
	)
	_ = r.do(func(st *state) {
		if e := st.byPID(pid); e != nil {
			out, ok = e.info(), true
		}
	})
	return out, ok
}

// FindAllByQuery matches names case-insensitively: glob syntax when the
// pattern has *, ? or [, a substring otherwise. Empty matches all.
func (r *Registry) FindAllByQuery(pattern string) []Info {
	var out []Info
	_ = r.do(func(st *state) {
		for _, e := range st.entries {
			if Match(pattern, e.proc.Name()) {
				out = append(out, e.info())
			}
		}
	})
	return out
}

// List returns every runner in registration order.
func (r *Registry) List() []Info { return r.FindAllByQuery("") }

// Names returns the names matching pattern in registration order.
func (r *Registry) Names(pattern string) []string {
	infos := r.FindAllByQuery(pattern)
	names := make([]string, len(infos))
	for i, in := range infos {
		names[i] = in.Name
	}
	return names
}

// PIDs maps running runners to their pid.
func (r *Registry) PIDs() map[string]int {
	out := map[string]int{}
	for _, in := range r.List() {
		if in.PID > 0 {
			out[in.Name] = in.PID
		}
	}
	return out
}

// Match reports whether name matches the query pattern.
func Match(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	p, n := strings.ToLower(pattern), strings.ToLower(name)
	if strings.ContainsAny(p, "*?[") {
		ok, err := path.Match(p, n)
		return err == nil && ok
	}
	return strings.Contains(n, p)
}
