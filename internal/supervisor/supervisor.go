// Package supervisor assembles the registry, the coordination maps and the
// network surfaces, and runs them until shutdown or a crash-loop escalation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/ensemble/internal/config"
	"github.com/loykin/ensemble/internal/coord"
	"github.com/loykin/ensemble/internal/history"
	"github.com/loykin/ensemble/internal/history/factory"
	"github.com/loykin/ensemble/internal/metrics"
	"github.com/loykin/ensemble/internal/process"
	"github.com/loykin/ensemble/internal/protocol"
	"github.com/loykin/ensemble/internal/readiness"
	"github.com/loykin/ensemble/internal/registry"
	"github.com/loykin/ensemble/internal/server"
	"github.com/loykin/ensemble/internal/topology"
	tpl "github.com/loykin/ensemble/pkg/template"
)

// Options overrides parts of the assembly, mostly for embedding and tests.
type Options struct {
	// Sink replaces the history sink built from history.dsn.
	Sink history.Sink
	// Evaluator replaces the expr-based condition evaluator.
	Evaluator topology.Evaluator
	// Registerer receives the metrics when metrics.enabled is set.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Supervisor owns every long-lived component of one run.
type Supervisor struct {
	cfg *config.Config
	log *slog.Logger

	registry  *registry.Registry
	roles     *coord.Roles
	endpoints *coord.Endpoints
	gate      *readiness.Gate
	signals   *readiness.Signals
	history   *history.Dispatcher
	querier   history.Querier
	commands  *protocol.Server
	opts      Options
}

// New builds a supervisor from cfg. Nothing runs until Run.
func New(cfg *config.Config, log *slog.Logger, opts Options) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}
	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global environment: %w", err)
	}

	s := &Supervisor{
		cfg:       cfg,
		log:       log,
		roles:     coord.NewRoles(),
		endpoints: coord.NewEndpoints(cfg.Endpoints.Scheme, cfg.Endpoints.StartingPort),
		gate:      readiness.NewGate(),
		signals:   readiness.NewSignals(),
		opts:      opts,
	}

	sink := opts.Sink
	if sink == nil && cfg.History.Enabled {
		if sink, err = factory.NewSinkFromDSN(cfg.History.DSN); err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		log.Info("runner history enabled", "dsn_scheme", schemeOf(cfg.History.DSN))
	}
	if sink != nil {
		s.history = history.NewDispatcher(sink, log, 256)
		if q, ok := sink.(history.Querier); ok {
			s.querier = q
		}
	}

	sc := cfg.Supervisor
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = topology.NewExprEvaluator()
	}
	s.registry = registry.New(registry.Config{
		Process: process.Options{
			Launcher: process.Launcher{
				Command:   sc.Launcher.Command,
				Extension: sc.Launcher.Extension,
				Guess:     sc.Launcher.Guess,
			},
			WorkingDir: cfg.WorkingDir(),
			Env:        globalEnv,
			Discovery:  func() string { return s.roles.Query(coord.DiscoveryRole) },
			Logs:       cfg.Log.Logger(),
			KillWait:   sc.StopTimeout,
			Log:        log,
		},
		KeepAlive:       sc.KeepAlive,
		CrashWindow:     sc.CrashWindow,
		CrashThreshold:  sc.CrashThreshold,
		BlockingTimeout: sc.BlockingTimeout,
		Read: topology.ReadOptions{
			Params:    Params(cfg),
			Evaluator: evaluator,
			Render:    cfg.Ensemble.Render,
			Templates: tpl.NewGenerator(tpl.Options{
				Hosts:         sc.Hosts,
				CommandServer: sc.CommandServer.Name,
				Dir:           sc.TemplateDir,
			}),
			Logger: log,
		},
		Signals: s.signals,
		History: s.history,
		Log:     log,
	})
	s.commands = protocol.NewServer(protocol.ServerConfig{
		Name:           sc.CommandServer.Name,
		SocketDir:      sc.CommandServer.SocketDir,
		MaxConnections: sc.CommandServer.MaxConnections,
	}, s.Context())
	return s, nil
}

// Params builds the parameter context documents are evaluated against.
func Params(cfg *config.Config) topology.Params {
	values := make(map[string]string, len(cfg.Ensemble.Params))
	for k, v := range cfg.Ensemble.Params {
		values[k] = fmt.Sprint(v)
	}
	return topology.DefaultParams(topology.ParamsOptions{Values: values, Environment: cfg.Ensemble.Environment})
}

func schemeOf(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return "sqlite"
}

// Context is the shared state handed to protocol interpreters.
func (s *Supervisor) Context() *protocol.Context {
	return &protocol.Context{
		Registry:  s.registry,
		Roles:     s.roles,
		Endpoints: s.endpoints,
		Gate:      s.gate,
		Signals:   s.signals,
		Log:       s.log,
	}
}

func (s *Supervisor) Registry() *registry.Registry { return s.registry }
func (s *Supervisor) Roles() *coord.Roles          { return s.roles }
func (s *Supervisor) Endpoints() *coord.Endpoints  { return s.endpoints }
func (s *Supervisor) Gate() *readiness.Gate        { return s.gate }

// CommandAddress is where the control protocol listens.
func (s *Supervisor) CommandAddress() string { return s.commands.Addr() }

// Run binds the control endpoint, starts every runner of the document and
// supervises until ctx is done (nil) or a runner crash-loops (an error
// wrapping crashloop.ErrCrashLoop). Runners are stopped before Run returns.
func (s *Supervisor) Run(ctx context.Context, document string) error {
	defer s.close()
	// runners may connect as soon as they start
	if err := s.commands.Listen(); err != nil {
		return err
	}
	if err := s.setupMetrics(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.commands.Serve(gctx) })

	if s.cfg.HTTP.Enabled {
		srv := server.NewServer(s.cfg.HTTP.Listen, "/api", s.routerDeps())
		s.log.Info("status API listening", "address", s.cfg.HTTP.Listen)
		g.Go(func() error { return server.Serve(gctx, srv) })
	}
	if s.cfg.Metrics.Enabled {
		if s.cfg.Metrics.Listen != "" && s.cfg.Metrics.Listen != s.cfg.HTTP.Listen {
			msrv := &http.Server{Addr: s.cfg.Metrics.Listen, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
			s.log.Info("metrics listening", "address", s.cfg.Metrics.Listen)
			g.Go(func() error { return server.Serve(gctx, msrv) })
		}
		g.Go(func() error {
			metrics.RunSampler(gctx, s.cfg.Metrics.SampleInterval, s.registry.PIDs, s.log)
			return nil
		})
	}

	g.Go(func() error {
		defer s.registry.Stop()
		if err := s.registry.Start(gctx, document); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("start topology: %w", err)
		}
		s.gate.Set()
		s.log.Info("supervisor ready", "runners", len(s.registry.List()), "command_server", s.commands.Addr())
		select {
		case err := <-s.registry.Fatal():
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		s.log.Error("supervisor stopped", "error", err)
	} else {
		s.log.Info("supervisor stopped")
	}
	return err
}

func (s *Supervisor) setupMetrics() error {
	if !s.cfg.Metrics.Enabled {
		return nil
	}
	reg := s.opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	return nil
}

// APIHandler serves the status API under basePath for embedding into
// another HTTP server.
func (s *Supervisor) APIHandler(basePath string) http.Handler {
	return server.NewRouter(s.routerDeps(), basePath).Handler()
}

func (s *Supervisor) routerDeps() server.Deps {
	return server.Deps{
		Runners:   s.registry,
		Roles:     s.roles,
		Endpoints: s.endpoints,
		Gate:      s.gate,
		History:   s.querier,
		Metrics:   s.cfg.Metrics.Enabled,
	}
}

func (s *Supervisor) close() {
	s.registry.Close()
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.log.Warn("closing history sink failed", "error", err)
		}
	}
}
