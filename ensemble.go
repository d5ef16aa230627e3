// Package ensemble is the embedding API of the runner supervisor: load a
// configuration, resolve topology documents and run the supervisor in
// process.
package ensemble

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/loykin/ensemble/internal/config"
	"github.com/loykin/ensemble/internal/coord"
	"github.com/loykin/ensemble/internal/crashloop"
	"github.com/loykin/ensemble/internal/history"
	"github.com/loykin/ensemble/internal/protocol"
	"github.com/loykin/ensemble/internal/registry"
	"github.com/loykin/ensemble/internal/supervisor"
	"github.com/loykin/ensemble/internal/topology"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Definition = topology.Definition

type RunnerInfo = registry.Info

type HistoryEvent = history.Event

type HistorySink = history.Sink

type Client = protocol.Client

type ClientConfig = protocol.ClientConfig

var (
	ErrCrashLoop     = crashloop.ErrCrashLoop
	ErrDuplicateName = registry.ErrDuplicateName
	ErrNotFound      = registry.ErrNotFound
)

// LoadConfig reads a config file; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the defaults.
func DefaultConfig() *Config { return config.Default() }

// Resolve reads the document at path with the parameter context of cfg,
// dropping runners whose condition is false.
func Resolve(cfg *Config, path string) ([]*Definition, error) {
	return topology.Read(path, topology.ReadOptions{
		Params:    supervisor.Params(cfg),
		Evaluator: topology.NewExprEvaluator(),
		Render:    cfg.Ensemble.Render,
	})
}

// Supervisor is a thin facade over internal/supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

// Options tune an embedded supervisor.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// History receives lifecycle events instead of the configured DSN.
	History HistorySink
}

func New(cfg *Config, opts Options) (*Supervisor, error) {
	s, err := supervisor.New(cfg, opts.Logger, supervisor.Options{Sink: opts.History})
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

// Run supervises the document until ctx is done or a runner crash-loops.
func (s *Supervisor) Run(ctx context.Context, document string) error {
	return s.inner.Run(ctx, document)
}

// Ready reports whether every runner of the document has been started.
func (s *Supervisor) Ready() bool { return s.inner.Gate().Ready() }

// Runners lists the runners whose name matches query.
func (s *Supervisor) Runners(query string) []RunnerInfo {
	return s.inner.Registry().FindAllByQuery(query)
}

func (s *Supervisor) Runner(name string) (RunnerInfo, bool) {
	return s.inner.Registry().FindByName(name)
}

// Handler serves the status API (runners, roles, endpoints, ready, history)
// under basePath, for mounting into an existing router.
func (s *Supervisor) Handler(basePath string) http.Handler { return s.inner.APIHandler(basePath) }

func (s *Supervisor) Roles() map[string]string     { return s.inner.Roles().Snapshot() }
func (s *Supervisor) Endpoints() map[string]string { return s.inner.Endpoints().Snapshot() }
func (s *Supervisor) CommandAddress() string       { return s.inner.CommandAddress() }

// DiscoveryRole is the role held by the discovery service.
const DiscoveryRole = coord.DiscoveryRole

// Dial connects to a running supervisor's command server.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) { return protocol.Dial(ctx, cfg) }

// IsError reports whether a protocol reply is a failure.
func IsError(reply string) bool { return protocol.IsError(reply) }
