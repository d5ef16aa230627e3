package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/ensemble/internal/coord"
	"github.com/loykin/ensemble/internal/history"
	"github.com/loykin/ensemble/internal/metrics"
	"github.com/loykin/ensemble/internal/readiness"
	"github.com/loykin/ensemble/internal/registry"
)

// Router exposes read-only supervisor state over HTTP.
// Endpoints:
//
//	GET {basePath}/runners          query: q=<pattern> (optional)
//	GET {basePath}/runners/:name
//	GET {basePath}/roles
//	GET {basePath}/endpoints
//	GET {basePath}/ready            503 until every runner was started
//	GET {basePath}/history          query: runner=...&limit=50 (needs a queryable sink)
//	GET /metrics                    when Metrics is set
type Router struct {
	deps     Deps
	basePath string
}

// Runners is the registry view the router reads.
type Runners interface {
	FindAllByQuery(pattern string) []registry.Info
	FindByName(name string) (registry.Info, bool)
}

var _ Runners = (*registry.Registry)(nil)

type Deps struct {
	Runners   Runners
	Roles     *coord.Roles
	Endpoints *coord.Endpoints
	Gate      *readiness.Gate
	// History may be nil when the configured sink cannot be queried.
	History history.Querier
	Metrics bool
}

func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/runners", r.handleRunners)
	group.GET("/runners/:name", r.handleRunner)
	group.GET("/roles", r.handleRoles)
	group.GET("/endpoints", r.handleEndpoints)
	group.GET("/ready", r.handleReady)
	group.GET("/history", r.handleHistory)
	if r.deps.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer builds the HTTP server for addr without starting it.
func NewServer(addr, basePath string, deps Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(deps, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type readyResp struct {
	Ready bool `json:"ready"`
}

func (r *Router) handleRunners(c *gin.Context) {
	infos := r.deps.Runners.FindAllByQuery(c.Query("q"))
	if infos == nil {
		infos = []registry.Info{}
	}
	writeJSON(c, http.StatusOK, infos)
}

func (r *Router) handleRunner(c *gin.Context) {
	name := c.Param("name")
	info, ok := r.deps.Runners.FindByName(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "runner not found: " + name})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleRoles(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Roles.Snapshot())
}

func (r *Router) handleEndpoints(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Endpoints.Snapshot())
}

func (r *Router) handleReady(c *gin.Context) {
	if r.deps.Gate == nil || !r.deps.Gate.Ready() {
		writeJSON(c, http.StatusServiceUnavailable, readyResp{Ready: false})
		return
	}
	writeJSON(c, http.StatusOK, readyResp{Ready: true})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.deps.History == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "history is not enabled or not queryable"})
		return
	}
	limit := parseLimit(c.Query("limit"), 50, 500)
	events, err := r.deps.History.Recent(c.Request.Context(), c.Query("runner"), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
