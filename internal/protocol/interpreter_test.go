package protocol

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/ensemble/internal/coord"
	"github.com/loykin/ensemble/internal/readiness"
	"github.com/loykin/ensemble/internal/registry"
	"github.com/loykin/ensemble/internal/topology"
)

// fakeRegistry keeps definitions in memory; pids are 100 + index.
type fakeRegistry struct {
	mu    sync.Mutex
	defs  []*topology.Definition
	hosts map[string]string
	calls []string
}

func (f *fakeRegistry) find(name string, pid int) (int, error) {
	for i, d := range f.defs {
		if d.Name == name || (pid > 0 && pid == 100+i) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", registry.ErrNotFound, name)
}

func (f *fakeRegistry) Names(pattern string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.defs {
		if registry.Match(pattern, d.Name) {
			out = append(out, d.Name)
		}
	}
	return out
}

func (f *fakeRegistry) Definition(name string, pid int) (*topology.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.find(name, pid)
	if err != nil {
		return nil, err
	}
	return f.defs[i].Clone(), nil
}

func (f *fakeRegistry) op(verb string) func(string, int) error {
	return func(name string, pid int) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		i, err := f.find(name, pid)
		if err != nil {
			return err
		}
		f.calls = append(f.calls, verb+" "+f.defs[i].Name)
		return nil
	}
}

func (f *fakeRegistry) StartRunner(name string, pid int) error   { return f.op("start")(name, pid) }
func (f *fakeRegistry) StopRunner(name string, pid int) error    { return f.op("stop")(name, pid) }
func (f *fakeRegistry) RestartRunner(name string, pid int) error { return f.op("restart")(name, pid) }

func (f *fakeRegistry) AddNew(def *topology.Definition, start bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.find(def.Name, 0); err == nil {
		return fmt.Errorf("%w: %s", registry.ErrDuplicateName, def.Name)
	}
	f.defs = append(f.defs, def)
	return nil
}

func (f *fakeRegistry) SetHost(name, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.find(name, 0); err != nil {
		return err
	}
	if f.hosts == nil {
		f.hosts = map[string]string{}
	}
	f.hosts[name] = host
	return nil
}

func newTestContext(names ...string) (*Context, *fakeRegistry) {
	reg := &fakeRegistry{}
	for _, n := range names {
		reg.defs = append(reg.defs, &topology.Definition{Name: n, Path: n + ".bin"})
	}
	return &Context{
		Registry:  reg,
		Roles:     coord.NewRoles(),
		Endpoints: coord.NewEndpoints("https", 5000),
		Gate:      readiness.NewGate(),
		Signals:   readiness.NewSignals(),
	}, reg
}

func handle(t *testing.T, in *Interpreter, line string) string {
	t.Helper()
	reply, action := in.Handle(line)
	require.Equal(t, Reply, action, "line %q", line)
	return reply
}

func TestHandle_IgnoredLinesAndExit(t *testing.T) {
	ctx, _ := newTestContext()
	in := NewInterpreter(ctx)
	for _, line := range []string{"", "   ", "# comment", "#ping"} {
		_, action := in.Handle(line)
		assert.Equal(t, Skip, action, "line %q", line)
	}
	_, action := in.Handle("exit")
	assert.Equal(t, Close, action)
}

func TestHandle_PingReadyAndErrors(t *testing.T) {
	ctx, _ := newTestContext()
	in := NewInterpreter(ctx)

	assert.Equal(t, "OK", handle(t, in, "ping"))
	assert.Equal(t, "Error: Supervisor is not ready yet.", handle(t, in, "ready"))
	ctx.Gate.Set()
	assert.Equal(t, "OK", handle(t, in, "ready"))

	for _, line := range []string{"bogus", "runners", "runners explode", "roles claim only-role", `signal "unterminated`} {
		reply := handle(t, in, line)
		assert.True(t, IsError(reply), "%q -> %q", line, reply)
	}
	// the interpreter keeps working after errors
	assert.Equal(t, "OK", handle(t, in, "ping"))
}

func TestHandle_Signal(t *testing.T) {
	ctx, _ := newTestContext()
	in := NewInterpreter(ctx)
	sub, cancel := ctx.Signals.Subscribe(1)
	defer cancel()

	assert.Equal(t, "OK", handle(t, in, `signal "Orders Service"`))
	assert.True(t, ctx.Signals.Signaled("Orders Service"))
	assert.Equal(t, "Orders Service", <-sub)
	assert.True(t, IsError(handle(t, in, "signal")))
}

func TestHandle_RunnersListAndGet(t *testing.T) {
	ctx, _ := newTestContext("orders.api", "orders.worker", "billing")
	in := NewInterpreter(ctx)

	assert.Equal(t, "orders.api,orders.worker,billing", handle(t, in, "runners list"))
	assert.Equal(t, "orders.api,orders.worker", handle(t, in, "runners list ORDERS"))
	assert.Equal(t, "billing", handle(t, in, `runners list "b*"`))
	assert.Equal(t, "", handle(t, in, "runners list none"))

	var def topology.Definition
	require.NoError(t, json.Unmarshal([]byte(handle(t, in, `runners get "billing"`)), &def))
	assert.Equal(t, "billing.bin", def.Path)

	require.NoError(t, json.Unmarshal([]byte(handle(t, in, "runners get --pid 101")), &def))
	assert.Equal(t, "orders.worker", def.Name)

	assert.Equal(t, "Error: Cannot find a runner with name 'ghost' or PID ''.", handle(t, in, "runners get ghost"))
	assert.Equal(t, "Error: Cannot find a runner with name '' or PID '7'.", handle(t, in, "runners get -p 7"))
	assert.Equal(t, "Error: Invalid PID 'abc'.", handle(t, in, "runners get --pid abc"))
	assert.Equal(t, "Error: You must specify either a name or a PID.", handle(t, in, "runners get"))
}

func TestHandle_RunnerControl(t *testing.T) {
	ctx, reg := newTestContext("svc")
	in := NewInterpreter(ctx)

	assert.Equal(t, "OK", handle(t, in, "runners start svc"))
	assert.Equal(t, "OK", handle(t, in, "runners stop --pid 100"))
	assert.Equal(t, "OK", handle(t, in, `runners restart "svc"`))
	assert.Equal(t, []string{"start svc", "stop svc", "restart svc"}, reg.calls)
	assert.True(t, IsError(handle(t, in, "runners stop other")))
}

func TestHandle_RunnersAdd(t *testing.T) {
	ctx, reg := newTestContext()
	in := NewInterpreter(ctx)

	assert.Equal(t, "OK", handle(t, in, `runners add "new svc" "/opt/svc" -- --port 5000 --title "a b"`))
	assert.Equal(t, "new svc", handle(t, in, "runners list"))
	def, err := reg.Definition("new svc", 0)
	require.NoError(t, err)
	assert.Equal(t, "/opt/svc", def.Path)
	assert.Equal(t, `--port 5000 --title "a b"`, def.Arguments)

	assert.Equal(t, "Error: A runner named 'new svc' already exists.", handle(t, in, `runners add "new svc" /other`))
	assert.Equal(t, "new svc", handle(t, in, "runners list"))

	assert.True(t, IsError(handle(t, in, "runners add onlyname")))
}

func TestHandle_Endpoints(t *testing.T) {
	ctx, reg := newTestContext("api")
	in := NewInterpreter(ctx)

	first := handle(t, in, `endpoints claim "host1" "api"`)
	assert.Equal(t, "https://host1:5000", first)
	assert.Equal(t, first, handle(t, in, "endpoints claim host1 api"))
	assert.Equal(t, "https://host1:5001", handle(t, in, "endpoints claim host1 other"))
	assert.Equal(t, first, reg.hosts["api"])

	assert.Equal(t, first, handle(t, in, "endpoints query api"))
	assert.Equal(t, "api", handle(t, in, `endpoints query "https://host1:5000" --inverse`))
	assert.Equal(t, "", handle(t, in, "endpoints query nobody"))
	assert.Equal(t, "", handle(t, in, "endpoints query https://nowhere:1 --inverse"))
	assert.True(t, IsError(handle(t, in, "endpoints claim host1")))
}

func TestHandle_Roles(t *testing.T) {
	ctx, _ := newTestContext("discovery-a", "discovery-b")
	in := NewInterpreter(ctx)

	addr := handle(t, in, "endpoints claim localhost discovery-a")
	assert.Equal(t, "", handle(t, in, "roles query discovery"))
	assert.Equal(t, addr, handle(t, in, "roles claim discovery discovery-a"))
	// a later claimant loses without an error
	assert.Equal(t, addr, handle(t, in, "roles claim discovery discovery-b"))
	assert.Equal(t, addr, handle(t, in, "roles query discovery"))
	// a claimant without an endpoint registers as given
	assert.Equal(t, "tcp://10.0.0.2:80", handle(t, in, `roles claim broker "tcp://10.0.0.2:80"`))
}

func TestHandle_ConcurrentRoleClaims(t *testing.T) {
	ctx, _ := newTestContext()
	in := NewInterpreter(ctx)

	const n = 32
	replies := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i], _ = in.Handle(fmt.Sprintf("roles claim leader addr-%d", i))
		}(i)
	}
	wg.Wait()
	for _, r := range replies {
		assert.Equal(t, replies[0], r)
	}
	assert.Equal(t, replies[0], ctx.Roles.Query("leader"))
}

func TestQuoteArgs(t *testing.T) {
	assert.Equal(t, `a "b c" "" "say \"hi\""`, quoteArgs([]string{"a", "b c", "", `say "hi"`}))
	assert.Equal(t, "", quoteArgs(nil))
}

func TestIsError(t *testing.T) {
	assert.True(t, IsError("Error: nope"))
	assert.False(t, IsError("OK"))
	assert.Equal(t, "nope", ReplyError("Error: nope"))
	assert.Equal(t, "", ReplyError("https://h:1"))
}
