package protocol

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/ensemble/internal/coord"
	"github.com/loykin/ensemble/internal/env"
	"github.com/loykin/ensemble/internal/process"
	"github.com/loykin/ensemble/internal/readiness"
	"github.com/loykin/ensemble/internal/registry"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require unix sockets and /bin/sh")
	}
}

// shortDir keeps socket paths below the platform length limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ens")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func startServer(t *testing.T, pctx *Context, max int) (*Server, func()) {
	t.Helper()
	srv := NewServer(ServerConfig{Name: "test", SocketDir: shortDir(t), MaxConnections: max}, pctx)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	}
	return srv, stop
}

func dialTest(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), ClientConfig{Address: srv.Addr(), MaxWait: 2 * time.Second, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestServer_RunnersAddThenList(t *testing.T) {
	requireUnix(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.Config{
		Process:        process.Options{Launcher: process.DefaultLauncher(), WorkingDir: os.TempDir(), Env: env.New()},
		KeepAlive:      true,
		CrashWindow:    time.Minute,
		CrashThreshold: 2,
		Log:            log,
	})
	t.Cleanup(func() { reg.Stop(); reg.Close() })

	pctx := &Context{
		Registry:  reg,
		Roles:     coord.NewRoles(),
		Endpoints: coord.NewEndpoints("https", 5000),
		Gate:      readiness.NewGate(),
		Signals:   reg.Signals(),
		Log:       log,
	}
	srv, stop := startServer(t, pctx, 4)
	defer stop()

	c := dialTest(t, srv)
	defer func() { _ = c.Close() }()

	reply, err := c.Send(`runners add "sleeper" "/bin/sh" -- -c "sleep 30"`)
	require.NoError(t, err)
	require.Equal(t, "OK", reply)

	reply, err = c.Send("runners list")
	require.NoError(t, err)
	assert.Equal(t, "sleeper", reply)

	info, ok := reg.FindByName("sleeper")
	require.True(t, ok)
	require.True(t, info.Running)

	reply, err = c.Send(`runners add "sleeper" "/bin/sh" -- -c "sleep 30"`)
	require.NoError(t, err)
	assert.True(t, IsError(reply), reply)

	again, _ := reg.FindByName("sleeper")
	assert.Equal(t, info.PID, again.PID)
	assert.Len(t, reg.List(), 1)

	reply, err = c.Send("endpoints claim localhost sleeper")
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:5000", reply)
	withHost, _ := reg.FindByName("sleeper")
	assert.Equal(t, reply, withHost.Host)
}

func TestServer_ConcurrentClients(t *testing.T) {
	requireUnix(t)
	pctx, _ := newTestContext()
	srv, stop := startServer(t, pctx, 4)
	defer stop()

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := Dial(context.Background(), ClientConfig{Address: srv.Addr(), MaxWait: 2 * time.Second, Timeout: 5 * time.Second})
			if err != nil {
				results[i] = err.Error()
				return
			}
			defer func() { _ = c.Close() }()
			r, err := c.Send("roles claim leader candidate")
			if err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, "candidate", r)
	}
}

func TestServer_ConnectionSurvivesErrorsAndIgnoresComments(t *testing.T) {
	requireUnix(t)
	pctx, _ := newTestContext()
	srv, stop := startServer(t, pctx, 1)
	defer stop()

	conn, err := dial(context.Background(), srv.Addr())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte("# hello\n\nnope\nping\nexit\n"))
	require.NoError(t, err)
	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "Error: unrecognized command or argument 'nope'\nOK\n", string(b))
}

func TestServer_ExitClosesOnlyThatConnection(t *testing.T) {
	requireUnix(t)
	pctx, _ := newTestContext()
	srv, stop := startServer(t, pctx, 2)
	defer stop()

	a := dialTest(t, srv)
	b := dialTest(t, srv)
	require.NoError(t, a.Close())

	reply, err := b.Send("ping")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	require.NoError(t, b.Close())

	_, err = a.Send("ping")
	assert.Error(t, err)
}

func TestServer_RemovesStaleSocket(t *testing.T) {
	requireUnix(t)
	pctx, _ := newTestContext()
	dir := shortDir(t)

	first := NewServer(ServerConfig{Name: "stale", SocketDir: dir}, pctx)
	require.NoError(t, first.Listen())
	// a second server must refuse while the first one answers
	second := NewServer(ServerConfig{Name: "stale", SocketDir: dir}, pctx)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Serve(ctx) }()
	waitDial(t, first.Addr())
	require.Error(t, second.Listen())
	cancel()
	require.NoError(t, <-done)

	// simulate a crash: the socket file stays behind with nobody listening
	l, err := net.Listen("unix", first.Addr())
	require.NoError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())
	_, err = os.Lstat(first.Addr())
	require.NoError(t, err, "stale socket should exist")

	third := NewServer(ServerConfig{Name: "stale", SocketDir: dir}, pctx)
	require.NoError(t, third.Listen())
	c, err := dial(context.Background(), third.Addr())
	require.NoError(t, err)
	_ = c.Close()
}

func TestServer_RefusesNonSocketFile(t *testing.T) {
	requireUnix(t)
	pctx, _ := newTestContext()
	dir := shortDir(t)
	require.NoError(t, os.WriteFile(Address(dir, "plain"), []byte("x"), 0o600))
	err := NewServer(ServerConfig{Name: "plain", SocketDir: dir}, pctx).Listen()
	assert.ErrorContains(t, err, "not a socket")
}

func waitDial(t *testing.T, addr string) {
	t.Helper()
	c, err := Dial(context.Background(), ClientConfig{Address: addr, MaxWait: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestDial_NoServer(t *testing.T) {
	requireUnix(t)
	_, err := Dial(context.Background(), ClientConfig{Name: "absent", SocketDir: shortDir(t)})
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	began := time.Now()
	_, err = Dial(ctx, ClientConfig{Name: "absent", SocketDir: shortDir(t), MaxWait: 10 * time.Second})
	assert.Error(t, err)
	assert.Less(t, time.Since(began), 5*time.Second)
}

func TestClient_RejectsCommandsWithoutReply(t *testing.T) {
	c := &Client{}
	for _, cmd := range []string{"", "# x", "exit", "ping\nping"} {
		_, err := c.Send(cmd)
		assert.Error(t, err, cmd)
	}
	assert.NoError(t, c.Close())
}

func TestServer_ShutdownRefusesLateConnections(t *testing.T) {
	requireUnix(t)
	pctx, _ := newTestContext()
	srv, stop := startServer(t, pctx, 4)

	early, peer := net.Pipe()
	defer func() { _ = peer.Close() }()
	require.True(t, srv.track(early, true))
	srv.track(early, false)

	stop()

	late, latePeer := net.Pipe()
	defer func() { _ = late.Close(); _ = latePeer.Close() }()
	assert.False(t, srv.track(late, true), "connection accepted during shutdown must not be tracked")
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Empty(t, srv.conns)
}
