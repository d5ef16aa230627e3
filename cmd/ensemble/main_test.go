package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/ensemble/internal/coord"
	"github.com/loykin/ensemble/internal/env"
	"github.com/loykin/ensemble/internal/process"
	"github.com/loykin/ensemble/internal/protocol"
	"github.com/loykin/ensemble/internal/readiness"
	"github.com/loykin/ensemble/internal/registry"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := buildRoot(&buf)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require unix sockets and /bin/sh")
	}
}

func TestRoot_Help(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"serve", "check", "template", "runners", "roles", "endpoints", "ready"} {
		assert.Contains(t, out, sub)
	}
}

func TestCheck_PrintsTree(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "plant.ens")
	require.NoError(t, os.WriteFile(doc, []byte("runner web \"/bin/sh\" {\n\targuments: \"-c 'sleep 30'\"\n}\n"), 0o600))

	out, err := run(t, "check", doc)
	require.NoError(t, err)

	var defs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, "web", defs[0]["name"])
	assert.Equal(t, "/bin/sh", defs[0]["path"])
}

func TestCheck_MissingDocument(t *testing.T) {
	_, err := run(t, "check", filepath.Join(t.TempDir(), "nope.ens"))
	require.Error(t, err)
	assert.False(t, isReplyError(err))
}

func TestTemplate(t *testing.T) {
	out, err := run(t, "template", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "service")
	assert.Contains(t, out, "agent")

	out, err = run(t, "template", "service", "orders", "bin/Orders.dll")
	require.NoError(t, err)
	assert.Contains(t, out, `"orders__firmlet"`)
	assert.Contains(t, out, "bin/Orders.dll")

	_, err = run(t, "template", "service", "orders")
	require.Error(t, err)
}

// startControl serves the protocol for a real registry in a temp dir.
func startControl(t *testing.T) (dir string, reg *registry.Registry, gate *readiness.Gate) {
	t.Helper()
	dir, err := os.MkdirTemp("", "ens")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg = registry.New(registry.Config{
		Process:        process.Options{Launcher: process.DefaultLauncher(), WorkingDir: os.TempDir(), Env: env.New()},
		KeepAlive:      true,
		CrashWindow:    time.Minute,
		CrashThreshold: 2,
		Log:            log,
	})
	gate = readiness.NewGate()
	srv := protocol.NewServer(protocol.ServerConfig{Name: "cli", SocketDir: dir}, &protocol.Context{
		Registry:  reg,
		Roles:     coord.NewRoles(),
		Endpoints: coord.NewEndpoints("https", 5000),
		Gate:      gate,
		Signals:   reg.Signals(),
		Log:       log,
	})
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		reg.Stop()
		reg.Close()
	})
	return dir, reg, gate
}

func TestClientCommands(t *testing.T) {
	requireUnix(t)
	dir, reg, gate := startControl(t)
	at := func(args ...string) []string { return append(args, "--name", "cli", "--socket-dir", dir) }

	out, err := run(t, at("ping")...)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out)

	_, err = run(t, at("ready")...)
	require.Error(t, err)
	assert.True(t, isReplyError(err))
	gate.Set()
	_, err = run(t, at("ready")...)
	require.NoError(t, err)

	_, err = run(t, append(at("runners", "add", "sleeper", "/bin/sh"), "--", "-c", "sleep 30")...)
	require.NoError(t, err)
	info, ok := reg.FindByName("sleeper")
	require.True(t, ok)
	assert.True(t, info.Running)

	out, err = run(t, at("runners", "list")...)
	require.NoError(t, err)
	assert.Equal(t, "sleeper\n", out)

	out, err = run(t, at("runners", "get", "sleeper")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"path": "/bin/sh"`)

	_, err = run(t, at("runners", "stop", "--pid", strconv.Itoa(info.PID))...)
	require.NoError(t, err)
	stopped, _ := reg.FindByName("sleeper")
	assert.False(t, stopped.Running)

	_, err = run(t, at("runners", "start", "nope")...)
	require.Error(t, err)
	assert.True(t, isReplyError(err))
	assert.Contains(t, err.Error(), "Cannot find a runner")

	_, err = run(t, at("runners", "restart")...)
	require.Error(t, err)
	assert.False(t, isReplyError(err))

	out, err = run(t, at("endpoints", "claim", "localhost", "sleeper")...)
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:5000\n", out)

	out, err = run(t, at("endpoints", "query", "https://localhost:5000", "--inverse")...)
	require.NoError(t, err)
	assert.Equal(t, "sleeper\n", out)

	out, err = run(t, at("roles", "claim", "discovery", "sleeper")...)
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:5000\n", out)

	out, err = run(t, at("roles", "query", "discovery")...)
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:5000\n", out)

	out, err = run(t, at("send", "runners list sle*")...)
	require.NoError(t, err)
	assert.Equal(t, "sleeper\n", out)
}

func TestClientCommands_NoServer(t *testing.T) {
	requireUnix(t)
	_, err := run(t, "ping", "--name", "absent", "--socket-dir", t.TempDir(), "--wait", "0")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "supervisor running"))
	assert.False(t, isReplyError(err))
}

