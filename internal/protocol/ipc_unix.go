//go:build !windows

package protocol

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Address is the unix socket path of the command server called name.
func Address(socketDir, name string) string {
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	return filepath.Join(socketDir, name+".sock")
}

// listen binds addr, removing a socket file left behind by a previous run.
// A socket somebody still answers on is never removed.
func listen(addr string) (net.Listener, error) {
	if fi, err := os.Lstat(addr); err == nil {
		if fi.Mode()&fs.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", addr)
		}
		if c, err := net.DialTimeout("unix", addr, 200*time.Millisecond); err == nil {
			_ = c.Close()
			return nil, fmt.Errorf("command server %s is already running", addr)
		}
		if err := os.Remove(addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(addr), 0o750); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	return net.Listen("unix", addr)
}

func cleanup(addr string) { _ = os.Remove(addr) }

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", addr)
}
