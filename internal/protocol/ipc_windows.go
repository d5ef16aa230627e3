//go:build windows

package protocol

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// Address is the named pipe of the command server called name. socketDir
// is not used on Windows.
func Address(_ string, name string) string { return `\\.\pipe\` + name }

func listen(addr string) (net.Listener, error) {
	return winio.ListenPipe(addr, &winio.PipeConfig{InputBufferSize: 4096, OutputBufferSize: 4096})
}

// the pipe disappears with its last handle
func cleanup(string) {}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, addr)
}
