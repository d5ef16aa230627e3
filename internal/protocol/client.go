package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type ClientConfig struct {
	// Address is the socket path or pipe name; when empty it is derived
	// from Name and SocketDir.
	Address   string
	Name      string
	SocketDir string
	// MaxWait bounds the dial retries. Zero means one attempt.
	MaxWait time.Duration
	// Timeout applies to each request round trip. Zero disables it.
	Timeout time.Duration
}

// Client is a single protocol connection. It is safe for concurrent use;
// requests are serialized.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial connects to the command server, retrying with exponential backoff
// for up to cfg.MaxWait while the server is not yet accepting.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	addr := cfg.Address
	if addr == "" {
		addr = Address(cfg.SocketDir, cfg.Name)
	}
	var conn net.Conn
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		c, err := dial(ctx, addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if cfg.MaxWait > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 50 * time.Millisecond
		eb.MaxInterval = time.Second
		eb.MaxElapsedTime = cfg.MaxWait
		b = eb
	}
	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), timeout: cfg.Timeout}, nil
}

// Send writes one command and reads its reply line. Error replies are
// returned as replies, not as errors; use IsError to tell them apart.
func (c *Client) Send(cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if strings.ContainsAny(cmd, "\r\n") {
		return "", errors.New("command must be a single line")
	}
	if cmd == "" || strings.HasPrefix(cmd, "#") || cmd == "exit" {
		return "", fmt.Errorf("command %q has no reply", cmd)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "", net.ErrClosed
	}
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Close ends the session politely and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_, _ = c.conn.Write([]byte("exit\n"))
	err := c.conn.Close()
	c.conn = nil
	return err
}
