package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/loykin/ensemble/internal/metrics"
)

// DefaultMaxConnections bounds concurrently served clients.
const DefaultMaxConnections = 4

const maxLine = 1 << 20

type ServerConfig struct {
	Name           string
	SocketDir      string
	MaxConnections int
}

// Server accepts protocol connections on the local IPC endpoint and runs
// one interpreter loop per connection.
type Server struct {
	cfg    ServerConfig
	interp *Interpreter
	log    *slog.Logger
	addr   string

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewServer(cfg ServerConfig, ctx *Context) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	in := NewInterpreter(ctx)
	return &Server{
		cfg:    cfg,
		interp: in,
		log:    in.log,
		addr:   Address(cfg.SocketDir, cfg.Name),
		conns:  map[net.Conn]struct{}{},
	}
}

// Addr is the socket path or pipe name clients dial.
func (s *Server) Addr() string { return s.addr }

// Listen binds the endpoint. Serve calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := listen(s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	s.log.Info("command server listening", "address", s.addr, "max_connections", s.cfg.MaxConnections)
	return nil
}

// Serve accepts connections until ctx is done, then closes the listener
// and every open connection and waits for their loops to end.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.mu.Lock()
		s.closing = true
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	})
	defer stop()
	defer cleanup(s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				s.log.Info("command server stopped", "address", s.addr)
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		if !s.track(conn, true) {
			// accepted while shutting down, after the open connections were closed
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// track adds or removes c from the open set. Adding fails once shutdown
// has begun.
func (s *Server) track(c net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.conns, c)
		return true
	}
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer func() { _ = conn.Close() }()
	metrics.ConnOpened()
	defer metrics.ConnClosed()
	s.log.Debug("client connected", "address", s.addr)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	w := bufio.NewWriter(conn)
	for sc.Scan() {
		reply, action := s.interp.Handle(sc.Text())
		switch action {
		case Skip:
			continue
		case Close:
			s.log.Debug("client closed the session", "address", s.addr)
			return
		}
		if _, err := w.WriteString(reply + "\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			// the client went away
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("connection read failed", "error", err)
	}
}
