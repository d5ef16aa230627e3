// Package history exports runner lifecycle events to external stores.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventAdd      EventType = "add"
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventExit     EventType = "exit"
	EventRestart  EventType = "restart"
	EventEscalate EventType = "escalate"
)

// Event is one runner lifecycle transition.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Runner     string    `json:"runner"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Querier is implemented by sinks that can read events back.
type Querier interface {
	// Recent returns up to limit events, newest first. An empty runner
	// matches every runner.
	Recent(ctx context.Context, runner string, limit int) ([]Event, error)
}

// Nop discards events.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }

// Dispatcher decouples event producers from sink latency. Events are
// queued and written by one goroutine; when the queue is full the event
// is dropped and logged.
type Dispatcher struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration
	ch      chan Event
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewDispatcher(sink Sink, log *slog.Logger, buffer int) *Dispatcher {
	if sink == nil {
		sink = Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{sink: sink, log: log, timeout: 5 * time.Second, ch: make(chan Event, buffer)}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for e := range d.ch {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Send(ctx, e); err != nil {
			d.log.Warn("history sink failed", "type", e.Type, "runner", e.Runner, "error", err)
		}
		cancel()
	}
}

// Emit queues e, stamping OccurredAt when unset. It never blocks.
func (d *Dispatcher) Emit(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		d.log.Warn("history queue full, dropping event", "type", e.Type, "runner", e.Runner)
	}
}

// Close drains queued events and closes the sink when it is an io.Closer.
// Events emitted afterwards are dropped.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	d.wg.Wait()
	if c, ok := d.sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
