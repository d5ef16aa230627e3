// Package readiness tracks whether the supervisor finished starting its
// topology and which runners reported their own startup.
package readiness

import (
	"context"
	"sync"
)

// Gate is a one-shot readiness flag.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

func NewGate() *Gate { return &Gate{ch: make(chan struct{})} }

// Set marks the gate ready. Later calls are no-ops.
func (g *Gate) Set() { g.once.Do(func() { close(g.ch) }) }

func (g *Gate) Ready() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is set or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signals records runners that reported startup and wakes whoever waits on them.
type Signals struct {
	mu      sync.Mutex
	done    map[string]chan struct{}
	subs    map[int]chan string
	nextSub int
}

func NewSignals() *Signals {
	return &Signals{done: map[string]chan struct{}{}, subs: map[int]chan string{}}
}

func (s *Signals) chanFor(name string) chan struct{} {
	ch, ok := s.done[name]
	if !ok {
		ch = make(chan struct{})
		s.done[name] = ch
	}
	return ch
}

// Signal marks name as started and broadcasts it to subscribers. Repeated
// signals are broadcast again but wake nobody new.
func (s *Signals) Signal(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.chanFor(name)
	select {
	case <-ch:
	default:
		close(ch)
	}
	for _, sub := range s.subs {
		// slow subscribers miss notifications rather than block a protocol reply
		select {
		case sub <- name:
		default:
		}
	}
}

func (s *Signals) Signaled(name string) bool {
	s.mu.Lock()
	ch := s.chanFor(name)
	s.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Wait blocks until name has signaled or ctx is done.
func (s *Signals) Wait(ctx context.Context, name string) error {
	s.mu.Lock()
	ch := s.chanFor(name)
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel receiving every signaled name and a cancel
// func that closes it.
func (s *Signals) Subscribe(buffer int) (<-chan string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan string, buffer)
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}
