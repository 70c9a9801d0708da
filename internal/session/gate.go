package session

import (
	"context"
	"sync"
)

// Gate is a manual-reset binary event controlling the accept loop. The
// registry clears it at capacity and sets it when a slot frees up; the
// listener waits on it before each accept.
type Gate struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while set
}

// NewGate returns a gate in the set state.
func NewGate() *Gate {
	g := &Gate{set: true, ch: make(chan struct{})}
	close(g.ch)
	return g
}

// Set opens the gate. Idempotent.
func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		g.set = true
		close(g.ch)
	}
}

// Clear closes the gate. Idempotent.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set {
		g.set = false
		g.ch = make(chan struct{})
	}
}

// IsSet reports whether the gate is open.
func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set
}

// Wait blocks until the gate is set or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		set, ch := g.set, g.ch
		g.mu.Unlock()
		if set {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
