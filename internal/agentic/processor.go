package agentic

import (
	"context"
	"fmt"
	"sync"
)

// Processor serializes RunTurn calls per session so a second request
// against a session already mid-turn queues behind the first instead of
// racing it. Grounded on the teacher's session.Processor.
type Processor struct {
	mu sync.Mutex

	loop *Loop

	active map[string]*activeTurn
}

type activeTurn struct {
	cancel  context.CancelFunc
	waiters []chan error
}

// NewProcessor wraps a Loop with the per-session concurrency guard.
func NewProcessor(loop *Loop) *Processor {
	return &Processor{loop: loop, active: make(map[string]*activeTurn)}
}

// Process runs one turn for sessionID, queuing behind any turn already
// in flight for the same session rather than running concurrently.
func (p *Processor) Process(ctx context.Context, sessionID string, agent *Agent, depth int, callback TurnCallback) error {
	p.mu.Lock()
	if state, ok := p.active[sessionID]; ok {
		waiter := make(chan error, 1)
		state.waiters = append(state.waiters, waiter)
		p.mu.Unlock()

		select {
		case err := <-waiter:
			if err != nil {
				return err
			}
			return p.Process(ctx, sessionID, agent, depth, callback)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	state := &activeTurn{cancel: cancel}
	p.active[sessionID] = state
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.active, sessionID)
		for _, waiter := range state.waiters {
			waiter <- nil
		}
		p.mu.Unlock()
	}()

	return p.loop.RunTurn(turnCtx, sessionID, agent, depth, callback)
}

// Abort cancels the in-flight turn for a session, if any.
func (p *Processor) Abort(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.active[sessionID]
	if !ok {
		return fmt.Errorf("agentic: session not processing: %s", sessionID)
	}
	state.cancel()
	return nil
}

// IsProcessing reports whether a session currently has a turn in flight.
func (p *Processor) IsProcessing(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[sessionID]
	return ok
}
