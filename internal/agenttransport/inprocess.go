package agenttransport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/basket/agentcore/internal/bus"
)

// InProcess delivers messages to an agent living in the same process (e.g.
// a Go-native agent linked directly into the orchestrator binary) by
// pushing onto its own Events channel — no network, no reconnect logic
// needed since there is no connection to lose.
type InProcess struct {
	agentID   string
	connected atomic.Bool
	events    chan Event

	mu sync.Mutex
}

func NewInProcess(bufSize int) *InProcess {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &InProcess{events: make(chan Event, bufSize)}
}

func (p *InProcess) Connect(ctx context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentID = agentID
	p.connected.Store(true)
	p.events <- Event{Type: EventConnected, AgentID: agentID}
	return nil
}

func (p *InProcess) Close() error {
	p.connected.Store(false)
	p.events <- Event{Type: EventDisconnected, AgentID: p.agentID}
	return nil
}

func (p *InProcess) IsConnected() bool { return p.connected.Load() }

func (p *InProcess) SendMessage(ctx context.Context, msg bus.Message) error {
	select {
	case p.events <- Event{Type: EventMessage, AgentID: p.agentID, Message: &msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShouldReconnect is always false: an in-process agent that dropped its
// connection has exited, and there is nothing to redial.
func (p *InProcess) ShouldReconnect(err error) bool { return false }

func (p *InProcess) MarkForReconnect() {}

func (p *InProcess) Events() <-chan Event { return p.events }
