// Package agenttransport provides concrete agent-transport adapters:
// in-process, websocket, Telegram, and Docker. Every adapter implements the
// same narrow lifecycle contract (connect/close/isConnected/sendMessage/
// shouldReconnect/markForReconnect) so the message bus can deliver to any
// kind of agent without knowing which transport backs it.
package agenttransport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/shared"
)

// EventType is the closed set of transport lifecycle events.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventMessage      EventType = "message"
)

// Event is one transport lifecycle notification.
type Event struct {
	Type    EventType
	AgentID string
	Message *bus.Message
}

// Transport is the per-agent connection contract every adapter implements.
type Transport interface {
	Connect(ctx context.Context, agentID string) error
	Close() error
	IsConnected() bool
	SendMessage(ctx context.Context, msg bus.Message) error
	// ShouldReconnect reports whether a connection-ending error warrants an
	// automatic reconnect attempt, as opposed to a permanent failure.
	ShouldReconnect(err error) bool
	// MarkForReconnect flags the adapter as due for reconnection on its next
	// health check, without blocking the caller.
	MarkForReconnect()
	// Events returns the channel of inbound lifecycle/message notifications.
	Events() <-chan Event
}

// Registry maps agent ids to the Transport instance that serves them and
// implements bus.Transport, so the bus can call SendMessage without caring
// which concrete adapter backs a given agent.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Transport
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byID: make(map[string]Transport), logger: logger}
}

// Put registers (or replaces) the transport serving agentID.
func (r *Registry) Put(agentID string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[agentID] = t
}

// Remove drops an agent's transport, e.g. after a permanent disconnect.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, agentID)
}

func (r *Registry) get(agentID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[agentID]
	return t, ok
}

// SendMessage implements bus.Transport: deliver msg to agentID through
// whichever adapter is registered for it.
func (r *Registry) SendMessage(ctx context.Context, agentID string, msg bus.Message) error {
	t, ok := r.get(agentID)
	if !ok {
		return shared.NewNotFound("agenttransport.send", nil, map[string]any{"agent_id": agentID})
	}
	if !t.IsConnected() {
		if !t.ShouldReconnect(nil) {
			return shared.NewDeliveryFailure("agenttransport.send", nil, map[string]any{"agent_id": agentID, "reason": "not connected"})
		}
		if err := t.Connect(ctx, agentID); err != nil {
			return shared.NewDeliveryFailure("agenttransport.send", err, map[string]any{"agent_id": agentID})
		}
	}
	if err := t.SendMessage(ctx, msg); err != nil {
		if t.ShouldReconnect(err) {
			t.MarkForReconnect()
		}
		return shared.NewDeliveryFailure("agenttransport.send", err, map[string]any{"agent_id": agentID})
	}
	return nil
}

var _ bus.Transport = (*Registry)(nil)
