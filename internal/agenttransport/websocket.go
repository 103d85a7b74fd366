package agenttransport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentcore/internal/bus"
)

// WebSocketTransport dials an agent process listening over a websocket and
// exchanges JSON-encoded bus messages.
type WebSocketTransport struct {
	url    string
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	reconnect atomic.Bool
	events    chan Event
}

func NewWebSocketTransport(url string, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{url: url, logger: logger, events: make(chan Event, 64)}
}

func (w *WebSocketTransport) Connect(ctx context.Context, agentID string) error {
	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.connected.Store(true)
	w.reconnect.Store(false)
	w.events <- Event{Type: EventConnected, AgentID: agentID}

	go w.readLoop(ctx, agentID, conn)
	return nil
}

func (w *WebSocketTransport) readLoop(ctx context.Context, agentID string, conn *websocket.Conn) {
	for {
		var msg bus.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			w.connected.Store(false)
			w.events <- Event{Type: EventDisconnected, AgentID: agentID}
			return
		}
		w.events <- Event{Type: EventMessage, AgentID: agentID, Message: &msg}
	}
}

func (w *WebSocketTransport) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected.Store(false)
	if w.conn == nil {
		return nil
	}
	return w.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (w *WebSocketTransport) IsConnected() bool { return w.connected.Load() }

func (w *WebSocketTransport) SendMessage(ctx context.Context, msg bus.Message) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket transport: not connected")
	}
	return wsjson.Write(ctx, conn, msg)
}

// ShouldReconnect treats any closed-network-connection error as transient;
// protocol-level close codes sent deliberately by the peer are not retried.
func (w *WebSocketTransport) ShouldReconnect(err error) bool {
	if err == nil {
		return w.reconnect.Load()
	}
	if _, ok := err.(net.Error); ok {
		return true
	}
	code := websocket.CloseStatus(err)
	return code == -1 || code == websocket.StatusAbnormalClosure
}

func (w *WebSocketTransport) MarkForReconnect() { w.reconnect.Store(true) }

func (w *WebSocketTransport) Events() <-chan Event { return w.events }
