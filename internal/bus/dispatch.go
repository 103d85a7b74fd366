package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/agentcore/internal/shared"
)

// maxDeliveryTimeout bounds how long a single delivery attempt may block,
// regardless of the message's own TTL.
const maxDeliveryTimeout = 30 * time.Second

// Transport delivers a resolved message to exactly one agent. Adapters in
// internal/agenttransport implement this per transport (in-process,
// websocket, Telegram, Docker).
type Transport interface {
	SendMessage(ctx context.Context, agentID string, msg Message) error
}

// Dispatcher is the effectful half of the bus: it takes a message already
// routed to a concrete target list and actually delivers it, branching on
// reliability tier and recording per-channel stats.
type Dispatcher struct {
	transport Transport
	logger    *slog.Logger
}

func NewDispatcher(t Transport, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{transport: t, logger: logger}
}

// DeliverResult is the per-target outcome of one dispatch attempt.
type DeliverResult struct {
	Target string
	Err    error
}

// Deliver sends msg to every target, honoring the message's reliability
// tier:
//   - best_effort: attempt once, log and drop failures, never retried.
//   - at_least_once: attempt once here; caller enqueues for retry on failure.
//   - exactly_once: attempt once here; the caller leaves out targets that
//     already acked (the retry scheduler checks Queue.AlreadyDelivered), and
//     failures surface in the results so it can retry without
//     double-delivering a target that already succeeded.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message, targets []string) []DeliverResult {
	results := make([]DeliverResult, 0, len(targets))
	for _, target := range targets {
		timeout := maxDeliveryTimeout
		if msg.TTL > 0 && msg.TTL < timeout {
			timeout = msg.TTL
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		err := d.transport.SendMessage(dctx, target, msg)
		cancel()

		if err != nil {
			wrapped := shared.NewDeliveryFailure("bus.dispatch", err, map[string]any{
				"message_id": msg.ID,
				"target":     target,
				"reliability": string(msg.Reliability),
			})
			if msg.Reliability == ReliabilityBestEffort {
				d.logger.Warn("best-effort delivery dropped", "message_id", msg.ID, "target", target, "error", err)
			}
			results = append(results, DeliverResult{Target: target, Err: wrapped})
			continue
		}
		results = append(results, DeliverResult{Target: target})
	}
	return results
}
