package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentcore/internal/eventbus"
	"github.com/basket/agentcore/internal/telemetry"
)

// AttachTelemetry bridges the observability event bus into OpenTelemetry
// instruments. It subscribes to every coordination-plane topic and pumps
// counters until ctx is cancelled. The bridge is read-only: it never feeds
// back into the subsystems it observes.
func (o *Orchestrator) AttachTelemetry(ctx context.Context, p *telemetry.Provider) (*telemetry.Metrics, error) {
	m, err := telemetry.NewMetrics(p.Meter)
	if err != nil {
		return nil, err
	}

	// The bridge tails every topic at once; give it a deeper buffer than
	// the per-topic default so bursts don't cost it events.
	sub := o.events.SubscribeBuffered("", 512)
	go func() {
		defer o.events.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				o.recordEvent(ctx, m, ev)
			}
		}
	}()
	return m, nil
}

func (o *Orchestrator) recordEvent(ctx context.Context, m *telemetry.Metrics, ev eventbus.Event) {
	switch ev.Topic {
	case eventbus.TopicTaskCompleted:
		m.TasksCompleted.Add(ctx, 1)
	case eventbus.TopicTaskFailed:
		m.TasksFailed.Add(ctx, 1)
	case eventbus.TopicTaskRetrying:
		m.TaskRetries.Add(ctx, 1)
	case eventbus.TopicTaskStateChanged:
		if tc, ok := ev.Payload.(eventbus.TaskStateChangedEvent); ok && tc.NewStatus == "cancelled" {
			m.TasksCancelled.Add(ctx, 1)
		}
	case eventbus.TopicBreakerOpened:
		if bc, ok := ev.Payload.(eventbus.BreakerStateChangedEvent); ok {
			m.BreakerTrips.Add(ctx, 1, metric.WithAttributes(telemetry.AttrBreaker.String(bc.Name)))
		} else {
			m.BreakerTrips.Add(ctx, 1)
		}
	case eventbus.TopicStealPerformed:
		m.StealOperations.Add(ctx, 1)
	case eventbus.TopicConflictOpened:
		m.ConflictsOpened.Add(ctx, 1)
	case eventbus.TopicQueueDepthChanged:
		// Depth events carry absolute values; the up-down counter tracks
		// deltas, so absolute gauges are left to the stats endpoint.
	case eventbus.TopicMessageDeadLettered:
		m.DeadLetters.Add(ctx, 1)
	}
}
