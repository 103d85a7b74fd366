package orchestrator

import (
	"github.com/basket/agentcore/internal/breaker"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/eventbus"
	"github.com/basket/agentcore/internal/scheduler"
)

// installEventHooks points the subsystem callbacks at the observability
// event bus. The hooks run on the subsystems' own goroutines; eventbus
// publication is non-blocking, so a slow subscriber can never stall a
// breaker transition or a steal tick.
func installEventHooks(cfg *Config, events *eventbus.Bus) {
	cfg.Breaker.OnTransition = func(name string, from, to breaker.State) {
		topic := eventbus.TopicBreakerClosed
		switch to {
		case breaker.Open:
			topic = eventbus.TopicBreakerOpened
		case breaker.HalfOpen:
			topic = eventbus.TopicBreakerHalfOpen
		}
		events.Publish(topic, eventbus.BreakerStateChangedEvent{
			Name:     name,
			OldState: string(from),
			NewState: string(to),
		})
	}
	cfg.Scheduler.OnSteal = func(op scheduler.StealOp) {
		events.Publish(eventbus.TopicStealPerformed, eventbus.StealPerformedEvent{
			TaskID:    op.TaskID,
			FromAgent: op.FromAgent,
			ToAgent:   op.ToAgent,
		})
	}
	cfg.Bus.OnDeadLetter = func(dl bus.DeadLetter) {
		events.Publish(eventbus.TopicMessageDeadLettered, eventbus.MessageDeadLetteredEvent{
			MessageID:   dl.Message.ID,
			Reason:      dl.Reason,
			Fingerprint: dl.Fingerprint,
		})
	}
}

// Events exposes the observability event bus for dashboards and telemetry
// bridges. Read-only from the caller's perspective: subscribers get a
// best-effort feed of coordination-plane events.
func (o *Orchestrator) Events() *eventbus.Bus { return o.events }

func (o *Orchestrator) publishTaskEvent(topic, taskID, oldStatus, newStatus string) {
	o.events.Publish(topic, eventbus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	})
}
