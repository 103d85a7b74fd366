// Package eventbus is a lightweight in-process pub/sub fan-out used for live
// observability (the TUI dashboard, telemetry hooks) that sits alongside,
// but independent of, the reliable inter-agent message bus in internal/bus.
// Subscribers get a best-effort feed: when a consumer falls behind, the
// oldest buffered event is evicted so the newest state always gets through,
// and a slow dashboard can never stall the coordination plane.
package eventbus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBuffer is the per-subscription buffer used by Subscribe; consumers
// with bursty topics can size their own via SubscribeBuffered.
const defaultBuffer = 64

// dropWarnInterval rate-limits the slow-consumer warning.
const dropWarnInterval = time.Minute

// Event is a notification published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Coordination-plane event topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRetrying     = "task.retrying"

	TopicBreakerOpened   = "breaker.opened"
	TopicBreakerClosed   = "breaker.closed"
	TopicBreakerHalfOpen = "breaker.half_open"

	TopicStealPerformed = "scheduler.steal_performed"

	TopicConflictOpened   = "conflict.opened"
	TopicConflictResolved = "conflict.resolved"

	TopicQueueDepthChanged   = "bus.queue_depth_changed"
	TopicMessageDeadLettered = "bus.dead_lettered"

	TopicAgentAlert = "agent.alert"
)

// TaskStateChangedEvent is published whenever a task transitions status.
type TaskStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// BreakerStateChangedEvent is published on every circuit breaker transition.
type BreakerStateChangedEvent struct {
	Name     string
	OldState string
	NewState string
}

// StealPerformedEvent is published whenever the scheduler reassigns a task
// from an overloaded agent to an underloaded one.
type StealPerformedEvent struct {
	TaskID    string
	FromAgent string
	ToAgent   string
}

// ConflictEvent is published when a conflict is opened or resolved.
type ConflictEvent struct {
	ConflictID string
	TargetID   string
	Winner     string // empty until resolved
}

// QueueDepthChangedEvent reports a queue's depth after an enqueue/dequeue.
type QueueDepthChangedEvent struct {
	QueueName string
	Depth     int
}

// MessageDeadLetteredEvent is published whenever a message is moved to a
// dead-letter queue.
type MessageDeadLetteredEvent struct {
	MessageID   string
	Reason      string
	Fingerprint string
}

// AgentAlert is published when an agent needs to alert operators.
type AgentAlert struct {
	AgentID  string
	Severity string // "info", "warning", or "error"
	Message  string
}

// SubscriptionStats is one subscription's delivery accounting.
type SubscriptionStats struct {
	Prefix    string
	Buffer    int
	Delivered int64
	Evicted   int64
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	id        int
	prefix    string
	buffer    int
	ch        chan Event
	delivered atomic.Int64
	evicted   atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Stats returns this subscription's delivery counters. Evicted counts
// events this consumer lost to drop-oldest backpressure.
func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{
		Prefix:    s.prefix,
		Buffer:    s.buffer,
		Delivered: s.delivered.Load(),
		Evicted:   s.evicted.Load(),
	}
}

// Bus fans events out to prefix-matched subscriptions.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	logger *slog.Logger

	totalEvicted atomic.Int64
	lastWarnNano atomic.Int64
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for slow-consumer
// warnings.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription for events whose topic starts with
// topicPrefix. An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBuffer)
}

// SubscribeBuffered is Subscribe with an explicit buffer size, for
// consumers that watch bursty topics (the telemetry bridge, a dashboard
// tailing every topic at once).
func (b *Bus) SubscribeBuffered(topicPrefix string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		buffer: buffer,
		ch:     make(chan Event, buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish fans event out to every matching subscription without blocking.
// A full subscriber has its oldest buffered event evicted to make room, so
// the consumer always wakes to the most recent events rather than a stale
// prefix of them.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
			sub.delivered.Add(1)
			continue
		default:
		}
		// Buffer full: evict the oldest event, then retry once. The
		// consumer may have drained concurrently, in which case nothing is
		// evicted and the send succeeds.
		evicted := false
		select {
		case <-sub.ch:
			evicted = true
		default:
		}
		select {
		case sub.ch <- event:
			sub.delivered.Add(1)
		default:
			// Lost the race to a concurrent publisher; the new event is
			// the casualty instead of the evicted one.
			evicted = true
		}
		if evicted {
			sub.evicted.Add(1)
			b.noteEviction(topic)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stats returns bus-wide and per-subscription backpressure accounting.
func (b *Bus) Stats() (totalEvicted int64, subs []SubscriptionStats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		subs = append(subs, sub.Stats())
	}
	return b.totalEvicted.Load(), subs
}

// noteEviction bumps the global counter and emits a rate-limited warning:
// at most one per dropWarnInterval, so a persistently slow consumer shows
// up in the log without flooding it.
func (b *Bus) noteEviction(topic string) {
	total := b.totalEvicted.Add(1)
	if b.logger == nil {
		return
	}
	now := time.Now().UnixNano()
	last := b.lastWarnNano.Load()
	if last != 0 && now-last < int64(dropWarnInterval) {
		return
	}
	if b.lastWarnNano.CompareAndSwap(last, now) {
		b.logger.Warn("eventbus slow consumer, evicting oldest events",
			slog.String("topic", topic),
			slog.Int64("total_evicted", total),
		)
	}
}
