package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/shared"
)

// Config bundles bus-wide tunables.
type Config struct {
	RetryScanInterval time.Duration
	DefaultQueueCap   int
	Compress          bool
	EncryptionKey     []byte

	// OnDeadLetter, when set, is invoked each time a message lands in a
	// dead-letter queue. Must not block.
	OnDeadLetter func(dl DeadLetter)
}

func DefaultConfig() Config {
	return Config{RetryScanInterval: 5 * time.Second, DefaultQueueCap: 10000}
}

// Bus is the top-level message bus: it composes a RouteResolver (pure
// addressing), a Dispatcher (effectful delivery), a RetryScheduler
// (periodic redelivery and dead-lettering), and a Codec (compression and
// encryption).
type Bus struct {
	cfg        Config
	logger     *slog.Logger
	resolver   *RouteResolver
	dispatcher *Dispatcher
	retry      *RetryScheduler
	codec      *Codec
	acks       *AckTracker

	queues      map[string]*Queue
	deadLetters map[string][]DeadLetter
}

// New builds a Bus over the given transport. Call Start before sending any
// at-least-once or exactly-once traffic, so the retry scheduler is running.
func New(cfg Config, transport Transport, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		cfg:         cfg,
		logger:      logger,
		resolver:    NewRouteResolver(),
		dispatcher:  NewDispatcher(transport, logger),
		codec:       NewCodec(cfg.Compress, cfg.EncryptionKey),
		acks:        NewAckTracker(),
		queues:      make(map[string]*Queue),
		deadLetters: make(map[string][]DeadLetter),
	}
	b.retry = NewRetryScheduler(cfg.RetryScanInterval, logger, b.dispatcher.Deliver, b.handleDeadLetter)
	return b
}

func (b *Bus) Start(ctx context.Context) { b.retry.Start(ctx) }
func (b *Bus) Stop()                     { b.retry.Stop() }

func (b *Bus) handleDeadLetter(dl DeadLetter) {
	b.deadLetters[dl.Message.Type] = append(b.deadLetters[dl.Message.Type], dl)
	b.acks.Forget(dl.Message.ID)
	if b.cfg.OnDeadLetter != nil {
		b.cfg.OnDeadLetter(dl)
	}
}

// DeadLetters returns dead-lettered messages for the given message type (or
// all, if msgType is empty).
func (b *Bus) DeadLetters(msgType string) []DeadLetter {
	if msgType != "" {
		return b.deadLetters[msgType]
	}
	var out []DeadLetter
	for _, list := range b.deadLetters {
		out = append(out, list...)
	}
	return out
}

// PutChannel registers or replaces a channel definition.
func (b *Bus) PutChannel(c *Channel)                { b.resolver.PutChannel(c) }
func (b *Bus) Channel(name string) (*Channel, bool) { return b.resolver.Channel(name) }
func (b *Bus) RemoveChannel(name string)            { b.resolver.RemoveChannel(name) }

// AddRoutingRule installs a highest-priority-wins routing rule ahead of
// channel/topic resolution.
func (b *Bus) AddRoutingRule(r RoutingRule) { b.resolver.AddRule(r) }

// Subscribe registers a topic subscription with the route resolver. It
// creates no queue; acknowledgment tracking applies only to messages sent
// with at-least-once or exactly-once reliability.
func (b *Bus) Subscribe(sub Subscription) {
	b.resolver.Subscribe(sub)
}

func (b *Bus) Unsubscribe(topic, subscriptionID string) {
	b.resolver.Unsubscribe(topic, subscriptionID)
}

// Queue returns (creating if necessary) the named queue.
func (b *Bus) Queue(name string, qtype QueueType, delivery DeliveryMode, retry RetryPolicy) *Queue {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := NewQueue(name, qtype, b.cfg.DefaultQueueCap, delivery, name+".dlq", retry)
	b.queues[name] = q
	b.retry.Register(q)
	return q
}

// Send routes and delivers msg. For best-effort sends, delivery is
// synchronous and per-target failures are logged, not returned. For
// queued reliability tiers, msg lands in a named queue for the retry
// scheduler to drain and is acked as each target confirms delivery; a full
// queue dead-letters the message, and for exactly-once the first per-target
// delivery error is returned to the caller.
func (b *Bus) Send(ctx context.Context, msg Message, opts SendOptions) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Size() > MaxMessageSize {
		return "", shared.NewInvalidInput("bus.send", nil, map[string]any{"message_id": msg.ID, "size": msg.Size(), "max": MaxMessageSize})
	}
	if opts.Priority != 0 {
		msg.Priority = opts.Priority
	}
	if opts.Reliability != "" {
		msg.Reliability = opts.Reliability
	}
	if opts.TTL > 0 {
		msg.TTL = opts.TTL
	}
	if opts.CorrelationID != "" {
		msg.CorrelationID = opts.CorrelationID
	}
	if opts.ReplyTo != "" {
		msg.ReplyTo = opts.ReplyTo
	}
	msg.SentAt = time.Now()
	if msg.TTL > 0 {
		msg.ExpiresAt = msg.SentAt.Add(msg.TTL)
	}

	targets := b.resolver.Resolve(msg, opts.ChannelName)
	if len(targets) == 0 {
		return msg.ID, shared.NewNotFound("bus.send", nil, map[string]any{"message_id": msg.ID, "reason": "no resolvable targets"})
	}

	if ch, ok := b.resolver.Channel(opts.ChannelName); ok {
		filtered, routeTo, ok := applyFilterChain(ch.Filters, msg)
		if !ok {
			ch.recordDropped()
			return msg.ID, nil
		}
		if routeTo != "" {
			if dest, ok := b.resolver.Channel(routeTo); ok {
				targets = b.resolver.resolveChannel(filtered, dest)
			}
		}
		processed, ok := applyMiddleware(ch.Middleware, filtered)
		if !ok {
			ch.recordDropped()
			return msg.ID, nil
		}
		msg = processed
		ch.recordSent()
	}

	encoded, err := b.codec.Encode(msg.Content)
	if err != nil {
		return msg.ID, err
	}
	wire := msg
	wire.Content = encoded

	switch msg.Reliability {
	case ReliabilityAtLeastOnce, ReliabilityExactlyOnce:
		b.acks.Expect(msg.ID, targets)
		q := b.Queue(defaultQueueName(opts.ChannelName), QueueFIFO, DeliveryMode(msg.Reliability), defaultRetryPolicy())
		for _, t := range targets {
			q.AddSubscriber(t)
		}
		if !q.Enqueue(wire) {
			b.handleDeadLetter(DeadLetter{
				Message:     wire,
				Reason:      "queue_full",
				At:          time.Now(),
				Fingerprint: shared.ErrorFingerprint(wire.Type + "|" + wire.ID),
			})
			return msg.ID, shared.NewCapacityExceeded("bus.send", map[string]any{"message_id": msg.ID, "queue": q.Name})
		}
		q.RecordAttempt(msg.ID)
		results := b.dispatcher.Deliver(ctx, wire, targets)
		for _, res := range results {
			if res.Err == nil {
				q.Ack(msg.ID, res.Target)
				b.acks.Ack(msg.ID, res.Target)
			}
		}
		if b.acks.FullyAcked(msg.ID) {
			q.Remove(msg.ID)
		}
		if msg.Reliability == ReliabilityExactlyOnce {
			for _, res := range results {
				if res.Err != nil {
					return msg.ID, res.Err
				}
			}
		}
		return msg.ID, nil
	default: // best_effort
		b.dispatcher.Deliver(ctx, wire, targets)
		return msg.ID, nil
	}
}

// Ack records a receiver's acknowledgment of an at-least-once/exactly-once
// message; the message is removed from its queue once every expected
// receiver has acked.
func (b *Bus) Ack(queueName, messageID, receiver string) {
	b.acks.Ack(messageID, receiver)
	if q, ok := b.queues[queueName]; ok {
		q.Ack(messageID, receiver)
	}
}

func defaultQueueName(channelName string) string {
	if channelName != "" {
		return channelName
	}
	return "default"
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: shared.DefaultBackoff().Delay}
}

// NullBus is a no-op Transport stand-in for tests that don't
// care about actual delivery (the NullScheduler/NullBus pattern).
type NullBus struct{}

func (NullBus) SendMessage(context.Context, string, Message) error { return nil }
