package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds all coordination-plane metric instruments.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksCancelled   metric.Int64Counter
	TaskRetries      metric.Int64Counter
	RunningTasks     metric.Int64UpDownCounter
	BreakerTrips     metric.Int64Counter
	BreakerRejects   metric.Int64Counter
	StealOperations  metric.Int64Counter
	ConflictsOpened  metric.Int64Counter
	DeliveryDuration metric.Float64Histogram
	DeliveryRetries  metric.Int64Counter
	DeadLetters      metric.Int64Counter
	QueueDepth       metric.Int64UpDownCounter
	AckTimeouts      metric.Int64Counter
	MemoryEntries    metric.Int64UpDownCounter
	MemoryEvictions  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("agentcore.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("agentcore.task.completed",
		metric.WithDescription("Tasks reaching completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("agentcore.task.failed",
		metric.WithDescription("Tasks reaching terminal failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("agentcore.task.cancelled",
		metric.WithDescription("Tasks cancelled"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("agentcore.task.retries",
		metric.WithDescription("Task retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.RunningTasks, err = meter.Int64UpDownCounter("agentcore.task.running",
		metric.WithDescription("Currently running tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("agentcore.breaker.trips",
		metric.WithDescription("Circuit breaker transitions to open"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerRejects, err = meter.Int64Counter("agentcore.breaker.rejects",
		metric.WithDescription("Calls rejected while a breaker is open"),
	)
	if err != nil {
		return nil, err
	}

	m.StealOperations, err = meter.Int64Counter("agentcore.scheduler.steals",
		metric.WithDescription("Successful work-steal operations"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsOpened, err = meter.Int64Counter("agentcore.conflict.opened",
		metric.WithDescription("Conflicts recorded by the resolver"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryDuration, err = meter.Float64Histogram("agentcore.bus.delivery.duration",
		metric.WithDescription("Message delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryRetries, err = meter.Int64Counter("agentcore.bus.delivery.retries",
		metric.WithDescription("Message delivery retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("agentcore.bus.deadletters",
		metric.WithDescription("Messages moved to a dead-letter queue"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("agentcore.bus.queue.depth",
		metric.WithDescription("Messages currently enqueued"),
	)
	if err != nil {
		return nil, err
	}

	m.AckTimeouts, err = meter.Int64Counter("agentcore.bus.ack.timeouts",
		metric.WithDescription("Deliveries whose acknowledgment timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryEntries, err = meter.Int64UpDownCounter("agentcore.memory.entries",
		metric.WithDescription("Live shared-memory entries"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryEvictions, err = meter.Int64Counter("agentcore.memory.evictions",
		metric.WithDescription("Entries discarded by oldest-first eviction"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
