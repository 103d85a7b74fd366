package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/taskengine"
)

// taskStore adapts *persistence.Store to taskengine.Store, converting
// between the engine's in-memory Task shape (set-valued tags, typed
// metadata) and the persistence record's wire shape (comma-joined tags,
// opaque JSON metadata).
type taskStore struct {
	db *persistence.Store
}

func newTaskStore(db *persistence.Store) *taskStore { return &taskStore{db: db} }

func (a *taskStore) SaveTask(ctx context.Context, t taskengine.Task) error {
	rec, err := toRecord(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return a.db.SaveTask(ctx, rec)
}

func (a *taskStore) ActiveTasks(ctx context.Context) ([]taskengine.Task, error) {
	recs, err := a.db.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]taskengine.Task, 0, len(recs))
	for _, rec := range recs {
		t, err := fromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("decode task %s: %w", rec.ID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func toRecord(t taskengine.Task) (persistence.TaskRecord, error) {
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return persistence.TaskRecord{}, err
	}
	tags := make([]string, 0, len(t.Tags))
	for tag := range t.Tags {
		tags = append(tags, tag)
	}

	rec := persistence.TaskRecord{
		ID: t.ID, Type: t.Type, Description: t.Description, Status: string(t.Status),
		Priority: t.Priority, Dependencies: t.Dependencies, Tags: tags,
		RequiredCapabilities: t.RequiredCapabilities, Metadata: string(metaJSON),
		Progress: t.Progress, RetryCount: t.RetryCount, MaxRetries: t.MaxRetries,
		TimeoutMS: t.Timeout.Milliseconds(), CreatedAt: t.CreatedAt,
		AssignedAgent: t.AssignedAgent,
	}
	if !t.StartedAt.IsZero() {
		rec.StartedAt = &t.StartedAt
	}
	if !t.EndedAt.IsZero() {
		rec.EndedAt = &t.EndedAt
	}
	if !t.LeaseExpiresAt.IsZero() {
		rec.LeaseExpiresAt = &t.LeaseExpiresAt
	}
	if t.LastError != nil {
		rec.LastError = t.LastError.Message
	}
	return rec, nil
}

func fromRecord(rec persistence.TaskRecord) (taskengine.Task, error) {
	var meta map[string]any
	if rec.Metadata != "" {
		if err := json.Unmarshal([]byte(rec.Metadata), &meta); err != nil {
			return taskengine.Task{}, err
		}
	}
	tags := make(map[string]struct{}, len(rec.Tags))
	for _, tag := range rec.Tags {
		tags[tag] = struct{}{}
	}

	t := taskengine.Task{
		ID: rec.ID, Type: rec.Type, Description: rec.Description,
		Status: taskengine.Status(rec.Status), Priority: rec.Priority, Tags: tags,
		Metadata: meta, Timeout: time.Duration(rec.TimeoutMS) * time.Millisecond,
		MaxRetries: rec.MaxRetries, RetryCount: rec.RetryCount,
		Dependencies: rec.Dependencies, RequiredCapabilities: rec.RequiredCapabilities,
		AssignedAgent: rec.AssignedAgent, CreatedAt: rec.CreatedAt, Progress: rec.Progress,
	}
	if rec.StartedAt != nil {
		t.StartedAt = *rec.StartedAt
	}
	if rec.EndedAt != nil {
		t.EndedAt = *rec.EndedAt
	}
	if rec.LeaseExpiresAt != nil {
		t.LeaseExpiresAt = *rec.LeaseExpiresAt
	}
	if rec.LastError != "" {
		t.LastError = &taskengine.TaskError{Message: rec.LastError}
	}
	return t, nil
}

// busDispatcher adapts the message bus (C6) to taskengine.Dispatcher: every
// assignment is delivered as an at-least-once "task.assign" message
// addressed directly to the chosen agent, so delivery failures retry on the
// bus's own schedule rather than the engine's.
type busDispatcher struct {
	b *bus.Bus
}

func newBusDispatcher(b *bus.Bus) *busDispatcher { return &busDispatcher{b: b} }

func (d *busDispatcher) Dispatch(ctx context.Context, agentID string, t taskengine.Task) error {
	payload, err := json.Marshal(taskAssignment{
		TaskID: t.ID, Type: t.Type, Description: t.Description,
		Priority: t.Priority, Metadata: t.Metadata, Timeout: t.Timeout,
	})
	if err != nil {
		return fmt.Errorf("encode assignment for task %s: %w", t.ID, err)
	}

	msg := bus.Message{
		Type:      "task.assign",
		Content:   payload,
		ContentType: "application/json",
		Sender:    "orchestrator",
		Receivers: []string{agentID},
	}
	_, err = d.b.Send(ctx, msg, bus.SendOptions{Reliability: bus.ReliabilityAtLeastOnce, Priority: priorityFor(t.Priority)})
	return err
}

// taskAssignment is the wire payload of a "task.assign" bus message.
type taskAssignment struct {
	TaskID      string         `json:"task_id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timeout     time.Duration  `json:"timeout_ns,omitempty"`
}

func priorityFor(p int) bus.Priority {
	switch {
	case p >= 8:
		return bus.PriorityCritical
	case p >= 5:
		return bus.PriorityHigh
	case p >= 2:
		return bus.PriorityNormal
	default:
		return bus.PriorityLow
	}
}
