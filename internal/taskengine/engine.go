package taskengine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/breaker"
	"github.com/basket/agentcore/internal/graph"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/shared"
)

// Store is the persistence contract the engine needs: durable,
// at-least-once read-your-writes after SaveTask returns.
type Store interface {
	SaveTask(ctx context.Context, t Task) error
	ActiveTasks(ctx context.Context) ([]Task, error)
}

// Dispatcher delivers an assignment to the chosen agent through the message
// bus (C6). The engine never talks to an agent transport directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID string, t Task) error
}

// Config bundles engine-wide tunables.
type Config struct {
	MaxConcurrentTasks int
	MaxQueueDepth      int
	Backoff            shared.BackoffPolicy
	LeaseTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 64,
		MaxQueueDepth:      1000,
		Backoff:            shared.DefaultBackoff(),
		LeaseTTL:           2 * time.Minute,
	}
}

// Engine is the actor-style owner of every task record, the dependency
// graph, and (by composition) the circuit breaker set and scheduler it
// consults. All mutation happens through its public methods, which
// internally serialize per-task-id via taskLock.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	store    Store
	graph    *graph.Graph
	breaker  *breaker.Set
	sched    *scheduler.Scheduler
	dispatch Dispatcher

	mu         sync.Mutex
	tasks      map[string]*Task
	running    int
	taskLock   map[string]*sync.Mutex
	agentStats map[string]*agentStat
}

// agentStat accumulates observed completions per agent, feeding the
// scheduler's avg-task-duration signal.
type agentStat struct {
	total     time.Duration
	completed int
}

func New(cfg Config, logger *slog.Logger, store Store, g *graph.Graph, b *breaker.Set, s *scheduler.Scheduler, d Dispatcher) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		graph:      g,
		breaker:    b,
		sched:      s,
		dispatch:   d,
		tasks:      make(map[string]*Task),
		taskLock:   make(map[string]*sync.Mutex),
		agentStats: make(map[string]*agentStat),
	}
}

// syncWorkload reports agentID's live assignment count and observed average
// task duration to the scheduler. Called after every change of task
// ownership so Pick's capacity gate and the steal tick's imbalance
// computation see real counts. Must not be called with e.mu held.
func (e *Engine) syncWorkload(agentID string) {
	if agentID == "" || e.sched == nil {
		return
	}
	e.mu.Lock()
	count := 0
	for _, t := range e.tasks {
		if t.AssignedAgent == agentID && (t.Status == StatusAssigned || t.Status == StatusRunning) {
			count++
		}
	}
	var avg time.Duration
	if st, ok := e.agentStats[agentID]; ok && st.completed > 0 {
		avg = st.total / time.Duration(st.completed)
	}
	e.mu.Unlock()
	e.sched.UpdateWorkload(agentID, count, avg)
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.taskLock[id]
	if !ok {
		l = &sync.Mutex{}
		e.taskLock[id] = l
	}
	return l
}

// Create registers a new task in pending status.
func (e *Engine) Create(ctx context.Context, spec Spec) (string, error) {
	e.mu.Lock()
	queued := 0
	for _, t := range e.tasks {
		if !t.Status.Terminal() {
			queued++
		}
	}
	e.mu.Unlock()
	if queued >= e.cfg.MaxQueueDepth {
		return "", shared.NewCapacityExceeded("taskengine.create", map[string]any{"queue_depth": queued})
	}

	id := uuid.NewString()
	now := time.Now()
	tags := make(map[string]struct{}, len(spec.Tags))
	for _, t := range spec.Tags {
		tags[t] = struct{}{}
	}
	task := &Task{
		ID:                   id,
		Type:                 spec.Type,
		Description:          spec.Description,
		Priority:             spec.Priority,
		Tags:                 tags,
		Metadata:             spec.Metadata,
		Timeout:              spec.Timeout,
		MaxRetries:           spec.MaxRetries,
		Dependencies:         spec.Dependencies,
		RequiredCapabilities: spec.RequiredCapabilities,
		Status:               StatusPending,
		PreferredAgent:       spec.AssignTo,
		CreatedAt:            now,
	}

	if err := e.graph.Add(id, spec.Dependencies, spec.Priority, now, spec.Timeout); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.tasks[id] = task
	e.mu.Unlock()

	if err := e.persist(ctx, task); err != nil {
		return "", err
	}
	e.logger.Info("task created", "task_id", id, "type", spec.Type)
	return id, e.admit(ctx, id)
}

// admit transitions pending -> queued once the task is in the graph.
func (e *Engine) admit(ctx context.Context, id string) error {
	l := e.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := e.get(id)
	if err != nil {
		return err
	}
	if err := e.transition(t, StatusQueued); err != nil {
		return err
	}
	return e.persist(ctx, t)
}

func (e *Engine) get(id string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, shared.NewNotFound("taskengine.get", fmt.Errorf("unknown task %s", id), map[string]any{"task_id": id})
	}
	return t, nil
}

func (e *Engine) transition(t *Task, to Status) error {
	if !canTransition(t.Status, to) {
		return shared.NewConflictState("taskengine.transition", fmt.Errorf("illegal transition %s -> %s", t.Status, to), map[string]any{"task_id": t.ID, "from": string(t.Status), "to": string(to)})
	}
	t.Status = to
	return nil
}

func (e *Engine) persist(ctx context.Context, t *Task) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveTask(ctx, *t); err != nil {
		return shared.NewInternal("taskengine.persist", err, map[string]any{"task_id": t.ID})
	}
	return nil
}

// Assign picks an agent (or uses the supplied one) and moves the task to
// assigned, subject to readiness and circuit-breaker admission.
func (e *Engine) Assign(ctx context.Context, id string, preferredAgent string) (string, error) {
	l := e.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := e.get(id)
	if err != nil {
		return "", err
	}
	ready, err := e.graph.IsReady(id)
	if err != nil {
		return "", err
	}
	if !ready {
		return "", shared.NewConflictState("taskengine.assign", fmt.Errorf("task %s has unsatisfied dependencies", id), map[string]any{"task_id": id})
	}

	agentID := preferredAgent
	if agentID == "" {
		agentID = t.PreferredAgent
	}
	if agentID == "" {
		agentID, err = e.sched.Pick(t.RequiredCapabilities, t.Priority)
		if err != nil {
			return "", err
		}
	}

	if e.breaker.Peek(agentID) == breaker.Open {
		return "", shared.NewCircuitOpen("taskengine.assign", map[string]any{"task_id": id, "agent_id": agentID})
	}

	if err := e.transition(t, StatusAssigned); err != nil {
		return "", err
	}
	t.AssignedAgent = agentID
	t.PreferredAgent = ""
	t.LeaseExpiresAt = time.Now().Add(e.cfg.LeaseTTL)
	if err := e.persist(ctx, t); err != nil {
		return "", err
	}
	e.syncWorkload(agentID)
	e.logger.Info("task assigned", "task_id", id, "agent_id", agentID)
	return agentID, nil
}

// Execute dispatches an assigned task to its agent and moves it to running.
func (e *Engine) Execute(ctx context.Context, id string) error {
	l := e.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := e.get(id)
	if err != nil {
		return err
	}
	if t.Status != StatusAssigned {
		return shared.NewConflictState("taskengine.execute", fmt.Errorf("task %s not assigned (status=%s)", id, t.Status), map[string]any{"task_id": id})
	}

	e.mu.Lock()
	if e.running >= e.cfg.MaxConcurrentTasks {
		e.mu.Unlock()
		return shared.NewCapacityExceeded("taskengine.execute", map[string]any{"max_concurrent_tasks": e.cfg.MaxConcurrentTasks})
	}
	e.running++
	e.mu.Unlock()

	agentID := t.AssignedAgent
	err = e.breaker.Execute(ctx, agentID, func(ctx context.Context) error {
		return e.dispatch.Dispatch(ctx, agentID, *t)
	})
	if err != nil {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
		return err
	}

	if err := e.transition(t, StatusRunning); err != nil {
		return err
	}
	t.StartedAt = time.Now()
	return e.persist(ctx, t)
}

// Complete marks a running task completed.
func (e *Engine) Complete(ctx context.Context, id, agentID string) ([]string, error) {
	l := e.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := e.get(id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusRunning {
		return nil, shared.NewConflictState("taskengine.complete", fmt.Errorf("task %s not running", id), map[string]any{"task_id": id})
	}
	if t.AssignedAgent != agentID {
		return nil, shared.NewConflictState("taskengine.complete", fmt.Errorf("task %s owned by %s, not %s", id, t.AssignedAgent, agentID), map[string]any{"task_id": id})
	}
	if err := e.transition(t, StatusCompleted); err != nil {
		return nil, err
	}
	t.EndedAt = time.Now()
	t.Progress = 100

	e.mu.Lock()
	e.running--
	st, ok := e.agentStats[agentID]
	if !ok {
		st = &agentStat{}
		e.agentStats[agentID] = st
	}
	st.total += t.EndedAt.Sub(t.StartedAt)
	st.completed++
	e.mu.Unlock()

	ready, err := e.graph.MarkCompleted(id)
	if err != nil {
		return nil, err
	}
	if err := e.persist(ctx, t); err != nil {
		return nil, err
	}
	e.syncWorkload(agentID)
	e.logger.Info("task completed", "task_id", id, "agent_id", agentID)
	return ready, nil
}

// Fail records a failure; it retries (running -> pending) if retries remain,
// otherwise terminates the task as failed.
func (e *Engine) Fail(ctx context.Context, id, agentID string, cause error) error {
	l := e.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := e.get(id)
	if err != nil {
		return err
	}
	if t.Status != StatusRunning {
		return shared.NewConflictState("taskengine.fail", fmt.Errorf("task %s not running", id), map[string]any{"task_id": id})
	}
	if t.AssignedAgent != agentID {
		return shared.NewConflictState("taskengine.fail", fmt.Errorf("task %s owned by %s, not %s", id, t.AssignedAgent, agentID), map[string]any{"task_id": id})
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	t.LastError = &TaskError{Message: msg, Fingerprint: shared.ErrorFingerprint(msg), At: time.Now()}

	e.mu.Lock()
	e.running--
	e.mu.Unlock()

	if t.RetryCount >= t.MaxRetries {
		if err := e.transition(t, StatusFailed); err != nil {
			return err
		}
		t.EndedAt = time.Now()
		e.logger.Warn("task failed terminally", "task_id", id, "retries", t.RetryCount)
		if err := e.persist(ctx, t); err != nil {
			return err
		}
		e.syncWorkload(agentID)
		return nil
	}

	t.RetryCount++
	if err := e.transition(t, StatusPending); err != nil {
		return err
	}
	t.AssignedAgent = ""
	delay := e.cfg.Backoff.Delay(id, t.RetryCount)
	e.logger.Info("task scheduled for retry", "task_id", id, "retry_count", t.RetryCount, "delay", delay, "error_fingerprint", t.LastError.Fingerprint)
	if err := e.persist(ctx, t); err != nil {
		return err
	}
	e.syncWorkload(agentID)

	go func(taskID string, after time.Duration) {
		timer := time.NewTimer(after)
		defer timer.Stop()
		select {
		case <-timer.C:
			if err := e.admit(context.Background(), taskID); err != nil {
				e.logger.Error("retry re-admit failed", "task_id", taskID, "error", err)
			}
		case <-ctx.Done():
		}
	}(id, delay)
	return nil
}

// Retry moves a terminally-failed task back to pending manually.
func (e *Engine) Retry(ctx context.Context, id string, resetRetries bool, newAgent string) error {
	l := e.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := e.get(id)
	if err != nil {
		return err
	}
	if t.Status != StatusFailed {
		return shared.NewConflictState("taskengine.retry", fmt.Errorf("task %s not in failed state", id), map[string]any{"task_id": id})
	}
	if resetRetries {
		t.RetryCount = 0
	}
	// Retry count is preserved across a bare new-agent retry unless
	// reset-retries is explicit (see DESIGN.md open-question decision).
	if newAgent != "" {
		t.PreferredAgent = newAgent
	}
	if err := e.transition(t, StatusPending); err != nil {
		return err
	}
	t.EndedAt = time.Time{}
	t.LastError = nil
	if err := e.persist(ctx, t); err != nil {
		return err
	}
	return e.admit(ctx, id)
}

// Cancel transitions a non-terminal task to cancelled; with cascade it walks
// dependents transitively. Already-completed dependents are left untouched
// (see DESIGN.md open-question decision).
func (e *Engine) Cancel(ctx context.Context, id, reason string, cascade bool) error {
	if err := e.cancelOne(ctx, id, reason); err != nil {
		return err
	}
	if !cascade {
		return nil
	}
	visited := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node, ok := e.graph.Node(cur)
		if !ok {
			continue
		}
		var dependents []string
		for d := range node.Dependents {
			dependents = append(dependents, d)
		}
		sort.Strings(dependents)
		for _, d := range dependents {
			if visited[d] {
				continue
			}
			visited[d] = true
			t, err := e.get(d)
			if err != nil || t.Status.Terminal() {
				continue
			}
			if err := e.cancelOne(ctx, d, reason); err != nil {
				e.logger.Warn("cascade cancel failed", "task_id", d, "error", err)
				continue
			}
			queue = append(queue, d)
		}
	}
	return nil
}

func (e *Engine) cancelOne(ctx context.Context, id, reason string) error {
	l := e.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := e.get(id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return shared.NewConflictState("taskengine.cancel", fmt.Errorf("task %s already terminal", id), map[string]any{"task_id": id})
	}
	wasRunning := t.Status == StatusRunning
	releasedAgent := t.AssignedAgent
	if err := e.transition(t, StatusCancelled); err != nil {
		return err
	}
	t.EndedAt = time.Now()
	if wasRunning {
		t.CancelRequested = true
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}
	if err := e.persist(ctx, t); err != nil {
		return err
	}
	e.syncWorkload(releasedAgent)
	e.logger.Info("task cancelled", "task_id", id, "reason", reason)
	return nil
}

// Update applies field-level edits to a non-terminal task.
func (e *Engine) Update(ctx context.Context, id string, fields map[string]any) (Task, error) {
	l := e.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t, err := e.get(id)
	if err != nil {
		return Task{}, err
	}
	for k, v := range fields {
		switch k {
		case "priority":
			p, ok := v.(int)
			if !ok {
				return Task{}, shared.NewInvalidInput("taskengine.update", fmt.Errorf("priority must be int"), nil)
			}
			t.Priority = p
		case "description":
			s, ok := v.(string)
			if !ok {
				return Task{}, shared.NewInvalidInput("taskengine.update", fmt.Errorf("description must be string"), nil)
			}
			t.Description = s
		case "progress":
			p, ok := v.(int)
			if !ok || p < 0 || p > 100 {
				return Task{}, shared.NewInvalidInput("taskengine.update", fmt.Errorf("progress must be int in [0,100]"), nil)
			}
			t.Progress = p
		case "metadata":
			m, ok := v.(map[string]any)
			if !ok {
				return Task{}, shared.NewInvalidInput("taskengine.update", fmt.Errorf("metadata must be object"), nil)
			}
			t.Metadata = m
		default:
			return Task{}, shared.NewInvalidInput("taskengine.update", fmt.Errorf("illegal field %q", k), nil)
		}
	}
	if err := e.persist(ctx, t); err != nil {
		return Task{}, err
	}
	return *t, nil
}

// GetTask returns a copy of the task record.
func (e *Engine) GetTask(id string) (Task, error) {
	t, err := e.get(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *t, nil
}

// List returns every task, optionally filtered by status.
func (e *Engine) List(status Status) []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Reassign implements scheduler.Reassigner: the steal operation's
// assigned->queued->assigned transition, a single atomic swap of
// assigned-agent that preserves the task's id and retry count.
func (e *Engine) Reassign(ctx context.Context, taskID, fromAgent, toAgent string) error {
	l := e.lockFor(taskID)
	l.Lock()
	defer l.Unlock()

	t, err := e.get(taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusAssigned || t.AssignedAgent != fromAgent {
		return shared.NewConflictState("taskengine.reassign", fmt.Errorf("task %s not assigned to %s", taskID, fromAgent), map[string]any{"task_id": taskID})
	}
	t.Status = StatusQueued
	t.AssignedAgent = ""
	t.Status = StatusAssigned
	t.AssignedAgent = toAgent
	if err := e.persist(ctx, t); err != nil {
		return err
	}
	e.syncWorkload(fromAgent)
	e.syncWorkload(toAgent)
	return nil
}

// RecoverLeases requeues any assigned/running task whose lease expired
// while the process was down. Called once at startup
// after tasks have been reloaded from the store.
func (e *Engine) RecoverLeases(ctx context.Context, now time.Time) (int, error) {
	e.mu.Lock()
	var expired []string
	for id, t := range e.tasks {
		if (t.Status == StatusAssigned || t.Status == StatusRunning) && !t.LeaseExpiresAt.IsZero() && now.After(t.LeaseExpiresAt) {
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(expired)

	for _, id := range expired {
		l := e.lockFor(id)
		l.Lock()
		t, err := e.get(id)
		if err != nil {
			l.Unlock()
			continue
		}
		if t.Status == StatusRunning {
			e.mu.Lock()
			e.running--
			e.mu.Unlock()
		}
		releasedAgent := t.AssignedAgent
		t.Status = StatusPending
		t.AssignedAgent = ""
		t.LeaseExpiresAt = time.Time{}
		perr := e.persist(ctx, t)
		l.Unlock()
		if perr != nil {
			return len(expired), perr
		}
		e.syncWorkload(releasedAgent)
		if err := e.admit(ctx, id); err != nil {
			e.logger.Error("recovery re-admit failed", "task_id", id, "error", err)
		}
	}
	return len(expired), nil
}

// LoadFromStore rehydrates the in-memory task set and dependency graph from
// the persistence store, used on startup before RecoverLeases runs.
func (e *Engine) LoadFromStore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	tasks, err := e.store.ActiveTasks(ctx)
	if err != nil {
		return shared.NewInternal("taskengine.load_from_store", err, nil)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	for i := range tasks {
		t := tasks[i]
		if _, ok := e.graph.Node(t.ID); !ok {
			if err := e.graph.Add(t.ID, t.Dependencies, t.Priority, t.CreatedAt, t.Timeout); err != nil {
				e.logger.Warn("skipping task with unsatisfiable dependency graph on load", "task_id", t.ID, "error", err)
				continue
			}
		}
		if t.Status == StatusCompleted {
			_, _ = e.graph.MarkCompleted(t.ID)
		}
		e.mu.Lock()
		e.tasks[t.ID] = &t
		e.mu.Unlock()
	}
	return nil
}
