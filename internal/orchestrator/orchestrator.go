// Package orchestrator is the composition root: a thin coordinator that
// accepts external requests, persists task records through the store
// interface, hands tasks to the task engine, and exposes query/metrics
// endpoints. It holds the only cross-subsystem references — every other
// package talks to its collaborators through the narrow interfaces they
// export, so nothing downstream reaches back into the composition root.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentcore/internal/agenttransport"
	"github.com/basket/agentcore/internal/breaker"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/conflict"
	"github.com/basket/agentcore/internal/eventbus"
	"github.com/basket/agentcore/internal/graph"
	"github.com/basket/agentcore/internal/memory"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/taskengine"
	"github.com/basket/agentcore/internal/toolregistry"
)

// Config bundles every subsystem's tunables plus the persistence path.
type Config struct {
	DBPath          string
	Engine          taskengine.Config
	Breaker         breaker.Config
	Scheduler       scheduler.Config
	Bus             bus.Config
	Memory          memory.Config
	ConflictRetain  time.Duration
	RetentionTasks  time.Duration
	RetentionMsgs   time.Duration
	RetentionMemory time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:          persistence.DefaultDBPath(),
		Engine:          taskengine.DefaultConfig(),
		Breaker:         breaker.DefaultConfig(),
		Scheduler:       scheduler.DefaultConfig(),
		Bus:             bus.DefaultConfig(),
		Memory:          memory.DefaultConfig(),
		ConflictRetain:  24 * time.Hour,
		RetentionTasks:  24 * time.Hour,
		RetentionMsgs:   24 * time.Hour,
		RetentionMemory: 7 * 24 * time.Hour,
	}
}

// Orchestrator composes the dependency graph, circuit breaker, scheduler,
// task engine, message bus, conflict resolver, and memory store behind one
// process boundary.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	db         *persistence.Store
	graph      *graph.Graph
	breakers   *breaker.Set
	sched      *scheduler.Scheduler
	engine     *taskengine.Engine
	bus        *bus.Bus
	transports *agenttransport.Registry
	conflict   *conflict.Resolver
	memory     *memory.Store
	events     *eventbus.Bus
	maint      *cronlib.Cron
	tools      *toolregistry.Registry

	cancel context.CancelFunc
}

// Open builds every subsystem, opens the SQLite store at cfg.DBPath (or an
// in-memory one for tests when DBPath is empty), replays active tasks and
// memory entries into their in-process stores, and recovers any task whose
// lease had already expired at startup.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var db *persistence.Store
	var err error
	if cfg.DBPath == "" {
		db, err = persistence.OpenMemory()
	} else {
		db, err = persistence.Open(cfg.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open persistence store: %w", err)
	}

	memStore, err := loadMemory(ctx, db, cfg.Memory)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load memory entries: %w", err)
	}

	events := eventbus.NewWithLogger(logger)
	installEventHooks(&cfg, events)

	transports := agenttransport.NewRegistry(logger)
	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		graph:      graph.New(),
		breakers:   breaker.NewSet(cfg.Breaker, logger),
		sched:      scheduler.New(cfg.Scheduler, logger),
		bus:        bus.New(cfg.Bus, transports, logger),
		transports: transports,
		conflict:   conflict.New(cfg.ConflictRetain),
		memory:     memStore,
		events:     events,
	}
	o.engine = taskengine.New(cfg.Engine, logger, newTaskStore(db), o.graph, o.breakers, o.sched, newBusDispatcher(o.bus))

	if err := o.engine.LoadFromStore(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("replay active tasks: %w", err)
	}
	if n, err := o.engine.RecoverLeases(ctx, time.Now()); err != nil {
		logger.Warn("lease recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered expired leases at startup", "count", n)
	}

	tools, err := o.Tools()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build tool catalog: %w", err)
	}
	o.tools = tools

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.bus.Start(runCtx)
	o.sched.Start(runCtx, o.engine, o.pickStealCandidate)

	return o, nil
}

// Close stops background workers and closes the persistence handle. It does
// not delete any durable state.
func (o *Orchestrator) Close() error {
	if o.cancel != nil {
		o.cancel()
	}
	if o.maint != nil {
		o.maint.Stop()
	}
	o.sched.Stop()
	o.bus.Stop()
	return o.db.Close()
}

// pickStealCandidate is the scheduler's callback for choosing which of an
// overloaded agent's tasks to move to toAgent; the engine is the only thing
// that knows an agent's current task list, so the orchestrator brokers the
// call. Only tasks the destination is capable of running are candidates,
// lowest-priority first so urgent work stays with its original agent.
func (o *Orchestrator) pickStealCandidate(fromAgent, toAgent string, maxBatch int) []string {
	dest, ok := o.sched.Workload(toAgent)
	if !ok {
		return nil
	}
	var candidates []taskengine.Task
	for _, t := range o.engine.List(taskengine.StatusAssigned) {
		if t.AssignedAgent != fromAgent {
			continue
		}
		if !hasCapabilities(dest.Capabilities, t.RequiredCapabilities) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > maxBatch {
		candidates = candidates[:maxBatch]
	}
	out := make([]string, 0, len(candidates))
	for _, t := range candidates {
		out = append(out, t.ID)
	}
	return out
}

func hasCapabilities(have map[string]struct{}, required []string) bool {
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// RegisterAgent adds an agent's capability profile to the scheduler so it
// becomes eligible for assignment, and binds the transport that delivers
// assignments to it.
func (o *Orchestrator) RegisterAgent(w scheduler.AgentWorkload, t agenttransport.Transport) {
	o.sched.RegisterAgent(w)
	if t != nil {
		o.transports.Put(w.AgentID, t)
	}
}

// RemoveAgent drops an agent from scheduling consideration and removes its
// transport binding.
func (o *Orchestrator) RemoveAgent(agentID string) {
	o.sched.RemoveAgent(agentID)
	o.transports.Remove(agentID)
}

// Transports exposes the agent-transport registry so callers (e.g.
// cmd/agentcore) can connect adapters before registering their agents.
func (o *Orchestrator) Transports() *agenttransport.Registry { return o.transports }

// CreateTask creates a task: dependency-checked, queued once ready.
func (o *Orchestrator) CreateTask(ctx context.Context, spec taskengine.Spec) (string, error) {
	id, err := o.engine.Create(ctx, spec)
	if err == nil {
		o.publishTaskEvent(eventbus.TopicTaskStateChanged, id, "", string(taskengine.StatusPending))
	}
	return id, err
}

// AssignTask picks (or honors a preferred) agent and transitions the task
// to assigned.
func (o *Orchestrator) AssignTask(ctx context.Context, id, preferredAgent string) (string, error) {
	return o.engine.Assign(ctx, id, preferredAgent)
}

// ExecuteTask dispatches an assigned task to its agent through the breaker
// and bus.
func (o *Orchestrator) ExecuteTask(ctx context.Context, id string) error {
	return o.engine.Execute(ctx, id)
}

// CompleteTask marks a task complete and returns any dependents newly
// unblocked by it.
func (o *Orchestrator) CompleteTask(ctx context.Context, id, agentID string) ([]string, error) {
	unblocked, err := o.engine.Complete(ctx, id, agentID)
	if err == nil {
		o.events.Publish(eventbus.TopicTaskCompleted, eventbus.TaskStateChangedEvent{
			TaskID: id, OldStatus: string(taskengine.StatusRunning), NewStatus: string(taskengine.StatusCompleted),
		})
	}
	return unblocked, err
}

// FailTask records a failure, retrying within budget or terminally failing
// the task.
func (o *Orchestrator) FailTask(ctx context.Context, id, agentID string, cause error) error {
	err := o.engine.Fail(ctx, id, agentID, cause)
	if err == nil {
		// A failure within the retry budget lands the task back in pending.
		topic := eventbus.TopicTaskFailed
		if t, gerr := o.engine.GetTask(id); gerr == nil && t.Status == taskengine.StatusPending {
			topic = eventbus.TopicTaskRetrying
		}
		o.events.Publish(topic, eventbus.TaskStateChangedEvent{TaskID: id, OldStatus: string(taskengine.StatusRunning)})
	}
	return err
}

// RetryTask forces a retry of a task outside its normal failure path (CLI
// `task retry`).
func (o *Orchestrator) RetryTask(ctx context.Context, id string, resetRetries bool, newAgent string) error {
	return o.engine.Retry(ctx, id, resetRetries, newAgent)
}

// CancelTask cancels a task, optionally cascading to its dependents.
func (o *Orchestrator) CancelTask(ctx context.Context, id, reason string, cascade bool) error {
	err := o.engine.Cancel(ctx, id, reason, cascade)
	if err == nil {
		o.publishTaskEvent(eventbus.TopicTaskStateChanged, id, "", string(taskengine.StatusCancelled))
	}
	return err
}

// UpdateTask patches mutable task fields (CLI `task update`).
func (o *Orchestrator) UpdateTask(ctx context.Context, id string, fields map[string]any) (taskengine.Task, error) {
	return o.engine.Update(ctx, id, fields)
}

// GetTask returns one task by id.
func (o *Orchestrator) GetTask(id string) (taskengine.Task, error) {
	return o.engine.GetTask(id)
}

// ListTasks returns every task in the given status, or every task if status
// is empty.
func (o *Orchestrator) ListTasks(status taskengine.Status) []taskengine.Task {
	return o.engine.List(status)
}

// ReassignTask moves a task between agents outside the scheduler's own
// steal loop (operator-forced rebalance).
func (o *Orchestrator) ReassignTask(ctx context.Context, taskID, fromAgent, toAgent string) error {
	return o.engine.Reassign(ctx, taskID, fromAgent, toAgent)
}

// Stats reports task counts by status, the circuit breaker snapshot, and
// scheduler load for `task stats` / the dashboard.
type Stats struct {
	Tasks     persistence.StatusCounts
	Breakers  []breaker.Snapshot
	Scheduler scheduler.Stats
	MemoryLen int
}

func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	counts, err := o.db.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Tasks:     counts,
		Breakers:  o.breakers.All(),
		Scheduler: o.sched.Stats(),
		MemoryLen: o.memory.Len(),
	}, nil
}

// OpenConflict records a dispute over a shared resource for later
// resolution (e.g. two agents claiming the same task).
func (o *Orchestrator) OpenConflict(kind conflict.Kind, targetID string, claimants []conflict.Claimant) (string, error) {
	id, err := o.conflict.Open(kind, targetID, claimants)
	if err == nil {
		o.events.Publish(eventbus.TopicConflictOpened, eventbus.ConflictEvent{ConflictID: id, TargetID: targetID})
	}
	return id, err
}

// ResolveConflict applies a named strategy to an open conflict.
func (o *Orchestrator) ResolveConflict(id string, strategy conflict.Strategy) (winner string, losers []string, err error) {
	winner, losers, err = o.conflict.Resolve(id, strategy)
	if err == nil {
		o.events.Publish(eventbus.TopicConflictResolved, eventbus.ConflictEvent{ConflictID: id, Winner: winner})
	}
	return winner, losers, err
}

// Remember stores a memory entry on behalf of an agent (C7).
func (o *Orchestrator) Remember(agent string, etype memory.EntryType, content string, tags []string, priority int, shareLevel memory.ShareLevel, metadata map[string]any) (memory.Entry, error) {
	return o.memory.Remember(agent, etype, content, tags, priority, shareLevel, metadata)
}

// Recall queries memory entries (C7).
func (o *Orchestrator) Recall(q memory.Query) []memory.Entry {
	return o.memory.Recall(q)
}

// ShareMemory shares one entry with another agent.
func (o *Orchestrator) ShareMemory(entryID, targetAgent string) (memory.Entry, error) {
	return o.memory.Share(entryID, targetAgent)
}

// BroadcastMemory shares one entry with every target agent.
func (o *Orchestrator) BroadcastMemory(entryID string, targets []string) []memory.BroadcastResult {
	return o.memory.Broadcast(entryID, targets)
}

// SearchKnowledge queries the knowledge-base cross-index (C7).
func (o *Orchestrator) SearchKnowledge(query, domain, expertise string) []memory.Entry {
	return o.memory.SearchKnowledge(query, domain, expertise)
}

// RunRetention purges terminal tasks, expired messages, and aged memory
// entries past their configured windows.
func (o *Orchestrator) RunRetention(ctx context.Context) (persistence.RetentionResult, error) {
	return o.db.RunRetention(ctx, o.cfg.RetentionTasks, o.cfg.RetentionMsgs, o.cfg.RetentionMemory)
}

// Bus exposes the message bus for agent-transport adapters to subscribe
// against; it is the one C6 handle given out beyond the orchestrator.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// DB exposes the persistence handle for backup/export tooling.
func (o *Orchestrator) DB() *persistence.Store { return o.db }
