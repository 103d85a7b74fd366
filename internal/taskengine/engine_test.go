package taskengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/breaker"
	"github.com/basket/agentcore/internal/graph"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/shared"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string]Task
}

func newMemStore() *memStore { return &memStore{saved: make(map[string]Task)} }

func (m *memStore) SaveTask(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[t.ID] = t
	return nil
}

func (m *memStore) ActiveTasks(context.Context) ([]Task, error) { return nil, nil }

type scriptedDispatcher struct {
	mu       sync.Mutex
	script   map[string][]error // agentID -> ordered list of call outcomes
	calls    int
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, agentID string, _ Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	outs := d.script[agentID]
	if len(outs) == 0 {
		return nil
	}
	out := outs[0]
	d.script[agentID] = outs[1:]
	return out
}

func newEngine(t *testing.T, dispatcher Dispatcher) (*Engine, *graph.Graph) {
	t.Helper()
	g := graph.New()
	b := breaker.NewSet(breaker.Config{FailureThreshold: 5, SuccessThreshold: 1, OpenTimeout: time.Hour, HalfOpenConcurrencyLimit: 1}, nil)
	s := scheduler.New(scheduler.DefaultConfig(), nil)
	s.RegisterAgent(scheduler.AgentWorkload{AgentID: "agent-1", MaxConcurrent: 10})
	s.RegisterAgent(scheduler.AgentWorkload{AgentID: "agent-2", MaxConcurrent: 10})
	e := New(DefaultConfig(), nil, newMemStore(), g, b, s, dispatcher)
	return e, g
}

func TestLinearPipelineCompletesInOrder(t *testing.T) {
	disp := &scriptedDispatcher{script: map[string][]error{}}
	e, _ := newEngine(t, disp)
	ctx := context.Background()

	t1, err := e.Create(ctx, Spec{Type: "x", MaxRetries: 0})
	if err != nil {
		t.Fatalf("create t1: %v", err)
	}
	t2, err := e.Create(ctx, Spec{Type: "x", Dependencies: []string{t1}, MaxRetries: 0})
	if err != nil {
		t.Fatalf("create t2: %v", err)
	}
	t3, err := e.Create(ctx, Spec{Type: "x", Dependencies: []string{t2}, MaxRetries: 0})
	if err != nil {
		t.Fatalf("create t3: %v", err)
	}

	runOne := func(id string) {
		agent, err := e.Assign(ctx, id, "agent-1")
		if err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
		if err := e.Execute(ctx, id); err != nil {
			t.Fatalf("execute %s: %v", id, err)
		}
		if _, err := e.Complete(ctx, id, agent); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	// t2/t3 aren't ready yet.
	if _, err := e.Assign(ctx, t2, "agent-1"); !shared.Is(err, shared.KindConflictState) {
		t.Fatalf("expected not-ready ConflictState for t2, got %v", err)
	}

	runOne(t1)
	runOne(t2)
	runOne(t3)

	for _, id := range []string{t1, t2, t3} {
		task, err := e.GetTask(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if task.Status != StatusCompleted {
			t.Fatalf("task %s status = %s, want completed", id, task.Status)
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	disp := &scriptedDispatcher{script: map[string][]error{
		"agent-1": {nil}, // Dispatch always succeeds; failures come via Fail()
	}}
	e, _ := newEngine(t, disp)
	ctx := context.Background()

	id, err := e.Create(ctx, Spec{Type: "x", MaxRetries: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	agent, err := e.Assign(ctx, id, "agent-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.Execute(ctx, id); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := e.Fail(ctx, id, agent, errors.New("boom 1")); err != nil {
		t.Fatalf("fail 1: %v", err)
	}

	task, _ := e.GetTask(id)
	if task.RetryCount != 1 || task.Status != StatusPending {
		t.Fatalf("after first failure: retry_count=%d status=%s", task.RetryCount, task.Status)
	}

	// Wait for the scheduled re-admit (delay is small in tests via DefaultBackoff base=1s;
	// re-admit directly instead of sleeping a full second).
	if err := e.admit(ctx, id); err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	agent, err = e.Assign(ctx, id, "agent-1")
	if err != nil {
		t.Fatalf("assign 2: %v", err)
	}
	if err := e.Execute(ctx, id); err != nil {
		t.Fatalf("execute 2: %v", err)
	}
	if _, err := e.Complete(ctx, id, agent); err != nil {
		t.Fatalf("complete: %v", err)
	}

	task, _ = e.GetTask(id)
	if task.Status != StatusCompleted {
		t.Fatalf("final status = %s, want completed", task.Status)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1 (only one failure recorded)", task.RetryCount)
	}
}

func TestCancelCascade(t *testing.T) {
	disp := &scriptedDispatcher{script: map[string][]error{}}
	e, _ := newEngine(t, disp)
	ctx := context.Background()

	t1, _ := e.Create(ctx, Spec{Type: "x"})
	t2, _ := e.Create(ctx, Spec{Type: "x", Dependencies: []string{t1}})
	t3, _ := e.Create(ctx, Spec{Type: "x", Dependencies: []string{t1}})
	t4, _ := e.Create(ctx, Spec{Type: "x", Dependencies: []string{t3}})

	if err := e.Cancel(ctx, t1, "test", true); err != nil {
		t.Fatalf("cancel cascade: %v", err)
	}

	for _, id := range []string{t1, t2, t3, t4} {
		task, err := e.GetTask(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if task.Status != StatusCancelled {
			t.Fatalf("task %s status = %s, want cancelled", id, task.Status)
		}
	}
}

func TestCircuitOpensAndReroutes(t *testing.T) {
	disp := &scriptedDispatcher{script: map[string][]error{}}
	e, _ := newEngine(t, disp)
	ctx := context.Background()

	// Drive agent-1's breaker to OPEN by failing five running tasks against it.
	for i := 0; i < 5; i++ {
		id, _ := e.Create(ctx, Spec{Type: "x", MaxRetries: 0})
		agent, err := e.Assign(ctx, id, "agent-1")
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if err := e.Execute(ctx, id); err != nil {
			t.Fatalf("execute: %v", err)
		}
		if err := e.Fail(ctx, id, agent, errors.New("always fails")); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}

	id, _ := e.Create(ctx, Spec{Type: "x"})
	if _, err := e.Assign(ctx, id, "agent-1"); !shared.Is(err, shared.KindCircuitOpen) {
		t.Fatalf("expected CircuitOpen for agent-1, got %v", err)
	}
	if _, err := e.Assign(ctx, id, "agent-2"); err != nil {
		t.Fatalf("expected agent-2 to be assignable, got %v", err)
	}
}

func TestWorkloadSyncGatesFullAgents(t *testing.T) {
	disp := &scriptedDispatcher{script: map[string][]error{}}
	g := graph.New()
	b := breaker.NewSet(breaker.DefaultConfig(), nil)
	s := scheduler.New(scheduler.DefaultConfig(), nil)
	s.RegisterAgent(scheduler.AgentWorkload{AgentID: "solo", MaxConcurrent: 1})
	e := New(DefaultConfig(), nil, newMemStore(), g, b, s, disp)
	ctx := context.Background()

	t1, err := e.Create(ctx, Spec{Type: "x"})
	if err != nil {
		t.Fatal(err)
	}
	t2, err := e.Create(ctx, Spec{Type: "x"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Assign(ctx, t1, ""); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	w, ok := s.Workload("solo")
	if !ok || w.TaskCount != 1 {
		t.Fatalf("scheduler workload = %+v, want TaskCount 1", w)
	}

	// The only agent is at capacity: Pick must exclude it.
	if _, err := e.Assign(ctx, t2, ""); !shared.Is(err, shared.KindCapacityExceeded) {
		t.Fatalf("expected CapacityExceeded while solo is full, got %v", err)
	}

	if err := e.Execute(ctx, t1); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := e.Complete(ctx, t1, "solo"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if w, _ := s.Workload("solo"); w.TaskCount != 0 {
		t.Fatalf("workload after complete = %+v, want TaskCount 0", w)
	}

	// Capacity released: the waiting task can now be assigned.
	if _, err := e.Assign(ctx, t2, ""); err != nil {
		t.Fatalf("assign after release: %v", err)
	}
}

func TestRetryWithNewAgentPrefersIt(t *testing.T) {
	disp := &scriptedDispatcher{script: map[string][]error{
		"agent-1": {nil}, // Dispatch always succeeds; failures come via Fail()
	}}
	e, _ := newEngine(t, disp)
	ctx := context.Background()

	id, err := e.Create(ctx, Spec{Type: "x", MaxRetries: 0})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Assign(ctx, id, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if err := e.Execute(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := e.Fail(ctx, id, "agent-1", errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if tk, _ := e.GetTask(id); tk.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", tk.Status)
	}

	if err := e.Retry(ctx, id, false, "agent-2"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	chosen, err := e.Assign(ctx, id, "")
	if err != nil {
		t.Fatalf("assign after retry: %v", err)
	}
	if chosen != "agent-2" {
		t.Fatalf("assigned to %s, want the requested new agent agent-2", chosen)
	}
}

func TestCreateAssignToHintConsumedOnce(t *testing.T) {
	disp := &scriptedDispatcher{script: map[string][]error{}}
	e, _ := newEngine(t, disp)
	ctx := context.Background()

	id, err := e.Create(ctx, Spec{Type: "x", AssignTo: "agent-2"})
	if err != nil {
		t.Fatal(err)
	}
	chosen, err := e.Assign(ctx, id, "")
	if err != nil {
		t.Fatal(err)
	}
	if chosen != "agent-2" {
		t.Fatalf("assigned to %s, want the assign-to hint agent-2", chosen)
	}
	if tk, _ := e.GetTask(id); tk.PreferredAgent != "" {
		t.Fatalf("preferred agent not cleared after use: %q", tk.PreferredAgent)
	}
}
