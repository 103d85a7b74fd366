package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/agentcore/internal/agenttransport"
	"github.com/basket/agentcore/internal/memory"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/taskengine"
)

// connectedInProcess returns an InProcess transport already connected and
// with its Events channel drained in the background, so SendMessage calls
// in the lifecycle test never block on an unread buffer.
func connectedInProcess(t *testing.T, agentID string) *agenttransport.InProcess {
	t.Helper()
	p := agenttransport.NewInProcess(16)
	if err := p.Connect(context.Background(), agentID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	go func() {
		for range p.Events() {
		}
	}()
	return p
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = ""
	o, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestCreateAssignExecuteCompleteLifecycle(t *testing.T) {
	o := newTestOrchestrator(t)
	o.RegisterAgent(scheduler.AgentWorkload{AgentID: "agent-1", MaxConcurrent: 4}, connectedInProcess(t, "agent-1"))

	id, err := o.CreateTask(context.Background(), taskengine.Spec{Type: "build", Description: "compile", Priority: 5})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	agent, err := o.AssignTask(context.Background(), id, "")
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if agent != "agent-1" {
		t.Fatalf("AssignTask picked %q, want agent-1", agent)
	}

	if err := o.ExecuteTask(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	if _, err := o.CompleteTask(context.Background(), id, agent); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	task, err := o.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != taskengine.StatusCompleted {
		t.Fatalf("task status = %s, want completed", task.Status)
	}
}

func TestStatsReportsTaskAndBreakerState(t *testing.T) {
	o := newTestOrchestrator(t)
	o.RegisterAgent(scheduler.AgentWorkload{AgentID: "agent-1", MaxConcurrent: 4}, nil)

	if _, err := o.CreateTask(context.Background(), taskengine.Spec{Type: "build", Description: "compile"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	stats, err := o.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Tasks["queued"]+stats.Tasks["pending"] == 0 {
		t.Fatalf("expected at least one pending/queued task, got %+v", stats.Tasks)
	}
}

func TestMemoryRoundTripThroughOrchestrator(t *testing.T) {
	o := newTestOrchestrator(t)

	e, err := o.Remember("agent-1", memory.TypeKnowledge, "go channels are typed pipes", []string{"go"}, 3, memory.ShareTeam, nil)
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}

	got := o.Recall(memory.Query{Agent: "agent-1"})
	if len(got) != 1 || got[0].ID != e.ID {
		t.Fatalf("Recall mismatch: %+v", got)
	}

	shared, err := o.ShareMemory(e.ID, "agent-2")
	if err != nil {
		t.Fatalf("ShareMemory: %v", err)
	}
	if shared.Provenance == nil || shared.Provenance.OriginalID != e.ID {
		t.Fatalf("unexpected provenance: %+v", shared.Provenance)
	}
}

func TestBackupWritesJSONSnapshot(t *testing.T) {
	o := newTestOrchestrator(t)
	if _, err := o.Remember("agent-1", memory.TypeResult, "finding", []string{"x"}, 1, memory.ShareTeam, nil); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	dir := t.TempDir()
	if err := o.Backup(context.Background(), dir); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	for _, name := range []string{"entries.json", "knowledge-bases.json", "tasks.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected backup file %s: %v", name, err)
		}
	}
}

func TestPickStealCandidateFiltersAndOrders(t *testing.T) {
	o := newTestOrchestrator(t)
	o.RegisterAgent(scheduler.AgentWorkload{AgentID: "busy", Capabilities: map[string]struct{}{"go": {}, "py": {}}, MaxConcurrent: 10}, connectedInProcess(t, "busy"))
	o.RegisterAgent(scheduler.AgentWorkload{AgentID: "idle", Capabilities: map[string]struct{}{"go": {}}, MaxConcurrent: 10}, connectedInProcess(t, "idle"))

	ctx := context.Background()
	mk := func(prio int, caps ...string) string {
		id, err := o.CreateTask(ctx, taskengine.Spec{Type: "job", Description: "d", Priority: prio, RequiredCapabilities: caps})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := o.AssignTask(ctx, id, "busy"); err != nil {
			t.Fatal(err)
		}
		return id
	}
	highGo := mk(9, "go")
	lowGo := mk(2, "go")
	lowPy := mk(1, "py") // destination lacks "py": never a candidate

	got := o.pickStealCandidate("busy", "idle", 2)
	if len(got) != 2 {
		t.Fatalf("candidates = %v, want 2", got)
	}
	if got[0] != lowGo || got[1] != highGo {
		t.Fatalf("candidates = %v, want lowest-priority first [%s %s]", got, lowGo, highGo)
	}
	for _, id := range got {
		if id == lowPy {
			t.Fatalf("capability-incompatible task %s offered for steal", lowPy)
		}
	}

	if got := o.pickStealCandidate("busy", "ghost", 2); got != nil {
		t.Fatalf("unknown destination should yield no candidates, got %v", got)
	}
}
