package graph

import (
	"testing"
	"time"
)

func TestLinearPipelineReadyOrder(t *testing.T) {
	g := New()
	now := time.Now()
	if err := g.Add("t1", nil, 5, now, time.Second); err != nil {
		t.Fatalf("add t1: %v", err)
	}
	if err := g.Add("t2", []string{"t1"}, 5, now.Add(time.Millisecond), time.Second); err != nil {
		t.Fatalf("add t2: %v", err)
	}
	if err := g.Add("t3", []string{"t2"}, 5, now.Add(2*time.Millisecond), time.Second); err != nil {
		t.Fatalf("add t3: %v", err)
	}

	ready, err := g.IsReady("t2")
	if err != nil {
		t.Fatalf("is_ready: %v", err)
	}
	if ready {
		t.Fatalf("t2 should not be ready before t1 completes")
	}

	newlyReady, err := g.MarkCompleted("t1")
	if err != nil {
		t.Fatalf("mark_completed: %v", err)
	}
	if len(newlyReady) != 1 || newlyReady[0] != "t2" {
		t.Fatalf("expected [t2] newly ready, got %v", newlyReady)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("topo sort: %v", err)
	}
	want := []string{"t1", "t2", "t3"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("topo order = %v, want %v", order, want)
		}
	}
}

func TestAddRejectsUnknownDependency(t *testing.T) {
	g := New()
	now := time.Now()
	_ = g.Add("a", nil, 1, now, 0)
	_ = g.Add("b", []string{"a"}, 1, now, 0)

	// Add requires every dependency to exist already, and a new node has no
	// dependents, so no single Add can close a cycle. Check the
	// unknown-dependency rejection and that no partial node is left.
	if err := g.Add("c", []string{"unknown"}, 1, now, 0); err == nil {
		t.Fatalf("expected error for unknown dependency")
	}
	if _, ok := g.Node("c"); ok {
		t.Fatalf("rejected add must not leave a partial node behind")
	}
}

func TestTieBreakOnReadyOrder(t *testing.T) {
	g := New()
	now := time.Now()
	_ = g.Add("root", nil, 1, now, 0)
	_ = g.Add("low", []string{"root"}, 1, now.Add(time.Second), 0)
	_ = g.Add("high", []string{"root"}, 9, now.Add(2*time.Second), 0)

	ready, err := g.MarkCompleted("root")
	if err != nil {
		t.Fatalf("mark_completed: %v", err)
	}
	if len(ready) != 2 || ready[0] != "high" || ready[1] != "low" {
		t.Fatalf("expected [high low] by priority desc, got %v", ready)
	}
}

func TestCriticalPath(t *testing.T) {
	g := New()
	now := time.Now()
	_ = g.Add("a", nil, 1, now, time.Second)
	_ = g.Add("b", []string{"a"}, 1, now, 2*time.Second)
	_ = g.Add("c", []string{"b"}, 1, now, 3*time.Second)

	path := g.CriticalPath()
	want := []string{"a", "b", "c"}
	if len(path) != len(want) {
		t.Fatalf("critical path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("critical path = %v, want %v", path, want)
		}
	}
}
