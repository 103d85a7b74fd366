package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestPickPrefersCapabilityAndLoad(t *testing.T) {
	s := New(DefaultConfig(), nil)
	s.RegisterAgent(AgentWorkload{AgentID: "a", Capabilities: set("python"), MaxConcurrent: 10, TaskCount: 5})
	s.RegisterAgent(AgentWorkload{AgentID: "b", Capabilities: set("python"), MaxConcurrent: 10, TaskCount: 1})
	s.RegisterAgent(AgentWorkload{AgentID: "c", Capabilities: set("go"), MaxConcurrent: 10, TaskCount: 0})

	chosen, err := s.Pick([]string{"python"}, 1)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if chosen != "b" {
		t.Fatalf("expected b (matching capability, lower load), got %s", chosen)
	}
}

func TestPickExcludesFullAgents(t *testing.T) {
	s := New(DefaultConfig(), nil)
	s.RegisterAgent(AgentWorkload{AgentID: "full", Capabilities: set("x"), MaxConcurrent: 1, TaskCount: 1})
	if _, err := s.Pick([]string{"x"}, 1); err == nil {
		t.Fatalf("expected capacity-exceeded error, got nil")
	}
}

type recordingReassigner struct {
	calls []string
}

func (r *recordingReassigner) Reassign(_ context.Context, taskID, from, to string) error {
	r.calls = append(r.calls, taskID+":"+from+"->"+to)
	return nil
}

func TestStealTickRebalances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StealInterval = 5 * time.Millisecond
	cfg.StealThreshold = 0.1
	s := New(cfg, nil)
	s.RegisterAgent(AgentWorkload{AgentID: "busy", MaxConcurrent: 100, TaskCount: 20})
	s.RegisterAgent(AgentWorkload{AgentID: "idle", MaxConcurrent: 100, TaskCount: 0})

	r := &recordingReassigner{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, r, func(from, to string, maxBatch int) []string {
		if from == "busy" && to == "idle" {
			return []string{"t1"}
		}
		return nil
	})
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if len(r.calls) == 0 {
		t.Fatalf("expected at least one steal reassignment")
	}
}

func set(vals ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}
