package persistence

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveTaskUpsertAndActiveTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := TaskRecord{
		ID: "t1", Type: "build", Description: "compile", Status: "pending",
		Priority: 5, CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveTask(ctx, rec); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	rec.Status = "running"
	rec.AssignedAgent = "agent-1"
	if err := s.SaveTask(ctx, rec); err != nil {
		t.Fatalf("SaveTask update: %v", err)
	}

	active, err := s.ActiveTasks(ctx)
	if err != nil {
		t.Fatalf("ActiveTasks: %v", err)
	}
	if len(active) != 1 || active[0].Status != "running" || active[0].AssignedAgent != "agent-1" {
		t.Fatalf("unexpected active tasks: %+v", active)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != "running" {
		t.Fatalf("GetTask status = %q, want running", got.Status)
	}
}

func TestActiveTasksExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{"pending", "completed", "cancelled", "running"} {
		rec := TaskRecord{ID: string(rune('a' + i)), Type: "t", Description: "d", Status: status, CreatedAt: time.Now()}
		if err := s.SaveTask(ctx, rec); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}

	active, err := s.ActiveTasks(ctx)
	if err != nil {
		t.Fatalf("ActiveTasks: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ActiveTasks len = %d, want 2", len(active))
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{"pending", "pending", "completed"} {
		rec := TaskRecord{ID: string(rune('a' + i)), Type: "t", Description: "d", Status: status, CreatedAt: time.Now()}
		if err := s.SaveTask(ctx, rec); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["pending"] != 2 || stats["completed"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)
	if err := s.SaveTask(ctx, TaskRecord{ID: "expired", Status: "running", CreatedAt: time.Now(), LeaseExpiresAt: &past}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := s.SaveTask(ctx, TaskRecord{ID: "alive", Status: "assigned", CreatedAt: time.Now(), LeaseExpiresAt: &future}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	expired, err := s.ExpiredLeases(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredLeases: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "expired" {
		t.Fatalf("unexpected expired leases: %+v", expired)
	}
}

func TestRetentionPurgesOldTerminalTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	if err := s.SaveTask(ctx, TaskRecord{ID: "old", Status: "completed", CreatedAt: old, EndedAt: &old}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := s.SaveTask(ctx, TaskRecord{ID: "new", Status: "completed", CreatedAt: recent, EndedAt: &recent}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	result, err := s.RunRetention(ctx, 24*time.Hour, 0, 0)
	if err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if result.PurgedTasks != 1 {
		t.Fatalf("PurgedTasks = %d, want 1", result.PurgedTasks)
	}
}

func TestMessagePersistenceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := MessageRecord{ID: "m1", Sender: "a1", Receivers: []string{"a2", "a3"}, Type: "ping",
		Content: []byte("hello"), ContentType: "text/plain", Priority: "normal", Reliability: "at-least-once", SentAt: time.Now()}
	if err := s.PersistMessage(ctx, rec); err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}

	pending, err := s.PendingMessages(ctx)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(pending) != 1 || string(pending[0].Content) != "hello" || len(pending[0].Receivers) != 2 {
		t.Fatalf("unexpected pending messages: %+v", pending)
	}

	if err := s.DeleteMessage(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	pending, err = s.PendingMessages(ctx)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected message purged, got %d", len(pending))
	}
}

func TestMemoryEntryPersistenceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := MemoryEntryRecord{ID: "e1", Agent: "a1", Type: "knowledge", Content: "fact", Tags: []string{"go", "db"}, ShareLevel: "team", CreatedAt: time.Now()}
	if err := s.SaveMemoryEntry(ctx, rec); err != nil {
		t.Fatalf("SaveMemoryEntry: %v", err)
	}

	entries, err := s.LoadMemoryEntries(ctx)
	if err != nil {
		t.Fatalf("LoadMemoryEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "fact" || len(entries[0].Tags) != 2 {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	count, err := s.CountMemoryEntries(ctx)
	if err != nil {
		t.Fatalf("CountMemoryEntries: %v", err)
	}
	if count != 1 {
		t.Fatalf("CountMemoryEntries = %d, want 1", count)
	}

	if err := s.DeleteMemoryEntry(ctx, "e1"); err != nil {
		t.Fatalf("DeleteMemoryEntry: %v", err)
	}
	count, _ = s.CountMemoryEntries(ctx)
	if count != 0 {
		t.Fatalf("expected entry deleted, count=%d", count)
	}
}
