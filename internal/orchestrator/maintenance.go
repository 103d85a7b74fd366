package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// snapshotKeep is how many message-bus snapshot files are retained.
const snapshotKeep = 10

// StartMaintenance launches the cron-driven janitor: a retention sweep
// over terminal tasks, expired messages, aged memory entries, and stale
// conflicts, plus an optional periodic message-bus snapshot export.
// Schedules accept cron syntax including the @every shorthand.
func (o *Orchestrator) StartMaintenance(ctx context.Context, sweepSpec, snapshotSpec, snapshotDir string) error {
	runner := cronlib.New()

	if strings.TrimSpace(sweepSpec) != "" {
		if _, err := runner.AddFunc(sweepSpec, func() { o.maintenanceSweep(ctx) }); err != nil {
			return fmt.Errorf("schedule retention sweep %q: %w", sweepSpec, err)
		}
	}
	if strings.TrimSpace(snapshotSpec) != "" && strings.TrimSpace(snapshotDir) != "" {
		if _, err := runner.AddFunc(snapshotSpec, func() {
			if err := o.SnapshotMessages(ctx, snapshotDir); err != nil {
				o.logger.Warn("message snapshot failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule snapshot export %q: %w", snapshotSpec, err)
		}
	}

	runner.Start()
	o.maint = runner
	go func() {
		<-ctx.Done()
		runner.Stop()
	}()
	return nil
}

func (o *Orchestrator) maintenanceSweep(ctx context.Context) {
	res, err := o.RunRetention(ctx)
	if err != nil {
		o.logger.Warn("retention sweep failed", "error", err)
		return
	}
	gcd := o.conflict.GC(time.Now())
	if res.PurgedTasks > 0 || res.PurgedMessages > 0 || res.PurgedMemoryEntries > 0 || gcd > 0 {
		o.logger.Info("retention sweep",
			"purged_tasks", res.PurgedTasks,
			"purged_messages", res.PurgedMessages,
			"purged_memory_entries", res.PurgedMemoryEntries,
			"gc_conflicts", gcd)
	}
}

// SnapshotMessages exports the pending message backlog to
// <dir>/message-bus/messages-<epoch>.json, pruning all but the latest
// snapshotKeep files.
func (o *Orchestrator) SnapshotMessages(ctx context.Context, dir string) error {
	busDir := filepath.Join(dir, "message-bus")
	if err := os.MkdirAll(busDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	pending, err := o.db.PendingMessages(ctx)
	if err != nil {
		return fmt.Errorf("load pending messages: %w", err)
	}
	b, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("messages-%d.json", time.Now().UnixMilli())
	if err := os.WriteFile(filepath.Join(busDir, name), b, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return pruneSnapshots(busDir, snapshotKeep)
}

// pruneSnapshots removes all but the newest keep messages-*.json files.
// Epoch-stamped names sort chronologically only within equal digit counts,
// so sort by modification time instead.
func pruneSnapshots(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	type snap struct {
		name string
		mod  time.Time
	}
	var snaps []snap
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "messages-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{name: e.Name(), mod: info.ModTime()})
	}
	if len(snaps) <= keep {
		return nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].mod.After(snaps[j].mod) })
	for _, s := range snaps[keep:] {
		if err := os.Remove(filepath.Join(dir, s.name)); err != nil {
			return err
		}
	}
	return nil
}
