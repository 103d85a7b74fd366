package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Backup snapshots the durable store to the legacy JSON layout
// (entries.json, knowledge-bases.json, tasks.json) — retained only as an
// export format now that SQLite is the primary store, used by
// `agentcore backup`.
func (o *Orchestrator) Backup(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	entries, err := o.db.LoadMemoryEntries(ctx)
	if err != nil {
		return fmt.Errorf("load memory entries: %w", err)
	}
	if err := writeJSONFile(filepath.Join(dir, "entries.json"), entries); err != nil {
		return fmt.Errorf("write entries.json: %w", err)
	}

	domains := make(map[string][]string)
	for _, e := range entries {
		for _, tag := range e.Tags {
			domains[tag] = append(domains[tag], e.ID)
		}
	}
	if err := writeJSONFile(filepath.Join(dir, "knowledge-bases.json"), domains); err != nil {
		return fmt.Errorf("write knowledge-bases.json: %w", err)
	}

	tasks, err := o.db.ActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("load active tasks: %w", err)
	}
	if err := writeJSONFile(filepath.Join(dir, "tasks.json"), tasks); err != nil {
		return fmt.Errorf("write tasks.json: %w", err)
	}

	return nil
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
