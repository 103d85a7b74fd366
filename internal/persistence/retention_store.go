package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTasks         int64 `json:"purged_tasks"`
	PurgedMessages      int64 `json:"purged_messages"`
	PurgedMemoryEntries int64 `json:"purged_memory_entries"`
}

// RunRetention deletes terminal task records past the task retention
// window (default 24h) and any message/memory rows older than the
// configured windows. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, taskRetention, messageRetention, memoryRetention time.Duration) (RetentionResult, error) {
	var result RetentionResult

	if taskRetention > 0 {
		n, err := s.DeleteTerminalOlderThan(ctx, time.Now().UTC().Add(-taskRetention))
		if err != nil {
			return result, fmt.Errorf("purge tasks: %w", err)
		}
		result.PurgedTasks = n
	}

	if messageRetention > 0 {
		cutoff := time.Now().UTC().Add(-messageRetention).UnixMilli()
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE sent_at < ?`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge messages: %w", err)
		}
		result.PurgedMessages, _ = res.RowsAffected()
	}

	if memoryRetention > 0 {
		cutoff := time.Now().UTC().Add(-memoryRetention).UnixMilli()
		res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE created_at < ?`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge memory_entries: %w", err)
		}
		result.PurgedMemoryEntries, _ = res.RowsAffected()
	}

	return result, nil
}
