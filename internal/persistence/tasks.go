package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskRecord is the durable task record: id, type, description, status,
// priority, dependencies (comma-joined ids), metadata (opaque JSON string),
// progress, createdAt (epoch ms), assignedAgent (optional).
type TaskRecord struct {
	ID                   string
	Type                 string
	Description          string
	Status               string
	Priority             int
	Dependencies         []string
	Tags                 []string
	RequiredCapabilities []string
	Metadata             string // opaque JSON
	Progress             int
	RetryCount           int
	MaxRetries           int
	TimeoutMS            int64
	CreatedAt            time.Time
	StartedAt            *time.Time
	EndedAt              *time.Time
	LeaseExpiresAt       *time.Time
	AssignedAgent        string
	LastError            string
}

func epochMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func epochMSPtr(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromEpochMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromEpochMSPtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

// SaveTask upserts a task record by id, providing at-least-once
// read-your-writes once the call returns.
func (s *Store) SaveTask(ctx context.Context, rec TaskRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, type, description, status, priority, dependencies, tags,
				required_capabilities, metadata, progress, retry_count,
				max_retries, timeout_ms, created_at, started_at, ended_at,
				lease_expires_at, assigned_agent, last_error
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				type=excluded.type, description=excluded.description,
				status=excluded.status, priority=excluded.priority,
				dependencies=excluded.dependencies, tags=excluded.tags,
				required_capabilities=excluded.required_capabilities,
				metadata=excluded.metadata, progress=excluded.progress,
				retry_count=excluded.retry_count, max_retries=excluded.max_retries,
				timeout_ms=excluded.timeout_ms, started_at=excluded.started_at,
				ended_at=excluded.ended_at, lease_expires_at=excluded.lease_expires_at,
				assigned_agent=excluded.assigned_agent, last_error=excluded.last_error
		`,
			rec.ID, rec.Type, rec.Description, rec.Status, rec.Priority,
			strings.Join(rec.Dependencies, ","), strings.Join(rec.Tags, ","),
			strings.Join(rec.RequiredCapabilities, ","), rec.Metadata, rec.Progress,
			rec.RetryCount, rec.MaxRetries, rec.TimeoutMS, epochMS(rec.CreatedAt),
			epochMSPtr(rec.StartedAt), epochMSPtr(rec.EndedAt), epochMSPtr(rec.LeaseExpiresAt),
			nullableString(rec.AssignedAgent), nullableString(rec.LastError),
		)
		return err
	})
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

const taskColumns = `id, type, description, status, priority, dependencies, tags,
	required_capabilities, metadata, progress, retry_count, max_retries,
	timeout_ms, created_at, started_at, ended_at, lease_expires_at,
	assigned_agent, last_error`

func scanTask(row interface{ Scan(...any) error }) (TaskRecord, error) {
	var rec TaskRecord
	var deps, tags, caps string
	var createdAt int64
	var startedAt, endedAt, leaseExpiresAt sql.NullInt64
	var assignedAgent, lastError sql.NullString

	err := row.Scan(
		&rec.ID, &rec.Type, &rec.Description, &rec.Status, &rec.Priority,
		&deps, &tags, &caps, &rec.Metadata, &rec.Progress, &rec.RetryCount,
		&rec.MaxRetries, &rec.TimeoutMS, &createdAt, &startedAt, &endedAt,
		&leaseExpiresAt, &assignedAgent, &lastError,
	)
	if err != nil {
		return rec, err
	}
	rec.Dependencies = splitNonEmpty(deps)
	rec.Tags = splitNonEmpty(tags)
	rec.RequiredCapabilities = splitNonEmpty(caps)
	rec.CreatedAt = fromEpochMS(createdAt)
	rec.StartedAt = fromEpochMSPtr(startedAt)
	rec.EndedAt = fromEpochMSPtr(endedAt)
	rec.LeaseExpiresAt = fromEpochMSPtr(leaseExpiresAt)
	rec.AssignedAgent = assignedAgent.String
	rec.LastError = lastError.String
	return rec, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("task %s: %w", id, sql.ErrNoRows)
	}
	return rec, err
}

var terminalStatuses = []string{"completed", "cancelled"}

// ActiveTasks lists every non-terminal task.
func (s *Store) ActiveTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status NOT IN (?, ?) ORDER BY created_at ASC`, terminalStatuses[0], terminalStatuses[1])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExpiredLeases returns assigned/running tasks whose lease has expired,
// for the engine's crash-recovery requeue pass.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('assigned','running') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StatusCounts maps task status to the number of tasks currently in it.
type StatusCounts map[string]int

// Stats returns counts of tasks by status.
func (s *Store) Stats(ctx context.Context) (StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := StatusCounts{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// DeleteTerminalOlderThan purges terminal tasks past the retention window
// (default 24h after reaching a terminal status).
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE status IN ('completed','cancelled','failed') AND ended_at IS NOT NULL AND ended_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
