package persistence

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// MemoryEntryRecord is the durable copy of a C7 shared-memory entry.
type MemoryEntryRecord struct {
	ID         string
	Agent      string
	Type       string
	Content    string
	Tags       []string
	Priority   int
	ShareLevel string
	Provenance []byte // opaque JSON, nil if original
	CreatedAt  time.Time
}

// SaveMemoryEntry upserts a memory entry.
func (s *Store) SaveMemoryEntry(ctx context.Context, rec MemoryEntryRecord) error {
	var provenance any
	if len(rec.Provenance) > 0 {
		provenance = string(rec.Provenance)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_entries (id, agent, entry_type, content, tags, priority, share_level, provenance, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET content=excluded.content, tags=excluded.tags
		`, rec.ID, rec.Agent, rec.Type, rec.Content, strings.Join(rec.Tags, ","), rec.Priority,
			rec.ShareLevel, provenance, epochMS(rec.CreatedAt))
		return err
	})
}

// DeleteMemoryEntry removes an entry, e.g. during eviction.
func (s *Store) DeleteMemoryEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, id)
	return err
}

// LoadMemoryEntries loads every persisted entry, for rebuilding the C7
// in-memory index on startup.
func (s *Store) LoadMemoryEntries(ctx context.Context) ([]MemoryEntryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent, entry_type, content, tags, priority, share_level, provenance, created_at FROM memory_entries ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryEntryRecord
	for rows.Next() {
		var rec MemoryEntryRecord
		var tags string
		var provenance *string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Agent, &rec.Type, &rec.Content, &tags, &rec.Priority, &rec.ShareLevel, &provenance, &createdAt); err != nil {
			return nil, err
		}
		rec.Tags = splitNonEmpty(tags)
		rec.CreatedAt = fromEpochMS(createdAt)
		if provenance != nil {
			rec.Provenance = []byte(*provenance)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountMemoryEntries counts all persisted entries.
func (s *Store) CountMemoryEntries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries`).Scan(&n)
	return n, err
}

// MarshalProvenance is a small helper so callers in internal/memory don't
// need to import encoding/json directly for this one field.
func MarshalProvenance(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
