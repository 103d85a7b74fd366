// Package persistence is the durable store: task records, memory entries,
// and a messages table in one SQLite database. The bus does not write to the
// messages table, so in-flight bus messages are held in memory only and are
// not recovered after a restart. Schema changes go through a versioned
// schema_migrations ledger with a checksum gate; writes retry on
// SQLITE_BUSY/SQLITE_LOCKED with jitter. A legacy JSON snapshot layout
// survives only as an export format (see cmd/agentcore's backup command).
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "agentcore-v1-coordination-core"
)

// Store is the concrete persistence adapter: a single SQLite database
// holding task records, durable message copies, and memory entries.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default on-disk location, mirroring the
// per-user dotdir convention.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore", "agentcore.db")
}

// Open creates (or opens) the SQLite-backed store at path, running
// migrations idempotently.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory database, for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite3 memory: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var existingChecksum string
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?`, schemaVersion).Scan(&existingChecksum)
	switch {
	case err == sql.ErrNoRows:
		if err := s.applySchema(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_migrations: %w", err)
	default:
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch at version %d: have %q want %q (binary/db version skew)", schemaVersion, existingChecksum, schemaChecksum)
		}
	}

	return tx.Commit()
}

func (s *Store) applySchema(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			dependencies TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			required_capabilities TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			progress INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			ended_at INTEGER,
			lease_expires_at INTEGER,
			assigned_agent TEXT,
			last_error TEXT
		);`,
		`CREATE INDEX idx_tasks_status ON tasks(status);`,
		`CREATE TABLE messages (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			receivers TEXT NOT NULL,
			msg_type TEXT NOT NULL,
			content BLOB NOT NULL,
			content_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			reliability TEXT NOT NULL,
			correlation_id TEXT,
			reply_to TEXT,
			sent_at INTEGER NOT NULL,
			expires_at INTEGER
		);`,
		`CREATE TABLE memory_entries (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			entry_type TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			share_level TEXT NOT NULL,
			provenance TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX idx_memory_entries_agent ON memory_entries(agent);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using bounded
// exponential backoff with jitter, on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
