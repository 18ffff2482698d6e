// Package store is the authoritative sqlite-backed record of every task.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultFileName is the database file inside the keeper dir.
	DefaultFileName = "taskkeeper.db"

	schemaVersionV1  = 1
	schemaChecksumV1 = "tk-v1-2026-09-20-tasks-history"

	// v2 adds breakdown lineage columns used by the recycler.
	schemaVersionV2  = 2
	schemaChecksumV2 = "tk-v2-2026-10-02-breakdown-lineage"

	schemaVersionLatest = schemaVersionV2
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskExists     = errors.New("task already exists")
	ErrClaimConflict  = errors.New("task is not claimable")
	ErrBlocked        = errors.New("task is blocked by unfinished tasks")
	ErrNothingToClaim = errors.New("no claimable task")
	ErrStaleQueue     = errors.New("task queue changed concurrently")
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and brings the schema
// up to date.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// _txlock=immediate takes the write lock at BEGIN, so a transaction's
	// reads and its conditional writes see the same snapshot across processes.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

var migrations = []struct {
	version  int
	checksum string
	stmts    []string
}{
	{schemaVersionV1, schemaChecksumV1, []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL,
			queue           TEXT NOT NULL,
			role            TEXT NOT NULL DEFAULT 'implement',
			priority        TEXT NOT NULL DEFAULT 'P1',
			branch          TEXT NOT NULL DEFAULT 'main',
			created_by      TEXT NOT NULL DEFAULT 'human',
			claimed_by      TEXT,
			created_at      TEXT NOT NULL,
			claimed_at      TEXT,
			submitted_at    TEXT,
			completed_at    TEXT,
			updated_at      TEXT NOT NULL,
			commits_count   INTEGER NOT NULL DEFAULT 0,
			turns_used      INTEGER NOT NULL DEFAULT 0,
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			rejection_count INTEGER NOT NULL DEFAULT 0,
			project_id      TEXT,
			needs_rebase    INTEGER NOT NULL DEFAULT 0,
			checks          TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue, priority, created_at);`,
		`CREATE TABLE IF NOT EXISTS task_blockers (
			task_id    TEXT NOT NULL REFERENCES tasks(id),
			blocker_id TEXT NOT NULL,
			PRIMARY KEY (task_id, blocker_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_blockers_blocker ON task_blockers(blocker_id);`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL REFERENCES tasks(id),
			event      TEXT NOT NULL,
			actor      TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id, created_at);`,
		`CREATE TRIGGER IF NOT EXISTS task_history_no_update BEFORE UPDATE ON task_history
		BEGIN SELECT RAISE(ABORT, 'task_history is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS task_history_no_delete BEFORE DELETE ON task_history
		BEGIN SELECT RAISE(ABORT, 'task_history is append-only'); END;`,
	}},
	{schemaVersionV2, schemaChecksumV2, []string{
		`ALTER TABLE tasks ADD COLUMN breakdown_depth INTEGER NOT NULL DEFAULT 0;`,
		`ALTER TABLE tasks ADD COLUMN recycled_from TEXT;`,
		`ALTER TABLE tasks ADD COLUMN needs_review INTEGER NOT NULL DEFAULT 0;`,
	}},
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]string)
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = sum
	}
	rows.Close()

	for v := range applied {
		if v > schemaVersionLatest {
			return fmt.Errorf("db schema version %d is newer than supported %d", v, schemaVersionLatest)
		}
	}

	for _, m := range migrations {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, sum, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);`,
			m.version, m.checksum, formatTime(time.Now())); err != nil {
			return fmt.Errorf("record schema v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// withTx runs f in an immediate transaction, retrying on SQLITE_BUSY.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff (50ms doubling, capped at 500ms) and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
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
		strings.Contains(msg, "SQLITE_BUSY")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
