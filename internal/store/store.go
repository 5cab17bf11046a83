// Package store persists jobs, push progress, bundles, sessions and
// installations in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if necessary) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}

	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`PRAGMA journal_mode = WAL`,
	`PRAGMA busy_timeout = 5000`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		installation_id INTEGER NOT NULL,
		owner_login TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		repository_id INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL,
		is_private INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error_code TEXT,
		error_message TEXT,
		error_hint TEXT,
		error_retryable INTEGER,
		skip_reason TEXT,
		published_url TEXT,
		commit_sha TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		finished_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_pair
		ON jobs(installation_id, repository_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_published
		ON jobs(repository_id, fingerprint, state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created
		ON jobs(created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS push_progress (
		repository_id INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		path TEXT NOT NULL,
		commit_sha TEXT,
		pushed_at TEXT NOT NULL,
		PRIMARY KEY (repository_id, fingerprint, path)
	)`,
	`CREATE TABLE IF NOT EXISTS bundles (
		fingerprint TEXT PRIMARY KEY,
		theme_id TEXT NOT NULL,
		files TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		installation_id INTEGER,
		repository TEXT,
		last_job_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_updated
		ON sessions(updated_at)`,
	`CREATE TABLE IF NOT EXISTS installations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		installation_id INTEGER NOT NULL,
		account_login TEXT NOT NULL,
		account_type TEXT,
		repository_selection TEXT NOT NULL,
		setup_action TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_installations_id
		ON installations(installation_id, seq DESC)`,
}

// initSchema creates the database tables and indexes
func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s timestamp: %w", field, err)
	}
	return t, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
