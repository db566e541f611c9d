package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Pragmas are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the invocation history tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
  id           TEXT PRIMARY KEY,
  mode         TEXT NOT NULL,
  program      TEXT NOT NULL,
  args         JSON NOT NULL DEFAULT '[]',
  dir          TEXT,
  profile      TEXT NOT NULL,
  status       TEXT NOT NULL,
  git_commit   TEXT,
  git_branch   TEXT,
  started_at   TEXT NOT NULL,
  completed_at TEXT,
  exit_code    INTEGER,
  timed_out    INTEGER NOT NULL DEFAULT 0,
  last_error   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
  invocation_id TEXT NOT NULL REFERENCES invocations(id) ON DELETE CASCADE,
  name          TEXT NOT NULL,
  size          INTEGER NOT NULL,
  blake3        TEXT NOT NULL,
  PRIMARY KEY (invocation_id, name)
);`,
		`CREATE INDEX IF NOT EXISTS invocations_started_at_idx ON invocations(started_at);`,
		`CREATE INDEX IF NOT EXISTS invocations_mode_started_at_idx ON invocations(mode, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
