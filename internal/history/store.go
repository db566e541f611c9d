package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists invocation records in the history database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Begin inserts a running record and returns its ID.
func (s *Store) Begin(ctx context.Context, req BeginRequest) (string, error) {
	if req.Mode == "" {
		return "", fmt.Errorf("mode is empty")
	}
	if req.Program == "" {
		return "", fmt.Errorf("program is empty")
	}

	args := req.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}

	id := uuid.NewString()
	now := s.now().UTC().Format(timeLayout)

	_, err = s.db.ExecContext(ctx, `
INSERT INTO invocations(id, mode, program, args, dir, profile, status, git_commit, git_branch, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Mode, req.Program, string(argsJSON), nullString(req.Dir), req.Profile, StatusRunning,
		nullString(req.GitCommit), nullString(req.GitBranch), now)
	if err != nil {
		return "", fmt.Errorf("begin invocation: %w", err)
	}
	return id, nil
}

// Finish records how a running invocation ended.
func (s *Store) Finish(ctx context.Context, id string, req FinishRequest) error {
	status := StatusCompleted
	var lastError any
	switch {
	case req.TimedOut:
		status = StatusTimedOut
	case req.Err != nil:
		status = StatusFailed
	}
	if req.Err != nil {
		lastError = req.Err.Error()
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE invocations
SET status = ?, completed_at = ?, exit_code = ?, timed_out = ?, last_error = ?
WHERE id = ?;
`, status, s.now().UTC().Format(timeLayout), req.ExitCode, boolToInt(req.TimedOut), lastError, id)
	if err != nil {
		return fmt.Errorf("finish invocation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish invocation %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddArtifacts attaches build outputs to an invocation.
func (s *Store) AddArtifacts(ctx context.Context, id string, artifacts []Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM invocations WHERE id = ?;`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lookup invocation %s: %w", id, err)
	}

	for _, a := range artifacts {
		if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO artifacts(invocation_id, name, size, blake3)
VALUES(?, ?, ?, ?);
`, id, a.Name, a.Size, a.BLAKE3); err != nil {
			return fmt.Errorf("insert artifact %s: %w", a.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifacts: %w", err)
	}
	return nil
}

const selectColumns = `
  id, mode, program, args, dir, profile, status, git_commit, git_branch,
  started_at, completed_at, exit_code, timed_out, last_error`

// Get returns one invocation with its artifacts.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+selectColumns+` FROM invocations WHERE id = ?;`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation %s: %w", id, err)
	}

	artifacts, err := s.artifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Artifacts = artifacts
	return r, nil
}

// List returns invocations newest first, without artifacts.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT` + selectColumns + ` FROM invocations`
	args := []any{}
	if f.Mode != "" {
		query += ` WHERE mode = ?`
		args = append(args, f.Mode)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	return out, nil
}

// Prune deletes finished invocations that started more than olderThan ago.
// Running records are kept regardless of age.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := s.now().Add(-olderThan).UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM artifacts
WHERE invocation_id IN (SELECT id FROM invocations WHERE started_at < ? AND status != ?);
`, cutoff, StatusRunning); err != nil {
		return 0, fmt.Errorf("prune artifacts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM invocations WHERE started_at < ? AND status != ?;`, cutoff, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

func (s *Store) artifacts(ctx context.Context, id string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, size, blake3 FROM artifacts WHERE invocation_id = ? ORDER BY name ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.Name, &a.Size, &a.BLAKE3); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r            Record
		argsJSON     string
		dir          sql.NullString
		statusS      string
		gitCommit    sql.NullString
		gitBranch    sql.NullString
		startedAtS   string
		completedAtS sql.NullString
		exitCode     sql.NullInt64
		timedOut     int
		lastError    sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.Mode, &r.Program, &argsJSON, &dir, &r.Profile, &statusS, &gitCommit, &gitBranch,
		&startedAtS, &completedAtS, &exitCode, &timedOut, &lastError,
	); err != nil {
		return nil, err
	}

	r.Status = Status(statusS)
	r.TimedOut = timedOut != 0
	if err := json.Unmarshal([]byte(argsJSON), &r.Args); err != nil {
		return nil, fmt.Errorf("decode args for %s: %w", r.ID, err)
	}
	if dir.Valid {
		r.Dir = dir.String
	}
	if gitCommit.Valid {
		r.GitCommit = &gitCommit.String
	}
	if gitBranch.Valid {
		r.GitBranch = &gitBranch.String
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		r.StartedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
