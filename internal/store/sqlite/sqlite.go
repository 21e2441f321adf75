// Package sqlite is a jobs.Store backed by a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"inferq/internal/common/fsutil"
	"inferq/internal/jobs"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL,           -- queued|processing|completed|failed
	retry_count      INTEGER NOT NULL DEFAULT 0,
	input_ref        TEXT NOT NULL,
	artifact         TEXT NOT NULL,
	estimated_memory INTEGER NOT NULL DEFAULT 0,
	priority         INTEGER NOT NULL DEFAULT 0,
	params           TEXT,
	result_ref       TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	elapsed_ms       INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,        -- unix nanoseconds
	updated_at       INTEGER NOT NULL,
	started_at       INTEGER,
	completed_at     INTEGER,
	available_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_seq ON jobs(status, seq);
`

const columns = `id, status, retry_count, input_ref, artifact, estimated_memory, priority, params,
	result_ref, error, elapsed_ms, created_at, updated_at, started_at, completed_at, available_at`

// Store implements jobs.Store on SQLite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ jobs.Store = (*Store)(nil)

// Open creates the database file and its directory if missing and applies
// the schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(filepath.Dir(p)); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", p)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	s := &Store{db: db, log: log.With().Str("component", "sqlite_store").Logger()}
	s.log.Debug().Str("event", "opened").Str("path", p).Msg("sqlite job store opened")
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, d jobs.Descriptor) (*jobs.Job, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	params, err := encodeParams(d.Params)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, status, input_ref, artifact, estimated_memory, priority, params, created_at, updated_at, available_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, jobs.StatusQueued, d.InputRef, d.Artifact, d.EstimatedMemory, d.Priority, params, now.UnixNano(), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return getJob(ctx, s.db, id)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status jobs.Status, u jobs.Update) (*jobs.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := u.Apply(j, status, time.Now()); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE jobs
SET status = ?, retry_count = ?, result_ref = ?, error = ?, elapsed_ms = ?,
    updated_at = ?, started_at = ?, completed_at = ?, available_at = ?
WHERE id = ?`,
		j.Status, j.RetryCount, j.ResultRef, j.Error, j.ElapsedMs,
		j.UpdatedAt.UnixNano(), nullableNanos(j.StartedAt), nullableNanos(j.CompletedAt), j.AvailableAt.UnixNano(), id)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) Claim(ctx context.Context, id string) (*jobs.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := claim(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) NextQueued(ctx context.Context) (*jobs.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
SELECT id FROM jobs
WHERE status = ? AND available_at <= ?
ORDER BY seq ASC
LIMIT 1`, jobs.StatusQueued, time.Now().UnixNano()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j, err := claim(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) ListByStatus(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	q := `SELECT ` + columns + ` FROM jobs`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY seq ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.list(ctx, q, args...)
}

func (s *Store) ListStuck(ctx context.Context, olderThan time.Time) ([]*jobs.Job, error) {
	return s.list(ctx, `SELECT `+columns+` FROM jobs
WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
ORDER BY seq ASC`, jobs.StatusProcessing, olderThan.UnixNano())
}

func (s *Store) CountByStatus(ctx context.Context) (map[jobs.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[jobs.Status]int, len(jobs.Statuses))
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[jobs.Status(st)] = n
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		jobs.StatusCompleted, jobs.StatusFailed, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getJob(ctx context.Context, q querier, id string) (*jobs.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return j, err
}

// claim moves id from queued to processing inside the caller's transaction.
func claim(ctx context.Context, tx *sql.Tx, id string) (*jobs.Job, error) {
	now := time.Now().UnixNano()
	res, err := tx.ExecContext(ctx, `
UPDATE jobs
SET status = ?, started_at = ?, updated_at = ?
WHERE id = ? AND status = ?`, jobs.StatusProcessing, now, now, id, jobs.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, _ := res.RowsAffected()
	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, jobs.ErrNotQueued
	}
	return j, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*jobs.Job, error) {
	var (
		j                  jobs.Job
		status             string
		params             sql.NullString
		created, updated   int64
		available          int64
		started, completed sql.NullInt64
	)
	err := sc.Scan(&j.ID, &status, &j.RetryCount, &j.InputRef, &j.Artifact, &j.EstimatedMemory, &j.Priority, &params,
		&j.ResultRef, &j.Error, &j.ElapsedMs, &created, &updated, &started, &completed, &available)
	if err != nil {
		return nil, err
	}
	j.Status = jobs.Status(status)
	j.CreatedAt = time.Unix(0, created)
	j.UpdatedAt = time.Unix(0, updated)
	j.AvailableAt = time.Unix(0, available)
	j.StartedAt = fromNanos(started)
	j.CompletedAt = fromNanos(completed)
	if params.Valid && strings.TrimSpace(params.String) != "" {
		if err := json.Unmarshal([]byte(params.String), &j.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return &j, nil
}

func encodeParams(p map[string]string) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode params: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
