// Package postgres is a jobs.Store on PostgreSQL. NextQueued uses
// FOR UPDATE SKIP LOCKED so several schedulers can share one table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"inferq/internal/jobs"
)

const columns = `id::text, status, retry_count, input_ref, artifact, estimated_memory, priority, params,
	result_ref, error, elapsed_ms, created_at, updated_at, started_at, completed_at, available_at`

// Store implements jobs.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ jobs.Store = (*Store)(nil)

// Open connects to dsn and, when migrate is set, applies pending migrations.
func Open(ctx context.Context, dsn string, migrate bool, log zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if migrate {
		if err := Migrate(ctx, pool, "up", log); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return New(pool, log), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{pool: pool, log: log.With().Str("component", "postgres_store").Logger()}
}

// Pool exposes the underlying pool, for migrations.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Create(ctx context.Context, d jobs.Descriptor) (*jobs.Job, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	params, err := encodeParams(d.Params)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
INSERT INTO jobs (id, status, input_ref, artifact, estimated_memory, priority, params, created_at, updated_at, available_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $8)
RETURNING `+columns,
		uuid.NewString(), string(jobs.StatusQueued), d.InputRef, d.Artifact, d.EstimatedMemory, d.Priority, params, now)
	j, err := scanJob(row)
	if err != nil {
		s.log.Error().Str("event", "insert_failed").Err(err).Msg("failed to insert job")
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return getJob(ctx, s.pool, id, false)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status jobs.Status, u jobs.Update) (*jobs.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j, err := getJob(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := u.Apply(j, status, time.Now().UTC()); err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
UPDATE jobs
SET status = $1, retry_count = $2, result_ref = $3, error = $4, elapsed_ms = $5,
    updated_at = $6, started_at = $7, completed_at = $8, available_at = $9
WHERE id = $10`,
		string(j.Status), j.RetryCount, j.ResultRef, j.Error, j.ElapsedMs,
		j.UpdatedAt, j.StartedAt, j.CompletedAt, j.AvailableAt.UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) Claim(ctx context.Context, id string) (*jobs.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, jobs.ErrNotFound
	}
	now := time.Now().UTC()
	j, err := scanJob(s.pool.QueryRow(ctx, `
UPDATE jobs
SET status = $1, started_at = $2, updated_at = $2
WHERE id = $3 AND status = $4
RETURNING `+columns, string(jobs.StatusProcessing), now, id, string(jobs.StatusQueued)))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, jobs.ErrNotQueued
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *Store) NextQueued(ctx context.Context) (*jobs.Job, error) {
	now := time.Now().UTC()
	j, err := scanJob(s.pool.QueryRow(ctx, `
UPDATE jobs
SET status = $1, started_at = $2, updated_at = $2
WHERE seq = (
    SELECT seq FROM jobs
    WHERE status = $3 AND available_at <= $2
    ORDER BY seq ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+columns, string(jobs.StatusProcessing), now, string(jobs.StatusQueued)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued: %w", err)
	}
	return j, nil
}

func (s *Store) ListByStatus(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	q := `SELECT ` + columns + ` FROM jobs WHERE ($1 = '' OR status = $1) ORDER BY seq ASC`
	args := []any{string(status)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.list(ctx, q, args...)
}

func (s *Store) ListStuck(ctx context.Context, olderThan time.Time) ([]*jobs.Job, error) {
	return s.list(ctx, `SELECT `+columns+` FROM jobs
WHERE status = $1 AND started_at < $2
ORDER BY seq ASC`, string(jobs.StatusProcessing), olderThan.UTC())
}

func (s *Store) CountByStatus(ctx context.Context) (map[jobs.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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
	if _, err := uuid.Parse(id); err != nil {
		return jobs.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE status IN ($1, $2) AND updated_at < $3`,
		string(jobs.StatusCompleted), string(jobs.StatusFailed), before.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.pool.Query(ctx, q, args...)
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
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getJob(ctx context.Context, q querier, id string, forUpdate bool) (*jobs.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, jobs.ErrNotFound
	}
	sql := `SELECT ` + columns + ` FROM jobs WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	j, err := scanJob(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return j, err
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		j      jobs.Job
		status string
		params []byte
	)
	err := row.Scan(&j.ID, &status, &j.RetryCount, &j.InputRef, &j.Artifact, &j.EstimatedMemory, &j.Priority, &params,
		&j.ResultRef, &j.Error, &j.ElapsedMs, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.AvailableAt)
	if err != nil {
		return nil, err
	}
	j.Status = jobs.Status(status)
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return &j, nil
}

func encodeParams(p map[string]string) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return b, nil
}
