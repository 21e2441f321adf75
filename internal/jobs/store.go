package jobs

import (
	"context"
	"time"
)

// Store persists jobs. Implementations must make Claim and NextQueued
// atomic: one queued job is never handed to two concurrent callers.
type Store interface {
	// Create validates d and inserts a queued job.
	Create(ctx context.Context, d Descriptor) (*Job, error)
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Job, error)
	// UpdateStatus moves a job to status and writes u. Idempotent. The
	// u.Expect check and the write are one atomic step.
	UpdateStatus(ctx context.Context, id string, status Status, u Update) (*Job, error)
	// Claim moves one queued job to processing, or returns ErrNotQueued.
	Claim(ctx context.Context, id string) (*Job, error)
	// NextQueued claims the oldest queued job. It returns nil, nil when
	// nothing is queued.
	NextQueued(ctx context.Context) (*Job, error)
	// ListByStatus returns jobs oldest first; empty status means any and
	// limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error)
	// ListStuck returns processing jobs started before olderThan.
	ListStuck(ctx context.Context, olderThan time.Time) ([]*Job, error)
	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// Delete removes a job; ErrNotFound if absent.
	Delete(ctx context.Context, id string) error
	// PurgeTerminal deletes completed and failed jobs last updated before
	// the cutoff and returns how many were removed.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	Close() error
}
