// Package scheduler drives jobs from the store through the worker pipeline.
// A single poll loop claims queued jobs one at a time, runs each attempt
// against borrowed resources, and records the outcome, rescheduling
// transient failures with exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/artifact"
	"inferq/internal/events"
	"inferq/internal/jobs"
	"inferq/internal/memory"
	"inferq/internal/pool"
)

// Quality levels passed to the processor.
const (
	QualityStandard = "standard"
	QualityReduced  = "reduced"
)

// Request is everything one processing attempt gets to work with.
type Request[C any] struct {
	Job           *jobs.Job
	Conn          C
	Artifact      *artifact.Lease
	Quality       string
	ReservationID string
}

// Result is what a successful attempt produced.
type Result struct {
	ResultRef string
	// MemoryUsed is the accelerator memory the attempt actually consumed;
	// zero means unknown.
	MemoryUsed int64
}

// Processor executes one attempt. Errors wrapped with jobs.Permanent fail
// the job at once; errors matching ErrDiscardConn also drop the connection.
type Processor[C any] interface {
	Process(ctx context.Context, req Request[C]) (Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[C any] func(ctx context.Context, req Request[C]) (Result, error)

func (f ProcessorFunc[C]) Process(ctx context.Context, req Request[C]) (Result, error) {
	return f(ctx, req)
}

// Deps are the managers a Scheduler drives. All fields are required.
type Deps[C any] struct {
	Store     jobs.Store
	Memory    *memory.Manager
	Pool      *pool.Pool[C]
	Cache     *artifact.Cache
	Processor Processor[C]
}

func (d Deps[C]) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("scheduler: job store is required")
	case d.Memory == nil:
		return errors.New("scheduler: memory manager is required")
	case d.Pool == nil:
		return errors.New("scheduler: connection pool is required")
	case d.Cache == nil:
		return errors.New("scheduler: artifact cache is required")
	case d.Processor == nil:
		return errors.New("scheduler: processor is required")
	}
	return nil
}

// Stats is a snapshot of scheduler state.
type Stats struct {
	Running        bool      `json:"running"`
	Busy           bool      `json:"busy"`
	CurrentJob     string    `json:"current_job,omitempty"`
	PendingRetries []string  `json:"pending_retries"`
	Completed      int64     `json:"completed"`
	Failed         int64     `json:"failed"`
	Retried        int64     `json:"retried"`
	LastPoll       time.Time `json:"last_poll"`
}

type retryTimer struct {
	t  *time.Timer
	at time.Time
}

// Scheduler processes at most one job at a time.
type Scheduler[C any] struct {
	deps Deps[C]
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	busy atomic.Bool
	wake chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	retries  map[string]*retryTimer
	current  string
	lastPoll time.Time

	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New validates deps and applies defaults to cfg.
func New[C any](deps Deps[C], cfg Config) (*Scheduler[C], error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Scheduler[C]{
		deps:    deps,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		retries: make(map[string]*retryTimer),
	}, nil
}

// Start launches the poll loop and the stuck-job sweep. Calling Start on a
// running scheduler is a logged no-op.
func (s *Scheduler[C]) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn().Str("event", "already_running").Msg("scheduler already started")
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.pollLoop(s.ctx)
	if s.cfg.StuckCheckInterval > 0 {
		s.wg.Add(1)
		go s.stuckLoop(s.ctx)
	}
	s.log.Info().Str("event", "started").
		Dur("poll_interval", s.cfg.PollInterval).
		Int("max_retries", s.cfg.MaxRetries).
		Msg("scheduler started")
}

// Stop halts polling, cancels every pending retry timer and waits for the
// in-flight attempt to finish. Stop is idempotent.
func (s *Scheduler[C]) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	pending := len(s.retries)
	for id, r := range s.retries {
		r.t.Stop()
		delete(s.retries, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info().Str("event", "stopped").Int("cancelled_retries", pending).Msg("scheduler stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler[C]) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Notify wakes the poll loop early, e.g. after a submission.
func (s *Scheduler[C]) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler[C]) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
		next := s.cfg.PollInterval
		if s.pollOnce(ctx) {
			next = 0
		}
		timer.Reset(next)
	}
}

// pollOnce claims and processes the oldest queued job. It reports whether a
// job was found.
func (s *Scheduler[C]) pollOnce(ctx context.Context) bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	defer s.busy.Store(false)
	s.mu.Lock()
	s.lastPoll = s.now()
	s.mu.Unlock()
	j, err := s.deps.Store.NextQueued(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Str("event", "poll_failed").Err(err).Msg("fetching next queued job failed")
		}
		return false
	}
	if j == nil {
		return false
	}
	s.attempt(ctx, j)
	return true
}

// ProcessJob claims a queued job by id and runs one attempt on it. It
// returns ErrBusy while another attempt is in flight and jobs.ErrNotQueued
// when the job is not waiting. Attempt failures are handled by the retry
// policy and are not returned.
func (s *Scheduler[C]) ProcessJob(ctx context.Context, id string) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)
	j, err := s.deps.Store.Claim(ctx, id)
	if err != nil {
		return err
	}
	s.attempt(ctx, j)
	return nil
}

// Cancel stops any scheduled retry and fails the job if it is still queued.
// The queued check and the write are one store operation, so a cancel that
// races a claim either wins or yields ErrJobProcessing. Terminal jobs are
// returned as is.
func (s *Scheduler[C]) Cancel(ctx context.Context, id string) (*jobs.Job, error) {
	s.CancelRetry(id)
	j, err := s.deps.Store.UpdateStatus(ctx, id, jobs.StatusFailed, jobs.Update{
		Expect:      jobs.StatusQueued,
		Error:       jobs.Ptr("cancelled"),
		CompletedAt: jobs.Ptr(s.now()),
	})
	if err == nil {
		s.cfg.Publisher.Publish(events.New("job_cancelled", id, nil))
		s.log.Info().Str("event", "job_cancelled").Str("job", id).Msg("job cancelled")
		return j, nil
	}
	if !errors.Is(err, jobs.ErrStatusChanged) {
		return nil, err
	}
	j, err = s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status == jobs.StatusProcessing {
		return j, ErrJobProcessing
	}
	return j, nil
}

func (s *Scheduler[C]) setCurrent(id string) {
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
}

// Stats returns a snapshot; pending retries are ordered by fire time.
func (s *Scheduler[C]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.retries))
	for id := range s.retries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.retries[ids[i]].at.Before(s.retries[ids[j]].at) })
	return Stats{
		Running:        s.running,
		Busy:           s.busy.Load(),
		CurrentJob:     s.current,
		PendingRetries: ids,
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		Retried:        s.retried.Load(),
		LastPoll:       s.lastPoll,
	}
}
