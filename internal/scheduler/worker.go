package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/artifact"
	"inferq/internal/events"
	"inferq/internal/jobs"
	"inferq/internal/memory"
)

// ParamAllowDowngrade lets a job run at reduced quality with half its
// memory estimate when the full amount cannot be reserved.
const ParamAllowDowngrade = "allow_downgrade"

// attempt runs one claimed job and records the outcome. An attempt in
// flight is never cancelled; Stop waits for it.
func (s *Scheduler[C]) attempt(ctx context.Context, j *jobs.Job) {
	ctx = context.WithoutCancel(ctx)
	start := s.now()
	s.setCurrent(j.ID)
	defer s.setCurrent("")
	log := s.log.With().Str("job", j.ID).Int("retry_count", j.RetryCount).Logger()
	log.Info().Str("event", "job_started").Str("artifact", j.Artifact).Msg("processing job")
	s.cfg.Publisher.Publish(events.New("job_started", j.ID, map[string]any{"retry_count": j.RetryCount}))

	res, err := s.work(ctx, j, log)
	elapsed := s.now().Sub(start)
	switch {
	case err == nil:
		s.complete(ctx, j, res, elapsed, log)
	case IsPermanent(err):
		s.fail(ctx, j, j.RetryCount, err, elapsed, "permanent", log)
	default:
		s.retry(ctx, j, err, elapsed, log)
	}
}

// work is the worker pipeline: reserve memory, borrow a connection, lease
// the artifact, process. Every acquired resource is returned on exit.
func (s *Scheduler[C]) work(ctx context.Context, j *jobs.Job, log zerolog.Logger) (Result, error) {
	key, err := artifact.ParseKey(j.Artifact)
	if err != nil {
		return Result{}, jobs.Permanent(err)
	}

	rid, quality, err := s.reserve(j, log)
	if err != nil {
		return Result{}, err
	}
	defer s.deps.Memory.Release(rid)

	res, err := s.deps.Pool.Acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire backend connection: %w", err)
	}
	var perr error
	defer func() {
		if errors.Is(perr, ErrDiscardConn) {
			s.deps.Pool.Discard(res)
			return
		}
		s.deps.Pool.Release(res)
	}()

	lease, err := s.deps.Cache.GetOrLoad(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("load artifact %s: %w", key, err)
	}
	defer lease.Release()

	var out Result
	out, perr = s.deps.Processor.Process(ctx, Request[C]{
		Job:           j,
		Conn:          res.Value,
		Artifact:      lease,
		Quality:       quality,
		ReservationID: rid,
	})
	if perr != nil {
		return Result{}, perr
	}
	if out.MemoryUsed > 0 {
		if err := s.deps.Memory.Allocate(rid, out.MemoryUsed); err != nil {
			log.Warn().Str("event", "allocate_failed").Err(err).Msg("recording memory usage failed")
		}
	}
	return out, nil
}

// reserve claims the job's memory estimate, falling back to half of it at
// reduced quality when the job allows a downgrade.
func (s *Scheduler[C]) reserve(j *jobs.Job, log zerolog.Logger) (string, string, error) {
	purpose := "job:" + j.ID
	rid, err := s.deps.Memory.Reserve(j.EstimatedMemory, purpose, j.Priority)
	if err == nil {
		return rid, QualityStandard, nil
	}
	if !memory.IsInsufficient(err) || j.Params[ParamAllowDowngrade] != "true" {
		return "", "", s.capacityError(j.EstimatedMemory, err)
	}
	half := j.EstimatedMemory / 2
	rid, err = s.deps.Memory.Reserve(half, purpose, j.Priority)
	if err != nil {
		return "", "", s.capacityError(half, err)
	}
	log.Info().Str("event", "quality_downgraded").Int64("requested", j.EstimatedMemory).Int64("reserved", half).Msg("running at reduced quality")
	return rid, QualityReduced, nil
}

// capacityError marks a shortage permanent when amount could never fit.
func (s *Scheduler[C]) capacityError(amount int64, err error) error {
	if memory.IsInsufficient(err) && amount > s.deps.Memory.Capacity() {
		return jobs.Permanent(fmt.Errorf("memory estimate exceeds capacity: %w", err))
	}
	return fmt.Errorf("reserve memory: %w", err)
}

func (s *Scheduler[C]) complete(ctx context.Context, j *jobs.Job, res Result, elapsed time.Duration, log zerolog.Logger) {
	_, err := s.deps.Store.UpdateStatus(ctx, j.ID, jobs.StatusCompleted, jobs.Update{
		Expect:      jobs.StatusProcessing,
		ResultRef:   jobs.Ptr(res.ResultRef),
		Error:       jobs.Ptr(""),
		ElapsedMs:   jobs.Ptr(elapsed.Milliseconds()),
		CompletedAt: jobs.Ptr(s.now()),
	})
	if err != nil {
		s.outcomeWriteFailed(err, "completed", log)
		return
	}
	s.completed.Add(1)
	s.cfg.Metrics.JobOutcome("completed", elapsed)
	s.cfg.Publisher.Publish(events.New("job_completed", j.ID, map[string]any{
		"result_ref": res.ResultRef,
		"elapsed_ms": elapsed.Milliseconds(),
	}))
	log.Info().Str("event", "job_completed").Str("result_ref", res.ResultRef).Dur("elapsed", elapsed).Msg("job completed")
}

// retry spends one retry, or fails the job once retries are exhausted.
func (s *Scheduler[C]) retry(ctx context.Context, j *jobs.Job, cause error, elapsed time.Duration, log zerolog.Logger) {
	n := j.RetryCount + 1
	if n > s.cfg.MaxRetries {
		s.fail(ctx, j, n, cause, elapsed, "retries_exhausted", log)
		return
	}
	delay := Backoff(n, s.cfg.BaseDelay, s.cfg.MaxDelay, s.cfg.Jitter())
	_, err := s.deps.Store.UpdateStatus(ctx, j.ID, jobs.StatusQueued, jobs.Update{
		Expect:      jobs.StatusProcessing,
		RetryCount:  jobs.Ptr(n),
		Error:       jobs.Ptr(cause.Error()),
		ElapsedMs:   jobs.Ptr(elapsed.Milliseconds()),
		AvailableAt: jobs.Ptr(s.now().Add(delay)),
	})
	if err != nil {
		s.outcomeWriteFailed(err, "retry", log)
		return
	}
	s.scheduleRetry(j.ID, delay)
	s.retried.Add(1)
	s.cfg.Metrics.JobOutcome("retry", elapsed)
	s.cfg.Metrics.JobRetry()
	s.cfg.Publisher.Publish(events.New("job_retry_scheduled", j.ID, map[string]any{
		"retry_count": n,
		"delay_ms":    delay.Milliseconds(),
		"error":       cause.Error(),
	}))
	log.Warn().Str("event", "retry_scheduled").Err(cause).Int("attempt", n).Dur("delay", delay).Msg("job failed, retry scheduled")
}

func (s *Scheduler[C]) fail(ctx context.Context, j *jobs.Job, retryCount int, cause error, elapsed time.Duration, reason string, log zerolog.Logger) {
	_, err := s.deps.Store.UpdateStatus(ctx, j.ID, jobs.StatusFailed, jobs.Update{
		Expect:      jobs.StatusProcessing,
		RetryCount:  jobs.Ptr(retryCount),
		Error:       jobs.Ptr(cause.Error()),
		ElapsedMs:   jobs.Ptr(elapsed.Milliseconds()),
		CompletedAt: jobs.Ptr(s.now()),
	})
	if err != nil {
		s.outcomeWriteFailed(err, "failed", log)
		return
	}
	s.failed.Add(1)
	s.cfg.Metrics.JobOutcome("failed", elapsed)
	s.cfg.Publisher.Publish(events.New("job_failed", j.ID, map[string]any{
		"reason":      reason,
		"error":       cause.Error(),
		"retry_count": retryCount,
	}))
	log.Error().Str("event", "job_failed").Str("reason", reason).Err(cause).Msg("job failed")
}

// outcomeWriteFailed logs a rejected outcome write. A job that left
// processing meanwhile (stuck sweep, operator) keeps its state and the
// attempt's outcome is dropped.
func (s *Scheduler[C]) outcomeWriteFailed(err error, outcome string, log zerolog.Logger) {
	if errors.Is(err, jobs.ErrStatusChanged) {
		log.Warn().Str("event", "outcome_discarded").Str("outcome", outcome).Err(err).Msg("job left processing during the attempt, outcome dropped")
		return
	}
	log.Error().Str("event", "outcome_write_failed").Str("outcome", outcome).Err(err).Msg("recording job outcome failed")
}
