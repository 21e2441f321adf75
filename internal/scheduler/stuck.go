package scheduler

import (
	"context"
	"errors"
	"time"

	"inferq/internal/events"
	"inferq/internal/jobs"
)

func (s *Scheduler[C]) stuckLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StuckCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStuck(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Str("event", "stuck_sweep_failed").Err(err).Msg("stuck job sweep failed")
			}
		}
	}
}

// SweepStuck fails every job that has been processing longer than
// StuckJobAge and returns how many it failed. An attempt still running on
// a swept job finds the job failed and drops its outcome.
func (s *Scheduler[C]) SweepStuck(ctx context.Context) (int, error) {
	now := s.now()
	stuck, err := s.deps.Store.ListStuck(ctx, now.Add(-s.cfg.StuckJobAge))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range stuck {
		var age time.Duration
		if j.StartedAt != nil {
			age = now.Sub(*j.StartedAt)
		}
		serr := &StuckError{JobID: j.ID, Age: age}
		_, err := s.deps.Store.UpdateStatus(ctx, j.ID, jobs.StatusFailed, jobs.Update{
			Expect:      jobs.StatusProcessing,
			Error:       jobs.Ptr(serr.Error()),
			CompletedAt: jobs.Ptr(now),
		})
		if errors.Is(err, jobs.ErrStatusChanged) {
			continue
		}
		if err != nil {
			s.log.Warn().Str("event", "stuck_fail_write_failed").Str("job", j.ID).Err(err).Msg("failing stuck job failed")
			continue
		}
		n++
		s.failed.Add(1)
		s.cfg.Metrics.JobOutcome("stuck", age)
		s.cfg.Publisher.Publish(events.New("job_stuck", j.ID, map[string]any{"age_ms": age.Milliseconds()}))
		s.log.Warn().Str("event", "job_stuck").Str("job", j.ID).Dur("age", age).Msg("stuck job failed")
	}
	return n, nil
}
