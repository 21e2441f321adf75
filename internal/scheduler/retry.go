package scheduler

import (
	"errors"
	"time"

	"inferq/internal/jobs"
)

// scheduleRetry arms a timer that re-dispatches id after delay, replacing
// any timer already pending for it.
func (s *Scheduler[C]) scheduleRetry(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.retries[id]; ok {
		old.t.Stop()
	}
	r := &retryTimer{at: s.now().Add(delay)}
	// The callback takes s.mu first, so r.t is set before it is read.
	r.t = time.AfterFunc(delay, func() { s.fireRetry(id, r) })
	s.retries[id] = r
}

// fireRetry re-dispatches a job through the in-flight gate. Timers that
// fire while the scheduler is stopped or busy leave the job queued for the
// poll loop.
func (s *Scheduler[C]) fireRetry(id string, r *retryTimer) {
	s.mu.Lock()
	if s.retries[id] != r {
		s.mu.Unlock()
		return
	}
	delete(s.retries, id)
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := s.ProcessJob(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		s.log.Debug().Str("event", "retry_deferred").Str("job", id).Msg("worker busy, retry left to poll loop")
		s.Notify()
	case errors.Is(err, jobs.ErrNotQueued), jobs.IsNotFound(err):
		s.log.Debug().Str("event", "retry_skipped").Str("job", id).Err(err).Msg("retry no longer applicable")
	default:
		s.log.Warn().Str("event", "retry_dispatch_failed").Str("job", id).Err(err).Msg("retry dispatch failed")
	}
}

// CancelRetry stops the pending retry timer for id. It reports whether one
// was pending.
func (s *Scheduler[C]) CancelRetry(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.retries[id]
	if !ok {
		return false
	}
	r.t.Stop()
	delete(s.retries, id)
	s.log.Debug().Str("event", "retry_cancelled").Str("job", id).Msg("retry cancelled")
	return true
}
