package scheduler

import (
	"errors"
	"fmt"
	"time"

	"inferq/internal/artifact"
	"inferq/internal/jobs"
)

var (
	// ErrBusy is returned by ProcessJob while another attempt is in flight.
	ErrBusy = errors.New("scheduler busy")
	// ErrNotRunning is returned by operations that need a started scheduler.
	ErrNotRunning = errors.New("scheduler not running")
	// ErrStuckJob is recorded on jobs the stuck sweep fails.
	ErrStuckJob = errors.New("stuck job timeout")
	// ErrJobProcessing is returned by Cancel for a job mid-attempt.
	ErrJobProcessing = errors.New("job is processing")
	// ErrDiscardConn marks a processing error after which the borrowed
	// connection must not be returned to the pool.
	ErrDiscardConn = errors.New("connection unusable")
)

// StuckError is the error recorded on a job failed by the stuck sweep.
type StuckError struct {
	JobID string
	Age   time.Duration
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("%s: job %s processing for %s", ErrStuckJob, e.JobID, e.Age.Round(time.Second))
}

func (e *StuckError) Unwrap() error { return ErrStuckJob }

// IsStuck reports whether err is a stuck-job timeout.
func IsStuck(err error) bool { return errors.Is(err, ErrStuckJob) }

// IsPermanent reports whether err must fail the job without a retry: errors
// marked with jobs.Permanent, unknown jobs, and artifacts the backing store
// does not have.
func IsPermanent(err error) bool {
	return jobs.IsPermanent(err) || artifact.IsNotFound(err)
}
