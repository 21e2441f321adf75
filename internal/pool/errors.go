package pool

import (
	"errors"
	"fmt"
)

// ErrAcquireTimeout is returned when no handle became available within the
// acquire timeout.
var ErrAcquireTimeout = errors.New("resource acquisition timeout")

// ErrPoolClosed is returned by Acquire after Shutdown and delivered to callers
// still queued when the pool shuts down.
var ErrPoolClosed = errors.New("pool is shut down")

// CreationError wraps a Factory.Create failure during Acquire.
type CreationError struct {
	Pool string
	Err  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("resource creation failed (pool %s): %v", e.Pool, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// IsAcquireTimeout reports whether err indicates an acquisition timeout.
func IsAcquireTimeout(err error) bool { return errors.Is(err, ErrAcquireTimeout) }

// IsCreationFailed reports whether err came from a failed handle creation.
func IsCreationFailed(err error) bool {
	var ce *CreationError
	return errors.As(err, &ce)
}

// IsClosed reports whether err indicates the pool was shut down.
func IsClosed(err error) bool { return errors.Is(err, ErrPoolClosed) }
