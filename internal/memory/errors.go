package memory

import (
	"errors"
	"fmt"
)

// InsufficientCapacityError reports that a request could not be satisfied
// even after preempting lower-priority reservations.
type InsufficientCapacityError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient accelerator memory: required %d MiB, available %d MiB", e.Required, e.Available)
}

// ErrReservationNotFound is returned by Allocate for an unknown id.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrInvalidAmount is returned for negative amounts.
var ErrInvalidAmount = errors.New("memory amount must not be negative")

// IsInsufficient reports whether err is an InsufficientCapacityError.
func IsInsufficient(err error) bool {
	var ic *InsufficientCapacityError
	return errors.As(err, &ic)
}
