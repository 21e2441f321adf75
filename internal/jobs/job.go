// Package jobs defines the job model, its state machine and the Store
// contract the scheduler drives. MemoryStore is the in-process Store.
package jobs

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further processing is scheduled in s.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// CanTransition reports whether a job may move from one status to another.
// Re-asserting the current status is always allowed so updates stay
// idempotent. Completed and failed are final.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusQueued
	}
	return false
}

// Descriptor is the work a submitter asks for.
type Descriptor struct {
	InputRef string `json:"input_ref" yaml:"input_ref" validate:"required"`
	// Artifact is namespace/name@version.
	Artifact        string            `json:"artifact" yaml:"artifact" validate:"required"`
	EstimatedMemory int64             `json:"estimated_memory" yaml:"estimated_memory" validate:"gte=0"`
	Priority        int               `json:"priority" yaml:"priority" validate:"gte=0,lte=100"`
	Params          map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the descriptor's fields.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return nil
}

// Job is one unit of asynchronous work.
type Job struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ResultRef   string     `json:"result_ref,omitempty"`
	Error       string     `json:"error,omitempty"`
	ElapsedMs   int64      `json:"elapsed_ms,omitempty"`
	// AvailableAt is the earliest time NextQueued may hand the job out.
	AvailableAt time.Time `json:"available_at"`

	Descriptor
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Params != nil {
		c.Params = make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// Update carries the optional fields written alongside a status change.
// Nil fields are left untouched.
type Update struct {
	// Expect, when set, is the status the job must still be in for the
	// write to apply; otherwise the write fails with ErrStatusChanged.
	Expect      Status
	RetryCount  *int
	ResultRef   *string
	Error       *string
	ElapsedMs   *int64
	StartedAt   *time.Time
	CompletedAt *time.Time
	AvailableAt *time.Time
}

// Ptr returns a pointer to v, for building Updates.
func Ptr[T any](v T) *T { return &v }

// Apply writes u and the status onto j, enforcing Expect, the transition
// rules and that RetryCount never decreases.
func (u Update) Apply(j *Job, to Status, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if u.Expect != "" && j.Status != u.Expect {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrStatusChanged, j.ID, j.Status, u.Expect)
	}
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	if u.RetryCount != nil && *u.RetryCount > j.RetryCount {
		j.RetryCount = *u.RetryCount
	}
	if u.ResultRef != nil {
		j.ResultRef = *u.ResultRef
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.ElapsedMs != nil {
		j.ElapsedMs = *u.ElapsedMs
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		j.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		j.CompletedAt = &t
	}
	if u.AvailableAt != nil {
		j.AvailableAt = *u.AvailableAt
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}
