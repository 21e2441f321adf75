package jobs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, true},
		{StatusFailed, StatusQueued, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCompleted, StatusQueued, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestUpdateApplyKeepsRetryCountMonotonic(t *testing.T) {
	j := &Job{Status: StatusProcessing, RetryCount: 2}
	now := time.Now()
	require.NoError(t, Update{RetryCount: Ptr(1)}.Apply(j, StatusQueued, now))
	assert.Equal(t, 2, j.RetryCount)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, now, j.UpdatedAt)

	err := Update{}.Apply(j, Status("paused"), now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateApplyExpect(t *testing.T) {
	now := time.Now()
	j := &Job{ID: "j1", Status: StatusFailed, Error: "stuck"}
	err := Update{Expect: StatusProcessing, Error: Ptr("flaky")}.Apply(j, StatusQueued, now)
	require.ErrorIs(t, err, ErrStatusChanged)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "stuck", j.Error)

	j = &Job{ID: "j2", Status: StatusProcessing}
	require.NoError(t, Update{Expect: StatusProcessing, ResultRef: Ptr("out.png")}.Apply(j, StatusCompleted, now))
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, "out.png", j.ResultRef)
}

func TestPermanent(t *testing.T) {
	base := errors.New("missing input")
	err := fmt.Errorf("attempt: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "attempt: missing input", err.Error())

	assert.False(t, IsPermanent(errors.New("timeout")))
	assert.True(t, IsPermanent(fmt.Errorf("load: %w", ErrNotFound)))
	assert.Nil(t, Permanent(nil))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("failed")
	require.NoError(t, err)
	assert.True(t, s.Terminal())
	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	j := &Job{StartedAt: &now, Descriptor: Descriptor{Params: map[string]string{"a": "1"}}}
	c := j.Clone()
	c.Params["a"] = "2"
	*c.StartedAt = now.Add(time.Hour)
	assert.Equal(t, "1", j.Params["a"])
	assert.Equal(t, now, *j.StartedAt)
}
