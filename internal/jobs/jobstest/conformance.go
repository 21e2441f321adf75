// Package jobstest holds the behaviour every jobs.Store must satisfy.
package jobstest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferq/internal/jobs"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) jobs.Store

func descriptor(input string) jobs.Descriptor {
	return jobs.Descriptor{
		InputRef:        input,
		Artifact:        "styles/mosaic@v1",
		EstimatedMemory: 256,
		Priority:        5,
		Params:          map[string]string{"quality": "high"},
	}
}

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		j, err := s.Create(ctx, descriptor("in/1.png"))
		require.NoError(t, err)
		assert.NotEmpty(t, j.ID)
		assert.Equal(t, jobs.StatusQueued, j.Status)
		assert.Equal(t, 0, j.RetryCount)
		assert.False(t, j.CreatedAt.IsZero())

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, j.ID, got.ID)
		assert.Equal(t, "in/1.png", got.InputRef)
		assert.Equal(t, "styles/mosaic@v1", got.Artifact)
		assert.Equal(t, int64(256), got.EstimatedMemory)
		assert.Equal(t, 5, got.Priority)
		assert.Equal(t, map[string]string{"quality": "high"}, got.Params)
		assert.Nil(t, got.StartedAt)

		_, err = s.Get(ctx, "does-not-exist")
		assert.ErrorIs(t, err, jobs.ErrNotFound)
	})

	t.Run("CreateRejectsInvalid", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, jobs.Descriptor{Artifact: "styles/x@v1"})
		assert.ErrorIs(t, err, jobs.ErrInvalidDescriptor)
		_, err = s.Create(ctx, jobs.Descriptor{InputRef: "a", Artifact: "b", EstimatedMemory: -1})
		assert.ErrorIs(t, err, jobs.ErrInvalidDescriptor)
	})

	t.Run("NextQueuedIsFIFO", func(t *testing.T) {
		s := newStore(t)
		var want []string
		for i := 0; i < 3; i++ {
			j, err := s.Create(ctx, descriptor(fmt.Sprintf("in/%d", i)))
			require.NoError(t, err)
			want = append(want, j.ID)
		}
		for _, id := range want {
			j, err := s.NextQueued(ctx)
			require.NoError(t, err)
			require.NotNil(t, j)
			assert.Equal(t, id, j.ID)
			assert.Equal(t, jobs.StatusProcessing, j.Status)
			assert.NotNil(t, j.StartedAt)
		}
		j, err := s.NextQueued(ctx)
		require.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("NextQueuedNeverHandsOutTwice", func(t *testing.T) {
		s := newStore(t)
		const n = 20
		for i := 0; i < n; i++ {
			_, err := s.Create(ctx, descriptor(fmt.Sprintf("in/%d", i)))
			require.NoError(t, err)
		}
		var mu sync.Mutex
		seen := map[string]int{}
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := s.NextQueued(ctx)
					if err != nil || j == nil {
						return
					}
					mu.Lock()
					seen[j.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, n)
		for id, c := range seen {
			assert.Equal(t, 1, c, "job %s claimed %d times", id, c)
		}
	})

	t.Run("NextQueuedSkipsDeferredJobs", func(t *testing.T) {
		s := newStore(t)
		deferred, err := s.Create(ctx, descriptor("in/deferred"))
		require.NoError(t, err)
		ready, err := s.Create(ctx, descriptor("in/ready"))
		require.NoError(t, err)

		_, err = s.Claim(ctx, deferred.ID)
		require.NoError(t, err)
		later := time.Now().Add(time.Hour)
		_, err = s.UpdateStatus(ctx, deferred.ID, jobs.StatusQueued, jobs.Update{
			RetryCount:  jobs.Ptr(1),
			AvailableAt: &later,
		})
		require.NoError(t, err)

		j, err := s.NextQueued(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, ready.ID, j.ID)

		j, err = s.NextQueued(ctx)
		require.NoError(t, err)
		assert.Nil(t, j, "deferred job must wait for its available time")

		// Claim by id ignores the deferral.
		j, err = s.Claim(ctx, deferred.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, j.RetryCount)
	})

	t.Run("Claim", func(t *testing.T) {
		s := newStore(t)
		j, err := s.Create(ctx, descriptor("in"))
		require.NoError(t, err)

		got, err := s.Claim(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusProcessing, got.Status)

		_, err = s.Claim(ctx, j.ID)
		assert.ErrorIs(t, err, jobs.ErrNotQueued)
		_, err = s.Claim(ctx, "missing")
		assert.ErrorIs(t, err, jobs.ErrNotFound)
	})

	t.Run("UpdateStatusLifecycle", func(t *testing.T) {
		s := newStore(t)
		j, err := s.Create(ctx, descriptor("in"))
		require.NoError(t, err)
		_, err = s.Claim(ctx, j.ID)
		require.NoError(t, err)

		got, err := s.UpdateStatus(ctx, j.ID, jobs.StatusQueued, jobs.Update{
			RetryCount: jobs.Ptr(1),
			Error:      jobs.Ptr("backend timeout"),
		})
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusQueued, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "backend timeout", got.Error)

		_, err = s.Claim(ctx, j.ID)
		require.NoError(t, err)
		done := time.Now().UTC().Truncate(time.Millisecond)
		got, err = s.UpdateStatus(ctx, j.ID, jobs.StatusCompleted, jobs.Update{
			RetryCount:  jobs.Ptr(0),
			ResultRef:   jobs.Ptr("out/1.png"),
			Error:       jobs.Ptr(""),
			ElapsedMs:   jobs.Ptr(int64(42)),
			CompletedAt: &done,
		})
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, got.Status)
		assert.Equal(t, 1, got.RetryCount, "retry count never decreases")
		assert.Equal(t, "out/1.png", got.ResultRef)
		assert.Empty(t, got.Error)
		assert.Equal(t, int64(42), got.ElapsedMs)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, done.Equal(*got.CompletedAt))

		// Idempotent.
		_, err = s.UpdateStatus(ctx, j.ID, jobs.StatusCompleted, jobs.Update{})
		require.NoError(t, err)

		_, err = s.UpdateStatus(ctx, j.ID, jobs.StatusQueued, jobs.Update{})
		assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
		_, err = s.UpdateStatus(ctx, "missing", jobs.StatusFailed, jobs.Update{})
		assert.ErrorIs(t, err, jobs.ErrNotFound)

		got, err = s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, got.Status)
	})

	t.Run("FailedIsFinal", func(t *testing.T) {
		s := newStore(t)
		j, err := s.Create(ctx, descriptor("in"))
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, j.ID, jobs.StatusFailed, jobs.Update{Error: jobs.Ptr("cancelled")})
		require.NoError(t, err)

		_, err = s.UpdateStatus(ctx, j.ID, jobs.StatusQueued, jobs.Update{RetryCount: jobs.Ptr(1)})
		assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
		_, err = s.Claim(ctx, j.ID)
		assert.ErrorIs(t, err, jobs.ErrNotQueued)
	})

	// An attempt that outlives the stuck sweep must not requeue the job
	// the sweep already failed.
	t.Run("OutcomeAfterSweepIsRejected", func(t *testing.T) {
		s := newStore(t)
		j, err := s.Create(ctx, descriptor("in"))
		require.NoError(t, err)
		_, err = s.Claim(ctx, j.ID)
		require.NoError(t, err)

		_, err = s.UpdateStatus(ctx, j.ID, jobs.StatusFailed, jobs.Update{
			Expect: jobs.StatusProcessing,
			Error:  jobs.Ptr("stuck"),
		})
		require.NoError(t, err)

		_, err = s.UpdateStatus(ctx, j.ID, jobs.StatusQueued, jobs.Update{
			Expect:     jobs.StatusProcessing,
			RetryCount: jobs.Ptr(1),
			Error:      jobs.Ptr("flaky"),
		})
		assert.ErrorIs(t, err, jobs.ErrStatusChanged)
		_, err = s.UpdateStatus(ctx, j.ID, jobs.StatusCompleted, jobs.Update{
			Expect:    jobs.StatusProcessing,
			ResultRef: jobs.Ptr("out.png"),
		})
		assert.ErrorIs(t, err, jobs.ErrStatusChanged)

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusFailed, got.Status)
		assert.Equal(t, "stuck", got.Error)
		assert.Equal(t, 0, got.RetryCount)
		assert.Empty(t, got.ResultRef)
	})

	// A cancel that lost the race to a claim leaves the job processing.
	t.Run("CancelAfterClaimIsRejected", func(t *testing.T) {
		s := newStore(t)
		j, err := s.Create(ctx, descriptor("in"))
		require.NoError(t, err)
		_, err = s.Claim(ctx, j.ID)
		require.NoError(t, err)

		_, err = s.UpdateStatus(ctx, j.ID, jobs.StatusFailed, jobs.Update{
			Expect: jobs.StatusQueued,
			Error:  jobs.Ptr("cancelled"),
		})
		assert.ErrorIs(t, err, jobs.ErrStatusChanged)

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusProcessing, got.Status)
		assert.Empty(t, got.Error)

		got, err = s.UpdateStatus(ctx, j.ID, jobs.StatusCompleted, jobs.Update{Expect: jobs.StatusProcessing})
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, got.Status)
	})

	t.Run("ConcurrentConditionalWritesHaveOneWinner", func(t *testing.T) {
		s := newStore(t)
		j, err := s.Create(ctx, descriptor("in"))
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateStatus(ctx, j.ID, jobs.StatusFailed, jobs.Update{
					Expect: jobs.StatusQueued,
					Error:  jobs.Ptr("cancelled"),
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		ok := 0
		for err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, jobs.ErrStatusChanged)
		}
		assert.Equal(t, 1, ok)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for i := 0; i < 4; i++ {
			j, err := s.Create(ctx, descriptor(fmt.Sprintf("in/%d", i)))
			require.NoError(t, err)
			ids = append(ids, j.ID)
		}
		_, err := s.Claim(ctx, ids[1])
		require.NoError(t, err)

		queued, err := s.ListByStatus(ctx, jobs.StatusQueued, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{ids[0], ids[2], ids[3]}, jobIDs(queued))

		limited, err := s.ListByStatus(ctx, jobs.StatusQueued, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{ids[0], ids[2]}, jobIDs(limited))

		all, err := s.ListByStatus(ctx, "", 0)
		require.NoError(t, err)
		assert.Equal(t, ids, jobIDs(all))

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, counts[jobs.StatusQueued])
		assert.Equal(t, 1, counts[jobs.StatusProcessing])
		assert.Equal(t, 0, counts[jobs.StatusFailed])
	})

	t.Run("ListStuck", func(t *testing.T) {
		s := newStore(t)
		j, err := s.Create(ctx, descriptor("in"))
		require.NoError(t, err)
		_, err = s.Create(ctx, descriptor("other"))
		require.NoError(t, err)
		_, err = s.Claim(ctx, j.ID)
		require.NoError(t, err)

		stuck, err := s.ListStuck(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{j.ID}, jobIDs(stuck))

		stuck, err = s.ListStuck(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Empty(t, stuck)
	})

	t.Run("DeleteAndPurge", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Create(ctx, descriptor("a"))
		require.NoError(t, err)
		b, err := s.Create(ctx, descriptor("b"))
		require.NoError(t, err)
		c, err := s.Create(ctx, descriptor("c"))
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, a.ID))
		assert.ErrorIs(t, s.Delete(ctx, a.ID), jobs.ErrNotFound)

		_, err = s.UpdateStatus(ctx, b.ID, jobs.StatusFailed, jobs.Update{Error: jobs.Ptr("cancelled")})
		require.NoError(t, err)

		n, err := s.PurgeTerminal(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.PurgeTerminal(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, b.ID)
		assert.ErrorIs(t, err, jobs.ErrNotFound)
		_, err = s.Get(ctx, c.ID)
		assert.NoError(t, err)
	})
}

func jobIDs(js []*jobs.Job) []string {
	out := make([]string, 0, len(js))
	for _, j := range js {
		out = append(out, j.ID)
	}
	return out
}
