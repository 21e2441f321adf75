package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps jobs in process memory. Jobs are ordered by insertion.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  map[string]uint64
	next uint64
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), seq: make(map[string]uint64), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, d Descriptor) (*Job, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// Cloned so the caller's Params map is not shared.
	j := (&Job{ID: uuid.NewString(), Status: StatusQueued, CreatedAt: now, UpdatedAt: now, AvailableAt: now, Descriptor: d}).Clone()
	s.next++
	s.jobs[j.ID] = j
	s.seq[j.ID] = s.next
	return j.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, u Update) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := j.Clone()
	if err := u.Apply(next, status, s.now()); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusQueued {
		return nil, ErrNotQueued
	}
	return s.claimLocked(j), nil
}

func (s *MemoryStore) NextQueued(_ context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var oldest *Job
	for _, j := range s.jobs {
		if j.Status != StatusQueued || j.AvailableAt.After(now) {
			continue
		}
		if oldest == nil || s.seq[j.ID] < s.seq[oldest.ID] {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return s.claimLocked(oldest), nil
}

func (s *MemoryStore) claimLocked(j *Job) *Job {
	now := s.now()
	j.Status = StatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	return j.Clone()
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(func(j *Job) bool { return status == "" || j.Status == status }, limit), nil
}

func (s *MemoryStore) ListStuck(_ context.Context, olderThan time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(func(j *Job) bool {
		return j.Status == StatusProcessing && j.StartedAt != nil && j.StartedAt.Before(olderThan)
	}, 0), nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int, len(Statuses))
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.seq, id)
	return nil
}

func (s *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(before) {
			delete(s.jobs, id)
			delete(s.seq, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) collectLocked(match func(*Job) bool, limit int) []*Job {
	var out []*Job
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return s.seq[out[i].ID] < s.seq[out[k].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
