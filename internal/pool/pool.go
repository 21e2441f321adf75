package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/events"
)

// Factory manages the lifecycle of one kind of pooled handle.
type Factory[T any] interface {
	// Create builds a new handle. It may be slow.
	Create(ctx context.Context) (T, error)
	// Destroy releases a handle. Errors are logged by the pool, never returned to callers.
	Destroy(ctx context.Context, v T) error
	// Validate probes an idle handle; a non-nil error marks it unhealthy.
	Validate(ctx context.Context, v T) error
}

// entry is the pool's bookkeeping for one handle.
type entry[T any] struct {
	value      T
	id         uint64
	lease      uint64 // bumped on every lend; stale Resources no longer match
	createdAt  time.Time
	lastUsedAt time.Time
	healthy    bool
	inUse      bool
}

// Resource is one lend of a pooled handle. It is valid until released.
type Resource[T any] struct {
	Value T

	e     *entry[T]
	lease uint64
	pool  *Pool[T]
}

// ID returns the pool-local identifier of the underlying handle.
func (r *Resource[T]) ID() uint64 { return r.e.id }

// ResourceInfo is a read-only view of a pooled handle.
type ResourceInfo struct {
	ID         uint64    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Healthy    bool      `json:"healthy"`
	InUse      bool      `json:"in_use"`
}

// Stats summarises pool occupancy.
type Stats struct {
	Name      string         `json:"name"`
	Size      int            `json:"size"`
	InUse     int            `json:"in_use"`
	Idle      int            `json:"idle"`
	Pending   int            `json:"pending"`
	Waiters   int            `json:"waiters"`
	Max       int            `json:"max"`
	Min       int            `json:"min"`
	Resources []ResourceInfo `json:"resources"`
}

// grant is what a queued caller receives: a handle, permission to create
// one, or a terminal error.
type grant[T any] struct {
	res    *Resource[T]
	create bool
	err    error
}

type waiter[T any] struct {
	ch    chan grant[T]
	since time.Time
}

// Pool is a bounded, FIFO-fair pool of handles produced by a Factory.
type Pool[T any] struct {
	mu      sync.Mutex
	cfg     Config
	factory Factory[T]
	log     zerolog.Logger
	entries []*entry[T]
	pending int // creations in flight; counted toward size
	waiters []*waiter[T]
	nextID  uint64
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a pool, eagerly creates MinConnections handles and starts
// the health loop. Warm-up creation failures are logged, not returned.
func New[T any](ctx context.Context, factory Factory[T], cfg Config) *Pool[T] {
	cfg = cfg.withDefaults()
	p := &Pool[T]{
		cfg:     cfg,
		factory: factory,
		log:     cfg.Logger.With().Str("pool", cfg.Name).Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.warm(ctx)
	if cfg.HealthCheckInterval > 0 {
		go p.healthLoop()
	} else {
		close(p.done)
	}
	return p
}

// Acquire returns a free healthy handle, creating one when below capacity,
// otherwise queues FIFO until a handle is released or AcquireTimeout elapses.
func (p *Pool[T]) Acquire(ctx context.Context) (*Resource[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if e := p.takeIdleLocked(); e != nil {
		r := p.lendLocked(e)
		p.gaugeLocked()
		p.mu.Unlock()
		return r, nil
	}
	if p.sizeLocked() < p.cfg.MaxConnections {
		p.pending++
		p.mu.Unlock()
		return p.create(ctx)
	}
	w := &waiter[T]{ch: make(chan grant[T], 1), since: time.Now()}
	p.waiters = append(p.waiters, w)
	p.gaugeLocked()
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case g := <-w.ch:
		return p.redeem(ctx, g)
	case <-ctx.Done():
		return nil, p.abandon(w, ctx.Err())
	case <-timer.C:
		err := p.abandon(w, fmt.Errorf("%w: pool %s after %s", ErrAcquireTimeout, p.cfg.Name, p.cfg.AcquireTimeout))
		if IsAcquireTimeout(err) {
			waited := time.Since(w.since)
			p.cfg.Metrics.PoolAcquireTimeout(p.cfg.Name)
			p.cfg.Publisher.Publish(events.New("pool_acquire_timeout", p.cfg.Name, map[string]any{"waited_ms": waited.Milliseconds()}))
			p.log.Warn().Str("event", "acquire_timeout").Dur("waited", waited).Msg("resource acquisition timed out")
		}
		return nil, err
	}
}

// Release returns a handle to the pool. A queued caller, if any, receives it
// directly. Releasing an unknown or already released handle is a no-op.
func (p *Pool[T]) Release(r *Resource[T]) {
	if r == nil {
		return
	}
	p.mu.Lock()
	if !p.ownsLocked(r) {
		p.mu.Unlock()
		p.log.Debug().Str("event", "release_ignored").Msg("release of unknown or returned handle ignored")
		return
	}
	e := r.e
	e.lease++
	e.lastUsedAt = time.Now()
	if p.closed || !e.healthy {
		reason := "unhealthy"
		if p.closed {
			reason = "closed"
		}
		p.removeLocked(e)
		p.wakeLocked()
		p.gaugeLocked()
		p.mu.Unlock()
		p.destroy(e, reason)
		return
	}
	p.handOffLocked(e)
	p.gaugeLocked()
	p.mu.Unlock()
}

// Discard returns a handle the caller found broken; it is destroyed instead
// of being reused.
func (p *Pool[T]) Discard(r *Resource[T]) {
	if r == nil {
		return
	}
	p.mu.Lock()
	if p.ownsLocked(r) {
		r.e.healthy = false
	}
	p.mu.Unlock()
	p.Release(r)
}

// Execute acquires a handle, runs fn, and releases the handle on every exit
// path including panics.
func (p *Pool[T]) Execute(ctx context.Context, fn func(ctx context.Context, v T) error) error {
	r, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(r)
	return fn(ctx, r.Value)
}

// Shutdown stops the health loop, fails queued callers with ErrPoolClosed and
// destroys every idle handle. Handles still lent out are destroyed on release.
// The pool is unusable afterward.
func (p *Pool[T]) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	var idle []*entry[T]
	kept := make([]*entry[T], 0, len(p.entries))
	for _, e := range p.entries {
		if e.inUse {
			kept = append(kept, e)
			continue
		}
		idle = append(idle, e)
	}
	p.entries = kept
	p.gaugeLocked()
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	for _, w := range waiters {
		w.ch <- grant[T]{err: ErrPoolClosed}
	}
	for _, e := range idle {
		p.destroy(e, "shutdown")
	}
	p.log.Info().Str("event", "pool_shutdown").Int("destroyed", len(idle)).Int("failed_waiters", len(waiters)).Msg("pool shut down")
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Name:      p.cfg.Name,
		Size:      p.sizeLocked(),
		Pending:   p.pending,
		Waiters:   len(p.waiters),
		Max:       p.cfg.MaxConnections,
		Min:       p.cfg.MinConnections,
		Resources: make([]ResourceInfo, 0, len(p.entries)),
	}
	for _, e := range p.entries {
		if e.inUse {
			s.InUse++
		} else {
			s.Idle++
		}
		s.Resources = append(s.Resources, ResourceInfo{
			ID:         e.id,
			CreatedAt:  e.createdAt,
			LastUsedAt: e.lastUsedAt,
			Healthy:    e.healthy,
			InUse:      e.inUse,
		})
	}
	return s
}

// redeem turns a grant received while queued into a result.
func (p *Pool[T]) redeem(ctx context.Context, g grant[T]) (*Resource[T], error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.create:
		return p.create(ctx)
	default:
		return g.res, nil
	}
}

// abandon removes a waiter that gave up. If a grant raced with the give-up it
// is passed on so no handle or creation slot leaks.
func (p *Pool[T]) abandon(w *waiter[T], cause error) error {
	p.mu.Lock()
	if p.removeWaiterLocked(w) {
		p.gaugeLocked()
		p.mu.Unlock()
		return cause
	}
	p.mu.Unlock()
	g := <-w.ch
	switch {
	case g.res != nil:
		p.Release(g.res)
	case g.create:
		p.mu.Lock()
		p.pending--
		p.wakeLocked()
		p.gaugeLocked()
		p.mu.Unlock()
	case g.err != nil:
		return g.err
	}
	return cause
}

// create builds a handle for a caller that already holds a pending slot.
func (p *Pool[T]) create(ctx context.Context) (*Resource[T], error) {
	v, err := p.factory.Create(ctx)
	p.mu.Lock()
	p.pending--
	if err != nil {
		p.wakeLocked()
		p.gaugeLocked()
		p.mu.Unlock()
		p.log.Warn().Str("event", "create_failed").Err(err).Msg("resource creation failed")
		return nil, &CreationError{Pool: p.cfg.Name, Err: err}
	}
	if p.closed {
		p.mu.Unlock()
		p.destroy(&entry[T]{value: v}, "closed")
		return nil, ErrPoolClosed
	}
	now := time.Now()
	p.nextID++
	e := &entry[T]{
		value:      v,
		id:         p.nextID,
		createdAt:  now,
		lastUsedAt: now,
		healthy:    true,
	}
	p.entries = append(p.entries, e)
	r := p.lendLocked(e)
	p.gaugeLocked()
	p.mu.Unlock()
	p.log.Debug().Str("event", "created").Uint64("resource", e.id).Msg("resource created")
	return r, nil
}

// warm tops the pool up to MinConnections. Each failure is logged and the
// remaining slots are still attempted.
func (p *Pool[T]) warm(ctx context.Context) {
	p.mu.Lock()
	missing := p.cfg.MinConnections - p.sizeLocked()
	p.mu.Unlock()
	for i := 0; i < missing; i++ {
		p.mu.Lock()
		if p.closed || p.sizeLocked() >= p.cfg.MinConnections {
			p.mu.Unlock()
			return
		}
		p.pending++
		p.mu.Unlock()
		r, err := p.create(ctx)
		if err != nil {
			p.log.Warn().Str("event", "warm_failed").Err(err).Msg("warm pool creation failed")
			continue
		}
		p.Release(r)
	}
}

func (p *Pool[T]) destroy(e *entry[T], reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
	defer cancel()
	if err := p.factory.Destroy(ctx, e.value); err != nil {
		p.log.Warn().Str("event", "destroy_failed").Uint64("resource", e.id).Str("reason", reason).Err(err).Msg("resource destroy failed")
		return
	}
	p.log.Debug().Str("event", "destroyed").Uint64("resource", e.id).Str("reason", reason).Msg("resource destroyed")
}

// lendLocked marks e in use and wraps it for a caller.
func (p *Pool[T]) lendLocked(e *entry[T]) *Resource[T] {
	e.inUse = true
	e.lease++
	e.lastUsedAt = time.Now()
	return &Resource[T]{Value: e.value, e: e, lease: e.lease, pool: p}
}

// handOffLocked gives e to the oldest waiter, or marks it idle.
func (p *Pool[T]) handOffLocked(e *entry[T]) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- grant[T]{res: p.lendLocked(e)}
		return
	}
	e.inUse = false
}

// wakeLocked gives the oldest waiter a creation slot if capacity allows.
func (p *Pool[T]) wakeLocked() {
	if p.closed || len(p.waiters) == 0 || p.sizeLocked() >= p.cfg.MaxConnections {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.pending++
	w.ch <- grant[T]{create: true}
}

func (p *Pool[T]) takeIdleLocked() *entry[T] {
	for _, e := range p.entries {
		if !e.inUse && e.healthy {
			return e
		}
	}
	return nil
}

// ownsLocked reports whether r is the current lend of one of our entries.
func (p *Pool[T]) ownsLocked(r *Resource[T]) bool {
	if r.pool != p || r.e == nil || !r.e.inUse || r.e.lease != r.lease {
		return false
	}
	return p.indexLocked(r.e) >= 0
}

func (p *Pool[T]) sizeLocked() int { return len(p.entries) + p.pending }

func (p *Pool[T]) indexLocked(e *entry[T]) int {
	for i, x := range p.entries {
		if x == e {
			return i
		}
	}
	return -1
}

func (p *Pool[T]) removeLocked(e *entry[T]) {
	if i := p.indexLocked(e); i >= 0 {
		p.entries = append(p.entries[:i], p.entries[i+1:]...)
	}
}

func (p *Pool[T]) removeWaiterLocked(w *waiter[T]) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool[T]) gaugeLocked() {
	inUse := 0
	for _, e := range p.entries {
		if e.inUse {
			inUse++
		}
	}
	p.cfg.Metrics.PoolGauge(p.cfg.Name, p.sizeLocked(), inUse, len(p.waiters))
}
