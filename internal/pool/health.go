package pool

import (
	"context"
	"time"

	"inferq/internal/events"
)

func (p *Pool[T]) healthLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckInterval)
			p.CheckHealth(ctx)
			cancel()
		}
	}
}

type eviction[T any] struct {
	e      *entry[T]
	reason string
}

// CheckHealth runs one health pass over idle handles: handles past
// MaxLifetime are destroyed, handles idle past IdleTimeout are destroyed
// while the pool is above MinConnections, and the remaining idle handles are
// probed with Factory.Validate. In-use handles are never touched. The pool is
// then topped back up to MinConnections.
func (p *Pool[T]) CheckHealth(ctx context.Context) {
	now := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	size := p.sizeLocked()
	var evicted []eviction[T]
	var probe []*entry[T]
	kept := make([]*entry[T], 0, len(p.entries))
	for _, e := range p.entries {
		if e.inUse {
			kept = append(kept, e)
			continue
		}
		switch {
		case now.Sub(e.createdAt) > p.cfg.MaxLifetime:
			evicted = append(evicted, eviction[T]{e, "max_lifetime"})
			size--
		case now.Sub(e.lastUsedAt) > p.cfg.IdleTimeout && size > p.cfg.MinConnections:
			evicted = append(evicted, eviction[T]{e, "idle_timeout"})
			size--
		default:
			// Held for the probe so no caller can take it meanwhile.
			e.inUse = true
			e.lease++
			probe = append(probe, e)
			kept = append(kept, e)
		}
	}
	p.entries = kept
	for range evicted {
		p.wakeLocked()
	}
	p.gaugeLocked()
	p.mu.Unlock()

	for _, ev := range evicted {
		p.evict(ev.e, ev.reason)
	}

	for _, e := range probe {
		err := p.factory.Validate(ctx, e.value)
		p.mu.Lock()
		if err != nil || p.closed {
			e.healthy = false
			p.removeLocked(e)
			p.wakeLocked()
			p.gaugeLocked()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				p.destroy(e, "closed")
				continue
			}
			p.log.Warn().Str("event", "validate_failed").Uint64("resource", e.id).Err(err).Msg("resource failed validation")
			p.evict(e, "unhealthy")
			continue
		}
		p.handOffLocked(e)
		p.gaugeLocked()
		p.mu.Unlock()
	}

	p.warm(ctx)
}

func (p *Pool[T]) evict(e *entry[T], reason string) {
	p.cfg.Metrics.PoolEviction(p.cfg.Name, reason)
	p.cfg.Publisher.Publish(events.New("pool_evict", p.cfg.Name, map[string]any{"resource": e.id, "reason": reason}))
	p.log.Info().Str("event", "evict").Uint64("resource", e.id).Str("reason", reason).Msg("resource evicted")
	p.destroy(e, reason)
}
