package artifact

import "time"

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.SweepIdle()
		}
	}
}

// SweepIdle evicts idle entries unused for longer than SessionTimeout and
// returns how many were removed.
func (c *Cache) SweepIdle() int {
	cutoff := c.now().Add(-c.cfg.SessionTimeout)
	c.mu.Lock()
	var idle []*entry
	for k, e := range c.entries {
		if e.inUse == 0 && e.lastUsedAt.Before(cutoff) {
			idle = append(idle, e)
			delete(c.entries, k)
		}
	}
	if len(idle) > 0 {
		c.cfg.Metrics.CacheGauge(len(c.entries))
	}
	c.mu.Unlock()
	for _, e := range idle {
		c.evicted(e, "idle_timeout")
	}
	return len(idle)
}
