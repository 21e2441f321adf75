package memory

import (
	"context"
	"time"
)

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.ExpireStale()
			if m.cfg.Telemetry != nil {
				ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepInterval)
				if err := m.Refresh(ctx); err != nil {
					m.log.Debug().Str("event", "telemetry_failed").Err(err).Msg("telemetry refresh failed")
				}
				cancel()
			}
		}
	}
}

// ExpireStale force-releases every reservation older than ReservationTimeout
// and returns how many were removed.
func (m *Manager) ExpireStale() int {
	cutoff := m.now().Add(-m.cfg.ReservationTimeout)
	m.mu.Lock()
	var stale []Reservation
	for _, r := range m.reservations {
		if r.CreatedAt.Before(cutoff) {
			stale = append(stale, *r)
			m.removeLocked(r)
		}
	}
	if len(stale) > 0 {
		m.gaugeLocked()
	}
	m.mu.Unlock()
	for _, r := range stale {
		m.evicted(r, "expired")
	}
	return len(stale)
}
