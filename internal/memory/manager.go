// Package memory arbitrates a fixed accelerator memory budget across
// concurrent workloads by priority.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferq/internal/events"
)

// Common priorities. Any int is accepted; higher preempts lower.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
)

// Reservation is a provisional claim on part of the budget.
type Reservation struct {
	ID        string    `json:"id"`
	Requested int64     `json:"requested"`
	Allocated int64     `json:"allocated"`
	Priority  int       `json:"priority"`
	Purpose   string    `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
}

// consumed is the share of the budget a reservation holds: the reserved
// amount plus any allocated overshoot.
func (r *Reservation) consumed() int64 {
	if r.Allocated > r.Requested {
		return r.Allocated
	}
	return r.Requested
}

// Stats is a point-in-time view of the budget.
type Stats struct {
	Total        int64         `json:"total"`
	Available    int64         `json:"available"`
	Used         int64         `json:"used"`
	Reserved     int64         `json:"reserved"`
	External     int64         `json:"external"`
	SafetyBuffer int64         `json:"safety_buffer"`
	Utilization  float64       `json:"utilization_pct"`
	Reservations []Reservation `json:"reservations"`
}

// Manager owns the reservation table. All methods are safe for concurrent use.
type Manager struct {
	mu           sync.Mutex
	cfg          Config
	log          zerolog.Logger
	total        int64
	buffer       int64
	external     int64 // in use by processes outside this manager, per telemetry
	consumed     int64
	reservations map[string]*Reservation
	now          func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Manager, seeds its budget from telemetry when available and
// starts the expiration sweep.
func New(ctx context.Context, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "memory").Logger(),
		total:        cfg.TotalMemory,
		reservations: make(map[string]*Reservation),
		now:          time.Now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if cfg.Telemetry != nil {
		if err := m.Refresh(ctx); err != nil {
			m.log.Warn().Str("event", "telemetry_failed").Err(err).Int64("static_total", cfg.TotalMemory).Msg("using static memory budget")
		}
	}
	m.mu.Lock()
	m.buffer = int64(float64(m.total) * cfg.SafetyBufferRatio)
	mode := "accelerator"
	if m.total == 0 {
		mode = "cpu_only"
	}
	m.gaugeLocked()
	m.mu.Unlock()
	m.log.Info().Str("event", "budget").Str("mode", mode).Int64("total", m.total).Int64("buffer", m.buffer).Msg("memory manager ready")

	if cfg.SweepInterval > 0 {
		go m.sweepLoop()
	} else {
		close(m.done)
	}
	return m
}

// Refresh re-reads total and external usage from telemetry.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.cfg.Telemetry == nil {
		return nil
	}
	total, avail, err := m.cfg.Telemetry.MemoryInfo(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.buffer = int64(float64(total) * m.cfg.SafetyBufferRatio)
	// Memory held by our own reservations shows up as used on the device too.
	ext := total - avail - m.usedLocked()
	if ext < 0 {
		ext = 0
	}
	m.external = ext
	m.gaugeLocked()
	return nil
}

// CheckAvailable returns nil when required units fit in the free budget.
func (m *Manager) CheckAvailable(required int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if avail := m.availableLocked(); required > avail {
		return &InsufficientCapacityError{Required: required, Available: avail}
	}
	return nil
}

// Capacity is the usable budget: total minus the safety buffer. A request
// larger than this can never be reserved.
func (m *Manager) Capacity() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total - m.buffer
}

// Reserve claims amount units for purpose at the given priority. When the
// free budget is short, reservations of strictly lower priority are
// preempted, lowest priority first and oldest first within a priority. If
// preemption cannot free enough, nothing is evicted and an
// InsufficientCapacityError is returned.
func (m *Manager) Reserve(amount int64, purpose string, priority int) (string, error) {
	if amount < 0 {
		return "", ErrInvalidAmount
	}
	m.mu.Lock()
	avail := m.availableLocked()
	var victims []*Reservation
	if amount > avail {
		candidates := make([]*Reservation, 0, len(m.reservations))
		for _, r := range m.reservations {
			if r.Priority < priority {
				candidates = append(candidates, r)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		freed := avail
		for _, r := range candidates {
			if freed >= amount {
				break
			}
			victims = append(victims, r)
			freed += r.consumed()
		}
		if freed < amount {
			m.mu.Unlock()
			m.log.Debug().Str("event", "reserve_rejected").Int64("required", amount).Int64("available", avail).Int("priority", priority).Msg("insufficient memory")
			return "", &InsufficientCapacityError{Required: amount, Available: avail}
		}
		for _, r := range victims {
			m.removeLocked(r)
		}
	}
	r := &Reservation{
		ID:        uuid.NewString(),
		Requested: amount,
		Priority:  priority,
		Purpose:   purpose,
		CreatedAt: m.now(),
	}
	m.reservations[r.ID] = r
	m.consumed += r.consumed()
	m.gaugeLocked()
	m.mu.Unlock()

	for _, v := range victims {
		m.evicted(*v, "preempted")
	}
	m.log.Debug().Str("event", "reserved").Str("reservation", r.ID).Int64("amount", amount).Int("priority", priority).Str("purpose", purpose).Msg("memory reserved")
	return r.ID, nil
}

// Allocate records the actual consumption under a reservation. Exceeding the
// reserved amount is logged; growth beyond the free budget is capped so the
// total never exceeds the usable budget.
func (m *Manager) Allocate(id string, actual int64) error {
	if actual < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	r, ok := m.reservations[id]
	if !ok {
		m.mu.Unlock()
		return ErrReservationNotFound
	}
	before := r.consumed()
	want := actual
	if actual > r.Requested {
		if grow := actual - before; grow > 0 {
			if avail := m.availableLocked(); grow > avail {
				want = before + avail
			}
		}
	}
	r.Allocated = want
	m.consumed += r.consumed() - before
	m.gaugeLocked()
	requested := r.Requested
	m.mu.Unlock()

	if actual > requested {
		m.log.Warn().Str("event", "allocation_exceeds_reservation").Str("reservation", id).Int64("reserved", requested).Int64("actual", actual).Int64("recorded", want).Msg("allocation exceeds reservation")
	}
	return nil
}

// Release frees a reservation. Unknown ids are a logged no-op.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	r, ok := m.reservations[id]
	if !ok {
		m.mu.Unlock()
		m.log.Debug().Str("event", "release_unknown").Str("reservation", id).Msg("release of unknown reservation ignored")
		return
	}
	m.removeLocked(r)
	m.gaugeLocked()
	m.mu.Unlock()
	m.log.Debug().Str("event", "released").Str("reservation", id).Msg("memory released")
}

// Stats returns a snapshot of the budget and live reservations, oldest first.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Total:        m.total,
		Available:    m.availableLocked(),
		Used:         m.usedLocked(),
		External:     m.external,
		SafetyBuffer: m.buffer,
		Reservations: make([]Reservation, 0, len(m.reservations)),
	}
	s.Reserved = m.consumed - s.Used
	if m.total > 0 {
		s.Utilization = float64(m.consumed+m.external) / float64(m.total) * 100
	}
	for _, r := range m.reservations {
		s.Reservations = append(s.Reservations, *r)
	}
	sort.Slice(s.Reservations, func(i, j int) bool {
		return s.Reservations[i].CreatedAt.Before(s.Reservations[j].CreatedAt)
	})
	return s
}

// Close stops the expiration sweep. Live reservations are kept.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}

func (m *Manager) availableLocked() int64 {
	a := m.total - m.buffer - m.external - m.consumed
	if a < 0 {
		return 0
	}
	return a
}

func (m *Manager) usedLocked() int64 {
	var used int64
	for _, r := range m.reservations {
		used += r.Allocated
	}
	return used
}

func (m *Manager) removeLocked(r *Reservation) {
	delete(m.reservations, r.ID)
	m.consumed -= r.consumed()
}

func (m *Manager) gaugeLocked() {
	used := m.usedLocked()
	m.cfg.Metrics.MemoryGauge(m.total, used, m.consumed-used)
}

// evicted reports a forced removal. Must be called without m.mu held.
func (m *Manager) evicted(r Reservation, reason string) {
	m.cfg.Metrics.MemoryEviction()
	m.cfg.Publisher.Publish(events.New("reservation_evicted", r.ID, map[string]any{
		"reason":   reason,
		"purpose":  r.Purpose,
		"priority": r.Priority,
		"amount":   r.consumed(),
	}))
	m.log.Info().Str("event", "reservation_evicted").Str("reservation", r.ID).Str("reason", reason).Int("priority", r.Priority).Int64("amount", r.consumed()).Msg("reservation evicted")
	if m.cfg.OnEvict != nil {
		m.cfg.OnEvict(r, reason)
	}
}
