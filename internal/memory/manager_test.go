package memory

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferq/internal/events"
)

func newTestManager(t *testing.T, total int64, ratio float64) *Manager {
	t.Helper()
	m := New(context.Background(), Config{TotalMemory: total, SafetyBufferRatio: ratio, SweepInterval: -1})
	t.Cleanup(m.Close)
	return m
}

// fakeClock lets tests control reservation timestamps.
func fakeClock(m *Manager, start time.Time) func(time.Duration) {
	now := start
	m.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func ids(rs []Reservation) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestReservePreemptsLowerPriority(t *testing.T) {
	pub := events.NewMemoryPublisher()
	var evicted []Reservation
	m := New(context.Background(), Config{
		TotalMemory:   1100,
		SweepInterval: -1,
		Publisher:     pub,
		OnEvict:       func(r Reservation, _ string) { evicted = append(evicted, r) },
	})
	defer m.Close()

	low, err := m.Reserve(500, "batch", PriorityLow)
	require.NoError(t, err)
	require.Equal(t, int64(600), m.Stats().Available)

	high, err := m.Reserve(800, "interactive", PriorityHigh)
	require.NoError(t, err)

	st := m.Stats()
	assert.Equal(t, []string{high}, ids(st.Reservations))
	assert.Equal(t, int64(300), st.Available)
	require.Len(t, evicted, 1)
	assert.Equal(t, low, evicted[0].ID)
	assert.True(t, pub.Has("reservation_evicted"))
}

func TestEqualPriorityIsNeverPreempted(t *testing.T) {
	m := newTestManager(t, 1000, 0)

	first, err := m.Reserve(600, "a", PriorityNormal)
	require.NoError(t, err)

	_, err = m.Reserve(600, "b", PriorityNormal)
	require.Error(t, err)
	var ic *InsufficientCapacityError
	require.True(t, errors.As(err, &ic))
	assert.Equal(t, int64(600), ic.Required)
	assert.Equal(t, int64(400), ic.Available)
	assert.True(t, IsInsufficient(err))
	assert.Equal(t, []string{first}, ids(m.Stats().Reservations))
}

func TestPreemptionOrderLowestThenOldest(t *testing.T) {
	m := newTestManager(t, 1000, 0)
	tick := fakeClock(m, time.Unix(1700000000, 0))

	_, _ = m.Reserve(300, "a", 1)
	tick(time.Second)
	b, _ := m.Reserve(300, "b", 1)
	tick(time.Second)
	c, _ := m.Reserve(300, "c", 3)
	tick(time.Second)

	d, err := m.Reserve(350, "d", 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b, c, d}, ids(m.Stats().Reservations), "only the oldest lowest-priority holder is evicted")

	// b alone cannot free 600, so nothing is evicted.
	_, err = m.Reserve(600, "e", 2)
	assert.True(t, IsInsufficient(err))
	assert.ElementsMatch(t, []string{b, c, d}, ids(m.Stats().Reservations))
}

func TestReleaseRestoresExactAmount(t *testing.T) {
	m := newTestManager(t, 1000, 0)
	id, err := m.Reserve(250, "x", PriorityNormal)
	require.NoError(t, err)
	before := m.Stats().Available

	m.Release(id)
	assert.Equal(t, before+250, m.Stats().Available)

	m.Release(id)
	m.Release("nope")
	assert.Equal(t, int64(1000), m.Stats().Available)
}

func TestAllocateOvershootIsCapped(t *testing.T) {
	m := newTestManager(t, 1000, 0)
	id, err := m.Reserve(400, "x", PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, m.Allocate(id, 500))
	st := m.Stats()
	assert.Equal(t, int64(500), st.Used)
	assert.Equal(t, int64(0), st.Reserved)
	assert.Equal(t, int64(500), st.Available)

	require.NoError(t, m.Allocate(id, 2000))
	st = m.Stats()
	assert.Equal(t, int64(1000), st.Used)
	assert.Equal(t, int64(0), st.Available)

	require.NoError(t, m.Allocate(id, 100))
	st = m.Stats()
	assert.Equal(t, int64(100), st.Used)
	assert.Equal(t, int64(300), st.Reserved)
	assert.Equal(t, int64(600), st.Available)

	assert.ErrorIs(t, m.Allocate("missing", 1), ErrReservationNotFound)
	assert.ErrorIs(t, m.Allocate(id, -1), ErrInvalidAmount)
}

func TestCPUOnlyMode(t *testing.T) {
	m := newTestManager(t, 0, 0.1)
	_, err := m.Reserve(1, "x", PriorityHigh)
	assert.True(t, IsInsufficient(err))

	id, err := m.Reserve(0, "cpu", PriorityLow)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, float64(0), m.Stats().Utilization)
}

func TestSafetyBufferHeldBack(t *testing.T) {
	m := newTestManager(t, 1000, 0.2)
	assert.NoError(t, m.CheckAvailable(800))
	err := m.CheckAvailable(801)
	var ic *InsufficientCapacityError
	require.True(t, errors.As(err, &ic))
	assert.Equal(t, int64(800), ic.Available)
	assert.Equal(t, int64(200), m.Stats().SafetyBuffer)

	_, err = m.Reserve(-5, "neg", PriorityLow)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestExpireStale(t *testing.T) {
	var reasons []string
	m := New(context.Background(), Config{
		TotalMemory:        1000,
		ReservationTimeout: time.Minute,
		SweepInterval:      -1,
		OnEvict:            func(_ Reservation, reason string) { reasons = append(reasons, reason) },
	})
	defer m.Close()
	tick := fakeClock(m, time.Unix(1700000000, 0))

	_, _ = m.Reserve(100, "old", PriorityHigh)
	tick(45 * time.Second)
	fresh, _ := m.Reserve(100, "fresh", PriorityHigh)
	tick(30 * time.Second)

	assert.Equal(t, 1, m.ExpireStale())
	assert.Equal(t, []string{fresh}, ids(m.Stats().Reservations))
	assert.Equal(t, []string{"expired"}, reasons)
	assert.Equal(t, 0, m.ExpireStale())
}

func TestBudgetInvariantUnderRandomLoad(t *testing.T) {
	m := newTestManager(t, 4096, 0.1)
	limit := m.Stats().Total - m.Stats().SafetyBuffer
	rng := rand.New(rand.NewSource(7))
	var live []string
	for i := 0; i < 2000; i++ {
		switch op := rng.Intn(4); {
		case op <= 1:
			id, err := m.Reserve(int64(rng.Intn(1200)), "load", rng.Intn(10))
			if err == nil {
				live = append(live, id)
			}
		case op == 2 && len(live) > 0:
			m.Release(live[rng.Intn(len(live))])
		case op == 3 && len(live) > 0:
			_ = m.Allocate(live[rng.Intn(len(live))], int64(rng.Intn(2000)))
		}
		st := m.Stats()
		require.LessOrEqual(t, st.Used+st.Reserved, limit, "iteration %d", i)
		require.GreaterOrEqual(t, st.Available, int64(0))
	}
}

type stubTelemetry struct {
	total, avail int64
	err          error
}

func (s stubTelemetry) MemoryInfo(context.Context) (int64, int64, error) {
	return s.total, s.avail, s.err
}

func TestTelemetrySeedsBudget(t *testing.T) {
	m := New(context.Background(), Config{TotalMemory: 10, SafetyBufferRatio: 0, SweepInterval: -1, Telemetry: stubTelemetry{total: 1000, avail: 700}})
	defer m.Close()
	st := m.Stats()
	assert.Equal(t, int64(1000), st.Total)
	assert.Equal(t, int64(300), st.External)
	assert.Equal(t, int64(700), st.Available)
}

func TestTelemetryFailureFallsBackToStatic(t *testing.T) {
	m := New(context.Background(), Config{TotalMemory: 512, SafetyBufferRatio: 0, SweepInterval: -1, Telemetry: stubTelemetry{err: errors.New("no device")}})
	defer m.Close()
	assert.Equal(t, int64(512), m.Stats().Total)
	assert.Equal(t, int64(512), m.Stats().Available)
}

func TestCapacityExcludesSafetyBuffer(t *testing.T) {
	m := newTestManager(t, 1000, 0.1)
	assert.Equal(t, int64(900), m.Capacity())
	assert.Equal(t, int64(0), newTestManager(t, 0, 0.1).Capacity())
}
