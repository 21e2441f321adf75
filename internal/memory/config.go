package memory

import (
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/events"
	"inferq/internal/metrics"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultReservationTimeout = 30 * time.Minute
	defaultSweepInterval      = time.Minute
	defaultSafetyBufferRatio  = 0.1
)

// Config encapsulates all Manager tunables. Memory amounts are in MiB.
type Config struct {
	// TotalMemory is the static budget used when Telemetry is nil or fails.
	// Zero means CPU-only: only zero-sized reservations succeed.
	TotalMemory int64
	// SafetyBufferRatio is the fraction of the total held back; values
	// outside [0,1) fall back to the default.
	SafetyBufferRatio  float64
	ReservationTimeout time.Duration
	// SweepInterval <0 disables the background expiration sweep.
	SweepInterval time.Duration

	Telemetry Telemetry
	// OnEvict is called, outside the manager lock, for every reservation
	// removed by preemption or expiry.
	OnEvict func(r Reservation, reason string)

	Logger    zerolog.Logger
	Metrics   metrics.Recorder
	Publisher events.Publisher
}

func (c Config) withDefaults() Config {
	if c.TotalMemory < 0 {
		c.TotalMemory = 0
	}
	if c.SafetyBufferRatio < 0 || c.SafetyBufferRatio >= 1 {
		c.SafetyBufferRatio = defaultSafetyBufferRatio
	}
	if c.ReservationTimeout <= 0 {
		c.ReservationTimeout = defaultReservationTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	c.Metrics = metrics.OrNop(c.Metrics)
	c.Publisher = events.OrNop(c.Publisher)
	return c
}
