package artifact

import (
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/events"
	"inferq/internal/metrics"
)

const (
	defaultMaxEntries     = 3
	defaultSessionTimeout = 30 * time.Minute
	defaultSweepInterval  = time.Minute
)

// Config holds Cache tunables.
type Config struct {
	MaxEntries     int
	SessionTimeout time.Duration
	// SweepInterval <0 disables the idle sweep.
	SweepInterval time.Duration
	// PersistPath, when set, stores last-used times on Close and reads them
	// back as preload hints on New.
	PersistPath string

	Logger    zerolog.Logger
	Metrics   metrics.Recorder
	Publisher events.Publisher
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	c.Metrics = metrics.OrNop(c.Metrics)
	c.Publisher = events.OrNop(c.Publisher)
	return c
}
