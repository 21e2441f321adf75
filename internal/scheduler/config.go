package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/events"
	"inferq/internal/metrics"
)

// Config holds scheduler tunables.
type Config struct {
	// PollInterval is how long the loop sleeps when no job was found.
	PollInterval time.Duration
	// MaxRetries bounds retries after transient failures. Unlike the other
	// fields it has no fallback: zero or less means a transient failure
	// fails the job at once. DefaultConfig sets 3.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// StuckJobAge is how long a job may sit in processing before the sweep
	// fails it.
	StuckJobAge time.Duration
	// StuckCheckInterval <0 disables the stuck-job sweep.
	StuckCheckInterval time.Duration

	Logger    zerolog.Logger
	Metrics   metrics.Recorder
	Publisher events.Publisher
	// Jitter returns a value in [0,1); defaults to math/rand/v2.
	Jitter func() float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		MaxRetries:         3,
		BaseDelay:          time.Second,
		MaxDelay:           time.Minute,
		StuckJobAge:        30 * time.Minute,
		StuckCheckInterval: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.StuckJobAge <= 0 {
		c.StuckJobAge = d.StuckJobAge
	}
	if c.StuckCheckInterval == 0 {
		c.StuckCheckInterval = d.StuckCheckInterval
	}
	if c.Jitter == nil {
		c.Jitter = rand.Float64
	}
	c.Metrics = metrics.OrNop(c.Metrics)
	c.Publisher = events.OrNop(c.Publisher)
	return c
}
