package pool

import (
	"time"

	"github.com/rs/zerolog"

	"inferq/internal/events"
	"inferq/internal/metrics"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxConnections      = 10
	defaultAcquireTimeout      = 30 * time.Second
	defaultIdleTimeout         = 5 * time.Minute
	defaultMaxLifetime         = 30 * time.Minute
	defaultHealthCheckInterval = 30 * time.Second
	defaultName                = "default"
)

// Config encapsulates all pool tunables.
type Config struct {
	Name           string
	MaxConnections int
	MinConnections int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	// HealthCheckInterval <0 disables the background health loop.
	HealthCheckInterval time.Duration

	Logger    zerolog.Logger
	Metrics   metrics.Recorder
	Publisher events.Publisher
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.MinConnections < 0 {
		c.MinConnections = 0
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = defaultMaxLifetime
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	c.Metrics = metrics.OrNop(c.Metrics)
	c.Publisher = events.OrNop(c.Publisher)
	return c
}
