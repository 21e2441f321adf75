package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		errs = append(errs, fmt.Errorf("pool.min_connections (%d) exceeds pool.max_connections (%d)", c.Pool.MinConnections, c.Pool.MaxConnections))
	}
	if c.Scheduler.BaseDelayMs > c.Scheduler.MaxDelayMs {
		errs = append(errs, fmt.Errorf("scheduler.base_delay_ms (%d) exceeds scheduler.max_delay_ms (%d)", c.Scheduler.BaseDelayMs, c.Scheduler.MaxDelayMs))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
