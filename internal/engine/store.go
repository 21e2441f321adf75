package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"inferq/internal/config"
	"inferq/internal/jobs"
	"inferq/internal/store/postgres"
	"inferq/internal/store/sqlite"
)

// OpenStore opens the job store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (jobs.Store, error) {
	switch cfg.Driver {
	case "memory":
		return jobs.NewMemoryStore(), nil
	case "", "sqlite":
		return sqlite.Open(cfg.SQLitePath, log)
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresDSN, cfg.AutoMigrate, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
