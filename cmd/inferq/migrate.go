package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"inferq/internal/store/postgres"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply PostgreSQL job store migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate needs store.driver=postgres, have %q", a.cfg.Store.Driver)
			}
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			pool, err := pgxpool.New(cmd.Context(), a.cfg.Store.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()
			return postgres.Migrate(cmd.Context(), pool, command, a.log)
		},
	}
}
