package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferq/internal/config"
	"inferq/internal/engine"
	"inferq/internal/jobs"
	"inferq/internal/logging"
)

// app carries what PersistentPreRunE resolved for the subcommands.
type app struct {
	configPath string
	logLevel   string
	cfg        config.Config
	log        zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "inferq",
		Short:         "Resource-aware asynchronous inference job engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(a.configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if a.logLevel != "" {
				cfg.Log.Level = a.logLevel
			}
			a.cfg = cfg
			a.log = logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("INFERQ_CONFIG"), "Config file (.yaml, .json or .toml); defaults to INFERQ_CONFIG")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override log level: trace|debug|info|warn|error|off")

	root.AddCommand(
		newServeCmd(a),
		newSubmitCmd(a),
		newJobsCmd(a),
		newMigrateCmd(a),
		newConfigCmd(a),
	)
	return root
}

// openStore opens the configured job store for one-shot commands. The
// memory driver is rejected: its jobs live only inside a serve process.
func (a *app) openStore(ctx context.Context) (jobs.Store, error) {
	if a.cfg.Store.Driver == "memory" {
		return nil, fmt.Errorf("store driver %q is process-local; use the HTTP API of a running server", a.cfg.Store.Driver)
	}
	return engine.OpenStore(ctx, a.cfg.Store, a.log)
}

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
