package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"inferq/internal/config"
	"inferq/internal/engine"
	"inferq/internal/httpapi"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr         string
		corsOrigins  string
		maxBodyBytes int64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the ops HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if corsOrigins != "" {
				cfg.Server.CORSOrigins = splitCSV(corsOrigins)
			}
			return serve(cmd.Context(), a, cfg, maxBodyBytes)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, overrides server.addr")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins, overrides server.cors_origins")
	cmd.Flags().Int64Var(&maxBodyBytes, "max-body-bytes", 1<<20, "Maximum POST /jobs body size")
	return cmd
}

func serve(parent context.Context, a *app, cfg config.Config, maxBody int64) error {
	if parent == nil {
		parent = context.Background()
	}
	// Graceful shutdown (Ctrl+C / SIGTERM)
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, engine.Options{
		Logger:     a.log,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}

	httpapi.SetLogger(a.log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(maxBody)
	httpapi.SetCORSOptions(len(cfg.Server.CORSOrigins) > 0, cfg.Server.CORSOrigins, nil, nil)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewMux(eng),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eng.Start(ctx)
	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("event", "listening").Str("addr", cfg.Server.Addr).Str("store", cfg.Store.Driver).Msg("inferq listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}
	a.log.Info().Str("event", "shutting_down").Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), config.Ms(cfg.Server.ShutdownTimeoutMs))
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.log.Warn().Str("event", "shutdown_error").Err(err).Msg("graceful shutdown error")
	}
	if err := eng.Close(); err != nil {
		a.log.Warn().Str("event", "close_error").Err(err).Msg("engine close error")
	}
	return serveErr
}
