package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/albapepper/beacon-scheduler/internal/api"
	"github.com/albapepper/beacon-scheduler/internal/api/handler"
	"github.com/albapepper/beacon-scheduler/internal/config"
	"github.com/albapepper/beacon-scheduler/internal/db"
	"github.com/albapepper/beacon-scheduler/internal/listener"
	"github.com/albapepper/beacon-scheduler/internal/metrics"
	"github.com/albapepper/beacon-scheduler/internal/scheduler"
)

func serveCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run cycles on an interval and serve the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !skipMigrate {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := db.Migrate(cmd.Context(), cfg.DatabaseURL); err != nil {
					return err
				}
			}
			return run(serve)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply migrations on startup")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, pool *db.Pool) error {
	logger.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	engine := newEngine(cfg, pool)

	sched, closeLock, err := newScheduler(ctx, cfg, engine, scheduler.WithObserver(metrics.ObserveCycle))
	if err != nil {
		return err
	}
	defer closeLock()

	router := api.NewRouter(handler.Deps{DB: pool, Cycles: engine, Trigger: sched}, cfg)

	addr := fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting ops API",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	sched.Start(ctx)

	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	if cfg.ListenEnabled {
		go listener.Start(listenCtx, cfg.DatabaseURL, sched, cfg.ListenDebounce, logger)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		logger.Error("Server failed", "error", serveErr)
	}
	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	stopListening()
	sched.Stop()
	logger.Info("Server stopped")
	return serveErr
}
