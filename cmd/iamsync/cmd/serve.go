package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/internal/server"
	"github.com/terraconstructs/iamsync/internal/services/reconcile"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the iamsync API server",
	Long: `Starts the HTTP API, the policy dispatcher and the scheduled drift
reconciliation job.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				logger.WithError(err).Warn("telemetry shutdown failed")
			}
		}()

		app, err := cmdutil.NewApp(ctx, cfg, logger, cmdutil.AppOptions{
			Metrics: true,
			Watch:   true,
			Migrate: migrateOnStart,
		})
		if err != nil {
			return err
		}
		defer app.Close()
		logger.Info("connected to database")

		if cfg.Reconcile.Schedule != "" {
			scheduler, err := reconcile.NewScheduler(cfg.Reconcile.Schedule, app.Reconciler, cfg.Reconcile.Repair, logger)
			if err != nil {
				return err
			}
			scheduler.Start()
			defer scheduler.Stop(context.Background())
			logger.WithField("schedule", cfg.Reconcile.Schedule).Info("drift reconciliation scheduled")
		}

		metrics, err := telemetry.NewServerMetrics()
		if err != nil {
			return fmt.Errorf("failed to create server metrics: %w", err)
		}

		r := server.NewRouter(server.RouterOptions{
			Service:     app.Service,
			Reconciler:  app.Reconciler,
			Logger:      logger,
			Metrics:     metrics,
			CORSOrigins: cfg.CORSAllowOrigins,
		})

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: cfg.IdP.Timeout + 15*time.Second,
			IdleTimeout:  60 * time.Second,
		}

		// Start server in goroutine
		serverErrors := make(chan error, 1)
		go func() {
			logger.WithField("addr", cfg.ServerAddr).Info("starting server")
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		// SIGHUP runs an out-of-schedule reconciliation
		reconcileNow := make(chan os.Signal, 1)
		signal.Notify(reconcileNow, syscall.SIGHUP)

		for {
			select {
			case err := <-serverErrors:
				return fmt.Errorf("server error: %w", err)

			case sig := <-reconcileNow:
				logger.WithField("signal", sig.String()).Info("running reconciliation")
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if _, err := app.Reconciler.Run(ctx, cfg.Reconcile.Repair); err != nil {
					logger.WithError(err).Error("reconciliation failed")
				}
				cancel()

			case sig := <-shutdown:
				logger.WithField("signal", sig.String()).Info("shutting down gracefully")

				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				if err := srv.Shutdown(ctx); err != nil {
					srv.Close()
					return fmt.Errorf("graceful shutdown failed: %w", err)
				}

				// app.Close drains the dispatcher after in-flight requests finished
				logger.Info("server stopped")
				return nil
			}
		}
	},
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "Apply pending migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
