package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moyitech/vdb-center/internal/api"
	"github.com/moyitech/vdb-center/internal/ingestion"
	"github.com/moyitech/vdb-center/internal/middleware/ratelimit"
	"github.com/moyitech/vdb-center/internal/reconcile"
	"github.com/moyitech/vdb-center/internal/tasks"
	"github.com/moyitech/vdb-center/pkg/logger"
)

func newServeCmd() *cobra.Command {
	var skipMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.cfg

			if !skipMigrate {
				if err := a.store.Migrate(ctx); err != nil {
					return err
				}
			}

			runner, err := tasks.NewRunner(a.orchestrator(), cfg.Ingestion.Workers)
			if err != nil {
				return err
			}

			limiter := ratelimit.New(ratelimit.Config{
				MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
				WindowDuration:       time.Minute,
				KeyFunc:              ratelimit.ProjectKey,
				Logger:               logger.GetLogger(),
			})
			defer limiter.Stop()

			app := api.NewApp(api.Deps{
				Store:       a.store,
				Runner:      runner,
				QA:          ingestion.NewQAService(a.store, a.embedder, a.tokenizer),
				Engine:      a.engine(),
				RateLimiter: limiter,
				Ping:        a.store.Ping,
			}, api.Options{
				ReadTimeout:   time.Duration(cfg.Server.ReadTimeout) * time.Second,
				WriteTimeout:  time.Duration(cfg.Server.WriteTimeout) * time.Second,
				BodyLimit:     cfg.Server.BodyLimit,
				DefaultTopK:   cfg.Retrieval.DefaultTopK,
				MaxTopK:       cfg.Retrieval.MaxTopK,
				AccessLog:     cfg.IsDevelopment(),
				IsDevelopment: cfg.IsDevelopment(),
				TaskPoll:      time.Second,
			})

			var monitor *reconcile.Monitor
			if cfg.Reconcile.Enabled {
				monitor = reconcile.NewMonitor(a.store, cfg.Reconcile.StaleAfter)
				if err := monitor.Start(cfg.Reconcile.Schedule); err != nil {
					return err
				}
				defer monitor.Stop()
			}

			listenErr := make(chan error, 1)
			go func() {
				logger.Info("Server starting", zap.String("address", cfg.Address()))
				listenErr <- app.Listen(cfg.Address())
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case err := <-listenErr:
				if err != nil {
					logger.Error("Server stopped unexpectedly", zap.Error(err))
				}
				_ = runner.Shutdown(time.Duration(cfg.Server.ShutdownTimeout) * time.Second)
				return err
			case <-quit:
			}

			logger.Info("Server shutting down gracefully...")
			timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
			if err := app.ShutdownWithTimeout(timeout); err != nil {
				logger.Warn("HTTP shutdown incomplete", zap.Error(err))
			}
			if err := runner.Shutdown(timeout); err != nil {
				logger.Warn("Ingestion runs cancelled at shutdown", zap.Error(err))
			}
			logger.Info("Server stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not create the schema at startup")
	return cmd
}
