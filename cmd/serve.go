package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/sweep"
)

func newServeCmd() *cobra.Command {
	var (
		withWorkers bool
		withSweeps  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API, cron sweeps and (optionally) workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := a.Logger
			cfg := a.Config

			var sweeps *sweep.Runner
			if withSweeps {
				sweeps, err = sweep.New(a.Ops, sweep.Config{
					DispatchSpec:   cfg.Scheduler.DispatchCron,
					RetryStaleSpec: cfg.Scheduler.RetryStaleCron,
					PurgeSpec:      cfg.Scheduler.PurgeCron,
					TiersSpec:      cfg.Scheduler.TiersCron,
					DispatchLimit:  cfg.Scheduler.DispatchBatchLimit,
				}, logger)
				if err != nil {
					return err
				}
				sweeps.Start()
			}

			workerCtx, cancelWorkers := context.WithCancel(ctx)
			defer cancelWorkers()
			var wg sync.WaitGroup
			if withWorkers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := a.RunWorkers(workerCtx); err != nil {
						logger.Error("workers stopped", zap.Error(err))
					}
				}()
			}

			srv := a.HTTPServer()
			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case err, ok := <-errCh:
				if ok {
					serveErr = fmt.Errorf("http server: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown failed", zap.Error(err))
			}
			if sweeps != nil {
				sweeps.Stop(shutdownCtx)
			}
			cancelWorkers()
			wg.Wait()
			logger.Info("server stopped")
			return serveErr
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "run workers in this process")
	cmd.Flags().BoolVar(&withSweeps, "sweeps", true, "run cron maintenance sweeps")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consumes dispatched tasks until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			return a.RunWorkers(cmd.Context())
		},
	}
}
