package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fleetledger/internal/config"
	"fleetledger/internal/foreman"
	"fleetledger/internal/ledger"
	"fleetledger/internal/worker"
)

// worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the foreman, flow processor and cron runner until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		interval, err := config.ParseDuration(cfg.Worker.PollInterval, 5*time.Second)
		if err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		a, err := newApp(cmd, "Worker")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		svc := a.Service()
		logger := a.Logger()

		if err := ensureBuiltinJobs(ctx, svc); err != nil {
			return err
		}

		fm := foreman.New(svc, logger)
		flows := worker.NewFlowProcessor(svc, logger, worker.FlowProcessorConfig{
			BatchSize:   cfg.Worker.BatchSize,
			Concurrency: concurrency,
		}, map[string]worker.FlowHandler{
			worker.InterrogateFlow: worker.Interrogate(svc),
		})
		cron := worker.NewCronRunner(svc, logger, worker.CronRunnerConfig{
			RunRetention: 30 * 24 * time.Hour,
		}, map[string]worker.CronHandler{
			worker.CompleteHuntsJob: worker.CompleteFinishedHunts(svc),
		}, nil)

		logger.Info("worker started", "flows", flows.Owner(), "cron", cron.Owner(), "interval", interval.String())

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return fm.Run(ctx, interval) })
		g.Go(func() error { return flows.Run(ctx, interval) })
		g.Go(func() error { return cron.Run(ctx, interval) })
		if cfg.Worker.MetricsAddr != "" {
			g.Go(func() error { return serveMetrics(ctx, cfg.Worker.MetricsAddr) })
		}

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			logger.Info("worker stopped")
			return nil
		}
		return err
	},
}

// ensureBuiltinJobs defines the cron jobs the worker has handlers for.
func ensureBuiltinJobs(ctx context.Context, svc *ledger.Service) error {
	_, err := svc.ReadCronJob(ctx, worker.CompleteHuntsJob)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrUnknownCronJob) {
		return err
	}
	_, err = svc.CreateCronJob(ctx, ledger.CronJobArgs{
		ID:          worker.CompleteHuntsJob,
		Description: "Complete limited hunts whose flows have all finished",
		Frequency:   5 * time.Minute,
		Lifetime:    time.Minute,
	})
	return err
}

// serveMetrics exposes the prometheus registry on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func init() {
	workerCmd.Flags().Int("concurrency", 4, "Flows processed in parallel")
}
