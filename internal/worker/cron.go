package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// CronLedger is the part of the ledger service the cron runner drives.
type CronLedger interface {
	Now() time.Time
	LeaseCronJobs(ctx context.Context, runner string, limit int) ([]*model.CronJob, error)
	ReturnLeasedCronJobs(ctx context.Context, runner string, ids ...string) error
	StartRun(ctx context.Context, job *model.CronJob) (*model.CronJobRun, error)
	RecordRun(ctx context.Context, jobID, runID string, result ledger.CronRunResult) error
	DeleteOldCronJobRuns(ctx context.Context, maxAge time.Duration) (int64, error)
}

var _ CronLedger = (*ledger.Service)(nil)

// CronHandler runs one cron job. The returned message is stored as the run's
// log message. ctx carries the job's lifetime as its deadline.
type CronHandler func(ctx context.Context, job *model.CronJob) (string, error)

// CronRunnerConfig tunes a CronRunner.
type CronRunnerConfig struct {
	Owner     string
	BatchSize int
	// RunRetention is how long finished runs are kept. Zero keeps them forever.
	RunRetention time.Duration
}

// CronRunner leases due cron jobs and runs them.
type CronRunner struct {
	ledger   CronLedger
	logger   ledger.Logger
	cfg      CronRunnerConfig
	handlers map[string]CronHandler
	fallback CronHandler
}

// NewCronRunner creates a CronRunner. handlers maps job id to handler;
// fallback, if not nil, runs jobs without a handler of their own.
func NewCronRunner(l CronLedger, logger ledger.Logger, cfg CronRunnerConfig, handlers map[string]CronHandler, fallback CronHandler) *CronRunner {
	if cfg.Owner == "" {
		cfg.Owner = NewOwnerName("cron")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &CronRunner{ledger: l, logger: logger, cfg: cfg, handlers: handlers, fallback: fallback}
}

// Owner returns the lease owner name of this runner.
func (r *CronRunner) Owner() string { return r.cfg.Owner }

// RunOnce leases the due jobs, runs each one and returns the leases. It
// returns the number of runs recorded.
func (r *CronRunner) RunOnce(ctx context.Context) (int, error) {
	jobs, err := r.ledger.LeaseCronJobs(ctx, r.cfg.Owner, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var runs int
	var firstErr error
	for _, job := range jobs {
		err := r.runJob(ctx, job)
		if rerr := r.ledger.ReturnLeasedCronJobs(ctx, r.cfg.Owner, job.ID); rerr != nil && err == nil {
			err = rerr
		}
		if err != nil {
			r.logger.Error("running cron job", "job", job.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		runs++
	}

	if r.cfg.RunRetention > 0 {
		n, err := r.ledger.DeleteOldCronJobRuns(ctx, r.cfg.RunRetention)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if n > 0 {
			r.logger.Info("pruned cron job runs", "runs", n)
		}
	}
	return runs, firstErr
}

func (r *CronRunner) runJob(ctx context.Context, job *model.CronJob) error {
	if err := r.closeStaleRun(ctx, job); err != nil {
		return err
	}

	run, err := r.ledger.StartRun(ctx, job)
	if err != nil {
		return err
	}

	handler := r.handlers[job.ID]
	if handler == nil {
		handler = r.fallback
	}
	var result ledger.CronRunResult
	if handler == nil {
		result = ledger.CronRunResult{Status: model.CronRunError, LogMessage: "no handler for cron job " + job.ID}
	} else {
		started := time.Now()
		result = r.invoke(ctx, handler, job)
		metricCronRunSeconds.Observe(time.Since(started).Seconds())
	}
	metricCronRuns.WithLabelValues(string(result.Status)).Inc()

	return r.ledger.RecordRun(ctx, job.ID, run.RunID, result)
}

// closeStaleRun records a previous run that outlived the job's lifetime as
// timed out. Such a run is why the job was leased while still running.
func (r *CronRunner) closeStaleRun(ctx context.Context, job *model.CronJob) error {
	if job.CurrentRunID == "" || job.Lifetime <= 0 || job.LastRunTime == nil {
		return nil
	}
	if r.ledger.Now().Before(job.LastRunTime.Add(job.Lifetime)) {
		return nil
	}
	r.logger.Warn("cron job run exceeded its lifetime", "job", job.ID, "run", job.CurrentRunID,
		"lifetime", job.Lifetime.String())
	metricCronRuns.WithLabelValues(string(model.CronRunTimeout)).Inc()
	return r.ledger.RecordRun(ctx, job.ID, job.CurrentRunID, ledger.CronRunResult{
		Status:     model.CronRunTimeout,
		LogMessage: fmt.Sprintf("run did not finish within %s", job.Lifetime),
	})
}

func (r *CronRunner) invoke(ctx context.Context, handler CronHandler, job *model.CronJob) (result ledger.CronRunResult) {
	if job.Lifetime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Lifetime)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			result = ledger.CronRunResult{
				Status:     model.CronRunError,
				LogMessage: fmt.Sprintf("cron job panicked: %v", p),
				Backtrace:  string(debug.Stack()),
			}
		}
	}()

	msg, err := handler(ctx, job)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || (err == nil && ctx.Err() == context.DeadlineExceeded):
		return ledger.CronRunResult{Status: model.CronRunTimeout, LogMessage: msg}
	case err != nil:
		if msg == "" {
			msg = err.Error()
		} else {
			msg = msg + ": " + err.Error()
		}
		return ledger.CronRunResult{Status: model.CronRunError, LogMessage: msg}
	}
	return ledger.CronRunResult{Status: model.CronRunFinished, LogMessage: msg}
}

// Run runs due jobs every interval until ctx is done.
func (r *CronRunner) Run(ctx context.Context, interval time.Duration) error {
	return poll(ctx, interval, r.logger, "cron runner", func(ctx context.Context) error {
		_, err := r.RunOnce(ctx)
		return err
	})
}
