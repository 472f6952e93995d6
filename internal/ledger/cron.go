package ledger

import (
	"context"
	"fmt"
	"time"

	"fleetledger/internal/model"
)

// CronJobArgs describes a cron job to create.
type CronJobArgs struct {
	ID            string
	Description   string
	Frequency     time.Duration
	Lifetime      time.Duration
	AllowOverruns bool
	Disabled      bool
	Args          []byte
}

// CronRunResult is the outcome of one cron job run.
type CronRunResult struct {
	Status     model.CronRunStatus
	LogMessage string
	Backtrace  string
}

// CreateCronJob defines a periodic job. An empty ID is generated.
func (s *Service) CreateCronJob(ctx context.Context, args CronJobArgs) (*model.CronJob, error) {
	if args.Frequency <= 0 {
		return nil, fmt.Errorf("cron job frequency must be positive, got %s", args.Frequency)
	}
	id := args.ID
	if id == "" {
		id = s.idgen.New()
	}
	job := &model.CronJob{
		ID:            id,
		Description:   args.Description,
		Frequency:     args.Frequency,
		Lifetime:      args.Lifetime,
		AllowOverruns: args.AllowOverruns,
		Enabled:       !args.Disabled,
		Args:          args.Args,
		CreateTime:    s.clock.Now(),
	}
	if err := s.database.WriteCronJob(ctx, job); err != nil {
		return nil, fmt.Errorf("writing cron job: %w", err)
	}
	s.logger.Info("cron job created", "job", job.ID, "frequency", job.Frequency.String())
	return job, nil
}

// ReadCronJob returns the job or ErrUnknownCronJob.
func (s *Service) ReadCronJob(ctx context.Context, id string) (*model.CronJob, error) {
	job, err := s.database.ReadCronJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading cron job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCronJob, id)
	}
	return job, nil
}

// ListCronJobs returns all cron jobs.
func (s *Service) ListCronJobs(ctx context.Context) ([]*model.CronJob, error) {
	jobs, err := s.database.ListCronJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cron jobs: %w", err)
	}
	return jobs, nil
}

// EnableCronJob makes a job eligible for leasing.
func (s *Service) EnableCronJob(ctx context.Context, id string) error {
	if err := s.database.SetCronJobEnabled(ctx, id, true); err != nil {
		return fmt.Errorf("enabling cron job: %w", err)
	}
	return nil
}

// DisableCronJob stops a job from being leased. A run in progress finishes.
func (s *Service) DisableCronJob(ctx context.Context, id string) error {
	if err := s.database.SetCronJobEnabled(ctx, id, false); err != nil {
		return fmt.Errorf("disabling cron job: %w", err)
	}
	return nil
}

// RequestForcedRun asks for a run at the next lease round regardless of the
// schedule. The schedule itself is unchanged.
func (s *Service) RequestForcedRun(ctx context.Context, id string) error {
	if err := s.database.RequestForcedRun(ctx, id); err != nil {
		return fmt.Errorf("requesting forced run: %w", err)
	}
	s.logger.Info("cron job forced run requested", "job", id)
	return nil
}

// DeleteCronJob removes a job, its runs and its approvals.
func (s *Service) DeleteCronJob(ctx context.Context, id string) error {
	if err := s.database.DeleteCronJob(ctx, id); err != nil {
		return fmt.Errorf("deleting cron job: %w", err)
	}
	s.logger.Info("cron job deleted", "job", id)
	return nil
}

// LeaseCronJobs leases up to limit due jobs for runner.
func (s *Service) LeaseCronJobs(ctx context.Context, runner string, limit int) ([]*model.CronJob, error) {
	p := LeaseParams{Owner: runner, Now: s.clock.Now(), Duration: s.opts.CronLease, Limit: limit}
	jobs, err := s.database.LeaseCronJobs(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("leasing cron jobs: %w", err)
	}
	metricLeasesGranted.WithLabelValues(queueCron).Add(float64(len(jobs)))
	return jobs, nil
}

// ReturnLeasedCronJobs gives up runner's leases on the given jobs.
func (s *Service) ReturnLeasedCronJobs(ctx context.Context, runner string, ids ...string) error {
	if err := s.database.ReturnLeasedCronJobs(ctx, runner, ids); err != nil {
		return fmt.Errorf("returning cron job leases: %w", err)
	}
	return nil
}

// StartRun records the start of a run of a leased job.
func (s *Service) StartRun(ctx context.Context, job *model.CronJob) (*model.CronJobRun, error) {
	run := &model.CronJobRun{
		JobID:     job.ID,
		RunID:     s.idgen.New(),
		StartedAt: s.clock.Now(),
		Status:    model.CronRunRunning,
	}
	if err := s.database.WriteCronJobRun(ctx, run); err != nil {
		return nil, fmt.Errorf("writing cron job run: %w", err)
	}
	return run, nil
}

// RecordRun stores the outcome of a run and reflects it on the job.
func (s *Service) RecordRun(ctx context.Context, jobID, runID string, result CronRunResult) error {
	if result.Status == "" || result.Status == model.CronRunRunning {
		return fmt.Errorf("run result needs a final status, got %q", result.Status)
	}
	now := s.clock.Now()
	run := &model.CronJobRun{
		JobID:      jobID,
		RunID:      runID,
		StartedAt:  now,
		FinishedAt: &now,
		Status:     result.Status,
		LogMessage: result.LogMessage,
		Backtrace:  result.Backtrace,
	}
	if err := s.database.WriteCronJobRun(ctx, run); err != nil {
		return fmt.Errorf("recording cron job run: %w", err)
	}
	s.logger.Info("cron job run recorded", "job", jobID, "run", runID, "status", string(result.Status))
	return nil
}

// ReadCronJobRuns returns the run history of a job, newest first.
func (s *Service) ReadCronJobRuns(ctx context.Context, id string) ([]*model.CronJobRun, error) {
	runs, err := s.database.ReadCronJobRuns(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading cron job runs: %w", err)
	}
	return runs, nil
}

// DeleteOldCronJobRuns removes runs started more than maxAge ago.
func (s *Service) DeleteOldCronJobRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := s.database.DeleteOldCronJobRuns(ctx, s.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("deleting old cron job runs: %w", err)
	}
	return n, nil
}
