package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
	"fleetledger/internal/testutil"
	"fleetledger/internal/worker"
)

func newCronRunner(svc *testutil.TestService, cfg worker.CronRunnerConfig, handlers map[string]worker.CronHandler) *worker.CronRunner {
	if cfg.Owner == "" {
		cfg.Owner = "cron-1"
	}
	return worker.NewCronRunner(svc.Service, ledger.NewNopLogger(), cfg, handlers, nil)
}

func createJob(t *testing.T, svc *testutil.TestService, args ledger.CronJobArgs) *model.CronJob {
	t.Helper()
	job, err := svc.CreateCronJob(context.Background(), args)
	require.NoError(t, err)
	return job
}

func TestCronRunner_RunsDueJobs(t *testing.T) {
	ctx := context.Background()
	svc := testutil.NewTestService(t, ledger.Options{})
	createJob(t, svc, ledger.CronJobArgs{ID: "cleanup", Frequency: time.Hour, Args: []byte("keep=7d")})

	var seen []string
	r := newCronRunner(svc, worker.CronRunnerConfig{}, map[string]worker.CronHandler{
		"cleanup": func(_ context.Context, job *model.CronJob) (string, error) {
			seen = append(seen, string(job.Args))
			return "removed 3 flows", nil
		},
	})

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"keep=7d"}, seen)

	runs, err := svc.ReadCronJobRuns(ctx, "cleanup")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.CronRunFinished, runs[0].Status)
	assert.Equal(t, "removed 3 flows", runs[0].LogMessage)
	assert.NotNil(t, runs[0].FinishedAt)

	job, err := svc.ReadCronJob(ctx, "cleanup")
	require.NoError(t, err)
	assert.Empty(t, job.CurrentRunID)
	assert.Empty(t, job.LeasedBy, "lease is returned after the run")
	assert.Equal(t, model.CronRunFinished, job.LastRunStatus)

	t.Run("not run again before its frequency", func(t *testing.T) {
		n, err := r.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		svc.Clock.Advance(time.Hour)
		n, err = r.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Len(t, seen, 2)
	})
}

func TestCronRunner_RecordsFailures(t *testing.T) {
	tests := []struct {
		name          string
		handler       worker.CronHandler
		wantStatus    model.CronRunStatus
		wantMessage   string
		wantBacktrace bool
	}{
		{
			name: "handler error",
			handler: func(context.Context, *model.CronJob) (string, error) {
				return "", errors.New("vault unreachable")
			},
			wantStatus:  model.CronRunError,
			wantMessage: "vault unreachable",
		},
		{
			name: "handler error with message",
			handler: func(context.Context, *model.CronJob) (string, error) {
				return "pruned 2 of 5", errors.New("vault unreachable")
			},
			wantStatus:  model.CronRunError,
			wantMessage: "pruned 2 of 5: vault unreachable",
		},
		{
			name: "handler panic",
			handler: func(context.Context, *model.CronJob) (string, error) {
				panic("index out of range")
			},
			wantStatus:    model.CronRunError,
			wantMessage:   "cron job panicked: index out of range",
			wantBacktrace: true,
		},
		{
			name:        "no handler",
			wantStatus:  model.CronRunError,
			wantMessage: "no handler for cron job job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc := testutil.NewTestService(t, ledger.Options{})
			createJob(t, svc, ledger.CronJobArgs{ID: "job", Frequency: time.Hour})

			handlers := map[string]worker.CronHandler{}
			if tt.handler != nil {
				handlers["job"] = tt.handler
			}
			r := newCronRunner(svc, worker.CronRunnerConfig{}, handlers)

			n, err := r.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			runs, err := svc.ReadCronJobRuns(ctx, "job")
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, tt.wantStatus, runs[0].Status)
			assert.Equal(t, tt.wantMessage, runs[0].LogMessage)
			if tt.wantBacktrace {
				assert.Contains(t, runs[0].Backtrace, "goroutine")
			} else {
				assert.Empty(t, runs[0].Backtrace)
			}
		})
	}
}

func TestCronRunner_FallbackHandler(t *testing.T) {
	ctx := context.Background()
	svc := testutil.NewTestService(t, ledger.Options{})
	createJob(t, svc, ledger.CronJobArgs{ID: "anything", Frequency: time.Hour})

	var ran []string
	r := worker.NewCronRunner(svc.Service, ledger.NewNopLogger(), worker.CronRunnerConfig{}, nil,
		func(_ context.Context, job *model.CronJob) (string, error) {
			ran = append(ran, job.ID)
			return "", nil
		})

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anything"}, ran)
}

func TestCronRunner_ForcedRun(t *testing.T) {
	ctx := context.Background()
	svc := testutil.NewTestService(t, ledger.Options{})
	createJob(t, svc, ledger.CronJobArgs{ID: "report", Frequency: 24 * time.Hour})

	var runs int
	r := newCronRunner(svc, worker.CronRunnerConfig{}, map[string]worker.CronHandler{
		"report": func(context.Context, *model.CronJob) (string, error) {
			runs++
			return "", nil
		},
	})

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, runs)

	require.NoError(t, svc.RequestForcedRun(ctx, "report"))
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, runs)

	job, err := svc.ReadCronJob(ctx, "report")
	require.NoError(t, err)
	assert.False(t, job.ForcedRunRequested)
}

func TestCronRunner_SkipsDisabledJobs(t *testing.T) {
	ctx := context.Background()
	svc := testutil.NewTestService(t, ledger.Options{})
	createJob(t, svc, ledger.CronJobArgs{ID: "off", Frequency: time.Minute, Disabled: true})

	r := newCronRunner(svc, worker.CronRunnerConfig{}, map[string]worker.CronHandler{
		"off": func(context.Context, *model.CronJob) (string, error) {
			t.Error("disabled job ran")
			return "", nil
		},
	})
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCronRunner_ClosesStaleRun(t *testing.T) {
	ctx := context.Background()
	svc := testutil.NewTestService(t, ledger.Options{})
	createJob(t, svc, ledger.CronJobArgs{ID: "sync", Frequency: 5 * time.Minute, Lifetime: time.Minute})

	// A runner leases the job, starts a run and never comes back.
	leased, err := svc.LeaseCronJobs(ctx, "crashed", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	stale, err := svc.StartRun(ctx, leased[0])
	require.NoError(t, err)

	r := newCronRunner(svc, worker.CronRunnerConfig{}, map[string]worker.CronHandler{
		"sync": func(context.Context, *model.CronJob) (string, error) { return "ok", nil },
	})

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the crashed runner still holds the lease")

	svc.Clock.Advance(11 * time.Minute)
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs, err := svc.ReadCronJobRuns(ctx, "sync")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.CronRunFinished, runs[0].Status)
	assert.Equal(t, stale.RunID, runs[1].RunID)
	assert.Equal(t, model.CronRunTimeout, runs[1].Status)
	assert.Equal(t, "run did not finish within 1m0s", runs[1].LogMessage)

	job, err := svc.ReadCronJob(ctx, "sync")
	require.NoError(t, err)
	assert.Empty(t, job.CurrentRunID)
}

func TestCronRunner_LifetimeDeadline(t *testing.T) {
	ctx := context.Background()
	svc := testutil.NewTestService(t, ledger.Options{})
	createJob(t, svc, ledger.CronJobArgs{ID: "slow", Frequency: time.Hour, Lifetime: 20 * time.Millisecond})

	r := newCronRunner(svc, worker.CronRunnerConfig{}, map[string]worker.CronHandler{
		"slow": func(ctx context.Context, _ *model.CronJob) (string, error) {
			<-ctx.Done()
			return "interrupted", ctx.Err()
		},
	})

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)

	runs, err := svc.ReadCronJobRuns(ctx, "slow")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.CronRunTimeout, runs[0].Status)
	assert.Equal(t, "interrupted", runs[0].LogMessage)
}

func TestCronRunner_PrunesOldRuns(t *testing.T) {
	ctx := context.Background()
	svc := testutil.NewTestService(t, ledger.Options{})
	createJob(t, svc, ledger.CronJobArgs{ID: "tick", Frequency: time.Minute})

	r := newCronRunner(svc, worker.CronRunnerConfig{RunRetention: time.Hour}, map[string]worker.CronHandler{
		"tick": func(context.Context, *model.CronJob) (string, error) { return "", nil },
	})

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)
	svc.Clock.Advance(30 * time.Minute)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	runs, err := svc.ReadCronJobRuns(ctx, "tick")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	svc.Clock.Advance(45 * time.Minute)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	runs, err = svc.ReadCronJobRuns(ctx, "tick")
	require.NoError(t, err)
	require.Len(t, runs, 2, "the first run is past retention")
	assert.Equal(t, testutil.FixedTime.Add(75*time.Minute), runs[0].StartedAt)
	assert.Equal(t, testutil.FixedTime.Add(30*time.Minute), runs[1].StartedAt)
}
