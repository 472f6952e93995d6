package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// Cron job operations. Frequency and lifetime are stored in microseconds.

const cronJobColumns = `job_id, description, frequency, lifetime, allow_overruns, enabled, args, create_time,
	last_run_time, last_run_status, current_run_id, forced_run_requested, leased_until, leased_by`

func scanCronJob(row interface{ Scan(...any) error }) (*model.CronJob, error) {
	var j model.CronJob
	var frequency, lifetime, created int64
	var lastRun, leasedUntil sql.NullInt64
	var leasedBy sql.NullString
	err := row.Scan(&j.ID, &j.Description, &frequency, &lifetime, &j.AllowOverruns, &j.Enabled, &j.Args, &created,
		&lastRun, &j.LastRunStatus, &j.CurrentRunID, &j.ForcedRunRequested, &leasedUntil, &leasedBy)
	if err != nil {
		return nil, err
	}
	j.Frequency = time.Duration(frequency) * time.Microsecond
	j.Lifetime = time.Duration(lifetime) * time.Microsecond
	j.CreateTime = fromMicros(created)
	j.LastRunTime = timePtr(lastRun)
	j.LeasedUntil = timePtr(leasedUntil)
	j.LeasedBy = leasedBy.String
	return &j, nil
}

func (s *SQLiteDatabase) WriteCronJob(ctx context.Context, job *model.CronJob) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cron_jobs (job_id, description, frequency, lifetime, allow_overruns, enabled, args, create_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Description, job.Frequency.Microseconds(), job.Lifetime.Microseconds(),
			boolInt(job.AllowOverruns), boolInt(job.Enabled), job.Args, toMicros(job.CreateTime))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: cron job %s", ledger.ErrAlreadyExists, job.ID)
			}
			return fmt.Errorf("writing cron job: %w", err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadCronJob(ctx context.Context, id string) (*model.CronJob, error) {
	job, err := scanCronJob(s.db.QueryRowContext(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE job_id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading cron job: %w", err)
	}
	return job, nil
}

func (s *SQLiteDatabase) ListCronJobs(ctx context.Context) ([]*model.CronJob, error) {
	return queryCronJobs(ctx, s.db, `SELECT `+cronJobColumns+` FROM cron_jobs ORDER BY job_id`)
}

func queryCronJobs(ctx context.Context, q DBTX, query string, args ...any) ([]*model.CronJob, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cron job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// updateCronJob runs a single-row update and reports an unknown job.
func (s *SQLiteDatabase) updateCronJob(ctx context.Context, id, set string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET `+set+` WHERE job_id = ?`, append(args, id)...)
		if err != nil {
			return fmt.Errorf("updating cron job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownCronJob, id)
		}
		return nil
	})
}

func (s *SQLiteDatabase) SetCronJobEnabled(ctx context.Context, id string, enabled bool) error {
	return s.updateCronJob(ctx, id, `enabled = ?`, boolInt(enabled))
}

func (s *SQLiteDatabase) RequestForcedRun(ctx context.Context, id string) error {
	return s.updateCronJob(ctx, id, `forced_run_requested = 1`)
}

// DeleteCronJob removes the job; its runs cascade and approvals are removed
// in the same transaction.
func (s *SQLiteDatabase) DeleteCronJob(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM cron_jobs WHERE job_id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting cron job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownCronJob, id)
		}
		return deleteSubjectApprovals(ctx, tx, model.CronJobSubject{JobID: id})
	})
}

// cronJobLeasable selects enabled jobs that are unleased and due or forced. A
// job with a run in progress is only leasable if it allows overruns or the
// run outlived the job's lifetime. Every ? is the lease time.
const cronJobLeasable = `enabled = 1
	AND (leased_until IS NULL OR leased_until < ?)
	AND (forced_run_requested = 1 OR last_run_time IS NULL OR last_run_time + frequency <= ?)
	AND (allow_overruns = 1 OR current_run_id = ''
		OR (lifetime > 0 AND last_run_time + lifetime <= ?))`

// LeaseCronJobs leases leasable jobs. Selection and claim share one
// transaction and the claim re-checks eligibility, so a job another runner
// leased, ran and returned in the meantime is not leased again.
func (s *SQLiteDatabase) LeaseCronJobs(ctx context.Context, p ledger.LeaseParams) ([]*model.CronJob, error) {
	now := toMicros(p.Now)
	until := p.Now.Add(p.Duration)
	limit := p.Limit
	if limit <= 0 {
		limit = -1
	}

	var leased []*model.CronJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		leased = nil
		candidates, err := queryCronJobs(ctx, tx, `
			SELECT `+cronJobColumns+` FROM cron_jobs
			WHERE `+cronJobLeasable+`
			ORDER BY job_id LIMIT ?`, now, now, now, limit)
		if err != nil {
			return err
		}

		for _, job := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE cron_jobs SET leased_until = ?, leased_by = ?
				WHERE job_id = ? AND `+cronJobLeasable,
				toMicros(until), p.Owner, job.ID, now, now, now)
			if err != nil {
				return fmt.Errorf("leasing cron job: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			job.LeasedUntil = &until
			job.LeasedBy = p.Owner
			leased = append(leased, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (s *SQLiteDatabase) ReturnLeasedCronJobs(ctx context.Context, owner string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{owner}
	for _, id := range ids {
		args = append(args, id)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE cron_jobs SET leased_until = NULL, leased_by = NULL
			WHERE leased_by = ? AND job_id IN (`+placeholders(len(ids))+`)`, args...)
		if err != nil {
			return fmt.Errorf("returning cron job leases: %w", err)
		}
		return nil
	})
}

// WriteCronJobRun upserts the run, keeping the first start time, and moves the
// job's last run fields to it. A run in progress becomes the job's current run.
func (s *SQLiteDatabase) WriteCronJobRun(ctx context.Context, run *model.CronJobRun) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cron_job_runs (job_id, run_id, started_at, finished_at, status, log_message, backtrace)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id, run_id) DO UPDATE SET
				finished_at = excluded.finished_at, status = excluded.status,
				log_message = excluded.log_message, backtrace = excluded.backtrace`,
			run.JobID, run.RunID, toMicros(run.StartedAt), nullMicros(run.FinishedAt), run.Status,
			run.LogMessage, run.Backtrace)
		if err != nil {
			if e := mapConstraintError(err, "writing cron job run"); errors.Is(e, ledger.ErrReferentialIntegrity) {
				return fmt.Errorf("%w: %s", ledger.ErrUnknownCronJob, run.JobID)
			}
			return fmt.Errorf("writing cron job run: %w", err)
		}

		var started int64
		err = tx.QueryRowContext(ctx, `SELECT started_at FROM cron_job_runs WHERE job_id = ? AND run_id = ?`,
			run.JobID, run.RunID).Scan(&started)
		if err != nil {
			return fmt.Errorf("reading cron job run: %w", err)
		}
		run.StartedAt = fromMicros(started)

		if run.Status == model.CronRunRunning {
			_, err = tx.ExecContext(ctx, `
				UPDATE cron_jobs SET last_run_time = ?, last_run_status = ?, current_run_id = ?,
					forced_run_requested = 0
				WHERE job_id = ?`, started, run.Status, run.RunID, run.JobID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE cron_jobs SET last_run_time = MAX(COALESCE(last_run_time, 0), ?), last_run_status = ?,
					current_run_id = CASE WHEN current_run_id = ? THEN '' ELSE current_run_id END,
					forced_run_requested = 0
				WHERE job_id = ?`, started, run.Status, run.RunID, run.JobID)
		}
		if err != nil {
			return fmt.Errorf("updating cron job last run: %w", err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadCronJobRuns(ctx context.Context, id string) ([]*model.CronJobRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, run_id, started_at, finished_at, status, log_message, backtrace
		FROM cron_job_runs WHERE job_id = ? ORDER BY started_at DESC, run_id DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("reading cron job runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.CronJobRun
	for rows.Next() {
		r := &model.CronJobRun{}
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.JobID, &r.RunID, &started, &finished, &r.Status, &r.LogMessage, &r.Backtrace); err != nil {
			return nil, fmt.Errorf("scanning cron job run: %w", err)
		}
		r.StartedAt = fromMicros(started)
		r.FinishedAt = timePtr(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteDatabase) DeleteOldCronJobRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM cron_job_runs WHERE started_at < ?`, toMicros(cutoff))
		if err != nil {
			return fmt.Errorf("deleting old cron job runs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
