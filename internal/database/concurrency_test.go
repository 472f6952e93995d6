package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// newFileDBs opens n handles on one file database, each with its own
// connection pool, and applies the schema once.
func newFileDBs(t *testing.T, n int) []*SQLiteDatabase {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")

	dbs := make([]*SQLiteDatabase, n)
	for i := range dbs {
		db, err := NewSQLiteDatabase(path)
		if err != nil {
			t.Fatalf("NewSQLiteDatabase() error = %v", err)
		}
		t.Cleanup(func() { db.Close() })
		dbs[i] = db
	}
	if _, err := dbs[0].db.Exec(Schema); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return dbs
}

func TestSQLiteDatabase_ConcurrentClientActionLeases(t *testing.T) {
	ctx := context.Background()
	dbs := newFileDBs(t, 16)
	mustWriteClient(t, dbs[0], 1)
	mustWriteFlow(t, dbs[0], &model.Flow{ClientID: 1, FlowID: 10, NextRequestToProcess: 1})
	mustWriteRequest(t, dbs[0], 1, 10, 1, 1, true)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	for i, db := range dbs {
		wg.Add(1)
		go func(owner string, db *SQLiteDatabase) {
			defer wg.Done()
			p := ledger.LeaseParams{Owner: owner, Now: at(0), Duration: time.Minute, Limit: 10}
			leased, _, err := db.LeaseClientActionRequests(ctx, 1, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if len(leased) > 0 {
				winners = append(winners, owner)
			}
		}(fmt.Sprintf("agent-%d", i), db)
	}
	wg.Wait()

	for _, err := range errs {
		t.Errorf("LeaseClientActionRequests() error = %v", err)
	}
	if len(winners) != 1 {
		t.Errorf("winners = %v, want exactly one", winners)
	}
}

func TestSQLiteDatabase_ConcurrentCronLeases(t *testing.T) {
	ctx := context.Background()
	dbs := newFileDBs(t, 2)

	const jobs = 100
	for i := 0; i < jobs; i++ {
		job := &model.CronJob{ID: fmt.Sprintf("job-%03d", i), Frequency: time.Hour, Enabled: true, CreateTime: baseTime}
		if err := dbs[0].WriteCronJob(ctx, job); err != nil {
			t.Fatalf("WriteCronJob() error = %v", err)
		}
	}

	// Each runner leases, runs and returns jobs until nothing is due. A job
	// that finished this period must not be leased a second time.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		runs = make(map[string]int)
		errs []error
	)
	runner := func(owner string, db *SQLiteDatabase) {
		defer wg.Done()
		fail := func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
		for round := 0; ; round++ {
			p := ledger.LeaseParams{Owner: owner, Now: at(0), Duration: 10 * time.Minute, Limit: 10}
			leased, err := db.LeaseCronJobs(ctx, p)
			if err != nil {
				fail(err)
				return
			}
			if len(leased) == 0 {
				return
			}
			var ids []string
			for _, job := range leased {
				finished := at(1)
				run := &model.CronJobRun{JobID: job.ID, RunID: fmt.Sprintf("%s-%d", owner, round), StartedAt: at(0),
					FinishedAt: &finished, Status: model.CronRunFinished}
				if err := db.WriteCronJobRun(ctx, run); err != nil {
					fail(err)
					return
				}
				mu.Lock()
				runs[job.ID]++
				mu.Unlock()
				ids = append(ids, job.ID)
			}
			if err := db.ReturnLeasedCronJobs(ctx, owner, ids); err != nil {
				fail(err)
				return
			}
		}
	}
	wg.Add(2)
	go runner("runner-a", dbs[0])
	go runner("runner-b", dbs[1])
	wg.Wait()

	for _, err := range errs {
		t.Errorf("runner error = %v", err)
	}
	if len(runs) != jobs {
		t.Errorf("ran %d distinct jobs, want %d", len(runs), jobs)
	}
	for id, n := range runs {
		if n != 1 {
			t.Errorf("job %s ran %d times, want 1", id, n)
		}
	}
}
