// Package worker runs the polling loops that drain the ledger's lease queues:
// flow processing requests and cron jobs.
package worker

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"fleetledger/internal/ledger"
)

// NewOwnerName returns a lease owner name unique to this process.
func NewOwnerName(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return role + "-" + host + "-" + uuid.New().String()[:8]
}

// poll calls round every interval until ctx is done. Round errors are logged
// and do not stop the loop.
func poll(ctx context.Context, interval time.Duration, logger ledger.Logger, name string, round func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := round(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error(name+" round failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
