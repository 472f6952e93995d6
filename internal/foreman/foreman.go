// Package foreman assigns clients to started hunts.
//
// Each round the foreman walks the started hunts, matches registered clients
// against the hunt's client rule and creates one hunt flow per new client.
// Assignment is throttled by the hunt's client_rate and capped by its
// client_limit. Hunts whose duration has elapsed are completed.
package foreman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/ratelimit"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// Ledger is the part of the ledger service the foreman drives.
type Ledger interface {
	Now() time.Time
	ListHunts(ctx context.Context) ([]*model.Hunt, error)
	ListHuntFlows(ctx context.Context, id model.HuntID) ([]*model.Flow, error)
	CreateHuntFlow(ctx context.Context, hunt *model.Hunt, client model.ClientID) (*model.Flow, error)
	CompleteHunt(ctx context.Context, id model.HuntID, comment string) error
	ListClients(ctx context.Context) ([]*model.Client, error)
	ClientLabels(ctx context.Context, id model.ClientID) ([]string, error)
}

var _ Ledger = (*ledger.Service)(nil)

// RoundStats reports what one foreman round did.
type RoundStats struct {
	Hunts     int
	Assigned  int
	Completed int
	Throttled int
}

// Foreman assigns clients to hunts. It is safe for concurrent use, but rounds
// of two foremen over the same ledger may both assign a client; run one.
type Foreman struct {
	ledger Ledger
	logger ledger.Logger

	mu      sync.Mutex
	buckets map[model.HuntID]*huntBucket
}

type huntBucket struct {
	rate   float64
	bucket *ratelimit.Bucket
}

// New creates a Foreman.
func New(l Ledger, logger ledger.Logger) *Foreman {
	return &Foreman{
		ledger:  l,
		logger:  logger,
		buckets: make(map[model.HuntID]*huntBucket),
	}
}

// bucketClock drives token buckets from the ledger clock.
type bucketClock struct{ l Ledger }

func (c bucketClock) Now() time.Time        { return c.l.Now() }
func (c bucketClock) Sleep(d time.Duration) { time.Sleep(d) }

// bucketFor returns the token bucket of a throttled hunt, or nil when the
// hunt is unthrottled. The bucket holds one token and refills at
// client_rate per minute.
func (f *Foreman) bucketFor(h *model.Hunt) *ratelimit.Bucket {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h.ClientRate <= 0 {
		delete(f.buckets, h.ID)
		return nil
	}
	if b, ok := f.buckets[h.ID]; ok && b.rate == h.ClientRate {
		return b.bucket
	}
	b := ratelimit.NewBucketWithRateAndClock(h.ClientRate/60, 1, bucketClock{f.ledger})
	f.buckets[h.ID] = &huntBucket{rate: h.ClientRate, bucket: b}
	return b
}

func (f *Foreman) forget(id model.HuntID) {
	f.mu.Lock()
	delete(f.buckets, id)
	f.mu.Unlock()
}

// clientSet lazily loads the registered clients and their labels once per round.
type clientSet struct {
	clients []*model.Client
	labels  map[model.ClientID][]string
	loaded  bool
}

func (f *Foreman) loadClients(ctx context.Context, cs *clientSet) error {
	if cs.loaded {
		return nil
	}
	clients, err := f.ledger.ListClients(ctx)
	if err != nil {
		return fmt.Errorf("listing clients: %w", err)
	}
	cs.labels = make(map[model.ClientID][]string, len(clients))
	for _, c := range clients {
		labels, err := f.ledger.ClientLabels(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("reading labels of %s: %w", c.ID, err)
		}
		cs.labels[c.ID] = labels
	}
	cs.clients = clients
	cs.loaded = true
	return nil
}

// RunOnce performs one assignment round over all started hunts.
func (f *Foreman) RunOnce(ctx context.Context) (RoundStats, error) {
	var stats RoundStats

	hunts, err := f.ledger.ListHunts(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing hunts: %w", err)
	}

	var cs clientSet
	for _, h := range hunts {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if h.State != model.HuntStarted {
			f.forget(h.ID)
			continue
		}
		stats.Hunts++

		if f.expired(h) {
			if err := f.ledger.CompleteHunt(ctx, h.ID, "duration elapsed"); err != nil {
				return stats, fmt.Errorf("completing hunt %s: %w", h.ID, err)
			}
			f.forget(h.ID)
			stats.Completed++
			continue
		}

		assigned, throttled, err := f.assign(ctx, h, &cs)
		stats.Assigned += assigned
		if throttled {
			stats.Throttled++
		}
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (f *Foreman) expired(h *model.Hunt) bool {
	if h.Duration <= 0 || h.InitStartTime == nil {
		return false
	}
	return !f.ledger.Now().Before(h.InitStartTime.Add(h.Duration))
}

// assign creates hunt flows for matching clients not yet in the hunt.
func (f *Foreman) assign(ctx context.Context, h *model.Hunt, cs *clientSet) (assigned int, throttled bool, err error) {
	rule, err := ParseClientRule(h.ClientRule)
	if err != nil {
		f.logger.Warn("skipping hunt with invalid client rule", "hunt", h.ID.String(), "rule", h.ClientRule, "error", err)
		return 0, false, nil
	}

	flows, err := f.ledger.ListHuntFlows(ctx, h.ID)
	if err != nil {
		return 0, false, fmt.Errorf("listing flows of hunt %s: %w", h.ID, err)
	}
	if h.ClientLimit > 0 && len(flows) >= int(h.ClientLimit) {
		return 0, false, nil
	}
	seen := make(map[model.ClientID]bool, len(flows))
	for _, fl := range flows {
		seen[fl.ClientID] = true
	}

	if err := f.loadClients(ctx, cs); err != nil {
		return 0, false, err
	}

	bucket := f.bucketFor(h)
	total := len(flows)
	for _, c := range cs.clients {
		if seen[c.ID] || !rule.Matches(c, cs.labels[c.ID]) {
			continue
		}
		if h.ClientLimit > 0 && total >= int(h.ClientLimit) {
			break
		}
		if bucket != nil && bucket.TakeAvailable(1) == 0 {
			throttled = true
			break
		}
		flow, err := f.ledger.CreateHuntFlow(ctx, h, c.ID)
		if err != nil {
			return assigned, throttled, fmt.Errorf("creating flow for hunt %s on %s: %w", h.ID, c.ID, err)
		}
		f.logger.Info("client assigned to hunt", "hunt", h.ID.String(), "client", c.ID.String(), "flow", flow.FlowID.String())
		assigned++
		total++
	}
	return assigned, throttled, nil
}

// Run performs a round every interval until ctx is done.
func (f *Foreman) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := f.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Error("foreman round failed", "error", err)
		} else if stats.Assigned > 0 || stats.Completed > 0 {
			f.logger.Info("foreman round", "hunts", stats.Hunts, "assigned", stats.Assigned,
				"completed", stats.Completed, "throttled", stats.Throttled)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
