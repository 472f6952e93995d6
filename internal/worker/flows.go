package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// FlowLedger is the part of the ledger service the flow processor drives.
type FlowLedger interface {
	LeaseFlowProcessingRequests(ctx context.Context, owner string, limit int) ([]*model.FlowProcessingRequest, error)
	AckFlowProcessingRequests(ctx context.Context, reqs []*model.FlowProcessingRequest) error
	LeaseFlowForProcessing(ctx context.Context, client model.ClientID, id model.FlowID, owner string) (*model.Flow, bool, error)
	ReadyRequests(ctx context.Context, flow *model.Flow) ([]*model.RequestWithResponses, error)
	CompleteRequests(ctx context.Context, flow *model.Flow, ids []model.RequestID) error
	ReleaseProcessedFlow(ctx context.Context, flow *model.Flow) (bool, error)
}

var _ FlowLedger = (*ledger.Service)(nil)

// FlowHandler advances a flow. It is called with the flow leased and the
// contiguous run of requests that are ready, oldest first; ready is empty when
// the flow was woken without new responses (on start or by a scheduled wake-up).
// The handler updates flow.SerializedState and may move flow.State to a
// terminal state. Returning an error fails the flow.
type FlowHandler interface {
	ProcessFlow(ctx context.Context, flow *model.Flow, ready []*model.RequestWithResponses) error
}

// FlowHandlerFunc adapts a function to FlowHandler.
type FlowHandlerFunc func(ctx context.Context, flow *model.Flow, ready []*model.RequestWithResponses) error

func (f FlowHandlerFunc) ProcessFlow(ctx context.Context, flow *model.Flow, ready []*model.RequestWithResponses) error {
	return f(ctx, flow, ready)
}

// FlowProcessorConfig tunes a FlowProcessor.
type FlowProcessorConfig struct {
	Owner       string
	BatchSize   int
	Concurrency int
	// MaxRounds bounds how often one flow is reprocessed while responses keep
	// arriving; the flow is picked up again by its next processing request.
	MaxRounds int
}

// FlowProcessor drains flow processing requests, running the handler
// registered for each flow's class.
type FlowProcessor struct {
	ledger   FlowLedger
	logger   ledger.Logger
	cfg      FlowProcessorConfig
	handlers map[string]FlowHandler
}

// NewFlowProcessor creates a FlowProcessor. handlers maps flow class to handler.
func NewFlowProcessor(l FlowLedger, logger ledger.Logger, cfg FlowProcessorConfig, handlers map[string]FlowHandler) *FlowProcessor {
	if cfg.Owner == "" {
		cfg.Owner = NewOwnerName("flows")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	return &FlowProcessor{ledger: l, logger: logger, cfg: cfg, handlers: handlers}
}

// Owner returns the lease owner name of this processor.
func (p *FlowProcessor) Owner() string { return p.cfg.Owner }

// RunOnce leases one batch of due processing requests and handles them.
// Requests whose handling failed stay leased and are retried once their
// lease expires. It returns the number of requests acknowledged.
func (p *FlowProcessor) RunOnce(ctx context.Context) (int, error) {
	reqs, err := p.ledger.LeaseFlowProcessingRequests(ctx, p.cfg.Owner, p.cfg.BatchSize)
	if rb, ok := ledger.IsRetryBudgetExhausted(err); ok {
		for _, r := range rb.FlowProcessings {
			p.logger.Warn("flow failed after too many processing attempts",
				"client", r.ClientID.String(), "flow", r.FlowID.String())
		}
	} else if err != nil {
		return 0, err
	}
	if len(reqs) == 0 {
		return 0, nil
	}

	var (
		mu    sync.Mutex
		done  []*model.FlowProcessingRequest
		wg    sync.WaitGroup
		slots = make(chan struct{}, p.cfg.Concurrency)
	)
	for _, r := range reqs {
		wg.Add(1)
		slots <- struct{}{}
		go func(r *model.FlowProcessingRequest) {
			defer wg.Done()
			defer func() { <-slots }()

			if err := p.processFlow(ctx, r.ClientID, r.FlowID); err != nil {
				metricFlowsProcessed.WithLabelValues("error").Inc()
				p.logger.Error("processing flow", "client", r.ClientID.String(), "flow", r.FlowID.String(), "error", err)
				return
			}
			mu.Lock()
			done = append(done, r)
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	if len(done) == 0 {
		return 0, nil
	}
	if err := p.ledger.AckFlowProcessingRequests(ctx, done); err != nil {
		return 0, err
	}
	return len(done), nil
}

// processFlow runs the flow's handler until no more requests are ready.
func (p *FlowProcessor) processFlow(ctx context.Context, client model.ClientID, id model.FlowID) error {
	flow, ok, err := p.ledger.LeaseFlowForProcessing(ctx, client, id, p.cfg.Owner)
	if errors.Is(err, ledger.ErrUnknownFlow) {
		// Deleted together with its client; nothing left to do.
		metricFlowsProcessed.WithLabelValues("gone").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		// The lease holder re-checks for ready requests before releasing.
		metricFlowsProcessed.WithLabelValues("busy").Inc()
		return nil
	}

	for round := 0; round < p.cfg.MaxRounds; round++ {
		if err := p.step(ctx, flow); err != nil {
			return err
		}
		released, err := p.ledger.ReleaseProcessedFlow(ctx, flow)
		if err != nil {
			return err
		}
		if released {
			metricFlowsProcessed.WithLabelValues("ok").Inc()
			return nil
		}
	}
	return fmt.Errorf("flow %s/%s still has ready requests after %d rounds", client, id, p.cfg.MaxRounds)
}

// step runs the handler over the currently ready requests and advances the
// flow past them.
func (p *FlowProcessor) step(ctx context.Context, flow *model.Flow) error {
	if flow.State.Terminal() {
		return nil
	}
	if flow.PendingTermination != "" {
		flow.State = model.FlowCancelled
		flow.Error = flow.PendingTermination
		return nil
	}

	ready, err := p.ledger.ReadyRequests(ctx, flow)
	if err != nil {
		return err
	}

	handler, ok := p.handlers[flow.FlowClass]
	if !ok {
		flow.State = model.FlowError
		flow.Error = "no handler for flow class " + flow.FlowClass
		p.logger.Warn("flow class has no handler", "client", flow.ClientID.String(), "flow", flow.FlowID.String(), "class", flow.FlowClass)
		return nil
	}

	started := time.Now()
	if err := p.runHandler(ctx, handler, flow, ready); err != nil {
		flow.State = model.FlowError
		flow.Error = err.Error()
		p.logger.Warn("flow failed", "client", flow.ClientID.String(), "flow", flow.FlowID.String(), "error", err)
	} else {
		p.logger.Debug("flow processed", "client", flow.ClientID.String(), "flow", flow.FlowID.String(),
			"requests", len(ready), "elapsed", time.Since(started).String())
	}

	if len(ready) == 0 {
		return nil
	}
	ids := make([]model.RequestID, len(ready))
	for i, r := range ready {
		ids[i] = r.Request.RequestID
	}
	if err := p.ledger.CompleteRequests(ctx, flow, ids); err != nil {
		return err
	}
	flow.NextRequestToProcess = ids[len(ids)-1] + 1
	return nil
}

func (p *FlowProcessor) runHandler(ctx context.Context, h FlowHandler, flow *model.Flow, ready []*model.RequestWithResponses) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flow handler panicked: %v", r)
		}
	}()
	return h.ProcessFlow(ctx, flow, ready)
}

// Run processes batches every interval until ctx is done.
func (p *FlowProcessor) Run(ctx context.Context, interval time.Duration) error {
	return poll(ctx, interval, p.logger, "flow processor", func(ctx context.Context) error {
		_, err := p.RunOnce(ctx)
		return err
	})
}
