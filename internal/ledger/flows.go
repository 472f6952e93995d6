package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetledger/internal/model"
)

// FlowArgs describes a flow to create.
type FlowArgs struct {
	ClientID     model.ClientID
	ParentFlowID *model.FlowID
	ParentHuntID *model.HuntID
	FlowClass    string
	Creator      string
	// ApprovalID names the creator's client approval when approvals are required.
	ApprovalID   string
	InitialState []byte
}

// CreateFlow creates a running flow against a client and schedules its first
// processing round. A flow has at most one parent: another flow or a hunt.
func (s *Service) CreateFlow(ctx context.Context, args FlowArgs) (*model.Flow, error) {
	if args.ParentFlowID != nil && args.ParentHuntID != nil {
		return nil, fmt.Errorf("flow can not have both a parent flow and a parent hunt")
	}
	if s.opts.RequireClientApproval && args.Creator != "" && args.ParentFlowID == nil && args.ParentHuntID == nil {
		subject := model.ClientSubject{ClientID: args.ClientID}
		if err := s.CheckApproval(ctx, args.Creator, args.ApprovalID, subject); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	flow := &model.Flow{
		ClientID:        args.ClientID,
		FlowID:          model.FlowID(s.idgen.NewUint64()),
		ParentFlowID:    args.ParentFlowID,
		ParentHuntID:    args.ParentHuntID,
		FlowClass:       args.FlowClass,
		Creator:         args.Creator,
		State:           model.FlowRunning,
		SerializedState: args.InitialState,
		CreateTime:      now,
		LastUpdateTime:  now,

		// Request ids of a flow count up from 1.
		NextRequestToProcess: 1,
	}
	if err := s.database.WriteFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("writing flow: %w", err)
	}

	fpr := &model.FlowProcessingRequest{ClientID: flow.ClientID, FlowID: flow.FlowID, RequestTime: now}
	if err := s.database.WriteFlowProcessingRequest(ctx, fpr); err != nil {
		return nil, fmt.Errorf("scheduling flow start: %w", err)
	}

	s.logger.Info("flow created", "client", flow.ClientID.String(), "flow", flow.FlowID.String(), "class", flow.FlowClass)
	return flow, nil
}

// ReadFlow returns the flow or ErrUnknownFlow.
func (s *Service) ReadFlow(ctx context.Context, client model.ClientID, id model.FlowID) (*model.Flow, error) {
	flow, err := s.database.ReadFlow(ctx, client, id)
	if err != nil {
		return nil, fmt.Errorf("reading flow: %w", err)
	}
	if flow == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownFlow, client, id)
	}
	return flow, nil
}

// ListFlows returns the flows of a client.
func (s *Service) ListFlows(ctx context.Context, client model.ClientID) ([]*model.Flow, error) {
	flows, err := s.database.ListFlows(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("listing flows: %w", err)
	}
	return flows, nil
}

// ListChildFlows returns the flows whose parent is the given flow.
func (s *Service) ListChildFlows(ctx context.Context, client model.ClientID, parent model.FlowID) ([]*model.Flow, error) {
	flows, err := s.database.ListChildFlows(ctx, client, parent)
	if err != nil {
		return nil, fmt.Errorf("listing child flows: %w", err)
	}
	return flows, nil
}

// RequestSpec describes a request issued by a flow.
type RequestSpec struct {
	ClientID          model.ClientID
	FlowID            model.FlowID
	RequestID         model.RequestID
	ResponsesExpected uint64
	NextState         string
	Payload           []byte
	// SendToClient also queues a client action request for the remote agent.
	SendToClient bool
}

// WriteRequest records a request and, if asked, the client action request
// that carries it to the agent.
func (s *Service) WriteRequest(ctx context.Context, spec RequestSpec) error {
	flow, err := s.ReadFlow(ctx, spec.ClientID, spec.FlowID)
	if err != nil {
		return err
	}
	if flow.PendingTermination != "" {
		return fmt.Errorf("%w: %s", ErrFlowTerminating, flow.PendingTermination)
	}

	now := s.clock.Now()
	req := &model.FlowRequest{
		ClientID:          spec.ClientID,
		FlowID:            spec.FlowID,
		RequestID:         spec.RequestID,
		ResponsesExpected: spec.ResponsesExpected,
		NextState:         spec.NextState,
		Payload:           spec.Payload,
		Timestamp:         now,
	}
	var action *model.ClientActionRequest
	if spec.SendToClient {
		action = &model.ClientActionRequest{
			ClientID:  spec.ClientID,
			FlowID:    spec.FlowID,
			RequestID: spec.RequestID,
			Payload:   spec.Payload,
		}
	}
	if err := s.database.WriteFlowRequest(ctx, req, action); err != nil {
		return fmt.Errorf("writing flow request: %w", err)
	}
	return nil
}

// WriteResponse records a data or status response. Writing the same response
// slot twice is a no-op. The request flips to needs-processing exactly once.
func (s *Service) WriteResponse(ctx context.Context, resp *model.FlowResponse) (*WriteResponseResult, error) {
	if resp.Timestamp.IsZero() {
		resp.Timestamp = s.clock.Now()
	}
	if resp.Status != nil {
		resp.ResponseID = model.StatusResponseID
	}
	res, err := s.database.WriteFlowResponse(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("writing flow response: %w", err)
	}
	metricResponsesWritten.Inc()
	if res.Completed {
		s.logger.Debug("request ready for processing",
			"client", resp.ClientID.String(), "flow", resp.FlowID.String(), "request", uint64(resp.RequestID))
	}
	return res, nil
}

// WriteStatus records the terminal status of a request.
func (s *Service) WriteStatus(ctx context.Context, client model.ClientID, flow model.FlowID, req model.RequestID, status model.Status) (*WriteResponseResult, error) {
	return s.WriteResponse(ctx, &model.FlowResponse{
		ClientID:  client,
		FlowID:    flow,
		RequestID: req,
		Status:    &status,
	})
}

// LeaseClientActionRequests leases up to limit outstanding requests of a client
// for agent. Requests that already used their retry budget are failed with a
// terminal status; they are reported through a *RetryBudgetError alongside the
// leased requests.
func (s *Service) LeaseClientActionRequests(ctx context.Context, client model.ClientID, agent string, limit int) ([]*model.ClientActionRequest, error) {
	p := LeaseParams{
		Owner:     agent,
		Now:       s.clock.Now(),
		Duration:  s.opts.ClientActionLease,
		Limit:     limit,
		MaxLeases: s.opts.MaxClientActionLeases,
	}
	leased, exhausted, err := s.database.LeaseClientActionRequests(ctx, client, p)
	if err != nil {
		return nil, fmt.Errorf("leasing client action requests: %w", err)
	}
	metricLeasesGranted.WithLabelValues(queueClientAction).Add(float64(len(leased)))
	if len(exhausted) > 0 {
		metricRetryBudgetExhausted.WithLabelValues(queueClientAction).Add(float64(len(exhausted)))
		for _, r := range exhausted {
			s.logger.Warn("client action request exceeded retry budget",
				"client", r.ClientID.String(), "flow", r.FlowID.String(), "request", uint64(r.RequestID), "leases", r.LeasedCount)
		}
		return leased, &RetryBudgetError{ClientActions: exhausted, MaxLeases: p.MaxLeases}
	}
	return leased, nil
}

// ReturnResponse accepts a response from agent for a leased client action
// request. A status response completes the client action request.
func (s *Service) ReturnResponse(ctx context.Context, agent string, resp *model.FlowResponse) (*WriteResponseResult, error) {
	actions, err := s.database.ReadClientActionRequests(ctx, resp.ClientID)
	if err != nil {
		return nil, fmt.Errorf("reading client action requests: %w", err)
	}
	for _, a := range actions {
		if a.FlowID == resp.FlowID && a.RequestID == resp.RequestID && a.LeasedBy != agent {
			// The lease moved on; the response is still valid because response
			// slots are idempotent.
			s.logger.Warn("response returned by agent not holding the lease",
				"agent", agent, "holder", a.LeasedBy, "flow", resp.FlowID.String(), "request", uint64(resp.RequestID))
		}
	}

	res, err := s.WriteResponse(ctx, resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != nil {
		if err := s.database.DeleteClientActionRequest(ctx, resp.ClientID, resp.FlowID, resp.RequestID); err != nil {
			return nil, fmt.Errorf("completing client action request: %w", err)
		}
	}
	return res, nil
}

// RequestFlowTermination marks a flow for cooperative termination. Work
// already leased is not aborted; no further client action requests of the
// flow are leased.
func (s *Service) RequestFlowTermination(ctx context.Context, client model.ClientID, flow model.FlowID, reason string) error {
	if err := s.database.RequestFlowTermination(ctx, client, flow, reason, s.clock.Now()); err != nil {
		return fmt.Errorf("requesting flow termination: %w", err)
	}
	s.logger.Info("flow termination requested", "client", client.String(), "flow", flow.String(), "reason", reason)
	return nil
}

// FinishFlow moves a flow to a terminal state.
func (s *Service) FinishFlow(ctx context.Context, client model.ClientID, flow model.FlowID, state model.FlowState, errMsg string) error {
	if !state.Terminal() {
		return fmt.Errorf("flow state %s is not terminal", state)
	}
	if err := s.database.UpdateFlowState(ctx, client, flow, state, errMsg, s.clock.Now()); err != nil {
		return fmt.Errorf("finishing flow: %w", err)
	}
	return nil
}

// LeaseFlowForProcessing claims a flow for owner. ok is false when another
// worker holds a live lease; that is not an error.
func (s *Service) LeaseFlowForProcessing(ctx context.Context, client model.ClientID, id model.FlowID, owner string) (flow *model.Flow, ok bool, err error) {
	flow, err = s.database.LeaseFlowForProcessing(ctx, client, id, owner, s.clock.Now(), s.opts.FlowLease)
	if err != nil {
		return nil, false, fmt.Errorf("leasing flow: %w", err)
	}
	return flow, flow != nil, nil
}

// ReadyRequests returns the requests of a leased flow that can be processed now.
func (s *Service) ReadyRequests(ctx context.Context, flow *model.Flow) ([]*model.RequestWithResponses, error) {
	reqs, err := s.database.ReadRequestsReadyForProcessing(ctx, flow.ClientID, flow.FlowID, flow.NextRequestToProcess)
	if err != nil {
		return nil, fmt.Errorf("reading ready requests: %w", err)
	}
	return reqs, nil
}

// CompleteRequests deletes processed requests with their responses.
func (s *Service) CompleteRequests(ctx context.Context, flow *model.Flow, ids []model.RequestID) error {
	if err := s.database.DeleteFlowRequests(ctx, flow.ClientID, flow.FlowID, ids); err != nil {
		return fmt.Errorf("deleting processed requests: %w", err)
	}
	return nil
}

// ReleaseProcessedFlow stores the flow and drops its lease. It returns false
// when more work arrived for the flow while it was being processed; the caller
// keeps the lease and processes again.
func (s *Service) ReleaseProcessedFlow(ctx context.Context, flow *model.Flow) (bool, error) {
	released, err := s.database.ReleaseProcessedFlow(ctx, flow, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("releasing flow: %w", err)
	}
	return released, nil
}

// ScheduleFlowProcessing asks the flow engine to wake the flow at deliveryTime
// (or as soon as possible when zero).
func (s *Service) ScheduleFlowProcessing(ctx context.Context, client model.ClientID, flow model.FlowID, deliveryTime time.Time) error {
	req := &model.FlowProcessingRequest{ClientID: client, FlowID: flow, RequestTime: s.clock.Now()}
	if !deliveryTime.IsZero() {
		req.DeliveryTime = &deliveryTime
	}
	if err := s.database.WriteFlowProcessingRequest(ctx, req); err != nil {
		return fmt.Errorf("writing flow processing request: %w", err)
	}
	return nil
}

// LeaseFlowProcessingRequests leases due wake-up signals for owner. Signals
// over their retry budget fail their flow and are reported via *RetryBudgetError.
func (s *Service) LeaseFlowProcessingRequests(ctx context.Context, owner string, limit int) ([]*model.FlowProcessingRequest, error) {
	p := LeaseParams{
		Owner:     owner,
		Now:       s.clock.Now(),
		Duration:  s.opts.FlowProcessingLease,
		Limit:     limit,
		MaxLeases: s.opts.MaxFlowProcessingLeases,
	}
	leased, exhausted, err := s.database.LeaseFlowProcessingRequests(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("leasing flow processing requests: %w", err)
	}
	metricLeasesGranted.WithLabelValues(queueFlowProcessing).Add(float64(len(leased)))
	if len(exhausted) > 0 {
		metricRetryBudgetExhausted.WithLabelValues(queueFlowProcessing).Add(float64(len(exhausted)))
		for _, r := range exhausted {
			s.logger.Warn("flow processing request exceeded retry budget",
				"client", r.ClientID.String(), "flow", r.FlowID.String(), "leases", r.LeasedCount)
		}
		return leased, &RetryBudgetError{FlowProcessings: exhausted, MaxLeases: p.MaxLeases}
	}
	return leased, nil
}

// AckFlowProcessingRequests removes handled wake-up signals.
func (s *Service) AckFlowProcessingRequests(ctx context.Context, reqs []*model.FlowProcessingRequest) error {
	if err := s.database.AckFlowProcessingRequests(ctx, reqs); err != nil {
		return fmt.Errorf("acknowledging flow processing requests: %w", err)
	}
	return nil
}

// WriteFlowResults appends results; hunt flows are indexed under their hunt too.
func (s *Service) WriteFlowResults(ctx context.Context, results ...*model.FlowResult) error {
	now := s.clock.Now()
	for _, r := range results {
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
	}
	if err := s.database.WriteFlowResults(ctx, results); err != nil {
		return fmt.Errorf("writing flow results: %w", err)
	}
	return nil
}

// WriteFlowErrors appends error entries.
func (s *Service) WriteFlowErrors(ctx context.Context, errs ...*model.FlowErrorEntry) error {
	now := s.clock.Now()
	for _, e := range errs {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
	}
	if err := s.database.WriteFlowErrors(ctx, errs); err != nil {
		return fmt.Errorf("writing flow errors: %w", err)
	}
	return nil
}

// WriteFlowLog appends a log line to a flow.
func (s *Service) WriteFlowLog(ctx context.Context, client model.ClientID, flow model.FlowID, msg string) error {
	entry := &model.FlowLogEntry{ClientID: client, FlowID: flow, Timestamp: s.clock.Now(), Message: msg}
	if err := s.database.WriteFlowLogEntries(ctx, []*model.FlowLogEntry{entry}); err != nil {
		return fmt.Errorf("writing flow log: %w", err)
	}
	return nil
}

// ReadFlowResults pages a flow's results.
func (s *Service) ReadFlowResults(ctx context.Context, client model.ClientID, flow model.FlowID, offset, count int) ([]*model.FlowResult, error) {
	results, err := s.database.ReadFlowResults(ctx, client, flow, offset, count)
	if err != nil {
		return nil, fmt.Errorf("reading flow results: %w", err)
	}
	return results, nil
}

// ReadFlowLog pages a flow's log.
func (s *Service) ReadFlowLog(ctx context.Context, client model.ClientID, flow model.FlowID, offset, count int) ([]*model.FlowLogEntry, error) {
	entries, err := s.database.ReadFlowLogEntries(ctx, client, flow, offset, count)
	if err != nil {
		return nil, fmt.Errorf("reading flow log: %w", err)
	}
	return entries, nil
}

// IsRetryBudgetExhausted reports whether err carries exhausted work items.
func IsRetryBudgetExhausted(err error) (*RetryBudgetError, bool) {
	var rb *RetryBudgetError
	if errors.As(err, &rb) {
		return rb, true
	}
	return nil, false
}
