package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
	"fleetledger/internal/testutil"
)

const testClient = model.ClientID(0x1234)

func newTestService(t *testing.T, opts ledger.Options) *testutil.TestService {
	t.Helper()
	svc := testutil.NewTestService(t, opts)
	if _, err := svc.RegisterClient(context.Background(), testClient); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return svc
}

func mustCreateFlow(t *testing.T, svc *testutil.TestService) *model.Flow {
	t.Helper()
	flow, err := svc.CreateFlow(context.Background(), ledger.FlowArgs{ClientID: testClient, FlowClass: "Interrogate"})
	if err != nil {
		t.Fatalf("CreateFlow() error = %v", err)
	}
	return flow
}

func mustWriteRequest(t *testing.T, svc *testutil.TestService, flow *model.Flow, id model.RequestID, expected uint64, toClient bool) {
	t.Helper()
	err := svc.WriteRequest(context.Background(), ledger.RequestSpec{
		ClientID:          flow.ClientID,
		FlowID:            flow.FlowID,
		RequestID:         id,
		ResponsesExpected: expected,
		Payload:           []byte(fmt.Sprintf("request-%d", id)),
		SendToClient:      toClient,
	})
	if err != nil {
		t.Fatalf("WriteRequest(%d) error = %v", id, err)
	}
}

func TestService_CreateFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("starts running and is scheduled", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		flow := mustCreateFlow(t, svc)

		if flow.State != model.FlowRunning {
			t.Errorf("State = %s, want %s", flow.State, model.FlowRunning)
		}
		if flow.NextRequestToProcess != 1 {
			t.Errorf("NextRequestToProcess = %d, want 1", flow.NextRequestToProcess)
		}

		fprs, err := svc.LeaseFlowProcessingRequests(ctx, "worker", 10)
		if err != nil {
			t.Fatalf("LeaseFlowProcessingRequests() error = %v", err)
		}
		if len(fprs) != 1 || fprs[0].FlowID != flow.FlowID {
			t.Errorf("leased %+v, want one request for flow %s", fprs, flow.FlowID)
		}
	})

	t.Run("unknown client", func(t *testing.T) {
		svc := testutil.NewTestService(t, ledger.Options{})
		_, err := svc.CreateFlow(ctx, ledger.FlowArgs{ClientID: 99, FlowClass: "Interrogate"})
		if !errors.Is(err, ledger.ErrReferentialIntegrity) {
			t.Errorf("CreateFlow() error = %v, want ErrReferentialIntegrity", err)
		}
	})

	t.Run("two parents", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		parent := mustCreateFlow(t, svc)
		hunt := model.HuntID(1)
		_, err := svc.CreateFlow(ctx, ledger.FlowArgs{
			ClientID:     testClient,
			ParentFlowID: &parent.FlowID,
			ParentHuntID: &hunt,
			FlowClass:    "Interrogate",
		})
		if err == nil {
			t.Error("CreateFlow() with two parents succeeded, want error")
		}
	})

	t.Run("child flows", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		parent := mustCreateFlow(t, svc)
		child, err := svc.CreateFlow(ctx, ledger.FlowArgs{ClientID: testClient, ParentFlowID: &parent.FlowID, FlowClass: "ListDirectory"})
		if err != nil {
			t.Fatalf("CreateFlow(child) error = %v", err)
		}

		children, err := svc.ListChildFlows(ctx, testClient, parent.FlowID)
		if err != nil {
			t.Fatalf("ListChildFlows() error = %v", err)
		}
		if len(children) != 1 || children[0].FlowID != child.FlowID {
			t.Errorf("ListChildFlows() = %+v, want [%s]", children, child.FlowID)
		}
	})
}

func TestService_WriteResponse(t *testing.T) {
	ctx := context.Background()

	t.Run("request flips to needs processing exactly once", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		flow := mustCreateFlow(t, svc)
		mustWriteRequest(t, svc, flow, 1, 2, false)

		resp := func(id model.ResponseID) *model.FlowResponse {
			return &model.FlowResponse{ClientID: testClient, FlowID: flow.FlowID, RequestID: 1, ResponseID: id, Payload: []byte("data")}
		}

		res, err := svc.WriteResponse(ctx, resp(1))
		if err != nil {
			t.Fatalf("WriteResponse(1) error = %v", err)
		}
		if res.Completed || res.Duplicate {
			t.Errorf("first response = %+v, want neither completed nor duplicate", res)
		}

		res, err = svc.WriteResponse(ctx, resp(1))
		if err != nil {
			t.Fatalf("WriteResponse(1 again) error = %v", err)
		}
		if !res.Duplicate {
			t.Errorf("repeated response = %+v, want duplicate", res)
		}

		res, err = svc.WriteResponse(ctx, resp(2))
		if err != nil {
			t.Fatalf("WriteResponse(2) error = %v", err)
		}
		if !res.Completed || !res.Enqueued {
			t.Errorf("second response = %+v, want completed and enqueued", res)
		}

		res, err = svc.WriteStatus(ctx, testClient, flow.FlowID, 1, model.Status{Code: model.StatusOK})
		if err != nil {
			t.Fatalf("WriteStatus() error = %v", err)
		}
		if res.Completed {
			t.Error("status after completion reported Completed again")
		}
		if !res.NeedsProcessing {
			t.Error("status after completion lost NeedsProcessing")
		}
	})

	t.Run("responses are ordered with the status last", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		flow := mustCreateFlow(t, svc)
		mustWriteRequest(t, svc, flow, 1, 0, false)

		for _, id := range []model.ResponseID{2, 1} {
			if _, err := svc.WriteResponse(ctx, &model.FlowResponse{ClientID: testClient, FlowID: flow.FlowID, RequestID: 1, ResponseID: id}); err != nil {
				t.Fatalf("WriteResponse(%d) error = %v", id, err)
			}
		}
		if _, err := svc.WriteStatus(ctx, testClient, flow.FlowID, 1, model.Status{Code: model.StatusOK}); err != nil {
			t.Fatalf("WriteStatus() error = %v", err)
		}

		leased, ok, err := svc.LeaseFlowForProcessing(ctx, testClient, flow.FlowID, "worker")
		if err != nil || !ok {
			t.Fatalf("LeaseFlowForProcessing() = %v, %v", ok, err)
		}
		ready, err := svc.ReadyRequests(ctx, leased)
		if err != nil {
			t.Fatalf("ReadyRequests() error = %v", err)
		}
		if len(ready) != 1 {
			t.Fatalf("ReadyRequests() returned %d requests, want 1", len(ready))
		}
		var got []model.ResponseID
		for _, r := range ready[0].Responses {
			got = append(got, r.ResponseID)
		}
		want := []model.ResponseID{1, 2, model.StatusResponseID}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("response order = %v, want %v", got, want)
		}
	})

	t.Run("unknown request", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		flow := mustCreateFlow(t, svc)
		_, err := svc.WriteResponse(ctx, &model.FlowResponse{ClientID: testClient, FlowID: flow.FlowID, RequestID: 7, ResponseID: 1})
		if !errors.Is(err, ledger.ErrUnknownRequest) {
			t.Errorf("WriteResponse() error = %v, want ErrUnknownRequest", err)
		}
	})
}

func TestService_LeaseClientActionRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent agents never share a request", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		flow := mustCreateFlow(t, svc)
		const requests = 12
		for id := model.RequestID(1); id <= requests; id++ {
			mustWriteRequest(t, svc, flow, id, 1, true)
		}

		var (
			mu   sync.Mutex
			seen = make(map[model.RequestID]string)
			wg   sync.WaitGroup
		)
		for i := 0; i < 4; i++ {
			agent := fmt.Sprintf("agent-%d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					leased, err := svc.LeaseClientActionRequests(ctx, testClient, agent, 2)
					if err != nil {
						t.Errorf("LeaseClientActionRequests(%s) error = %v", agent, err)
						return
					}
					if len(leased) == 0 {
						return
					}
					mu.Lock()
					for _, r := range leased {
						if holder, dup := seen[r.RequestID]; dup {
							t.Errorf("request %d leased by %s and %s", r.RequestID, holder, agent)
						}
						seen[r.RequestID] = agent
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != requests {
			t.Errorf("leased %d distinct requests, want %d", len(seen), requests)
		}
	})

	t.Run("retry budget fails the request", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{ClientActionLease: time.Minute, MaxClientActionLeases: 2})
		flow := mustCreateFlow(t, svc)
		mustWriteRequest(t, svc, flow, 1, 1, true)

		for i := 1; i <= 2; i++ {
			leased, err := svc.LeaseClientActionRequests(ctx, testClient, "agent", 10)
			if err != nil {
				t.Fatalf("lease %d error = %v", i, err)
			}
			if len(leased) != 1 || leased[0].LeasedCount != i {
				t.Fatalf("lease %d = %+v, want one request leased %d times", i, leased, i)
			}
			svc.Clock.Advance(2 * time.Minute)
		}

		leased, err := svc.LeaseClientActionRequests(ctx, testClient, "agent", 10)
		var budget *ledger.RetryBudgetError
		if !errors.As(err, &budget) {
			t.Fatalf("third lease error = %v, want *RetryBudgetError", err)
		}
		if !errors.Is(err, ledger.ErrRetryBudgetExhausted) {
			t.Errorf("error does not wrap ErrRetryBudgetExhausted: %v", err)
		}
		if len(leased) != 0 || len(budget.ClientActions) != 1 || budget.MaxLeases != 2 {
			t.Errorf("leased = %d, exhausted = %d, max = %d; want 0, 1, 2", len(leased), len(budget.ClientActions), budget.MaxLeases)
		}

		leased, err = svc.LeaseClientActionRequests(ctx, testClient, "agent", 10)
		if err != nil || len(leased) != 0 {
			t.Errorf("lease after exhaustion = %d, %v; want nothing", len(leased), err)
		}

		locked, ok, err := svc.LeaseFlowForProcessing(ctx, testClient, flow.FlowID, "worker")
		if err != nil || !ok {
			t.Fatalf("LeaseFlowForProcessing() = %v, %v", ok, err)
		}
		ready, err := svc.ReadyRequests(ctx, locked)
		if err != nil {
			t.Fatalf("ReadyRequests() error = %v", err)
		}
		if len(ready) != 1 {
			t.Fatalf("ReadyRequests() returned %d, want the failed request", len(ready))
		}
		last := ready[0].Responses[len(ready[0].Responses)-1]
		if last.Status == nil || last.Status.Code != model.StatusError {
			t.Errorf("last response = %+v, want an error status", last)
		}
	})

	t.Run("pending termination stops leasing", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		flow := mustCreateFlow(t, svc)
		mustWriteRequest(t, svc, flow, 1, 1, true)

		if err := svc.RequestFlowTermination(ctx, testClient, flow.FlowID, "operator"); err != nil {
			t.Fatalf("RequestFlowTermination() error = %v", err)
		}

		leased, err := svc.LeaseClientActionRequests(ctx, testClient, "agent", 10)
		if err != nil {
			t.Fatalf("LeaseClientActionRequests() error = %v", err)
		}
		if len(leased) != 0 {
			t.Errorf("leased %d requests of a terminating flow, want 0", len(leased))
		}

		err = svc.WriteRequest(ctx, ledger.RequestSpec{ClientID: testClient, FlowID: flow.FlowID, RequestID: 2, SendToClient: true})
		if !errors.Is(err, ledger.ErrFlowTerminating) {
			t.Errorf("WriteRequest() error = %v, want ErrFlowTerminating", err)
		}
	})

	t.Run("status response completes the action", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{ClientActionLease: time.Minute})
		flow := mustCreateFlow(t, svc)
		mustWriteRequest(t, svc, flow, 1, 0, true)

		if _, err := svc.LeaseClientActionRequests(ctx, testClient, "agent", 10); err != nil {
			t.Fatalf("LeaseClientActionRequests() error = %v", err)
		}
		status := &model.FlowResponse{ClientID: testClient, FlowID: flow.FlowID, RequestID: 1, Status: &model.Status{Code: model.StatusOK}}
		res, err := svc.ReturnResponse(ctx, "agent", status)
		if err != nil {
			t.Fatalf("ReturnResponse() error = %v", err)
		}
		if !res.Completed {
			t.Errorf("ReturnResponse() = %+v, want completed", res)
		}

		svc.Clock.Advance(2 * time.Minute)
		leased, err := svc.LeaseClientActionRequests(ctx, testClient, "agent", 10)
		if err != nil || len(leased) != 0 {
			t.Errorf("lease after status = %d, %v; want nothing", len(leased), err)
		}
	})
}

func TestService_FinishFlow(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, ledger.Options{})
	flow := mustCreateFlow(t, svc)

	if err := svc.FinishFlow(ctx, testClient, flow.FlowID, model.FlowRunning, ""); err == nil {
		t.Error("FinishFlow(RUNNING) succeeded, want error")
	}
	if err := svc.FinishFlow(ctx, testClient, flow.FlowID, model.FlowError, "boom"); err != nil {
		t.Fatalf("FinishFlow() error = %v", err)
	}

	got, err := svc.ReadFlow(ctx, testClient, flow.FlowID)
	if err != nil {
		t.Fatalf("ReadFlow() error = %v", err)
	}
	if got.State != model.FlowError || got.Error != "boom" {
		t.Errorf("flow = %s %q, want ERROR \"boom\"", got.State, got.Error)
	}
}

func TestService_DeleteClient(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, ledger.Options{})
	flow := mustCreateFlow(t, svc)
	if _, err := svc.RequestApproval(ctx, ledger.ApprovalArgs{Requestor: "alice", Subject: model.ClientSubject{ClientID: testClient}}); err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}

	if err := svc.DeleteClient(ctx, testClient); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}

	if _, err := svc.ReadClient(ctx, testClient); !errors.Is(err, ledger.ErrUnknownClient) {
		t.Errorf("ReadClient() error = %v, want ErrUnknownClient", err)
	}
	if _, err := svc.ReadFlow(ctx, testClient, flow.FlowID); !errors.Is(err, ledger.ErrUnknownFlow) {
		t.Errorf("ReadFlow() error = %v, want ErrUnknownFlow", err)
	}
	approvals, err := svc.ListApprovals(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	if len(approvals) != 0 {
		t.Errorf("ListApprovals() returned %d, want approvals of the client removed", len(approvals))
	}
	if err := svc.DeleteClient(ctx, testClient); !errors.Is(err, ledger.ErrUnknownClient) {
		t.Errorf("second DeleteClient() error = %v, want ErrUnknownClient", err)
	}
}
