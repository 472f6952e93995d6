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

const client = model.ClientID(0x42)

func newFlowService(t *testing.T) *testutil.TestService {
	t.Helper()
	svc := testutil.NewTestService(t, ledger.Options{})
	_, err := svc.RegisterClient(context.Background(), client)
	require.NoError(t, err)
	return svc
}

// echoHandler sends one request to the client on start and finishes the flow
// with the client's responses as results.
func echoHandler(svc *testutil.TestService, calls *int) worker.FlowHandler {
	return worker.FlowHandlerFunc(func(ctx context.Context, flow *model.Flow, ready []*model.RequestWithResponses) error {
		*calls++
		if len(ready) == 0 {
			flow.SerializedState = []byte("sent")
			return svc.WriteRequest(ctx, ledger.RequestSpec{
				ClientID:     flow.ClientID,
				FlowID:       flow.FlowID,
				RequestID:    flow.NextRequestToProcess,
				NextState:    "Collect",
				Payload:      []byte("echo"),
				SendToClient: true,
			})
		}
		for _, r := range ready {
			for _, resp := range r.Responses {
				if resp.IsStatus() {
					continue
				}
				err := svc.WriteFlowResults(ctx, &model.FlowResult{
					ClientID: flow.ClientID,
					FlowID:   flow.FlowID,
					Type:     "Echo",
					Payload:  resp.Payload,
				})
				if err != nil {
					return err
				}
			}
		}
		flow.State = model.FlowFinished
		return nil
	})
}

func TestFlowProcessor_RunsFlowToCompletion(t *testing.T) {
	ctx := context.Background()
	svc := newFlowService(t)

	var calls int
	p := worker.NewFlowProcessor(svc.Service, ledger.NewNopLogger(), worker.FlowProcessorConfig{Owner: "worker-1"},
		map[string]worker.FlowHandler{"Echo": echoHandler(svc, &calls)})

	flow, err := svc.CreateFlow(ctx, ledger.FlowArgs{ClientID: client, FlowClass: "Echo"})
	require.NoError(t, err)

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)

	actions, err := svc.LeaseClientActionRequests(ctx, client, "agent", 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, []byte("echo"), actions[0].Payload)

	_, err = svc.ReturnResponse(ctx, "agent", &model.FlowResponse{
		ClientID: client, FlowID: flow.FlowID, RequestID: actions[0].RequestID, ResponseID: 0, Payload: []byte("hello"),
	})
	require.NoError(t, err)
	res, err := svc.ReturnResponse(ctx, "agent", &model.FlowResponse{
		ClientID: client, FlowID: flow.FlowID, RequestID: actions[0].RequestID,
		Status: &model.Status{Code: model.StatusOK},
	})
	require.NoError(t, err)
	assert.True(t, res.Enqueued)

	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)

	got, err := svc.ReadFlow(ctx, client, flow.FlowID)
	require.NoError(t, err)
	assert.Equal(t, model.FlowFinished, got.State)
	assert.Equal(t, model.RequestID(2), got.NextRequestToProcess)
	assert.Empty(t, got.LeasedBy)

	results, err := svc.ReadFlowResults(ctx, client, flow.FlowID, 0, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []byte("hello"), results[0].Payload)

	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to process")
}

func TestFlowProcessor_FailsFlow(t *testing.T) {
	tests := []struct {
		name      string
		class     string
		handler   worker.FlowHandler
		wantError string
	}{
		{
			name:      "no handler for class",
			class:     "Missing",
			wantError: "no handler for flow class Missing",
		},
		{
			name:  "handler error",
			class: "Broken",
			handler: worker.FlowHandlerFunc(func(context.Context, *model.Flow, []*model.RequestWithResponses) error {
				return errors.New("artifact not found")
			}),
			wantError: "artifact not found",
		},
		{
			name:  "handler panic",
			class: "Broken",
			handler: worker.FlowHandlerFunc(func(context.Context, *model.Flow, []*model.RequestWithResponses) error {
				panic("nil state")
			}),
			wantError: "flow handler panicked: nil state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc := newFlowService(t)
			handlers := map[string]worker.FlowHandler{}
			if tt.handler != nil {
				handlers[tt.class] = tt.handler
			}
			p := worker.NewFlowProcessor(svc.Service, ledger.NewNopLogger(), worker.FlowProcessorConfig{}, handlers)

			flow, err := svc.CreateFlow(ctx, ledger.FlowArgs{ClientID: client, FlowClass: tt.class})
			require.NoError(t, err)

			n, err := p.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := svc.ReadFlow(ctx, client, flow.FlowID)
			require.NoError(t, err)
			assert.Equal(t, model.FlowError, got.State)
			assert.Equal(t, tt.wantError, got.Error)
		})
	}
}

func TestFlowProcessor_PendingTerminationCancelsFlow(t *testing.T) {
	ctx := context.Background()
	svc := newFlowService(t)

	var calls int
	p := worker.NewFlowProcessor(svc.Service, ledger.NewNopLogger(), worker.FlowProcessorConfig{},
		map[string]worker.FlowHandler{"Echo": echoHandler(svc, &calls)})

	flow, err := svc.CreateFlow(ctx, ledger.FlowArgs{ClientID: client, FlowClass: "Echo"})
	require.NoError(t, err)
	require.NoError(t, svc.RequestFlowTermination(ctx, client, flow.FlowID, "operator cancelled"))

	_, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, calls)

	got, err := svc.ReadFlow(ctx, client, flow.FlowID)
	require.NoError(t, err)
	assert.Equal(t, model.FlowCancelled, got.State)
	assert.Equal(t, "operator cancelled", got.Error)
}

func TestFlowProcessor_BusyFlowIsLeftToHolder(t *testing.T) {
	ctx := context.Background()
	svc := newFlowService(t)

	var calls int
	p := worker.NewFlowProcessor(svc.Service, ledger.NewNopLogger(), worker.FlowProcessorConfig{Owner: "worker-1"},
		map[string]worker.FlowHandler{"Echo": echoHandler(svc, &calls)})

	flow, err := svc.CreateFlow(ctx, ledger.FlowArgs{ClientID: client, FlowClass: "Echo"})
	require.NoError(t, err)
	_, ok, err := svc.LeaseFlowForProcessing(ctx, client, flow.FlowID, "worker-2")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, calls, "the flow is leased by another worker")
}

func TestFlowProcessor_ScheduledWakeUp(t *testing.T) {
	ctx := context.Background()
	svc := newFlowService(t)

	var wakeups int
	handler := worker.FlowHandlerFunc(func(_ context.Context, flow *model.Flow, ready []*model.RequestWithResponses) error {
		wakeups++
		assert.Empty(t, ready)
		return nil
	})
	p := worker.NewFlowProcessor(svc.Service, ledger.NewNopLogger(), worker.FlowProcessorConfig{},
		map[string]worker.FlowHandler{"Sleep": handler})

	flow, err := svc.CreateFlow(ctx, ledger.FlowArgs{ClientID: client, FlowClass: "Sleep"})
	require.NoError(t, err)
	_, err = p.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, wakeups)

	require.NoError(t, svc.ScheduleFlowProcessing(ctx, client, flow.FlowID, svc.Now().Add(time.Minute)))

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "wake-up is not due yet")

	svc.Clock.Advance(time.Minute)
	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, wakeups)
}

func TestFlowProcessor_ConcurrentBatch(t *testing.T) {
	ctx := context.Background()
	svc := newFlowService(t)

	done := make(chan model.FlowID, 10)
	handler := worker.FlowHandlerFunc(func(_ context.Context, flow *model.Flow, _ []*model.RequestWithResponses) error {
		flow.State = model.FlowFinished
		done <- flow.FlowID
		return nil
	})
	p := worker.NewFlowProcessor(svc.Service, ledger.NewNopLogger(), worker.FlowProcessorConfig{Concurrency: 4},
		map[string]worker.FlowHandler{"Quick": handler})

	var want []model.FlowID
	for i := 0; i < 6; i++ {
		flow, err := svc.CreateFlow(ctx, ledger.FlowArgs{ClientID: client, FlowClass: "Quick"})
		require.NoError(t, err)
		want = append(want, flow.FlowID)
	}

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	close(done)

	var got []model.FlowID
	for id := range done {
		got = append(got, id)
	}
	assert.ElementsMatch(t, want, got)
}
