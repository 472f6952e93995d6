package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

const (
	// InterrogateFlow asks a client to describe itself and records the answer
	// as its latest snapshot.
	InterrogateFlow = "Interrogate"

	// CompleteHuntsJob is the cron job completing limited hunts whose flows
	// have all finished.
	CompleteHuntsJob = "complete-finished-hunts"
)

const interrogateWaiting = "ProcessInfo"

// InterrogateLedger is the part of the ledger service the Interrogate flow uses.
type InterrogateLedger interface {
	WriteRequest(ctx context.Context, spec ledger.RequestSpec) error
	WriteClientSnapshot(ctx context.Context, id model.ClientID, ts time.Time, data []byte) error
	WriteFlowResults(ctx context.Context, results ...*model.FlowResult) error
}

// Interrogate returns the handler of the Interrogate flow class.
func Interrogate(l InterrogateLedger) FlowHandler {
	return FlowHandlerFunc(func(ctx context.Context, flow *model.Flow, ready []*model.RequestWithResponses) error {
		if len(ready) == 0 {
			if string(flow.SerializedState) == interrogateWaiting {
				// Woken without a reply; keep waiting.
				return nil
			}
			err := l.WriteRequest(ctx, ledger.RequestSpec{
				ClientID:     flow.ClientID,
				FlowID:       flow.FlowID,
				RequestID:    flow.NextRequestToProcess,
				NextState:    interrogateWaiting,
				Payload:      []byte("GetClientInfo"),
				SendToClient: true,
			})
			if err != nil {
				return err
			}
			flow.SerializedState = []byte(interrogateWaiting)
			return nil
		}

		for _, r := range ready {
			for _, resp := range r.Responses {
				if resp.IsStatus() {
					if resp.Status.Code != model.StatusOK {
						return fmt.Errorf("client reported: %s", resp.Status.Error)
					}
					continue
				}
				if err := l.WriteClientSnapshot(ctx, flow.ClientID, resp.Timestamp, resp.Payload); err != nil {
					return err
				}
				err := l.WriteFlowResults(ctx, &model.FlowResult{
					ClientID: flow.ClientID,
					FlowID:   flow.FlowID,
					Type:     "ClientInfo",
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

// HuntLedger is the part of the ledger service the hunt completion job uses.
type HuntLedger interface {
	ListHunts(ctx context.Context) ([]*model.Hunt, error)
	ListHuntFlows(ctx context.Context, id model.HuntID) ([]*model.Flow, error)
	IsHuntDone(ctx context.Context, id model.HuntID) (bool, error)
	CompleteHunt(ctx context.Context, id model.HuntID, comment string) error
}

// CompleteFinishedHunts returns the cron handler that completes started hunts
// which reached their client limit and have no running flow left. Hunts
// without a limit keep accepting clients until their duration elapses.
func CompleteFinishedHunts(l HuntLedger) CronHandler {
	return func(ctx context.Context, _ *model.CronJob) (string, error) {
		hunts, err := l.ListHunts(ctx)
		if err != nil {
			return "", err
		}
		var completed int
		var errs []error
		for _, h := range hunts {
			if h.State != model.HuntStarted || h.ClientLimit == 0 {
				continue
			}
			flows, err := l.ListHuntFlows(ctx, h.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if len(flows) < int(h.ClientLimit) {
				continue
			}
			done, err := l.IsHuntDone(ctx, h.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !done {
				continue
			}
			if err := l.CompleteHunt(ctx, h.ID, "all clients finished"); err != nil {
				errs = append(errs, err)
				continue
			}
			completed++
		}
		return fmt.Sprintf("completed %d hunts", completed), errors.Join(errs...)
	}
}
