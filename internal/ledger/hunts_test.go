package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
	"fleetledger/internal/testutil"
)

func mustCreateHunt(t *testing.T, svc *testutil.TestService) *model.Hunt {
	t.Helper()
	hunt, err := svc.CreateHunt(context.Background(), ledger.HuntArgs{
		Creator:     "alice",
		Description: "collect sshd config",
		Duration:    24 * time.Hour,
		FlowClass:   "Interrogate",
		ClientRule:  "all",
	})
	if err != nil {
		t.Fatalf("CreateHunt() error = %v", err)
	}
	return hunt
}

func TestService_HuntLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("created paused", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		hunt := mustCreateHunt(t, svc)
		if hunt.State != model.HuntPaused {
			t.Errorf("State = %s, want %s", hunt.State, model.HuntPaused)
		}
	})

	t.Run("negative rate", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		if _, err := svc.CreateHunt(ctx, ledger.HuntArgs{Creator: "alice", ClientRate: -1}); err == nil {
			t.Error("CreateHunt() with negative rate succeeded, want error")
		}
	})

	t.Run("transitions", func(t *testing.T) {
		tests := []struct {
			name    string
			actions []func(svc *testutil.TestService, id model.HuntID) error
			want    model.HuntState
			wantErr bool
		}{
			{
				name:    "start",
				actions: []func(*testutil.TestService, model.HuntID) error{start},
				want:    model.HuntStarted,
			},
			{
				name:    "start then complete",
				actions: []func(*testutil.TestService, model.HuntID) error{start, complete},
				want:    model.HuntCompleted,
			},
			{
				name:    "stop paused hunt",
				actions: []func(*testutil.TestService, model.HuntID) error{stop},
				want:    model.HuntStopped,
			},
			{
				name:    "stopped hunt can not restart",
				actions: []func(*testutil.TestService, model.HuntID) error{start, stop, start},
				want:    model.HuntStopped,
				wantErr: true,
			},
			{
				name:    "paused hunt can not complete",
				actions: []func(*testutil.TestService, model.HuntID) error{complete},
				want:    model.HuntPaused,
				wantErr: true,
			},
			{
				name:    "completed hunt can not stop",
				actions: []func(*testutil.TestService, model.HuntID) error{start, complete, stop},
				want:    model.HuntCompleted,
				wantErr: true,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				svc := newTestService(t, ledger.Options{})
				hunt := mustCreateHunt(t, svc)

				var err error
				for _, action := range tt.actions {
					if err = action(svc, hunt.ID); err != nil {
						break
					}
				}
				if tt.wantErr != (err != nil) {
					t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
				}
				if tt.wantErr && !errors.Is(err, ledger.ErrInvalidHuntState) {
					t.Errorf("error = %v, want ErrInvalidHuntState", err)
				}

				got, err := svc.ReadHunt(ctx, hunt.ID)
				if err != nil {
					t.Fatalf("ReadHunt() error = %v", err)
				}
				if got.State != tt.want {
					t.Errorf("State = %s, want %s", got.State, tt.want)
				}
			})
		}
	})

	t.Run("start requires approval", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{Approvals: ledger.ApprovalPolicy{Hunt: ledger.SubjectPolicy{MinGrants: 1}}})
		hunt := mustCreateHunt(t, svc)

		if err := svc.StartHunt(ctx, hunt.ID, "alice", ""); !errors.Is(err, ledger.ErrApprovalNotFound) {
			t.Fatalf("StartHunt() without approval error = %v, want ErrApprovalNotFound", err)
		}

		req := mustRequestApproval(t, svc, "alice", model.HuntSubject{HuntID: hunt.ID})
		if err := svc.Grant(ctx, "alice", req.ApprovalID, "bob"); err != nil {
			t.Fatalf("Grant() error = %v", err)
		}
		if err := svc.StartHunt(ctx, hunt.ID, "alice", req.ApprovalID); err != nil {
			t.Errorf("StartHunt() with approval error = %v", err)
		}
	})

	t.Run("unknown hunt", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		if err := svc.StartHunt(ctx, 404, "alice", ""); !errors.Is(err, ledger.ErrUnknownHunt) {
			t.Errorf("StartHunt() error = %v, want ErrUnknownHunt", err)
		}
	})
}

func start(svc *testutil.TestService, id model.HuntID) error {
	return svc.StartHunt(context.Background(), id, "alice", "")
}

func stop(svc *testutil.TestService, id model.HuntID) error {
	return svc.StopHunt(context.Background(), id, "operator stop")
}

func complete(svc *testutil.TestService, id model.HuntID) error {
	return svc.CompleteHunt(context.Background(), id, "done")
}

func TestService_HuntFlows(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testutil.TestService, *model.Hunt, *model.Flow) {
		svc := newTestService(t, ledger.Options{})
		hunt := mustCreateHunt(t, svc)
		if err := svc.StartHunt(ctx, hunt.ID, "alice", ""); err != nil {
			t.Fatalf("StartHunt() error = %v", err)
		}
		flow, err := svc.CreateHuntFlow(ctx, hunt, testClient)
		if err != nil {
			t.Fatalf("CreateHuntFlow() error = %v", err)
		}
		return svc, hunt, flow
	}

	t.Run("results are indexed by hunt", func(t *testing.T) {
		svc, hunt, flow := setup(t)

		if flow.ParentHuntID == nil || *flow.ParentHuntID != hunt.ID {
			t.Fatalf("ParentHuntID = %v, want %s", flow.ParentHuntID, hunt.ID)
		}
		err := svc.WriteFlowResults(ctx,
			&model.FlowResult{ClientID: testClient, FlowID: flow.FlowID, Type: "ClientInfo", Payload: []byte("a")},
			&model.FlowResult{ClientID: testClient, FlowID: flow.FlowID, Type: "ClientInfo", Payload: []byte("b")},
		)
		if err != nil {
			t.Fatalf("WriteFlowResults() error = %v", err)
		}
		if err := svc.WriteFlowErrors(ctx, &model.FlowErrorEntry{ClientID: testClient, FlowID: flow.FlowID, Message: "denied"}); err != nil {
			t.Fatalf("WriteFlowErrors() error = %v", err)
		}
		if err := svc.WriteFlowLog(ctx, testClient, flow.FlowID, "collected"); err != nil {
			t.Fatalf("WriteFlowLog() error = %v", err)
		}

		n, err := svc.CountHuntResults(ctx, hunt.ID)
		if err != nil || n != 2 {
			t.Errorf("CountHuntResults() = %d, %v; want 2", n, err)
		}
		results, err := svc.ReadHuntResults(ctx, hunt.ID, 1, 10)
		if err != nil {
			t.Fatalf("ReadHuntResults() error = %v", err)
		}
		if len(results) != 1 || string(results[0].Payload) != "b" {
			t.Errorf("ReadHuntResults(offset 1) = %+v, want the second result", results)
		}
		errs, err := svc.ReadHuntErrors(ctx, hunt.ID, 0, 10)
		if err != nil || len(errs) != 1 {
			t.Errorf("ReadHuntErrors() = %d, %v; want 1", len(errs), err)
		}
		logs, err := svc.ReadHuntLog(ctx, hunt.ID, 0, 10)
		if err != nil || len(logs) != 1 {
			t.Errorf("ReadHuntLog() = %d, %v; want 1", len(logs), err)
		}
	})

	t.Run("done once every flow finished", func(t *testing.T) {
		svc, hunt, flow := setup(t)

		done, err := svc.IsHuntDone(ctx, hunt.ID)
		if err != nil || done {
			t.Fatalf("IsHuntDone() = %v, %v; want false", done, err)
		}
		if err := svc.FinishFlow(ctx, testClient, flow.FlowID, model.FlowFinished, ""); err != nil {
			t.Fatalf("FinishFlow() error = %v", err)
		}
		done, err = svc.IsHuntDone(ctx, hunt.ID)
		if err != nil || !done {
			t.Errorf("IsHuntDone() = %v, %v; want true", done, err)
		}
	})

	t.Run("stop terminates running flows", func(t *testing.T) {
		svc, hunt, flow := setup(t)

		if err := svc.StopHunt(ctx, hunt.ID, "wrong target"); err != nil {
			t.Fatalf("StopHunt() error = %v", err)
		}
		got, err := svc.ReadFlow(ctx, testClient, flow.FlowID)
		if err != nil {
			t.Fatalf("ReadFlow() error = %v", err)
		}
		if got.PendingTermination == "" {
			t.Error("hunt flow was not asked to terminate")
		}
	})

	t.Run("delete removes flows", func(t *testing.T) {
		svc, hunt, flow := setup(t)

		if err := svc.DeleteHunt(ctx, hunt.ID); err != nil {
			t.Fatalf("DeleteHunt() error = %v", err)
		}
		if _, err := svc.ReadHunt(ctx, hunt.ID); !errors.Is(err, ledger.ErrUnknownHunt) {
			t.Errorf("ReadHunt() error = %v, want ErrUnknownHunt", err)
		}
		if _, err := svc.ReadFlow(ctx, testClient, flow.FlowID); !errors.Is(err, ledger.ErrUnknownFlow) {
			t.Errorf("ReadFlow() error = %v, want ErrUnknownFlow", err)
		}
	})
}

func TestService_ClientHistory(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, ledger.Options{})

	base := svc.Now()
	if err := svc.WriteClientSnapshot(ctx, testClient, base.Add(time.Hour), []byte("new")); err != nil {
		t.Fatalf("WriteClientSnapshot(new) error = %v", err)
	}
	if err := svc.WriteClientSnapshot(ctx, testClient, base, []byte("old")); err != nil {
		t.Fatalf("WriteClientSnapshot(old) error = %v", err)
	}
	if err := svc.WriteClientCrashInfo(ctx, testClient, base, []byte("panic")); err != nil {
		t.Fatalf("WriteClientCrashInfo() error = %v", err)
	}

	snapshots, err := svc.ReadClientHistory(ctx, testClient, model.HistorySnapshot)
	if err != nil {
		t.Fatalf("ReadClientHistory() error = %v", err)
	}
	if len(snapshots) != 2 || string(snapshots[0].Data) != "old" {
		t.Errorf("snapshots = %+v, want old then new", snapshots)
	}

	crashes, err := svc.ReadClientHistory(ctx, testClient, model.HistoryCrash)
	if err != nil || len(crashes) != 1 {
		t.Errorf("crashes = %d, %v; want 1", len(crashes), err)
	}

	if err := svc.AddClientLabels(ctx, testClient, "alice", "linux", "prod"); err != nil {
		t.Fatalf("AddClientLabels() error = %v", err)
	}
	if err := svc.AddClientLabels(ctx, testClient, "bob", "linux"); err != nil {
		t.Fatalf("AddClientLabels(bob) error = %v", err)
	}
	if err := svc.RemoveClientLabels(ctx, testClient, "alice", "prod"); err != nil {
		t.Fatalf("RemoveClientLabels() error = %v", err)
	}
	labels, err := svc.ClientLabels(ctx, testClient)
	if err != nil {
		t.Fatalf("ClientLabels() error = %v", err)
	}
	if len(labels) != 1 || labels[0] != "linux" {
		t.Errorf("ClientLabels() = %v, want [linux]", labels)
	}
}
