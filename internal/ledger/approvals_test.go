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

func mustRequestApproval(t *testing.T, svc *testutil.TestService, requestor string, subject model.Subject, notify ...string) *model.ApprovalRequest {
	t.Helper()
	req, err := svc.RequestApproval(context.Background(), ledger.ApprovalArgs{
		Requestor:     requestor,
		Subject:       subject,
		Reason:        "incident 42",
		NotifiedUsers: notify,
	})
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	return req
}

func TestService_Approvals(t *testing.T) {
	ctx := context.Background()
	subject := model.ClientSubject{ClientID: testClient}

	t.Run("grant by another user authorizes", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{Approvals: ledger.ApprovalPolicy{
			Client: ledger.SubjectPolicy{MinGrants: 1},
		}})
		req := mustRequestApproval(t, svc, "alice", subject, "bob")

		pending, err := svc.ReadNotifications(ctx, "bob", model.NotificationPending)
		if err != nil {
			t.Fatalf("ReadNotifications(bob) error = %v", err)
		}
		if len(pending) != 1 || pending[0].Type != ledger.NotificationApprovalRequested || pending[0].Reference != req.ApprovalID {
			t.Errorf("bob's notifications = %+v, want one approval request", pending)
		}

		err = svc.CheckApproval(ctx, "alice", "", subject)
		if !errors.Is(err, ledger.ErrInsufficientGrants) {
			t.Errorf("CheckApproval() before grant error = %v, want ErrInsufficientGrants", err)
		}

		if err := svc.Grant(ctx, "alice", req.ApprovalID, "bob"); err != nil {
			t.Fatalf("Grant() error = %v", err)
		}
		ok, err := svc.IsAuthorized(ctx, "alice", req.ApprovalID)
		if err != nil || !ok {
			t.Errorf("IsAuthorized() = %v, %v; want true", ok, err)
		}
		if err := svc.CheckApproval(ctx, "alice", req.ApprovalID, subject); err != nil {
			t.Errorf("CheckApproval() error = %v", err)
		}

		granted, err := svc.ReadNotifications(ctx, "alice", model.NotificationPending)
		if err != nil {
			t.Fatalf("ReadNotifications(alice) error = %v", err)
		}
		if len(granted) != 1 || granted[0].Type != ledger.NotificationApprovalGranted {
			t.Errorf("alice's notifications = %+v, want one grant", granted)
		}
		if err := svc.MarkNotificationsRead(ctx, "alice"); err != nil {
			t.Fatalf("MarkNotificationsRead() error = %v", err)
		}
		granted, err = svc.ReadNotifications(ctx, "alice", model.NotificationPending)
		if err != nil || len(granted) != 0 {
			t.Errorf("pending after mark read = %d, %v; want none", len(granted), err)
		}
	})

	t.Run("self grant is rejected", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		req := mustRequestApproval(t, svc, "alice", subject)

		err := svc.Grant(ctx, "alice", req.ApprovalID, "alice")
		if !errors.Is(err, ledger.ErrSelfGrantNotAllowed) {
			t.Errorf("Grant() error = %v, want ErrSelfGrantNotAllowed", err)
		}
		var ae *ledger.ApprovalError
		if !errors.As(err, &ae) || ae.ApprovalID != req.ApprovalID {
			t.Errorf("Grant() error = %v, want *ApprovalError for %s", err, req.ApprovalID)
		}
	})

	t.Run("self grant counts when allowed", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{Approvals: ledger.ApprovalPolicy{
			Client: ledger.SubjectPolicy{MinGrants: 1, AllowSelfApproval: true},
		}})
		req := mustRequestApproval(t, svc, "alice", subject)

		if err := svc.Grant(ctx, "alice", req.ApprovalID, "alice"); err != nil {
			t.Fatalf("Grant() error = %v", err)
		}
		if err := svc.CheckApproval(ctx, "alice", req.ApprovalID, subject); err != nil {
			t.Errorf("CheckApproval() error = %v", err)
		}
	})

	t.Run("distinct grantors are counted", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{Approvals: ledger.ApprovalPolicy{
			Client: ledger.SubjectPolicy{MinGrants: 2},
		}})
		req := mustRequestApproval(t, svc, "alice", subject)

		if err := svc.Grant(ctx, "alice", req.ApprovalID, "bob"); err != nil {
			t.Fatalf("Grant(bob) error = %v", err)
		}
		if err := svc.CheckApproval(ctx, "alice", req.ApprovalID, subject); !errors.Is(err, ledger.ErrInsufficientGrants) {
			t.Errorf("CheckApproval() with one grant error = %v, want ErrInsufficientGrants", err)
		}

		if err := svc.Grant(ctx, "alice", req.ApprovalID, "carol"); err != nil {
			t.Fatalf("Grant(carol) error = %v", err)
		}
		if err := svc.CheckApproval(ctx, "alice", req.ApprovalID, subject); err != nil {
			t.Errorf("CheckApproval() with two grants error = %v", err)
		}
	})

	t.Run("expired approval", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{Approvals: ledger.ApprovalPolicy{
			Client:        ledger.SubjectPolicy{MinGrants: 1},
			DefaultExpiry: time.Hour,
		}})
		req := mustRequestApproval(t, svc, "alice", subject)
		if err := svc.Grant(ctx, "alice", req.ApprovalID, "bob"); err != nil {
			t.Fatalf("Grant() error = %v", err)
		}

		svc.Clock.Advance(2 * time.Hour)

		if err := svc.CheckApproval(ctx, "alice", req.ApprovalID, subject); !errors.Is(err, ledger.ErrApprovalExpired) {
			t.Errorf("CheckApproval() error = %v, want ErrApprovalExpired", err)
		}
		if err := svc.Grant(ctx, "alice", req.ApprovalID, "carol"); !errors.Is(err, ledger.ErrApprovalExpired) {
			t.Errorf("Grant() error = %v, want ErrApprovalExpired", err)
		}
		ok, err := svc.IsAuthorized(ctx, "alice", req.ApprovalID)
		if err != nil || ok {
			t.Errorf("IsAuthorized() = %v, %v; want false", ok, err)
		}
	})

	t.Run("approval for another subject does not count", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		req := mustRequestApproval(t, svc, "alice", subject)
		if err := svc.Grant(ctx, "alice", req.ApprovalID, "bob"); err != nil {
			t.Fatalf("Grant() error = %v", err)
		}

		other := model.ClientSubject{ClientID: testClient + 1}
		if err := svc.CheckApproval(ctx, "alice", req.ApprovalID, other); !errors.Is(err, ledger.ErrApprovalNotFound) {
			t.Errorf("CheckApproval(other client) error = %v, want ErrApprovalNotFound", err)
		}
		if err := svc.CheckApproval(ctx, "bob", "", subject); !errors.Is(err, ledger.ErrApprovalNotFound) {
			t.Errorf("CheckApproval(bob) error = %v, want ErrApprovalNotFound", err)
		}
	})

	t.Run("subject must exist", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		_, err := svc.RequestApproval(ctx, ledger.ApprovalArgs{Requestor: "alice", Subject: model.ClientSubject{ClientID: 0x999}})
		if !errors.Is(err, ledger.ErrUnknownClient) {
			t.Errorf("RequestApproval() error = %v, want ErrUnknownClient", err)
		}
	})

	t.Run("list filters by subject type", func(t *testing.T) {
		svc := newTestService(t, ledger.Options{})
		hunt, err := svc.CreateHunt(ctx, ledger.HuntArgs{Creator: "alice", FlowClass: "Interrogate"})
		if err != nil {
			t.Fatalf("CreateHunt() error = %v", err)
		}
		mustRequestApproval(t, svc, "alice", subject)
		mustRequestApproval(t, svc, "alice", model.HuntSubject{HuntID: hunt.ID})

		all, err := svc.ListApprovals(ctx, "alice", 0)
		if err != nil {
			t.Fatalf("ListApprovals() error = %v", err)
		}
		hunts, err := svc.ListApprovals(ctx, "alice", model.SubjectHunt)
		if err != nil {
			t.Fatalf("ListApprovals(hunt) error = %v", err)
		}
		if len(all) != 2 || len(hunts) != 1 {
			t.Errorf("ListApprovals() = %d, hunt only = %d; want 2 and 1", len(all), len(hunts))
		}
	})
}

func TestService_CreateFlow_RequiresClientApproval(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, ledger.Options{
		RequireClientApproval: true,
		Approvals:             ledger.ApprovalPolicy{Client: ledger.SubjectPolicy{MinGrants: 1}},
	})
	args := ledger.FlowArgs{ClientID: testClient, FlowClass: "Interrogate", Creator: "alice"}

	_, err := svc.CreateFlow(ctx, args)
	var ae *ledger.ApprovalError
	if !errors.As(err, &ae) || !errors.Is(err, ledger.ErrApprovalNotFound) {
		t.Fatalf("CreateFlow() without approval error = %v, want ApprovalError wrapping ErrApprovalNotFound", err)
	}

	req := mustRequestApproval(t, svc, "alice", model.ClientSubject{ClientID: testClient})
	if err := svc.Grant(ctx, "alice", req.ApprovalID, "bob"); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	args.ApprovalID = req.ApprovalID
	if _, err := svc.CreateFlow(ctx, args); err != nil {
		t.Errorf("CreateFlow() with approval error = %v", err)
	}
}
