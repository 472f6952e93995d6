package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetledger/internal/model"
)

const (
	NotificationApprovalRequested = "APPROVAL_REQUESTED"
	NotificationApprovalGranted   = "APPROVAL_GRANTED"
)

// ApprovalArgs describes an approval request.
type ApprovalArgs struct {
	Requestor     string
	Subject       model.Subject
	Reason        string
	NotifiedUsers []string
	// Expiry overrides the policy's default expiry when positive.
	Expiry time.Duration
}

// RequestApproval records an approval request for a subject and notifies the
// listed approvers.
func (s *Service) RequestApproval(ctx context.Context, args ApprovalArgs) (*model.ApprovalRequest, error) {
	if args.Requestor == "" {
		return nil, fmt.Errorf("approval requestor must not be empty")
	}
	if args.Subject == nil {
		return nil, fmt.Errorf("approval subject must not be empty")
	}
	if err := s.checkSubjectExists(ctx, args.Subject); err != nil {
		return nil, err
	}

	for _, u := range append([]string{args.Requestor}, args.NotifiedUsers...) {
		if err := s.database.WriteUser(ctx, u); err != nil {
			return nil, fmt.Errorf("writing user %s: %w", u, err)
		}
	}

	expiry := args.Expiry
	if expiry <= 0 {
		expiry = s.opts.Approvals.DefaultExpiry
	}
	now := s.clock.Now()
	req := &model.ApprovalRequest{
		RequestorHash:  model.HashOfString(args.Requestor),
		Requestor:      args.Requestor,
		ApprovalID:     s.idgen.New(),
		Subject:        args.Subject,
		Reason:         args.Reason,
		NotifiedUsers:  args.NotifiedUsers,
		ExpirationTime: now.Add(expiry),
		CreationTime:   now,
	}
	if err := s.database.WriteApprovalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("writing approval request: %w", err)
	}

	for _, u := range args.NotifiedUsers {
		n := &model.Notification{
			UserHash:  model.HashOfString(u),
			Timestamp: now,
			State:     model.NotificationPending,
			Type:      NotificationApprovalRequested,
			Message:   fmt.Sprintf("%s requested access to %s %s: %s", args.Requestor, args.Subject.Type(), args.Subject.ID(), args.Reason),
			Reference: req.ApprovalID,
		}
		if err := s.database.WriteNotification(ctx, n); err != nil {
			return nil, fmt.Errorf("writing notification: %w", err)
		}
	}

	s.logger.Info("approval requested", "requestor", args.Requestor, "approval", req.ApprovalID,
		"subject_type", args.Subject.Type().String(), "subject", args.Subject.ID())
	return req, nil
}

func (s *Service) checkSubjectExists(ctx context.Context, subject model.Subject) error {
	switch sub := subject.(type) {
	case model.ClientSubject:
		_, err := s.ReadClient(ctx, sub.ClientID)
		return err
	case model.HuntSubject:
		_, err := s.ReadHunt(ctx, sub.HuntID)
		return err
	case model.CronJobSubject:
		_, err := s.ReadCronJob(ctx, sub.JobID)
		return err
	}
	return fmt.Errorf("unsupported approval subject %T", subject)
}

// ReadApproval returns an approval request with its grants.
func (s *Service) ReadApproval(ctx context.Context, requestor, approvalID string) (*model.ApprovalRequest, error) {
	req, err := s.database.ReadApprovalRequest(ctx, model.HashOfString(requestor), approvalID)
	if err != nil {
		return nil, fmt.Errorf("reading approval request: %w", err)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrApprovalNotFound, requestor, approvalID)
	}
	return req, nil
}

// ListApprovals returns the approval requests of requestor, optionally limited
// to one subject type (zero means all).
func (s *Service) ListApprovals(ctx context.Context, requestor string, subjectType model.SubjectType) ([]*model.ApprovalRequest, error) {
	reqs, err := s.database.ListApprovalRequests(ctx, model.HashOfString(requestor), nil)
	if err != nil {
		return nil, fmt.Errorf("listing approval requests: %w", err)
	}
	if subjectType == 0 {
		return reqs, nil
	}
	var out []*model.ApprovalRequest
	for _, r := range reqs {
		if r.Subject.Type() == subjectType {
			out = append(out, r)
		}
	}
	return out, nil
}

// Grant adds grantor's grant to an approval request and notifies the requestor.
func (s *Service) Grant(ctx context.Context, requestor, approvalID, grantor string) error {
	req, err := s.ReadApproval(ctx, requestor, approvalID)
	if err != nil {
		return err
	}
	policy := s.opts.Approvals.For(req.Subject.Type())
	if grantor == req.Requestor && !policy.AllowSelfApproval {
		return &ApprovalError{Subject: req.Subject, ApprovalID: approvalID, Reason: grantor, Err: ErrSelfGrantNotAllowed}
	}
	now := s.clock.Now()
	if now.After(req.ExpirationTime) {
		return &ApprovalError{Subject: req.Subject, ApprovalID: approvalID,
			Reason: "expired at " + req.ExpirationTime.Format(time.RFC3339), Err: ErrApprovalExpired}
	}

	if err := s.database.WriteUser(ctx, grantor); err != nil {
		return fmt.Errorf("writing user %s: %w", grantor, err)
	}
	if err := s.database.GrantApproval(ctx, req.RequestorHash, approvalID, grantor, now); err != nil {
		return fmt.Errorf("granting approval: %w", err)
	}

	n := &model.Notification{
		UserHash:  req.RequestorHash,
		Timestamp: now,
		State:     model.NotificationPending,
		Type:      NotificationApprovalGranted,
		Message:   fmt.Sprintf("%s granted access to %s %s", grantor, req.Subject.Type(), req.Subject.ID()),
		Reference: approvalID,
	}
	if err := s.database.WriteNotification(ctx, n); err != nil {
		return fmt.Errorf("writing notification: %w", err)
	}

	s.logger.Info("approval granted", "requestor", requestor, "approval", approvalID, "grantor", grantor)
	return nil
}

// IsAuthorized recomputes from the grant rows whether an approval currently
// authorizes its subject.
func (s *Service) IsAuthorized(ctx context.Context, requestor, approvalID string) (bool, error) {
	req, err := s.ReadApproval(ctx, requestor, approvalID)
	if err != nil {
		return false, err
	}
	if err := s.evaluateApproval(req); err != nil {
		var ae *ApprovalError
		if errors.As(err, &ae) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CheckApproval returns nil if user holds an authorized approval for subject.
// With an empty approvalID any of the user's approvals for the subject counts.
// Failures are reported as *ApprovalError.
func (s *Service) CheckApproval(ctx context.Context, user, approvalID string, subject model.Subject) error {
	err := s.checkApproval(ctx, user, approvalID, subject)
	switch {
	case err == nil:
		metricApprovalChecks.WithLabelValues("authorized").Inc()
	case errors.Is(err, ErrApprovalExpired):
		metricApprovalChecks.WithLabelValues("expired").Inc()
	default:
		metricApprovalChecks.WithLabelValues("denied").Inc()
	}
	return err
}

func (s *Service) checkApproval(ctx context.Context, user, approvalID string, subject model.Subject) error {
	if approvalID != "" {
		req, err := s.database.ReadApprovalRequest(ctx, model.HashOfString(user), approvalID)
		if err != nil {
			return fmt.Errorf("reading approval request: %w", err)
		}
		if req == nil || !sameSubject(req.Subject, subject) {
			return &ApprovalError{Subject: subject, ApprovalID: approvalID, Reason: "no such approval for " + user, Err: ErrApprovalNotFound}
		}
		return s.evaluateApproval(req)
	}

	reqs, err := s.database.ListApprovalRequests(ctx, model.HashOfString(user), subject)
	if err != nil {
		return fmt.Errorf("listing approval requests: %w", err)
	}
	if len(reqs) == 0 {
		return &ApprovalError{Subject: subject, Reason: "no approval requested by " + user, Err: ErrApprovalNotFound}
	}
	var last error
	for _, r := range reqs {
		if last = s.evaluateApproval(r); last == nil {
			return nil
		}
	}
	return last
}

func (s *Service) evaluateApproval(req *model.ApprovalRequest) error {
	now := s.clock.Now()
	if now.After(req.ExpirationTime) {
		return &ApprovalError{Subject: req.Subject, ApprovalID: req.ApprovalID,
			Reason: "expired at " + req.ExpirationTime.Format(time.RFC3339), Err: ErrApprovalExpired}
	}
	policy := s.opts.Approvals.For(req.Subject.Type())
	grantors := make(map[model.UsernameHash]bool)
	for _, g := range req.Grants {
		if g.GrantorHash == req.RequestorHash && !policy.AllowSelfApproval {
			continue
		}
		grantors[g.GrantorHash] = true
	}
	if len(grantors) < policy.MinGrants {
		return &ApprovalError{Subject: req.Subject, ApprovalID: req.ApprovalID,
			Reason: fmt.Sprintf("%d of %d grants", len(grantors), policy.MinGrants), Err: ErrInsufficientGrants}
	}
	return nil
}

func sameSubject(a, b model.Subject) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Type() == b.Type() && a.ID() == b.ID()
}

// ReadNotifications returns a user's notifications in the given state, or all
// of them when state is empty.
func (s *Service) ReadNotifications(ctx context.Context, user string, state model.NotificationState) ([]*model.Notification, error) {
	ns, err := s.database.ReadNotifications(ctx, model.HashOfString(user), state)
	if err != nil {
		return nil, fmt.Errorf("reading notifications: %w", err)
	}
	return ns, nil
}

// MarkNotificationsRead marks all pending notifications of a user as read.
func (s *Service) MarkNotificationsRead(ctx context.Context, user string) error {
	hash := model.HashOfString(user)
	pending, err := s.database.ReadNotifications(ctx, hash, model.NotificationPending)
	if err != nil {
		return fmt.Errorf("reading notifications: %w", err)
	}
	for _, n := range pending {
		if err := s.database.UpdateNotificationState(ctx, hash, n.Timestamp, model.NotificationRead); err != nil {
			return fmt.Errorf("updating notification: %w", err)
		}
	}
	return nil
}
