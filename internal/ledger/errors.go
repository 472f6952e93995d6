package ledger

import (
	"errors"
	"fmt"
	"strings"

	"fleetledger/internal/model"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnknownClient        = errors.New("unknown client")
	ErrUnknownFlow          = errors.New("unknown flow")
	ErrUnknownRequest       = errors.New("unknown flow request")
	ErrUnknownHunt          = errors.New("unknown hunt")
	ErrUnknownCronJob       = errors.New("unknown cron job")
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	ErrBlobNotFound         = errors.New("blob not found")
	ErrBlobCorrupted        = errors.New("blob content does not match its id")
	ErrChunkNotFound        = errors.New("blob chunk not found")
	ErrRetryBudgetExhausted = errors.New("lease retry budget exhausted")
	ErrApprovalNotFound     = errors.New("approval not found")
	ErrApprovalExpired      = errors.New("approval expired")
	ErrInsufficientGrants   = errors.New("approval has not been granted")
	ErrSelfGrantNotAllowed  = errors.New("requestor can not grant their own approval")
	ErrInvalidHuntState     = errors.New("invalid hunt state transition")
	ErrInvalidPath          = errors.New("invalid path")
	ErrFlowTerminating      = errors.New("flow is pending termination")
	ErrAlreadyExists        = errors.New("already exists")
)

// RetryBudgetError reports work items that were leased too many times and
// have been failed permanently instead of being leased again.
type RetryBudgetError struct {
	ClientActions   []*model.ClientActionRequest
	FlowProcessings []*model.FlowProcessingRequest
	MaxLeases       int
}

func (e *RetryBudgetError) Error() string {
	var parts []string
	for _, r := range e.ClientActions {
		parts = append(parts, fmt.Sprintf("%s/%s/%d", r.ClientID, r.FlowID, r.RequestID))
	}
	for _, r := range e.FlowProcessings {
		parts = append(parts, fmt.Sprintf("%s/%s", r.ClientID, r.FlowID))
	}
	return fmt.Sprintf("%v after %d leases: %s", ErrRetryBudgetExhausted, e.MaxLeases, strings.Join(parts, ", "))
}

func (e *RetryBudgetError) Unwrap() error { return ErrRetryBudgetExhausted }

// ApprovalError explains why an approval does not authorize its subject.
type ApprovalError struct {
	Subject    model.Subject
	ApprovalID string
	Reason     string
	Err        error
}

func (e *ApprovalError) Error() string {
	subject := "<none>"
	if e.Subject != nil {
		subject = e.Subject.Type().String() + " " + e.Subject.ID()
	}
	return fmt.Sprintf("approval %q for %s: %v: %s", e.ApprovalID, subject, e.Err, e.Reason)
}

func (e *ApprovalError) Unwrap() error { return e.Err }
