package ledger

import (
	"context"
	"fmt"

	"fleetledger/internal/model"
)

// StartAuditOperation records the start of an operator command.
func (s *Service) StartAuditOperation(ctx context.Context, operation, parameters, username string) (*model.AuditOperation, error) {
	op, err := s.database.CreateAuditOperation(ctx, operation, parameters, username, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("creating audit operation: %w", err)
	}
	return op, nil
}

// FinishAuditOperation records the outcome of an operator command.
func (s *Service) FinishAuditOperation(ctx context.Context, id int64, status string) error {
	if err := s.database.FinishAuditOperation(ctx, id, status, s.clock.Now()); err != nil {
		return fmt.Errorf("finishing audit operation: %w", err)
	}
	return nil
}

// GetHistory returns the most recent audit operations, newest first.
func (s *Service) GetHistory(ctx context.Context, limit int) ([]*model.AuditOperation, error) {
	ops, err := s.database.ListAuditOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit operations: %w", err)
	}
	return ops, nil
}
