package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fleetledger/internal/model"
)

// Audit operations

func (s *SQLiteDatabase) CreateAuditOperation(ctx context.Context, operation, parameters, username string, now time.Time) (*model.AuditOperation, error) {
	op := &model.AuditOperation{
		Operation:  operation,
		Parameters: parameters,
		Username:   username,
		Status:     "running",
		StartedAt:  now,
	}
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO api_audit (operation, parameters, username, status, started_at)
			VALUES (?, ?, ?, ?, ?)`,
			op.Operation, op.Parameters, op.Username, op.Status, toMicros(now))
		if err != nil {
			return fmt.Errorf("creating audit operation: %w", err)
		}
		op.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (s *SQLiteDatabase) FinishAuditOperation(ctx context.Context, id int64, status string, now time.Time) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE api_audit SET status = ?, finished_at = ? WHERE id = ?`, status, toMicros(now), id)
		if err != nil {
			return fmt.Errorf("finishing audit operation: %w", err)
		}
		return nil
	})
}

// ListAuditOperations returns the most recent operations, newest first.
// limit <= 0 returns all of them.
func (s *SQLiteDatabase) ListAuditOperations(ctx context.Context, limit int) ([]*model.AuditOperation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, parameters, username, status, started_at, finished_at
		FROM api_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.AuditOperation
	for rows.Next() {
		op := &model.AuditOperation{}
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Username, &op.Status, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning audit operation: %w", err)
		}
		op.StartedAt = fromMicros(started)
		op.FinishedAt = timePtr(finished)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *SQLiteDatabase) MaxAuditOperationID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM api_audit`).Scan(&id); err != nil {
		return 0, fmt.Errorf("reading max audit operation id: %w", err)
	}
	return id, nil
}
