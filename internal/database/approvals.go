package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// User and approval operations

func (s *SQLiteDatabase) WriteUser(ctx context.Context, username string) error {
	hash := model.HashOfString(username)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (username_hash, username) VALUES (?, ?)
			ON CONFLICT (username_hash) DO NOTHING`, hash[:], username)
		if err != nil {
			return fmt.Errorf("writing user: %w", err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadUser(ctx context.Context, hash model.UsernameHash) (*model.User, error) {
	u := &model.User{Hash: hash}
	err := s.db.QueryRowContext(ctx, `SELECT username FROM users WHERE username_hash = ?`, hash[:]).Scan(&u.Username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading user: %w", err)
	}
	return u, nil
}

func (s *SQLiteDatabase) WriteApprovalRequest(ctx context.Context, req *model.ApprovalRequest) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approval_requests (username_hash, approval_id, subject_type, subject_id, reason,
				notified_users, expiration_time, creation_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			req.RequestorHash[:], req.ApprovalID, int(req.Subject.Type()), req.Subject.ID(), req.Reason,
			strings.Join(req.NotifiedUsers, "\n"), toMicros(req.ExpirationTime), toMicros(req.CreationTime))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: approval %s", ledger.ErrAlreadyExists, req.ApprovalID)
			}
			return mapConstraintError(err, "writing approval request")
		}
		return nil
	})
}

const approvalColumns = `a.username_hash, u.username, a.approval_id, a.subject_type, a.subject_id, a.reason,
	a.notified_users, a.expiration_time, a.creation_time`

func scanApproval(row interface{ Scan(...any) error }) (*model.ApprovalRequest, error) {
	r := &model.ApprovalRequest{}
	var hash []byte
	var subjectType int
	var subjectID, notified string
	var expires, created int64
	if err := row.Scan(&hash, &r.Requestor, &r.ApprovalID, &subjectType, &subjectID, &r.Reason,
		&notified, &expires, &created); err != nil {
		return nil, err
	}
	var err error
	if r.RequestorHash, err = model.HashFromBytes(hash); err != nil {
		return nil, err
	}
	if r.Subject, err = model.SubjectFrom(model.SubjectType(subjectType), subjectID); err != nil {
		return nil, err
	}
	if notified != "" {
		r.NotifiedUsers = strings.Split(notified, "\n")
	}
	r.ExpirationTime = fromMicros(expires)
	r.CreationTime = fromMicros(created)
	return r, nil
}

func (s *SQLiteDatabase) readGrants(ctx context.Context, r *model.ApprovalRequest) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.grantor_username_hash, u.username, g.timestamp
		FROM approval_grants g JOIN users u ON u.username_hash = g.grantor_username_hash
		WHERE g.username_hash = ? AND g.approval_id = ?
		ORDER BY g.timestamp`, r.RequestorHash[:], r.ApprovalID)
	if err != nil {
		return fmt.Errorf("reading approval grants: %w", err)
	}
	defer rows.Close()

	r.Grants = nil
	for rows.Next() {
		var hash []byte
		var ts int64
		var g model.ApprovalGrant
		if err := rows.Scan(&hash, &g.Grantor, &ts); err != nil {
			return fmt.Errorf("scanning approval grant: %w", err)
		}
		if g.GrantorHash, err = model.HashFromBytes(hash); err != nil {
			return err
		}
		g.Timestamp = fromMicros(ts)
		r.Grants = append(r.Grants, g)
	}
	return rows.Err()
}

func (s *SQLiteDatabase) ReadApprovalRequest(ctx context.Context, requestor model.UsernameHash, id string) (*model.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approval_requests a JOIN users u ON u.username_hash = a.username_hash
		WHERE a.username_hash = ? AND a.approval_id = ?`, requestor[:], id)
	r, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading approval request: %w", err)
	}
	if err := s.readGrants(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteDatabase) ListApprovalRequests(ctx context.Context, requestor model.UsernameHash, subject model.Subject) ([]*model.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + `
		FROM approval_requests a JOIN users u ON u.username_hash = a.username_hash
		WHERE a.username_hash = ?`
	args := []any{requestor[:]}
	if subject != nil {
		query += ` AND a.subject_type = ? AND a.subject_id = ?`
		args = append(args, int(subject.Type()), subject.ID())
	}
	query += ` ORDER BY a.creation_time DESC, a.approval_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing approval requests: %w", err)
	}
	var reqs []*model.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning approval request: %w", err)
		}
		reqs = append(reqs, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("listing approval requests: %w", err)
	}

	for _, r := range reqs {
		if err := s.readGrants(ctx, r); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

func (s *SQLiteDatabase) GrantApproval(ctx context.Context, requestor model.UsernameHash, id string, grantor string, ts time.Time) error {
	grantorHash := model.HashOfString(grantor)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM approval_requests WHERE username_hash = ? AND approval_id = ?`,
			requestor[:], id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ledger.ErrApprovalNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("reading approval request: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO approval_grants (username_hash, approval_id, grantor_username_hash, timestamp)
			VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			requestor[:], id, grantorHash[:], toMicros(ts))
		if err != nil {
			return mapConstraintError(err, "writing approval grant")
		}
		return nil
	})
}

// deleteSubjectApprovals removes the approvals of a deleted subject; grants
// cascade.
func deleteSubjectApprovals(ctx context.Context, tx *sql.Tx, subject model.Subject) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM approval_requests WHERE subject_type = ? AND subject_id = ?`,
		int(subject.Type()), subject.ID())
	if err != nil {
		return fmt.Errorf("deleting %s approvals: %w", subject.Type(), err)
	}
	return nil
}

// Notifications

func (s *SQLiteDatabase) WriteNotification(ctx context.Context, n *model.Notification) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO notifications (username_hash, timestamp, state, type, message, reference)
			VALUES (?, ?, ?, ?, ?, ?)`,
			n.UserHash[:], toMicros(n.Timestamp), n.State, n.Type, n.Message, n.Reference)
		if err != nil {
			return mapConstraintError(err, "writing notification")
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadNotifications(ctx context.Context, user model.UsernameHash, state model.NotificationState) ([]*model.Notification, error) {
	query := `SELECT timestamp, state, type, message, reference FROM notifications WHERE username_hash = ?`
	args := []any{user[:]}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, state)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY timestamp, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("reading notifications: %w", err)
	}
	defer rows.Close()

	var ns []*model.Notification
	for rows.Next() {
		n := &model.Notification{UserHash: user}
		var ts int64
		if err := rows.Scan(&ts, &n.State, &n.Type, &n.Message, &n.Reference); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.Timestamp = fromMicros(ts)
		ns = append(ns, n)
	}
	return ns, rows.Err()
}

func (s *SQLiteDatabase) UpdateNotificationState(ctx context.Context, user model.UsernameHash, ts time.Time, state model.NotificationState) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE notifications SET state = ? WHERE username_hash = ? AND timestamp = ?`,
			state, user[:], toMicros(ts))
		if err != nil {
			return fmt.Errorf("updating notification state: %w", err)
		}
		return nil
	})
}
