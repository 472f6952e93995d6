package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// Hunt operations

const huntColumns = `hunt_id, creator, description, duration, client_rate, client_limit, state, state_comment,
	flow_class, flow_args, client_rule, create_time, last_update_time, init_start_time, last_start_time`

func scanHunt(row interface{ Scan(...any) error }) (*model.Hunt, error) {
	var h model.Hunt
	var id, duration, limit, created, updated int64
	var initStart, lastStart sql.NullInt64
	err := row.Scan(&id, &h.Creator, &h.Description, &duration, &h.ClientRate, &limit, &h.State, &h.StateComment,
		&h.FlowClass, &h.FlowArgs, &h.ClientRule, &created, &updated, &initStart, &lastStart)
	if err != nil {
		return nil, err
	}
	h.ID = model.HuntID(id)
	h.Duration = time.Duration(duration) * time.Microsecond
	h.ClientLimit = uint32(limit)
	h.CreateTime = fromMicros(created)
	h.LastUpdateTime = fromMicros(updated)
	h.InitStartTime = timePtr(initStart)
	h.LastStartTime = timePtr(lastStart)
	return &h, nil
}

func (s *SQLiteDatabase) WriteHunt(ctx context.Context, hunt *model.Hunt) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO hunts (hunt_id, creator, description, duration, client_rate, client_limit, state,
				state_comment, flow_class, flow_args, client_rule, create_time, last_update_time,
				init_start_time, last_start_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(hunt.ID), hunt.Creator, hunt.Description, hunt.Duration.Microseconds(), hunt.ClientRate,
			int64(hunt.ClientLimit), hunt.State, hunt.StateComment, hunt.FlowClass, hunt.FlowArgs, hunt.ClientRule,
			toMicros(hunt.CreateTime), toMicros(hunt.LastUpdateTime),
			nullMicros(hunt.InitStartTime), nullMicros(hunt.LastStartTime))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: hunt %s", ledger.ErrAlreadyExists, hunt.ID)
			}
			return fmt.Errorf("writing hunt: %w", err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadHunt(ctx context.Context, id model.HuntID) (*model.Hunt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+huntColumns+` FROM hunts WHERE hunt_id = ?`, int64(id))
	hunt, err := scanHunt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading hunt: %w", err)
	}
	return hunt, nil
}

func (s *SQLiteDatabase) ListHunts(ctx context.Context) ([]*model.Hunt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+huntColumns+` FROM hunts ORDER BY create_time DESC, hunt_id`)
	if err != nil {
		return nil, fmt.Errorf("listing hunts: %w", err)
	}
	defer rows.Close()

	var hunts []*model.Hunt
	for rows.Next() {
		h, err := scanHunt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning hunt: %w", err)
		}
		hunts = append(hunts, h)
	}
	return hunts, rows.Err()
}

// UpdateHuntState is a conditional update on the current state. Moving to
// STARTED stamps the start times.
func (s *SQLiteDatabase) UpdateHuntState(ctx context.Context, id model.HuntID, from []model.HuntState, to model.HuntState, comment string, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no source hunt states given")
	}
	args := []any{to, comment, toMicros(now)}
	startTimes := ""
	if to == model.HuntStarted {
		startTimes = `, init_start_time = COALESCE(init_start_time, ?), last_start_time = ?`
		args = append(args, toMicros(now), toMicros(now))
	}
	args = append(args, int64(id))
	for _, st := range from {
		args = append(args, st)
	}

	var updated bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE hunts SET state = ?, state_comment = ?, last_update_time = ?`+startTimes+`
			WHERE hunt_id = ? AND state IN (`+placeholders(len(from))+`)`, args...)
		if err != nil {
			return fmt.Errorf("updating hunt state: %w", err)
		}
		n, _ := res.RowsAffected()
		updated = n == 1
		return nil
	})
	return updated, err
}

// DeleteHunt removes the hunt. Its flows and by-hunt entries go with it through
// foreign keys; approvals are removed in the same transaction.
func (s *SQLiteDatabase) DeleteHunt(ctx context.Context, id model.HuntID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM hunts WHERE hunt_id = ?`, int64(id))
		if err != nil {
			return fmt.Errorf("deleting hunt: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownHunt, id)
		}
		return deleteSubjectApprovals(ctx, tx, model.HuntSubject{HuntID: id})
	})
}

func (s *SQLiteDatabase) ListHuntFlows(ctx context.Context, id model.HuntID) ([]*model.Flow, error) {
	flows, err := s.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE parent_hunt_id = ?
		ORDER BY create_time, client_id`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("listing hunt flows: %w", err)
	}
	return flows, nil
}

func (s *SQLiteDatabase) CountHuntFlowsByState(ctx context.Context, id model.HuntID) (map[model.FlowState]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM flows WHERE parent_hunt_id = ? GROUP BY state`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("counting hunt flows: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.FlowState]int)
	for rows.Next() {
		var state model.FlowState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning hunt flow count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteDatabase) ReadHuntResults(ctx context.Context, id model.HuntID, offset, count int) ([]*model.FlowResult, error) {
	return s.queryResults(ctx, `WHERE hunt_id = ? ORDER BY flow_id, id`, offset, count, int64(id))
}

func (s *SQLiteDatabase) CountHuntResults(ctx context.Context, id model.HuntID) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flow_results WHERE hunt_id = ?`, int64(id)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting hunt results: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) ReadHuntErrors(ctx context.Context, id model.HuntID, offset, count int) ([]*model.FlowErrorEntry, error) {
	return s.queryErrors(ctx, `WHERE hunt_id = ? ORDER BY flow_id, id`, offset, count, int64(id))
}

func (s *SQLiteDatabase) ReadHuntLogEntries(ctx context.Context, id model.HuntID, offset, count int) ([]*model.FlowLogEntry, error) {
	return s.queryLogEntries(ctx, `WHERE hunt_id = ? ORDER BY flow_id, id`, offset, count, int64(id))
}
