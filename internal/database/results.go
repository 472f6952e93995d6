package database

import (
	"context"
	"database/sql"
	"fmt"

	"fleetledger/internal/model"
)

// Results, errors and log entries are keyed by flow and, for hunt flows, by
// hunt. The hunt id defaults to the flow's parent hunt.

const huntOfFlow = `COALESCE(?, (SELECT parent_hunt_id FROM flows WHERE client_id = ? AND flow_id = ?))`

func (s *SQLiteDatabase) WriteFlowResults(ctx context.Context, results []*model.FlowResult) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range results {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO flow_results (client_id, flow_id, hunt_id, timestamp, tag, type, payload)
				VALUES (?, ?, `+huntOfFlow+`, ?, ?, ?, ?)`,
				int64(r.ClientID), int64(r.FlowID), nullHuntID(r.HuntID), int64(r.ClientID), int64(r.FlowID),
				toMicros(r.Timestamp), r.Tag, r.Type, r.Payload)
			if err != nil {
				return mapConstraintError(err, "writing flow result")
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) WriteFlowErrors(ctx context.Context, errs []*model.FlowErrorEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range errs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO flow_errors (client_id, flow_id, hunt_id, timestamp, message, payload)
				VALUES (?, ?, `+huntOfFlow+`, ?, ?, ?)`,
				int64(e.ClientID), int64(e.FlowID), nullHuntID(e.HuntID), int64(e.ClientID), int64(e.FlowID),
				toMicros(e.Timestamp), e.Message, e.Payload)
			if err != nil {
				return mapConstraintError(err, "writing flow error")
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) WriteFlowLogEntries(ctx context.Context, entries []*model.FlowLogEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO flow_log_entries (client_id, flow_id, hunt_id, timestamp, message)
				VALUES (?, ?, `+huntOfFlow+`, ?, ?)`,
				int64(e.ClientID), int64(e.FlowID), nullHuntID(e.HuntID), int64(e.ClientID), int64(e.FlowID),
				toMicros(e.Timestamp), e.Message)
			if err != nil {
				return mapConstraintError(err, "writing flow log entry")
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadFlowResults(ctx context.Context, client model.ClientID, flow model.FlowID, offset, count int) ([]*model.FlowResult, error) {
	return s.queryResults(ctx, `WHERE client_id = ? AND flow_id = ? ORDER BY id`, offset, count, int64(client), int64(flow))
}

func (s *SQLiteDatabase) ReadFlowErrors(ctx context.Context, client model.ClientID, flow model.FlowID, offset, count int) ([]*model.FlowErrorEntry, error) {
	return s.queryErrors(ctx, `WHERE client_id = ? AND flow_id = ? ORDER BY id`, offset, count, int64(client), int64(flow))
}

func (s *SQLiteDatabase) ReadFlowLogEntries(ctx context.Context, client model.ClientID, flow model.FlowID, offset, count int) ([]*model.FlowLogEntry, error) {
	return s.queryLogEntries(ctx, `WHERE client_id = ? AND flow_id = ? ORDER BY id`, offset, count, int64(client), int64(flow))
}

// pageArgs appends LIMIT/OFFSET arguments; count <= 0 means no limit.
func pageArgs(args []any, offset, count int) []any {
	if count <= 0 {
		count = -1
	}
	return append(args, count, offset)
}

func huntIDPtr(n sql.NullInt64) *model.HuntID {
	if !n.Valid {
		return nil
	}
	id := model.HuntID(n.Int64)
	return &id
}

func (s *SQLiteDatabase) queryResults(ctx context.Context, where string, offset, count int, args ...any) ([]*model.FlowResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, flow_id, hunt_id, timestamp, tag, type, payload
		FROM flow_results `+where+` LIMIT ? OFFSET ?`, pageArgs(args, offset, count)...)
	if err != nil {
		return nil, fmt.Errorf("reading flow results: %w", err)
	}
	defer rows.Close()

	var results []*model.FlowResult
	for rows.Next() {
		r := &model.FlowResult{}
		var client, flow, ts int64
		var hunt sql.NullInt64
		if err := rows.Scan(&client, &flow, &hunt, &ts, &r.Tag, &r.Type, &r.Payload); err != nil {
			return nil, fmt.Errorf("scanning flow result: %w", err)
		}
		r.ClientID = model.ClientID(client)
		r.FlowID = model.FlowID(flow)
		r.HuntID = huntIDPtr(hunt)
		r.Timestamp = fromMicros(ts)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *SQLiteDatabase) queryErrors(ctx context.Context, where string, offset, count int, args ...any) ([]*model.FlowErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, flow_id, hunt_id, timestamp, message, payload
		FROM flow_errors `+where+` LIMIT ? OFFSET ?`, pageArgs(args, offset, count)...)
	if err != nil {
		return nil, fmt.Errorf("reading flow errors: %w", err)
	}
	defer rows.Close()

	var errs []*model.FlowErrorEntry
	for rows.Next() {
		e := &model.FlowErrorEntry{}
		var client, flow, ts int64
		var hunt sql.NullInt64
		if err := rows.Scan(&client, &flow, &hunt, &ts, &e.Message, &e.Payload); err != nil {
			return nil, fmt.Errorf("scanning flow error: %w", err)
		}
		e.ClientID = model.ClientID(client)
		e.FlowID = model.FlowID(flow)
		e.HuntID = huntIDPtr(hunt)
		e.Timestamp = fromMicros(ts)
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

func (s *SQLiteDatabase) queryLogEntries(ctx context.Context, where string, offset, count int, args ...any) ([]*model.FlowLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, flow_id, hunt_id, timestamp, message
		FROM flow_log_entries `+where+` LIMIT ? OFFSET ?`, pageArgs(args, offset, count)...)
	if err != nil {
		return nil, fmt.Errorf("reading flow log entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.FlowLogEntry
	for rows.Next() {
		e := &model.FlowLogEntry{}
		var client, flow, ts int64
		var hunt sql.NullInt64
		if err := rows.Scan(&client, &flow, &hunt, &ts, &e.Message); err != nil {
			return nil, fmt.Errorf("scanning flow log entry: %w", err)
		}
		e.ClientID = model.ClientID(client)
		e.FlowID = model.FlowID(flow)
		e.HuntID = huntIDPtr(hunt)
		e.Timestamp = fromMicros(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
