package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// statusSlot is model.StatusResponseID as stored.
const statusSlot = int64(-1)

// Flow operations

const flowColumns = `client_id, flow_id, parent_flow_id, parent_hunt_id, flow_class, creator, state,
	serialized_state, next_request_to_process, leased_until, leased_by, pending_termination, error,
	create_time, last_update_time`

func scanFlow(row interface{ Scan(...any) error }) (*model.Flow, error) {
	var f model.Flow
	var clientID, flowID, next, created, updated int64
	var parentFlow, parentHunt, leasedUntil sql.NullInt64
	var leasedBy, pending sql.NullString
	err := row.Scan(&clientID, &flowID, &parentFlow, &parentHunt, &f.FlowClass, &f.Creator, &f.State,
		&f.SerializedState, &next, &leasedUntil, &leasedBy, &pending, &f.Error, &created, &updated)
	if err != nil {
		return nil, err
	}
	f.ClientID = model.ClientID(clientID)
	f.FlowID = model.FlowID(flowID)
	if parentFlow.Valid {
		id := model.FlowID(parentFlow.Int64)
		f.ParentFlowID = &id
	}
	if parentHunt.Valid {
		id := model.HuntID(parentHunt.Int64)
		f.ParentHuntID = &id
	}
	f.NextRequestToProcess = model.RequestID(next)
	f.LeasedUntil = timePtr(leasedUntil)
	f.LeasedBy = leasedBy.String
	f.PendingTermination = pending.String
	f.CreateTime = fromMicros(created)
	f.LastUpdateTime = fromMicros(updated)
	return &f, nil
}

func nullFlowID(id *model.FlowID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func nullHuntID(id *model.HuntID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func (s *SQLiteDatabase) WriteFlow(ctx context.Context, flow *model.Flow) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO flows (client_id, flow_id, parent_flow_id, parent_hunt_id, flow_class, creator, state,
				serialized_state, next_request_to_process, pending_termination, error, create_time, last_update_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(flow.ClientID), int64(flow.FlowID), nullFlowID(flow.ParentFlowID), nullHuntID(flow.ParentHuntID),
			flow.FlowClass, flow.Creator, flow.State, flow.SerializedState, int64(flow.NextRequestToProcess),
			nullString(flow.PendingTermination), flow.Error, toMicros(flow.CreateTime), toMicros(flow.LastUpdateTime))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: flow %s/%s", ledger.ErrAlreadyExists, flow.ClientID, flow.FlowID)
			}
			return mapConstraintError(err, "writing flow")
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique)
}

func readFlow(ctx context.Context, q DBTX, client model.ClientID, id model.FlowID) (*model.Flow, error) {
	row := q.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE client_id = ? AND flow_id = ?`,
		int64(client), int64(id))
	flow, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading flow: %w", err)
	}
	return flow, nil
}

func (s *SQLiteDatabase) ReadFlow(ctx context.Context, client model.ClientID, id model.FlowID) (*model.Flow, error) {
	return readFlow(ctx, s.db, client, id)
}

func (s *SQLiteDatabase) queryFlows(ctx context.Context, query string, args ...any) ([]*model.Flow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*model.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning flow: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (s *SQLiteDatabase) ListFlows(ctx context.Context, client model.ClientID) ([]*model.Flow, error) {
	flows, err := s.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE client_id = ?
		ORDER BY create_time, flow_id`, int64(client))
	if err != nil {
		return nil, fmt.Errorf("listing flows: %w", err)
	}
	return flows, nil
}

func (s *SQLiteDatabase) ListChildFlows(ctx context.Context, client model.ClientID, parent model.FlowID) ([]*model.Flow, error) {
	flows, err := s.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE client_id = ? AND parent_flow_id = ?
		ORDER BY create_time, flow_id`, int64(client), int64(parent))
	if err != nil {
		return nil, fmt.Errorf("listing child flows: %w", err)
	}
	return flows, nil
}

// UpdateFlowState sets the flow state. A terminal state also drops the flow's
// lease and its outstanding client action and flow processing requests.
func (s *SQLiteDatabase) UpdateFlowState(ctx context.Context, client model.ClientID, flow model.FlowID, state model.FlowState, errMsg string, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE flows SET state = ?, error = ?, last_update_time = ?
			WHERE client_id = ? AND flow_id = ?`,
			state, errMsg, toMicros(now), int64(client), int64(flow))
		if err != nil {
			return fmt.Errorf("updating flow state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s/%s", ledger.ErrUnknownFlow, client, flow)
		}
		if !state.Terminal() {
			return nil
		}
		return clearFlowWork(ctx, tx, client, flow)
	})
}

func clearFlowWork(ctx context.Context, tx *sql.Tx, client model.ClientID, flow model.FlowID) error {
	stmts := []string{
		`DELETE FROM client_action_requests WHERE client_id = ? AND flow_id = ?`,
		`DELETE FROM flow_processing_requests WHERE client_id = ? AND flow_id = ?`,
		`UPDATE flows SET leased_until = NULL, leased_by = NULL WHERE client_id = ? AND flow_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, int64(client), int64(flow)); err != nil {
			return fmt.Errorf("clearing outstanding flow work: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDatabase) RequestFlowTermination(ctx context.Context, client model.ClientID, flow model.FlowID, reason string, now time.Time) error {
	if reason == "" {
		reason = "termination requested"
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		f, err := readFlow(ctx, tx, client, flow)
		if err != nil {
			return err
		}
		if f == nil {
			return fmt.Errorf("%w: %s/%s", ledger.ErrUnknownFlow, client, flow)
		}
		if f.State.Terminal() || f.PendingTermination != "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE flows SET pending_termination = ?, last_update_time = ?
			WHERE client_id = ? AND flow_id = ?`,
			reason, toMicros(now), int64(client), int64(flow))
		if err != nil {
			return fmt.Errorf("marking flow for termination: %w", err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) LeaseFlowForProcessing(ctx context.Context, client model.ClientID, flow model.FlowID, owner string, now time.Time, duration time.Duration) (*model.Flow, error) {
	var leased *model.Flow
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		leased = nil
		res, err := tx.ExecContext(ctx, `
			UPDATE flows SET leased_until = ?, leased_by = ?
			WHERE client_id = ? AND flow_id = ? AND (leased_until IS NULL OR leased_until < ?)`,
			toMicros(now.Add(duration)), owner, int64(client), int64(flow), toMicros(now))
		if err != nil {
			return fmt.Errorf("leasing flow: %w", err)
		}
		n, _ := res.RowsAffected()
		f, err := readFlow(ctx, tx, client, flow)
		if err != nil {
			return err
		}
		if f == nil {
			return fmt.Errorf("%w: %s/%s", ledger.ErrUnknownFlow, client, flow)
		}
		if n == 1 {
			leased = f
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (s *SQLiteDatabase) ReleaseProcessedFlow(ctx context.Context, flow *model.Flow, now time.Time) (bool, error) {
	released := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		released = false
		var needs int
		err := tx.QueryRowContext(ctx, `
			SELECT needs_processing FROM flow_requests
			WHERE client_id = ? AND flow_id = ? AND request_id = ?`,
			int64(flow.ClientID), int64(flow.FlowID), int64(flow.NextRequestToProcess)).Scan(&needs)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking next request: %w", err)
		}
		if needs == 1 && !flow.State.Terminal() {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE flows SET serialized_state = ?, next_request_to_process = ?, state = ?, error = ?,
				leased_until = NULL, leased_by = NULL, last_update_time = ?
			WHERE client_id = ? AND flow_id = ?`,
			flow.SerializedState, int64(flow.NextRequestToProcess), flow.State, flow.Error, toMicros(now),
			int64(flow.ClientID), int64(flow.FlowID))
		if err != nil {
			return fmt.Errorf("releasing flow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s/%s", ledger.ErrUnknownFlow, flow.ClientID, flow.FlowID)
		}
		if flow.State.Terminal() {
			if err := clearFlowWork(ctx, tx, flow.ClientID, flow.FlowID); err != nil {
				return err
			}
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	flow.LeasedUntil = nil
	flow.LeasedBy = ""
	return released, nil
}

// Requests and responses

func (s *SQLiteDatabase) WriteFlowRequest(ctx context.Context, req *model.FlowRequest, action *model.ClientActionRequest) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO flow_requests (client_id, flow_id, request_id, needs_processing, responses_expected,
				next_state, payload, timestamp)
			VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
			int64(req.ClientID), int64(req.FlowID), int64(req.RequestID), int64(req.ResponsesExpected),
			req.NextState, req.Payload, toMicros(req.Timestamp))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: request %d of flow %s", ledger.ErrAlreadyExists, req.RequestID, req.FlowID)
			}
			return mapConstraintError(err, "writing flow request")
		}
		if action == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO client_action_requests (client_id, flow_id, request_id, payload, leased_count)
			VALUES (?, ?, ?, ?, 0)`,
			int64(action.ClientID), int64(action.FlowID), int64(action.RequestID), action.Payload)
		if err != nil {
			return mapConstraintError(err, "writing client action request")
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadFlowRequest(ctx context.Context, client model.ClientID, flow model.FlowID, id model.RequestID) (*model.FlowRequest, error) {
	req := &model.FlowRequest{ClientID: client, FlowID: flow, RequestID: id}
	var needs int
	var expected, ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT needs_processing, responses_expected, next_state, payload, timestamp
		FROM flow_requests WHERE client_id = ? AND flow_id = ? AND request_id = ?`,
		int64(client), int64(flow), int64(id)).Scan(&needs, &expected, &req.NextState, &req.Payload, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading flow request: %w", err)
	}
	req.NeedsProcessing = needs == 1
	req.ResponsesExpected = uint64(expected)
	req.Timestamp = fromMicros(ts)
	return req, nil
}

func (s *SQLiteDatabase) WriteFlowResponse(ctx context.Context, resp *model.FlowResponse) (*ledger.WriteResponseResult, error) {
	var result *ledger.WriteResponseResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = writeResponse(ctx, tx, resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// writeResponse stores one response and, if it completes its request, flips
// needs_processing with a conditional update so exactly one writer observes
// the transition. When the completed request is the next one the flow
// processes, a flow processing request is queued.
func writeResponse(ctx context.Context, tx *sql.Tx, resp *model.FlowResponse) (*ledger.WriteResponseResult, error) {
	client, flow, reqID := int64(resp.ClientID), int64(resp.FlowID), int64(resp.RequestID)

	var needs int
	var expected int64
	err := tx.QueryRowContext(ctx, `
		SELECT needs_processing, responses_expected FROM flow_requests
		WHERE client_id = ? AND flow_id = ? AND request_id = ?`, client, flow, reqID).Scan(&needs, &expected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %w: %s/%s/%d", ledger.ErrReferentialIntegrity, ledger.ErrUnknownRequest,
				resp.ClientID, resp.FlowID, resp.RequestID)
		}
		return nil, fmt.Errorf("reading flow request: %w", err)
	}

	responseID := int64(resp.ResponseID)
	var code, errMsg sql.NullString
	if resp.Status != nil {
		responseID = statusSlot
		code = sql.NullString{String: string(resp.Status.Code), Valid: true}
		errMsg = nullString(resp.Status.Error)
	} else if responseID == statusSlot {
		return nil, fmt.Errorf("response id %d is reserved for the status", resp.ResponseID)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO flow_responses (client_id, flow_id, request_id, response_id, payload, status_code,
			status_error, iterator_state, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		client, flow, reqID, responseID, resp.Payload, code, errMsg, resp.IteratorState, toMicros(resp.Timestamp))
	if err != nil {
		return nil, mapConstraintError(err, "writing flow response")
	}
	result := &ledger.WriteResponseResult{NeedsProcessing: needs == 1}
	if n, _ := res.RowsAffected(); n == 0 {
		result.Duplicate = true
		return result, nil
	}
	if needs == 1 {
		return result, nil
	}

	complete := resp.Status != nil
	if !complete && expected > 0 {
		var received int64
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM flow_responses
			WHERE client_id = ? AND flow_id = ? AND request_id = ? AND response_id != ?`,
			client, flow, reqID, statusSlot).Scan(&received)
		if err != nil {
			return nil, fmt.Errorf("counting responses: %w", err)
		}
		complete = received >= expected
	}
	if !complete {
		return result, nil
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE flow_requests SET needs_processing = 1
		WHERE client_id = ? AND flow_id = ? AND request_id = ? AND needs_processing = 0`,
		client, flow, reqID)
	if err != nil {
		return nil, fmt.Errorf("marking request for processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return result, nil
	}
	result.NeedsProcessing = true
	result.Completed = true

	var next int64
	err = tx.QueryRowContext(ctx, `SELECT next_request_to_process FROM flows WHERE client_id = ? AND flow_id = ?`,
		client, flow).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("reading flow cursor: %w", err)
	}
	if next == reqID {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO flow_processing_requests (client_id, flow_id, request_time, leased_count)
			VALUES (?, ?, ?, 0) ON CONFLICT DO NOTHING`,
			client, flow, toMicros(resp.Timestamp))
		if err != nil {
			return nil, fmt.Errorf("queueing flow processing request: %w", err)
		}
		result.Enqueued = true
	}
	return result, nil
}

func readResponses(ctx context.Context, q DBTX, client model.ClientID, flow model.FlowID, id model.RequestID) ([]*model.FlowResponse, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT response_id, payload, status_code, status_error, iterator_state, timestamp
		FROM flow_responses WHERE client_id = ? AND flow_id = ? AND request_id = ?
		ORDER BY status_code IS NOT NULL, response_id`,
		int64(client), int64(flow), int64(id))
	if err != nil {
		return nil, fmt.Errorf("reading flow responses: %w", err)
	}
	defer rows.Close()

	var responses []*model.FlowResponse
	for rows.Next() {
		r := &model.FlowResponse{ClientID: client, FlowID: flow, RequestID: id}
		var respID, ts int64
		var code, errMsg sql.NullString
		if err := rows.Scan(&respID, &r.Payload, &code, &errMsg, &r.IteratorState, &ts); err != nil {
			return nil, fmt.Errorf("scanning flow response: %w", err)
		}
		r.ResponseID = model.ResponseID(respID)
		r.Timestamp = fromMicros(ts)
		if code.Valid {
			r.Status = &model.Status{Code: model.StatusCode(code.String), Error: errMsg.String}
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

func (s *SQLiteDatabase) ReadFlowResponses(ctx context.Context, client model.ClientID, flow model.FlowID, id model.RequestID) ([]*model.FlowResponse, error) {
	return readResponses(ctx, s.db, client, flow, id)
}

func (s *SQLiteDatabase) ReadRequestsReadyForProcessing(ctx context.Context, client model.ClientID, flow model.FlowID, next model.RequestID) ([]*model.RequestWithResponses, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, needs_processing, responses_expected, next_state, payload, timestamp
		FROM flow_requests WHERE client_id = ? AND flow_id = ? AND request_id >= ?
		ORDER BY request_id`,
		int64(client), int64(flow), int64(next))
	if err != nil {
		return nil, fmt.Errorf("reading flow requests: %w", err)
	}

	var ready []*model.RequestWithResponses
	expect := next
	for rows.Next() {
		req := &model.FlowRequest{ClientID: client, FlowID: flow}
		var id, expected, ts int64
		var needs int
		if err := rows.Scan(&id, &needs, &expected, &req.NextState, &req.Payload, &ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning flow request: %w", err)
		}
		if model.RequestID(id) != expect || needs != 1 {
			break
		}
		req.RequestID = model.RequestID(id)
		req.NeedsProcessing = true
		req.ResponsesExpected = uint64(expected)
		req.Timestamp = fromMicros(ts)
		ready = append(ready, &model.RequestWithResponses{Request: req})
		expect++
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("reading flow requests: %w", err)
	}

	// Responses are read after the request cursor is closed; an in-memory
	// database has a single connection.
	for _, r := range ready {
		r.Responses, err = readResponses(ctx, s.db, client, flow, r.Request.RequestID)
		if err != nil {
			return nil, err
		}
	}
	return ready, nil
}

func (s *SQLiteDatabase) DeleteFlowRequests(ctx context.Context, client model.ClientID, flow model.FlowID, ids []model.RequestID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM flow_requests WHERE client_id = ? AND flow_id = ? AND request_id = ?`,
				int64(client), int64(flow), int64(id))
			if err != nil {
				return fmt.Errorf("deleting flow request %d: %w", id, err)
			}
		}
		return nil
	})
}

// Client action requests

const retryBudgetMessage = "client action request retry budget exhausted"

func (s *SQLiteDatabase) LeaseClientActionRequests(ctx context.Context, client model.ClientID, p ledger.LeaseParams) (leased, exhausted []*model.ClientActionRequest, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		leased, exhausted = nil, nil
		now := toMicros(p.Now)
		limit := p.Limit
		if limit <= 0 {
			limit = -1
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT car.flow_id, car.request_id, car.payload, car.leased_count
			FROM client_action_requests car
			JOIN flows f ON f.client_id = car.client_id AND f.flow_id = car.flow_id
			WHERE car.client_id = ?
			  AND (car.leased_until IS NULL OR car.leased_until < ?)
			  AND f.pending_termination IS NULL
			  AND f.state = ?
			ORDER BY car.flow_id, car.request_id
			LIMIT ?`,
			int64(client), now, model.FlowRunning, limit)
		if err != nil {
			return fmt.Errorf("selecting client action requests: %w", err)
		}
		var candidates []*model.ClientActionRequest
		for rows.Next() {
			r := &model.ClientActionRequest{ClientID: client}
			var flowID, reqID int64
			if err := rows.Scan(&flowID, &reqID, &r.Payload, &r.LeasedCount); err != nil {
				rows.Close()
				return fmt.Errorf("scanning client action request: %w", err)
			}
			r.FlowID = model.FlowID(flowID)
			r.RequestID = model.RequestID(reqID)
			candidates = append(candidates, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		until := p.Now.Add(p.Duration)
		for _, r := range candidates {
			if p.MaxLeases > 0 && r.LeasedCount >= p.MaxLeases {
				if err := failClientActionRequest(ctx, tx, r, p.Now); err != nil {
					return err
				}
				exhausted = append(exhausted, r)
				continue
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE client_action_requests
				SET leased_until = ?, leased_by = ?, leased_count = leased_count + 1
				WHERE client_id = ? AND flow_id = ? AND request_id = ?
				  AND (leased_until IS NULL OR leased_until < ?) AND leased_count = ?`,
				toMicros(until), p.Owner, int64(r.ClientID), int64(r.FlowID), int64(r.RequestID), now, r.LeasedCount)
			if err != nil {
				return fmt.Errorf("leasing client action request: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			r.LeasedCount++
			r.LeasedBy = p.Owner
			leasedUntil := until
			r.LeasedUntil = &leasedUntil
			leased = append(leased, r)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return leased, exhausted, nil
}

// failClientActionRequest removes a request that used up its retry budget and
// answers it with a terminal error status so the flow sees the failure.
func failClientActionRequest(ctx context.Context, tx *sql.Tx, r *model.ClientActionRequest, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM client_action_requests WHERE client_id = ? AND flow_id = ? AND request_id = ?`,
		int64(r.ClientID), int64(r.FlowID), int64(r.RequestID))
	if err != nil {
		return fmt.Errorf("deleting exhausted client action request: %w", err)
	}
	_, err = writeResponse(ctx, tx, &model.FlowResponse{
		ClientID:   r.ClientID,
		FlowID:     r.FlowID,
		RequestID:  r.RequestID,
		ResponseID: model.StatusResponseID,
		Status: &model.Status{
			Code:  model.StatusError,
			Error: fmt.Sprintf("%s after %d leases", retryBudgetMessage, r.LeasedCount),
		},
		Timestamp: now,
	})
	return err
}

func (s *SQLiteDatabase) ReadClientActionRequests(ctx context.Context, client model.ClientID) ([]*model.ClientActionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, request_id, payload, leased_until, leased_by, leased_count
		FROM client_action_requests WHERE client_id = ? ORDER BY flow_id, request_id`, int64(client))
	if err != nil {
		return nil, fmt.Errorf("reading client action requests: %w", err)
	}
	defer rows.Close()

	var reqs []*model.ClientActionRequest
	for rows.Next() {
		r := &model.ClientActionRequest{ClientID: client}
		var flowID, reqID int64
		var until sql.NullInt64
		var by sql.NullString
		if err := rows.Scan(&flowID, &reqID, &r.Payload, &until, &by, &r.LeasedCount); err != nil {
			return nil, fmt.Errorf("scanning client action request: %w", err)
		}
		r.FlowID = model.FlowID(flowID)
		r.RequestID = model.RequestID(reqID)
		r.LeasedUntil = timePtr(until)
		r.LeasedBy = by.String
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func (s *SQLiteDatabase) DeleteClientActionRequest(ctx context.Context, client model.ClientID, flow model.FlowID, id model.RequestID) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM client_action_requests WHERE client_id = ? AND flow_id = ? AND request_id = ?`,
			int64(client), int64(flow), int64(id))
		if err != nil {
			return fmt.Errorf("deleting client action request: %w", err)
		}
		return nil
	})
}

// Flow processing requests

func (s *SQLiteDatabase) WriteFlowProcessingRequest(ctx context.Context, req *model.FlowProcessingRequest) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO flow_processing_requests (client_id, flow_id, request_time, delivery_time, leased_count)
			VALUES (?, ?, ?, ?, 0) ON CONFLICT DO NOTHING`,
			int64(req.ClientID), int64(req.FlowID), toMicros(req.RequestTime), nullMicros(req.DeliveryTime))
		if err != nil {
			return mapConstraintError(err, "writing flow processing request")
		}
		return nil
	})
}

func (s *SQLiteDatabase) LeaseFlowProcessingRequests(ctx context.Context, p ledger.LeaseParams) (leased, exhausted []*model.FlowProcessingRequest, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		leased, exhausted = nil, nil
		now := toMicros(p.Now)
		limit := p.Limit
		if limit <= 0 {
			limit = -1
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT client_id, flow_id, request_time, delivery_time, leased_count
			FROM flow_processing_requests
			WHERE (leased_until IS NULL OR leased_until < ?)
			  AND (delivery_time IS NULL OR delivery_time <= ?)
			ORDER BY COALESCE(delivery_time, request_time), client_id, flow_id
			LIMIT ?`, now, now, limit)
		if err != nil {
			return fmt.Errorf("selecting flow processing requests: %w", err)
		}
		var candidates []*model.FlowProcessingRequest
		for rows.Next() {
			r := &model.FlowProcessingRequest{}
			var client, flow, reqTime int64
			var delivery sql.NullInt64
			if err := rows.Scan(&client, &flow, &reqTime, &delivery, &r.LeasedCount); err != nil {
				rows.Close()
				return fmt.Errorf("scanning flow processing request: %w", err)
			}
			r.ClientID = model.ClientID(client)
			r.FlowID = model.FlowID(flow)
			r.RequestTime = fromMicros(reqTime)
			r.DeliveryTime = timePtr(delivery)
			candidates = append(candidates, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		until := p.Now.Add(p.Duration)
		for _, r := range candidates {
			key := []any{int64(r.ClientID), int64(r.FlowID), toMicros(r.RequestTime)}
			if p.MaxLeases > 0 && r.LeasedCount >= p.MaxLeases {
				if _, err := tx.ExecContext(ctx, `
					UPDATE flows SET state = ?, error = ?, last_update_time = ?
					WHERE client_id = ? AND flow_id = ? AND state = ?`,
					model.FlowError, "flow processing retry budget exhausted", now,
					int64(r.ClientID), int64(r.FlowID), model.FlowRunning); err != nil {
					return fmt.Errorf("failing flow: %w", err)
				}
				// Removes this request too, along with anything still queued for the client.
				if err := clearFlowWork(ctx, tx, r.ClientID, r.FlowID); err != nil {
					return err
				}
				exhausted = append(exhausted, r)
				continue
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE flow_processing_requests
				SET leased_until = ?, leased_by = ?, leased_count = leased_count + 1
				WHERE client_id = ? AND flow_id = ? AND request_time = ?
				  AND (leased_until IS NULL OR leased_until < ?) AND leased_count = ?`,
				append([]any{toMicros(until), p.Owner}, append(key, now, r.LeasedCount)...)...)
			if err != nil {
				return fmt.Errorf("leasing flow processing request: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			r.LeasedCount++
			r.LeasedBy = p.Owner
			leasedUntil := until
			r.LeasedUntil = &leasedUntil
			leased = append(leased, r)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return leased, exhausted, nil
}

func (s *SQLiteDatabase) AckFlowProcessingRequests(ctx context.Context, reqs []*model.FlowProcessingRequest) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range reqs {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM flow_processing_requests WHERE client_id = ? AND flow_id = ? AND request_time = ?`,
				int64(r.ClientID), int64(r.FlowID), toMicros(r.RequestTime))
			if err != nil {
				return fmt.Errorf("acknowledging flow processing request: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadFlowProcessingRequests(ctx context.Context) ([]*model.FlowProcessingRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, flow_id, request_time, delivery_time, leased_until, leased_by, leased_count
		FROM flow_processing_requests ORDER BY request_time, client_id, flow_id`)
	if err != nil {
		return nil, fmt.Errorf("reading flow processing requests: %w", err)
	}
	defer rows.Close()

	var reqs []*model.FlowProcessingRequest
	for rows.Next() {
		r := &model.FlowProcessingRequest{}
		var client, flow, reqTime int64
		var delivery, until sql.NullInt64
		var by sql.NullString
		if err := rows.Scan(&client, &flow, &reqTime, &delivery, &until, &by, &r.LeasedCount); err != nil {
			return nil, fmt.Errorf("scanning flow processing request: %w", err)
		}
		r.ClientID = model.ClientID(client)
		r.FlowID = model.FlowID(flow)
		r.RequestTime = fromMicros(reqTime)
		r.DeliveryTime = timePtr(delivery)
		r.LeasedUntil = timePtr(until)
		r.LeasedBy = by.String
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}
