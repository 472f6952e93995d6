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

// Client operations

func (s *SQLiteDatabase) WriteClientMetadata(ctx context.Context, id model.ClientID, firstSeen time.Time, lastPing *time.Time) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO clients (client_id, first_seen, last_ping) VALUES (?, ?, ?)
			ON CONFLICT (client_id) DO UPDATE SET last_ping = excluded.last_ping
			WHERE excluded.last_ping IS NOT NULL`,
			int64(id), toMicros(firstSeen), nullMicros(lastPing))
		if err != nil {
			return fmt.Errorf("writing client metadata: %w", err)
		}
		return nil
	})
}

const clientColumns = `client_id, first_seen, last_ping, last_snapshot_ts, last_startup_ts, last_crash_ts`

func scanClient(row interface{ Scan(...any) error }) (*model.Client, error) {
	var id, firstSeen int64
	var lastPing, snapshot, startup, crash sql.NullInt64
	if err := row.Scan(&id, &firstSeen, &lastPing, &snapshot, &startup, &crash); err != nil {
		return nil, err
	}
	return &model.Client{
		ID:             model.ClientID(id),
		FirstSeen:      fromMicros(firstSeen),
		LastPing:       timePtr(lastPing),
		LastSnapshotAt: timePtr(snapshot),
		LastStartupAt:  timePtr(startup),
		LastCrashAt:    timePtr(crash),
	}, nil
}

func (s *SQLiteDatabase) ReadClient(ctx context.Context, id model.ClientID) (*model.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, int64(id))
	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading client: %w", err)
	}
	return client, nil
}

func (s *SQLiteDatabase) ListClients(ctx context.Context) ([]*model.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var clients []*model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// DeleteClient removes the client. Foreign keys cascade to every row scoped
// under it; approvals name their subject by string and are removed explicitly
// in the same transaction.
func (s *SQLiteDatabase) DeleteClient(ctx context.Context, id model.ClientID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE client_id = ?`, int64(id))
		if err != nil {
			return fmt.Errorf("deleting client: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownClient, id)
		}
		return deleteSubjectApprovals(ctx, tx, model.ClientSubject{ClientID: id})
	})
}

func (s *SQLiteDatabase) AddClientLabels(ctx context.Context, id model.ClientID, owner string, labels []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, l := range labels {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO client_labels (client_id, owner, label) VALUES (?, ?, ?)
				ON CONFLICT DO NOTHING`, int64(id), owner, l)
			if err != nil {
				return mapConstraintError(err, "adding client label")
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) RemoveClientLabels(ctx context.Context, id model.ClientID, owner string, labels []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, l := range labels {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM client_labels WHERE client_id = ? AND owner = ? AND label = ?`, int64(id), owner, l)
			if err != nil {
				return fmt.Errorf("removing client label: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadClientLabels(ctx context.Context, id model.ClientID) ([]model.ClientLabel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, label FROM client_labels WHERE client_id = ? ORDER BY label, owner`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("reading client labels: %w", err)
	}
	defer rows.Close()

	var labels []model.ClientLabel
	for rows.Next() {
		l := model.ClientLabel{ClientID: id}
		if err := rows.Scan(&l.Owner, &l.Name); err != nil {
			return nil, fmt.Errorf("scanning client label: %w", err)
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// historyTable returns the history table and latest pointer column of kind.
func historyTable(kind model.HistoryKind) (table, pointer string, err error) {
	switch kind {
	case model.HistorySnapshot:
		return "client_snapshot_history", "last_snapshot_ts", nil
	case model.HistoryStartup:
		return "client_startup_history", "last_startup_ts", nil
	case model.HistoryCrash:
		return "client_crash_history", "last_crash_ts", nil
	}
	return "", "", fmt.Errorf("unknown client history kind %d", int(kind))
}

func (s *SQLiteDatabase) WriteClientHistory(ctx context.Context, entry *model.ClientHistoryEntry) error {
	table, pointer, err := historyTable(entry.Kind)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ts := toMicros(entry.Timestamp)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+table+` (client_id, timestamp, data) VALUES (?, ?, ?)
			ON CONFLICT (client_id, timestamp) DO UPDATE SET data = excluded.data`,
			int64(entry.ClientID), ts, entry.Data)
		if err != nil {
			return mapConstraintError(err, "writing client "+entry.Kind.String())
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE clients SET `+pointer+` = ?
			WHERE client_id = ? AND (`+pointer+` IS NULL OR `+pointer+` < ?)`,
			ts, int64(entry.ClientID), ts)
		if err != nil {
			return fmt.Errorf("updating client %s pointer: %w", entry.Kind, err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadClientHistory(ctx context.Context, id model.ClientID, kind model.HistoryKind) ([]*model.ClientHistoryEntry, error) {
	table, _, err := historyTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, data FROM `+table+` WHERE client_id = ? ORDER BY timestamp`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("reading client %s history: %w", kind, err)
	}
	defer rows.Close()

	var entries []*model.ClientHistoryEntry
	for rows.Next() {
		var ts int64
		e := &model.ClientHistoryEntry{ClientID: id, Kind: kind}
		if err := rows.Scan(&ts, &e.Data); err != nil {
			return nil, fmt.Errorf("scanning client history: %w", err)
		}
		e.Timestamp = fromMicros(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
