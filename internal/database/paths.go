package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// Client path index operations. Paths are stored normalized; the root is ""
// and every ancestor of a written path exists as a directory.

// ancestors returns the normalized ancestors of p, root first.
func ancestors(p string) []string {
	if p == "" {
		return nil
	}
	out := []string{""}
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}

func (s *SQLiteDatabase) WritePathInfo(ctx context.Context, client model.ClientID, w *ledger.PathWrite) error {
	cid := int64(client)
	pid := ledger.PathID(w.Path)
	ts := toMicros(w.Timestamp)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, a := range ancestors(w.Path) {
			aid := ledger.PathID(a)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO client_paths (client_id, path_type, path_id, path, depth, directory)
				VALUES (?, ?, ?, ?, ?, 1)
				ON CONFLICT (client_id, path_type, path_id) DO UPDATE SET directory = 1`,
				cid, int(w.PathType), aid[:], a, ledger.PathDepth(a))
			if err != nil {
				return mapConstraintError(err, "writing ancestor path")
			}
		}

		onConflict := `DO NOTHING`
		if w.Hash == nil {
			onConflict = `DO UPDATE SET directory = excluded.directory`
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO client_paths (client_id, path_type, path_id, path, depth, directory)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (client_id, path_type, path_id) `+onConflict,
			cid, int(w.PathType), pid[:], w.Path, ledger.PathDepth(w.Path), boolInt(w.Directory))
		if err != nil {
			return mapConstraintError(err, "writing path")
		}

		if w.Hash == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO client_path_stat_entries (client_id, path_type, path_id, timestamp, stat_entry)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (client_id, path_type, path_id, timestamp) DO UPDATE SET stat_entry = excluded.stat_entry`,
				cid, int(w.PathType), pid[:], ts, w.Stat)
			if err != nil {
				return fmt.Errorf("writing stat entry: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE client_paths SET last_stat_ts = ?
				WHERE client_id = ? AND path_type = ? AND path_id = ?
					AND (last_stat_ts IS NULL OR last_stat_ts < ?)`,
				ts, cid, int(w.PathType), pid[:], ts)
			if err != nil {
				return fmt.Errorf("moving latest stat pointer: %w", err)
			}
			return nil
		}

		var sha []byte
		if w.Hash.SHA256 != nil {
			sha = w.Hash.SHA256.Bytes()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO client_path_hash_entries (client_id, path_type, path_id, timestamp, hash_entry, sha256)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (client_id, path_type, path_id, timestamp) DO UPDATE SET hash_entry = excluded.hash_entry, sha256 = excluded.sha256`,
			cid, int(w.PathType), pid[:], ts, w.Hash.HashEntry, sha)
		if err != nil {
			return fmt.Errorf("writing hash entry: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE client_paths SET last_hash_ts = ?
			WHERE client_id = ? AND path_type = ? AND path_id = ?
				AND (last_hash_ts IS NULL OR last_hash_ts < ?)`,
			ts, cid, int(w.PathType), pid[:], ts)
		if err != nil {
			return fmt.Errorf("moving latest hash pointer: %w", err)
		}
		return nil
	})
}

const clientPathColumns = `p.client_id, p.path_type, p.path_id, p.path, p.depth, p.directory, p.last_stat_ts, p.last_hash_ts`

func scanClientPath(row interface{ Scan(...any) error }, extra ...any) (*model.ClientPath, error) {
	var cp model.ClientPath
	var client int64
	var pathType int
	var pid []byte
	var statTS, hashTS sql.NullInt64
	dest := append([]any{&client, &pathType, &pid, &cp.Path, &cp.Depth, &cp.Directory, &statTS, &hashTS}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	var err error
	if cp.PathID, err = model.HashFromBytes(pid); err != nil {
		return nil, err
	}
	cp.ClientID = model.ClientID(client)
	cp.PathType = model.PathType(pathType)
	cp.LastStatAt = timePtr(statTS)
	cp.LastHashAt = timePtr(hashTS)
	return &cp, nil
}

func (s *SQLiteDatabase) ReadPathInfo(ctx context.Context, client model.ClientID, pathType model.PathType, path string) (*model.PathInfo, error) {
	pid := ledger.PathID(path)
	var stat, hashEntry, sha []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT `+clientPathColumns+`, s.stat_entry, h.hash_entry, h.sha256
		FROM client_paths p
		LEFT JOIN client_path_stat_entries s ON s.client_id = p.client_id AND s.path_type = p.path_type
			AND s.path_id = p.path_id AND s.timestamp = p.last_stat_ts
		LEFT JOIN client_path_hash_entries h ON h.client_id = p.client_id AND h.path_type = p.path_type
			AND h.path_id = p.path_id AND h.timestamp = p.last_hash_ts
		WHERE p.client_id = ? AND p.path_type = ? AND p.path_id = ?`,
		int64(client), int(pathType), pid[:])
	cp, err := scanClientPath(row, &stat, &hashEntry, &sha)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading path info: %w", err)
	}

	info := &model.PathInfo{ClientPath: *cp}
	if cp.LastStatAt != nil {
		info.Stat = &model.PathStatEntry{Timestamp: *cp.LastStatAt, StatEntry: stat}
	}
	if cp.LastHashAt != nil {
		info.Hash = &model.PathHashEntry{Timestamp: *cp.LastHashAt, HashEntry: hashEntry}
		if sha != nil {
			h, err := model.HashFromBytes(sha)
			if err != nil {
				return nil, err
			}
			info.Hash.SHA256 = &h
		}
	}
	return info, nil
}

func (s *SQLiteDatabase) ReadPathHistory(ctx context.Context, client model.ClientID, pathType model.PathType, path string) ([]model.PathStatEntry, []model.PathHashEntry, error) {
	pid := ledger.PathID(path)
	args := []any{int64(client), int(pathType), pid[:]}

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, stat_entry FROM client_path_stat_entries
		WHERE client_id = ? AND path_type = ? AND path_id = ? ORDER BY timestamp`, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("reading stat history: %w", err)
	}
	var stats []model.PathStatEntry
	for rows.Next() {
		var ts int64
		var e model.PathStatEntry
		if err := rows.Scan(&ts, &e.StatEntry); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scanning stat entry: %w", err)
		}
		e.Timestamp = fromMicros(ts)
		stats = append(stats, e)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("reading stat history: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT timestamp, hash_entry, sha256 FROM client_path_hash_entries
		WHERE client_id = ? AND path_type = ? AND path_id = ? ORDER BY timestamp`, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("reading hash history: %w", err)
	}
	defer rows.Close()

	var hashes []model.PathHashEntry
	for rows.Next() {
		var ts int64
		var sha []byte
		var e model.PathHashEntry
		if err := rows.Scan(&ts, &e.HashEntry, &sha); err != nil {
			return nil, nil, fmt.Errorf("scanning hash entry: %w", err)
		}
		e.Timestamp = fromMicros(ts)
		if sha != nil {
			h, err := model.HashFromBytes(sha)
			if err != nil {
				return nil, nil, err
			}
			e.SHA256 = &h
		}
		hashes = append(hashes, e)
	}
	return stats, hashes, rows.Err()
}

func (s *SQLiteDatabase) ListDescendantPaths(ctx context.Context, client model.ClientID, pathType model.PathType, path string, maxDepth int) ([]*model.ClientPath, error) {
	// Paths below path sort in [path+"/", path+"0"); '0' follows '/'.
	// Every path below "" starts with "/", so the root needs no special case.
	base := strings.TrimSuffix(path, "/")
	query := `SELECT ` + clientPathColumns + ` FROM client_paths p
		WHERE p.client_id = ? AND p.path_type = ? AND p.depth > ? AND p.path >= ? AND p.path < ?`
	args := []any{int64(client), int(pathType), ledger.PathDepth(path), base + "/", base + "0"}
	if maxDepth >= 0 {
		query += ` AND p.depth <= ?`
		args = append(args, maxDepth)
	}
	query += ` ORDER BY p.depth, p.path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing descendant paths: %w", err)
	}
	defer rows.Close()

	var paths []*model.ClientPath
	for rows.Next() {
		cp, err := scanClientPath(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client path: %w", err)
		}
		paths = append(paths, cp)
	}
	return paths, rows.Err()
}
