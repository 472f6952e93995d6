package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// Blob manifest operations. Chunk content lives in the vault; the database
// records which blobs are complete.

func (s *SQLiteDatabase) BlobsExist(ctx context.Context, ids []model.BlobID) (map[model.BlobID]bool, error) {
	exists := make(map[model.BlobID]bool, len(ids))
	if len(ids) == 0 {
		return exists, nil
	}
	args := make([]any, len(ids))
	for i := range ids {
		exists[ids[i]] = false
		args[i] = ids[i].Bytes()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT blob_id FROM blobs WHERE blob_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("checking blobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scanning blob id: %w", err)
		}
		id, err := model.HashFromBytes(b)
		if err != nil {
			return nil, err
		}
		exists[id] = true
	}
	return exists, rows.Err()
}

func (s *SQLiteDatabase) WriteBlobManifest(ctx context.Context, manifest *model.BlobManifest, key *model.BlobEncryptionKey) error {
	id := manifest.ID.Bytes()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO blobs (blob_id, size, created_at) VALUES (?, ?, ?)
			ON CONFLICT (blob_id) DO NOTHING`,
			id, manifest.Size, toMicros(manifest.CreatedAt))
		if err != nil {
			return fmt.Errorf("writing blob: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already written by an earlier upload of the same content.
			return nil
		}

		for _, c := range manifest.Chunks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO blob_chunks (blob_id, chunk_index, size) VALUES (?, ?, ?)`,
				id, c.Index, c.Size)
			if err != nil {
				return fmt.Errorf("writing blob chunk %d: %w", c.Index, err)
			}
		}

		if key != nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO blob_encryption_keys (blob_id, timestamp, key_id, nonce) VALUES (?, ?, ?, ?)`,
				id, toMicros(key.Timestamp), key.KeyID, key.Nonce)
			if err != nil {
				return fmt.Errorf("writing blob encryption key: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadBlobManifest(ctx context.Context, id model.BlobID) (*model.BlobManifest, error) {
	m := &model.BlobManifest{ID: id}
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT size, created_at FROM blobs WHERE blob_id = ?`, id.Bytes()).Scan(&m.Size, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	m.CreatedAt = fromMicros(created)

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_index, size FROM blob_chunks WHERE blob_id = ? ORDER BY chunk_index`, id.Bytes())
	if err != nil {
		return nil, fmt.Errorf("reading blob chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c model.BlobChunk
		if err := rows.Scan(&c.Index, &c.Size); err != nil {
			return nil, fmt.Errorf("scanning blob chunk: %w", err)
		}
		m.Chunks = append(m.Chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading blob chunks: %w", err)
	}
	return m, nil
}

// ReadBlobEncryptionKey returns the most recent key association of the blob.
func (s *SQLiteDatabase) ReadBlobEncryptionKey(ctx context.Context, id model.BlobID) (*model.BlobEncryptionKey, error) {
	k := &model.BlobEncryptionKey{BlobID: id}
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT timestamp, key_id, nonce FROM blob_encryption_keys
		WHERE blob_id = ? ORDER BY timestamp DESC LIMIT 1`, id.Bytes()).Scan(&ts, &k.KeyID, &k.Nonce)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("reading blob encryption key: %w", err)
	}
	k.Timestamp = fromMicros(ts)
	return k, nil
}

// WriteHashBlobReferences replaces the blob references of a file hash.
func (s *SQLiteDatabase) WriteHashBlobReferences(ctx context.Context, hash model.Hash, refs []model.BlobReference) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM hash_blob_references WHERE hash_id = ?`, hash.Bytes()); err != nil {
			return fmt.Errorf("clearing hash blob references: %w", err)
		}
		for i, ref := range refs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO hash_blob_references (hash_id, idx, blob_id, blob_offset, size)
				VALUES (?, ?, ?, ?, ?)`,
				hash.Bytes(), i, ref.BlobID.Bytes(), ref.Offset, ref.Size)
			if err != nil {
				mapped := mapConstraintError(err, "writing hash blob reference")
				if errors.Is(mapped, ledger.ErrReferentialIntegrity) {
					return fmt.Errorf("%w: %w %s", ledger.ErrReferentialIntegrity, ledger.ErrBlobNotFound, ref.BlobID)
				}
				return mapped
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) ReadHashBlobReferences(ctx context.Context, hash model.Hash) ([]model.BlobReference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blob_id, blob_offset, size FROM hash_blob_references WHERE hash_id = ? ORDER BY idx`, hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("reading hash blob references: %w", err)
	}
	defer rows.Close()

	var refs []model.BlobReference
	for rows.Next() {
		var b []byte
		var ref model.BlobReference
		if err := rows.Scan(&b, &ref.Offset, &ref.Size); err != nil {
			return nil, fmt.Errorf("scanning hash blob reference: %w", err)
		}
		if ref.BlobID, err = model.HashFromBytes(b); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
