package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"fleetledger/internal/model"
)

const blobNonceSize = 16

// PutBlob stores data under its content hash and returns the id. Content that
// is already stored is not written again.
//
// Chunks go to the vault before the manifest is recorded, so a crash leaves at
// most orphaned chunks and never a manifest pointing at missing ones. A retry
// after such a crash derives the same nonce, so chunks the vault kept from the
// first attempt still match the manifest.
func (s *Service) PutBlob(ctx context.Context, data []byte) (model.BlobID, error) {
	id := model.HashOf(data)
	exists, err := s.database.BlobsExist(ctx, []model.BlobID{id})
	if err != nil {
		return id, fmt.Errorf("checking for existing blob: %w", err)
	}
	if exists[id] {
		metricBlobsDeduplicated.Inc()
		s.logger.Debug("blob deduplicated", "blob", id.Hex())
		return id, nil
	}

	var key *model.BlobEncryptionKey
	if s.encryptor != nil {
		keyID, err := s.encryptor.KeyID()
		if err != nil {
			return id, fmt.Errorf("reading encryption key id: %w", err)
		}
		key = &model.BlobEncryptionKey{BlobID: id, Timestamp: s.clock.Now(), KeyID: keyID, Nonce: blobNonce(id, keyID)}
	}

	manifest := &model.BlobManifest{ID: id, Size: int64(len(data)), CreatedAt: s.clock.Now()}
	for index, offset := 0, 0; offset < len(data) || index == 0; index++ {
		end := min(offset+s.opts.ChunkSize, len(data))
		chunk := data[offset:end]
		if err := s.putChunk(ctx, id, index, chunk, key); err != nil {
			return id, err
		}
		manifest.Chunks = append(manifest.Chunks, model.BlobChunk{Index: index, Size: int64(len(chunk))})
		offset = end
	}

	if err := s.database.WriteBlobManifest(ctx, manifest, key); err != nil {
		return id, fmt.Errorf("writing blob manifest: %w", err)
	}

	metricBlobsWritten.Inc()
	metricBlobBytesWritten.Add(float64(len(data)))
	s.logger.Info("blob stored", "blob", id.Hex(), "size", len(data), "chunks", len(manifest.Chunks), "encrypted", key != nil)
	return id, nil
}

// blobNonce is the envelope nonce of a blob sealed under keyID.
func blobNonce(id model.BlobID, keyID string) []byte {
	h := sha256.New()
	h.Write([]byte("fleetledger blob nonce\x00"))
	h.Write(id.Bytes())
	h.Write([]byte(keyID))
	return h.Sum(nil)[:blobNonceSize]
}

func (s *Service) putChunk(ctx context.Context, id model.BlobID, index int, chunk []byte, key *model.BlobEncryptionKey) error {
	if key == nil {
		if err := s.vault.PutChunk(ctx, id.Hex(), index, bytes.NewReader(chunk), int64(len(chunk))); err != nil {
			return fmt.Errorf("uploading chunk %d: %w", index, err)
		}
		return nil
	}

	var sealed bytes.Buffer
	plain := bytes.NewReader(append(append([]byte{}, key.Nonce...), chunk...))
	if err := s.encryptor.Encrypt(plain, &sealed); err != nil {
		return fmt.Errorf("encrypting chunk %d: %w", index, err)
	}
	if err := s.vault.PutChunk(ctx, id.Hex(), index, &sealed, int64(sealed.Len())); err != nil {
		return fmt.Errorf("uploading chunk %d: %w", index, err)
	}
	return nil
}

// GetBlob reassembles a blob from its chunks in index order. A missing
// manifest or chunk, including chunk rows that do not add up to the blob
// size, yields ErrBlobNotFound; content that does not hash to id yields
// ErrBlobCorrupted.
func (s *Service) GetBlob(ctx context.Context, id model.BlobID) ([]byte, error) {
	manifest, err := s.database.ReadBlobManifest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading blob manifest: %w", err)
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, id.Hex())
	}
	key, err := s.database.ReadBlobEncryptionKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading blob encryption key: %w", err)
	}
	var dc DecryptionContext
	if key != nil {
		if dc = s.decryptionContext(); dc == nil {
			return nil, fmt.Errorf("blob %s is encrypted and the ledger is locked", id.Hex())
		}
	}

	var recorded int64
	for i, c := range manifest.Chunks {
		if c.Index != i {
			return nil, fmt.Errorf("%w: %s is missing chunk %d", ErrBlobNotFound, id.Hex(), i)
		}
		recorded += c.Size
	}
	if recorded != manifest.Size {
		return nil, fmt.Errorf("%w: %s has chunks for %d of %d bytes", ErrBlobNotFound, id.Hex(), recorded, manifest.Size)
	}

	out := make([]byte, 0, manifest.Size)
	for i, c := range manifest.Chunks {
		chunk, err := s.getChunk(ctx, id, i, key, dc)
		if err != nil {
			return nil, err
		}
		if int64(len(chunk)) != c.Size {
			return nil, fmt.Errorf("%w: %s chunk %d has %d bytes, want %d", ErrBlobCorrupted, id.Hex(), i, len(chunk), c.Size)
		}
		out = append(out, chunk...)
	}

	if model.HashOf(out) != id {
		return nil, fmt.Errorf("%w: %s", ErrBlobCorrupted, id.Hex())
	}
	return out, nil
}

func (s *Service) getChunk(ctx context.Context, id model.BlobID, index int, key *model.BlobEncryptionKey, dc DecryptionContext) ([]byte, error) {
	var stored bytes.Buffer
	if err := s.vault.GetChunk(ctx, id.Hex(), index, &stored); err != nil {
		if errors.Is(err, ErrChunkNotFound) {
			return nil, fmt.Errorf("%w: %s chunk %d: %v", ErrBlobNotFound, id.Hex(), index, err)
		}
		return nil, fmt.Errorf("retrieving chunk %d: %w", index, err)
	}
	if key == nil {
		return stored.Bytes(), nil
	}

	var plain bytes.Buffer
	if err := dc.Decrypt(&stored, &plain); err != nil {
		return nil, fmt.Errorf("decrypting chunk %d: %w", index, err)
	}
	b := plain.Bytes()
	if len(b) < len(key.Nonce) || !bytes.Equal(b[:len(key.Nonce)], key.Nonce) {
		return nil, fmt.Errorf("%w: %s chunk %d nonce mismatch", ErrBlobCorrupted, id.Hex(), index)
	}
	return b[len(key.Nonce):], nil
}

// BlobsExist reports which of ids are stored.
func (s *Service) BlobsExist(ctx context.Context, ids ...model.BlobID) (map[model.BlobID]bool, error) {
	exists, err := s.database.BlobsExist(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("checking blobs: %w", err)
	}
	return exists, nil
}

// PutHashReference maps a logical file hash to the blobs that, concatenated in
// order, make up the file. Every blob must already be stored.
func (s *Service) PutHashReference(ctx context.Context, hash model.Hash, blobIDs ...model.BlobID) error {
	refs := make([]model.BlobReference, 0, len(blobIDs))
	var offset int64
	for _, id := range blobIDs {
		manifest, err := s.database.ReadBlobManifest(ctx, id)
		if err != nil {
			return fmt.Errorf("reading blob manifest: %w", err)
		}
		if manifest == nil {
			return fmt.Errorf("%w: %w: %s", ErrReferentialIntegrity, ErrBlobNotFound, id.Hex())
		}
		refs = append(refs, model.BlobReference{BlobID: id, Offset: offset, Size: manifest.Size})
		offset += manifest.Size
	}
	if err := s.database.WriteHashBlobReferences(ctx, hash, refs); err != nil {
		return fmt.Errorf("writing hash blob references: %w", err)
	}
	return nil
}

// ReadHashBlobReferences returns the blob references of a logical file hash.
func (s *Service) ReadHashBlobReferences(ctx context.Context, hash model.Hash) ([]model.BlobReference, error) {
	refs, err := s.database.ReadHashBlobReferences(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("reading hash blob references: %w", err)
	}
	return refs, nil
}

// ReadFileByHash reassembles a logical file from its blob references.
func (s *Service) ReadFileByHash(ctx context.Context, hash model.Hash) ([]byte, error) {
	refs, err := s.ReadHashBlobReferences(ctx, hash)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no blobs reference %s", ErrNotFound, hash.Hex())
	}
	var out []byte
	for _, ref := range refs {
		data, err := s.GetBlob(ctx, ref.BlobID)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != ref.Size {
			return nil, fmt.Errorf("%w: %s has %d bytes, reference says %d", ErrBlobCorrupted, ref.BlobID.Hex(), len(data), ref.Size)
		}
		out = append(out, data...)
	}
	return out, nil
}
