package ledger

import (
	"context"
	"io"
)

// Vault stores blob chunk bytes and ledger metadata snapshots.
// All operations stream through io.Reader/io.Writer so large chunks are never
// required to sit in memory twice.
type Vault interface {
	// PutChunk stores chunk index of blobID. Storing the same chunk twice is safe.
	// size is the number of bytes that will be read from r.
	PutChunk(ctx context.Context, blobID string, index int, r io.Reader, size int64) error

	// GetChunk writes chunk index of blobID to w. A missing chunk returns an
	// error wrapping ErrChunkNotFound.
	GetChunk(ctx context.Context, blobID string, index int, w io.Writer) error

	// PutMetadata stores a named metadata item (e.g. "ledger.db") with a version.
	PutMetadata(ctx context.Context, name string, r io.Reader, size int64, version int64) error

	// GetMetadata writes a named metadata item to w.
	GetMetadata(ctx context.Context, name string, w io.Writer) error

	// GetMetadataVersion returns 0 when nothing has been stored under name.
	GetMetadataVersion(ctx context.Context, name string) (int64, error)

	// ValidateSetup verifies the vault is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
