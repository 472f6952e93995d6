package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
	"fleetledger/internal/testutil"
	"fleetledger/internal/vault"
)

type blobEnv struct {
	svc   *ledger.Service
	vault *vault.MemoryVault
}

func newBlobEnv(t *testing.T, chunkSize int, encrypted bool) *blobEnv {
	t.Helper()
	v := testutil.NewTestVault()
	var enc ledger.Encryptor
	if encrypted {
		enc = testutil.NewTestEncryptor()
	}
	svc := ledger.NewService(testutil.NewTestDatabase(t), v, enc, ledger.NewNopLogger(),
		testutil.FixedClock(), testutil.NewStubIDGenerator(), ledger.Options{ChunkSize: chunkSize})
	return &blobEnv{svc: svc, vault: v}
}

func TestService_PutBlob(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		data       []byte
		chunkSize  int
		wantChunks int
	}{
		{name: "single chunk", data: []byte("hello"), chunkSize: 16, wantChunks: 1},
		{name: "exact multiple", data: []byte("12345678"), chunkSize: 4, wantChunks: 2},
		{name: "partial last chunk", data: []byte("0123456789"), chunkSize: 4, wantChunks: 3},
		{name: "empty blob", data: []byte{}, chunkSize: 4, wantChunks: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newBlobEnv(t, tt.chunkSize, false)

			id, err := env.svc.PutBlob(ctx, tt.data)
			if err != nil {
				t.Fatalf("PutBlob() error = %v", err)
			}
			if id != model.HashOf(tt.data) {
				t.Errorf("PutBlob() id = %s, want content hash", id.Hex())
			}
			if got := env.vault.ChunkCount(); got != tt.wantChunks {
				t.Errorf("ChunkCount() = %d, want %d", got, tt.wantChunks)
			}

			got, err := env.svc.GetBlob(ctx, id)
			if err != nil {
				t.Fatalf("GetBlob() error = %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("GetBlob() = %q, want %q", got, tt.data)
			}
		})
	}
}

func TestService_PutBlob_Deduplicates(t *testing.T) {
	ctx := context.Background()
	env := newBlobEnv(t, 4, false)
	data := []byte("the same artifact")

	first, err := env.svc.PutBlob(ctx, data)
	if err != nil {
		t.Fatalf("PutBlob() error = %v", err)
	}
	chunks := env.vault.ChunkCount()

	second, err := env.svc.PutBlob(ctx, data)
	if err != nil {
		t.Fatalf("second PutBlob() error = %v", err)
	}
	if first != second {
		t.Errorf("ids differ: %s != %s", first.Hex(), second.Hex())
	}
	if got := env.vault.ChunkCount(); got != chunks {
		t.Errorf("ChunkCount() after second put = %d, want %d", got, chunks)
	}

	exists, err := env.svc.BlobsExist(ctx, first, model.HashOf([]byte("other")))
	if err != nil {
		t.Fatalf("BlobsExist() error = %v", err)
	}
	if !exists[first] || exists[model.HashOf([]byte("other"))] {
		t.Errorf("BlobsExist() = %v, want only the stored blob", exists)
	}
}

func TestService_GetBlob(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown blob", func(t *testing.T) {
		env := newBlobEnv(t, 4, false)
		_, err := env.svc.GetBlob(ctx, model.HashOf([]byte("missing")))
		if !errors.Is(err, ledger.ErrBlobNotFound) {
			t.Errorf("GetBlob() error = %v, want ErrBlobNotFound", err)
		}
	})

	t.Run("encrypted blob needs unlock", func(t *testing.T) {
		env := newBlobEnv(t, 4, true)
		data := []byte("sealed artifact")

		id, err := env.svc.PutBlob(ctx, data)
		if err != nil {
			t.Fatalf("PutBlob() error = %v", err)
		}

		var stored bytes.Buffer
		if err := env.vault.GetChunk(ctx, id.Hex(), 0, &stored); err != nil {
			t.Fatalf("GetChunk() error = %v", err)
		}
		if !bytes.HasPrefix(stored.Bytes(), []byte("LDGENC")) {
			t.Errorf("stored chunk %q is not sealed", stored.Bytes())
		}

		_, err = env.svc.GetBlob(ctx, id)
		if err == nil || !strings.Contains(err.Error(), "locked") {
			t.Fatalf("GetBlob() while locked error = %v, want locked", err)
		}

		if err := env.svc.Unlock("passphrase"); err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
		got, err := env.svc.GetBlob(ctx, id)
		if err != nil {
			t.Fatalf("GetBlob() error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("GetBlob() = %q, want %q", got, data)
		}
	})

	t.Run("tampered chunk", func(t *testing.T) {
		env := newBlobEnv(t, 4, false)
		id, err := env.svc.PutBlob(ctx, []byte("abcdefgh"))
		if err != nil {
			t.Fatalf("PutBlob() error = %v", err)
		}
		if err := env.vault.PutChunk(ctx, id.Hex(), 1, strings.NewReader("XXXX"), 4); err != nil {
			t.Fatalf("PutChunk() error = %v", err)
		}

		_, err = env.svc.GetBlob(ctx, id)
		if !errors.Is(err, ledger.ErrBlobCorrupted) {
			t.Errorf("GetBlob() error = %v, want ErrBlobCorrupted", err)
		}
	})
}

func TestService_PutBlob_RetryAfterInterruptedUpload(t *testing.T) {
	ctx := context.Background()
	v, err := vault.NewFileSystemVault("shared", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	newService := func() *ledger.Service {
		return ledger.NewService(testutil.NewTestDatabase(t), v, testutil.NewTestEncryptor(), ledger.NewNopLogger(),
			testutil.FixedClock(), testutil.NewStubIDGenerator(), ledger.Options{ChunkSize: 4})
	}
	data := []byte("chunks outlive the manifest")

	// The first upload leaves its chunks in the vault; the database that
	// retries has no manifest for them.
	if _, err := newService().PutBlob(ctx, data); err != nil {
		t.Fatalf("first PutBlob() error = %v", err)
	}

	retry := newService()
	id, err := retry.PutBlob(ctx, data)
	if err != nil {
		t.Fatalf("retried PutBlob() error = %v", err)
	}
	if err := retry.Unlock("passphrase"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	got, err := retry.GetBlob(ctx, id)
	if err != nil {
		t.Fatalf("GetBlob() after retry error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("GetBlob() = %q, want %q", got, data)
	}
}

// droppedChunkDatabase hides one chunk row of every blob manifest.
type droppedChunkDatabase struct {
	ledger.Database
	drop int
}

func (d droppedChunkDatabase) ReadBlobManifest(ctx context.Context, id model.BlobID) (*model.BlobManifest, error) {
	manifest, err := d.Database.ReadBlobManifest(ctx, id)
	if err != nil || manifest == nil {
		return manifest, err
	}
	var kept []model.BlobChunk
	for _, c := range manifest.Chunks {
		if c.Index != d.drop {
			kept = append(kept, c)
		}
	}
	manifest.Chunks = kept
	return manifest, nil
}

func TestService_GetBlob_MissingChunkRows(t *testing.T) {
	ctx := context.Background()
	data := []byte("0123456789")

	tests := []struct {
		name string
		drop int
	}{
		{name: "middle chunk", drop: 1},
		{name: "last chunk", drop: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.NewTestDatabase(t)
			v := testutil.NewTestVault()
			writer := ledger.NewService(db, v, nil, ledger.NewNopLogger(),
				testutil.FixedClock(), testutil.NewStubIDGenerator(), ledger.Options{ChunkSize: 4})
			id, err := writer.PutBlob(ctx, data)
			if err != nil {
				t.Fatalf("PutBlob() error = %v", err)
			}

			reader := ledger.NewService(droppedChunkDatabase{Database: db, drop: tt.drop}, v, nil, ledger.NewNopLogger(),
				testutil.FixedClock(), testutil.NewStubIDGenerator(), ledger.Options{ChunkSize: 4})
			_, err = reader.GetBlob(ctx, id)
			if !errors.Is(err, ledger.ErrBlobNotFound) {
				t.Errorf("GetBlob() error = %v, want ErrBlobNotFound", err)
			}
		})
	}
}

func TestService_HashReferences(t *testing.T) {
	ctx := context.Background()
	env := newBlobEnv(t, 4, false)

	head, err := env.svc.PutBlob(ctx, []byte("first half,"))
	if err != nil {
		t.Fatalf("PutBlob(head) error = %v", err)
	}
	tail, err := env.svc.PutBlob(ctx, []byte(" second half"))
	if err != nil {
		t.Fatalf("PutBlob(tail) error = %v", err)
	}
	file := []byte("first half, second half")
	hash := model.HashOf(file)

	t.Run("file reassembles from its blobs", func(t *testing.T) {
		if err := env.svc.PutHashReference(ctx, hash, head, tail); err != nil {
			t.Fatalf("PutHashReference() error = %v", err)
		}

		refs, err := env.svc.ReadHashBlobReferences(ctx, hash)
		if err != nil {
			t.Fatalf("ReadHashBlobReferences() error = %v", err)
		}
		if len(refs) != 2 || refs[1].Offset != 11 {
			t.Errorf("references = %+v, want two with the second at offset 11", refs)
		}

		got, err := env.svc.ReadFileByHash(ctx, hash)
		if err != nil {
			t.Fatalf("ReadFileByHash() error = %v", err)
		}
		if !bytes.Equal(got, file) {
			t.Errorf("ReadFileByHash() = %q, want %q", got, file)
		}
	})

	t.Run("unknown blob is rejected", func(t *testing.T) {
		err := env.svc.PutHashReference(ctx, model.HashOf([]byte("x")), model.HashOf([]byte("never stored")))
		if !errors.Is(err, ledger.ErrReferentialIntegrity) {
			t.Errorf("PutHashReference() error = %v, want ErrReferentialIntegrity", err)
		}
	})

	t.Run("unknown hash", func(t *testing.T) {
		_, err := env.svc.ReadFileByHash(ctx, model.HashOf([]byte("nothing")))
		if !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("ReadFileByHash() error = %v, want ErrNotFound", err)
		}
	})
}
