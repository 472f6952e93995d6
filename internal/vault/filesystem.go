package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fleetledger/internal/ledger"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface.
// It stores chunks and metadata as files in a directory structure:
//
//	<root>/
//	  content/
//	    <blobID>/
//	      <index>        (one file per chunk)
//	  metadata/
//	    <name>           (metadata item, e.g. ledger.db)
//	    <name>.version   (version marker)
type FileSystemVault struct {
	name        string
	root        string
	contentDir  string
	metadataDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	contentDir := filepath.Join(root, "content")
	metadataDir := filepath.Join(root, "metadata")

	// Create directory structure
	if err := os.MkdirAll(contentDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	if err := os.MkdirAll(metadataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	return &FileSystemVault{
		name:        name,
		root:        root,
		contentDir:  contentDir,
		metadataDir: metadataDir,
	}, nil
}

func (v *FileSystemVault) chunkPath(blobID string, index int) (string, error) {
	if blobID == "" || strings.ContainsAny(blobID, `/\.`) {
		return "", fmt.Errorf("invalid blob id %q", blobID)
	}
	if index < 0 {
		return "", fmt.Errorf("invalid chunk index %d", index)
	}
	return filepath.Join(v.contentDir, blobID, strconv.Itoa(index)), nil
}

func (v *FileSystemVault) metadataPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid metadata name %q", name)
	}
	return filepath.Join(v.metadataDir, name), nil
}

// PutChunk stores chunk index of blobID.
// The operation is idempotent: storing the same chunk multiple times is safe.
func (v *FileSystemVault) PutChunk(ctx context.Context, blobID string, index int, r io.Reader, size int64) error {
	destPath, err := v.chunkPath(blobID, index)
	if err != nil {
		return err
	}

	// If the chunk already exists, skip (idempotent)
	if _, err := os.Stat(destPath); err == nil {
		// Consume the reader to maintain expected behavior
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read chunk: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	return v.writeFile(destPath, r, size)
}

// GetChunk retrieves chunk index of blobID and writes it to w.
func (v *FileSystemVault) GetChunk(ctx context.Context, blobID string, index int, w io.Writer) error {
	srcPath, err := v.chunkPath(blobID, index)
	if err != nil {
		return err
	}
	return v.readFile(srcPath, w, fmt.Errorf("%w: %s/%d", ledger.ErrChunkNotFound, blobID, index))
}

// PutMetadata stores a named metadata item along with a version marker.
func (v *FileSystemVault) PutMetadata(ctx context.Context, name string, r io.Reader, size int64, version int64) error {
	destPath, err := v.metadataPath(name)
	if err != nil {
		return err
	}
	if err := v.writeFile(destPath, r, size); err != nil {
		return err
	}

	// Write version file
	versionData := strconv.FormatInt(version, 10)
	return os.WriteFile(destPath+".version", []byte(versionData), 0644)
}

// GetMetadataVersion returns the version of a named metadata item.
// Returns 0 if no version file exists.
func (v *FileSystemVault) GetMetadataVersion(ctx context.Context, name string) (int64, error) {
	path, err := v.metadataPath(name)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path + ".version")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// GetMetadata retrieves a named metadata item and writes it to w.
func (v *FileSystemVault) GetMetadata(ctx context.Context, name string, w io.Writer) error {
	srcPath, err := v.metadataPath(name)
	if err != nil {
		return err
	}
	return v.readFile(srcPath, w, fmt.Errorf("metadata %q not found", name))
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	// Check that root directory exists and is a directory
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}

	for _, dir := range []string{v.contentDir, v.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}

	return nil
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Create temp file in the same directory to ensure atomic rename works
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on failure
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// readFile reads from the specified path and writes to w. A missing file
// returns notFound.
func (v *FileSystemVault) readFile(srcPath string, w io.Writer, notFound error) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return notFound
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	return nil
}

// Compile-time check that FileSystemVault implements ledger.Vault interface
var _ ledger.Vault = (*FileSystemVault)(nil)
