// Package fs collects a local directory tree into a client's path index,
// storing regular files in the blob store.
package fs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// PathRecorder is the part of the ledger a Collector writes to.
type PathRecorder interface {
	PutBlob(ctx context.Context, data []byte) (model.BlobID, error)
	PutHashReference(ctx context.Context, hash model.Hash, blobIDs ...model.BlobID) error
	RecordStat(ctx context.Context, client model.ClientID, pathType model.PathType, p string, stat []byte, ts time.Time, directory bool) error
	RecordHash(ctx context.Context, client model.ClientID, pathType model.PathType, p string, hashEntry []byte, sha256 *model.Hash, ts time.Time) error
}

// CollectorConfig tunes a Collector.
type CollectorConfig struct {
	// MaxFileSize is the largest file whose content is stored. Larger files
	// are recorded with a stat entry only. Zero means no limit.
	MaxFileSize int64
	Ignore      []string
}

// CollectStats summarizes one collection.
type CollectStats struct {
	Directories int
	Files       int
	Stored      int
	Skipped     int
	Bytes       int64
}

// Collector walks a local directory and records every entry under a client.
type Collector struct {
	ledger PathRecorder
	logger ledger.Logger
	clock  ledger.Clock
	config CollectorConfig
}

// NewCollector creates a Collector.
func NewCollector(l PathRecorder, logger ledger.Logger, clock ledger.Clock, config CollectorConfig) *Collector {
	return &Collector{ledger: l, logger: logger, clock: clock, config: config}
}

// Collect records root and everything below it as OS paths of client. Every
// entry of one collection shares a timestamp. Symlinks, devices, pipes and
// sockets are skipped.
func (c *Collector) Collect(ctx context.Context, client model.ClientID, root string) (*CollectStats, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", abs)
	}

	ignore := NewIgnoreMatcher(c.config.Ignore...)
	if err := ignore.LoadIgnoreFile(abs); err != nil {
		return nil, err
	}

	ts := c.clock.Now()
	stats := &CollectStats{}
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		if ignore.Match(rel, d.IsDir()) {
			stats.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			c.logger.Debug("skipping special file", "path", p, "mode", d.Type().String())
			stats.Skipped++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		return c.record(ctx, client, p, info, ts, stats)
	})
	if err != nil {
		return stats, fmt.Errorf("collecting %s: %w", abs, err)
	}

	c.logger.Info("directory collected", "client", client.String(), "root", abs,
		"directories", stats.Directories, "files", stats.Files, "stored", stats.Stored, "skipped", stats.Skipped)
	return stats, nil
}

func (c *Collector) record(ctx context.Context, client model.ClientID, p string, info fs.FileInfo, ts time.Time, stats *CollectStats) error {
	clientPath := filepath.ToSlash(p)
	stat, err := encodeStat(info)
	if err != nil {
		return err
	}
	if err := c.ledger.RecordStat(ctx, client, model.PathTypeOS, clientPath, stat, ts, info.IsDir()); err != nil {
		return err
	}
	if info.IsDir() {
		stats.Directories++
		return nil
	}
	stats.Files++

	if c.config.MaxFileSize > 0 && info.Size() > c.config.MaxFileSize {
		c.logger.Debug("file too large to store", "path", p, "size", info.Size())
		return nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}
	// The content only gets a hash entry if the file was stable while read.
	after, err := os.Lstat(p)
	if err != nil {
		return fmt.Errorf("re-stat %s: %w", p, err)
	}
	if changed(info, after) || int64(len(data)) != info.Size() {
		c.logger.Warn("file changed while collecting", "path", p)
		stats.Skipped++
		return nil
	}
	id, err := c.ledger.PutBlob(ctx, data)
	if err != nil {
		return err
	}
	sum := model.HashOf(data)
	if err := c.ledger.PutHashReference(ctx, sum, id); err != nil {
		return err
	}
	entry, err := encodeHash(sum, int64(len(data)))
	if err != nil {
		return err
	}
	if err := c.ledger.RecordHash(ctx, client, model.PathTypeOS, clientPath, entry, &sum, ts); err != nil {
		return err
	}
	stats.Stored++
	stats.Bytes += int64(len(data))
	return nil
}

func changed(before, after fs.FileInfo) bool {
	return before.Size() != after.Size() ||
		!before.ModTime().Equal(after.ModTime()) ||
		before.Mode() != after.Mode()
}

// encodeStat serializes the stat entry stored in the path index.
func encodeStat(info fs.FileInfo) ([]byte, error) {
	fields := map[string]any{
		"name":     info.Name(),
		"mode":     info.Mode().String(),
		"size":     float64(info.Size()),
		"mtime":    info.ModTime().UTC().Format(time.RFC3339Nano),
		"is_dir":   info.IsDir(),
		"st_mode":  float64(info.Mode()),
		"platform": platformStat,
	}
	if owner, ok := extractOwner(info); ok {
		fields["uid"] = float64(owner.UID)
		fields["gid"] = float64(owner.GID)
		fields["atime"] = owner.Atime.UTC().Format(time.RFC3339Nano)
		fields["ctime"] = owner.Ctime.UTC().Format(time.RFC3339Nano)
	}
	return marshalFields(fields)
}

// encodeHash serializes the hash entry stored in the path index.
func encodeHash(sum model.Hash, size int64) ([]byte, error) {
	return marshalFields(map[string]any{
		"sha256":     sum.Hex(),
		"num_bytes":  float64(size),
		"blob_count": float64(1),
	})
}

func marshalFields(fields map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("building entry: %w", err)
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding entry: %w", err)
	}
	return b, nil
}

// DecodeEntry decodes a stat or hash entry written by a Collector.
func DecodeEntry(b []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decoding entry: %w", err)
	}
	return s.AsMap(), nil
}
