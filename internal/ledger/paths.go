package ledger

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"fleetledger/internal/model"
)

// NormalizePath cleans a client path. The root normalizes to "" and every
// other path to "/a/b" form, so its depth is its slash count.
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, p)
	}
	if p == "" {
		return "", nil
	}
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "", nil
	}
	return cleaned, nil
}

// PathDepth is the depth of a normalized path.
func PathDepth(normalized string) int {
	return strings.Count(normalized, "/")
}

// PathID is the id of a normalized path.
func PathID(normalized string) model.PathID {
	return model.HashOfString(normalized)
}

// RecordStat appends a stat entry for a client path. The path's latest stat
// pointer only moves if ts is newer than the current one, so late deliveries
// from agents do not hide newer data.
func (s *Service) RecordStat(ctx context.Context, client model.ClientID, pathType model.PathType, p string, stat []byte, ts time.Time, directory bool) error {
	normalized, err := NormalizePath(p)
	if err != nil {
		return err
	}
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	w := &PathWrite{PathType: pathType, Path: normalized, Directory: directory, Timestamp: ts, Stat: stat}
	if err := s.database.WritePathInfo(ctx, client, w); err != nil {
		return fmt.Errorf("recording stat of %s: %w", normalized, err)
	}
	return nil
}

// RecordHash appends a hash entry for a client file, with the same latest
// pointer rule as RecordStat.
func (s *Service) RecordHash(ctx context.Context, client model.ClientID, pathType model.PathType, p string, hashEntry []byte, sha256 *model.Hash, ts time.Time) error {
	normalized, err := NormalizePath(p)
	if err != nil {
		return err
	}
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	w := &PathWrite{
		PathType:  pathType,
		Path:      normalized,
		Timestamp: ts,
		Hash:      &model.PathHashEntry{Timestamp: ts, HashEntry: hashEntry, SHA256: sha256},
	}
	if err := s.database.WritePathInfo(ctx, client, w); err != nil {
		return fmt.Errorf("recording hash of %s: %w", normalized, err)
	}
	return nil
}

// ReadPathInfo returns a path with its latest stat and hash, or ErrNotFound.
func (s *Service) ReadPathInfo(ctx context.Context, client model.ClientID, pathType model.PathType, p string) (*model.PathInfo, error) {
	normalized, err := NormalizePath(p)
	if err != nil {
		return nil, err
	}
	info, err := s.database.ReadPathInfo(ctx, client, pathType, normalized)
	if err != nil {
		return nil, fmt.Errorf("reading path info: %w", err)
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, pathType, normalized)
	}
	return info, nil
}

// ReadPathHistory returns every stat and hash entry of a path, oldest first.
func (s *Service) ReadPathHistory(ctx context.Context, client model.ClientID, pathType model.PathType, p string) ([]model.PathStatEntry, []model.PathHashEntry, error) {
	normalized, err := NormalizePath(p)
	if err != nil {
		return nil, nil, err
	}
	stats, hashes, err := s.database.ReadPathHistory(ctx, client, pathType, normalized)
	if err != nil {
		return nil, nil, fmt.Errorf("reading path history: %w", err)
	}
	return stats, hashes, nil
}

// ListDirectory returns the immediate children of parent ordered by path.
func (s *Service) ListDirectory(ctx context.Context, client model.ClientID, pathType model.PathType, parent string) ([]*model.ClientPath, error) {
	return s.ListDescendants(ctx, client, pathType, parent, 1)
}

// ListDescendants returns the paths below p at most maxDepth levels down,
// ordered by depth then path. A negative maxDepth lists the whole subtree.
func (s *Service) ListDescendants(ctx context.Context, client model.ClientID, pathType model.PathType, p string, maxDepth int) ([]*model.ClientPath, error) {
	normalized, err := NormalizePath(p)
	if err != nil {
		return nil, err
	}
	limit := -1
	if maxDepth >= 0 {
		limit = PathDepth(normalized) + maxDepth
	}
	paths, err := s.database.ListDescendantPaths(ctx, client, pathType, normalized, limit)
	if err != nil {
		return nil, fmt.Errorf("listing paths below %q: %w", normalized, err)
	}
	return paths, nil
}
