package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFileName is read from the root of every collected directory.
const IgnoreFileName = ".ledgerignore"

// ignoreRule is a parsed ignore pattern.
type ignoreRule struct {
	pattern string
	// anchored rules contain a '/' and match the whole relative path;
	// the others match the basename at any depth.
	anchored bool
	// dirOnly rules were written with a trailing '/'.
	dirOnly bool
}

// IgnoreMatcher decides which entries of a collected tree are skipped.
type IgnoreMatcher struct {
	rules []ignoreRule
}

// NewIgnoreMatcher parses raw patterns. Blank lines and '#' comments are
// dropped. The ignore file itself is always ignored.
func NewIgnoreMatcher(patterns ...string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	m.Add(IgnoreFileName)
	m.Add(patterns...)
	return m
}

// Add appends patterns to the matcher.
func (m *IgnoreMatcher) Add(patterns ...string) {
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		rule := ignoreRule{}
		if strings.HasSuffix(raw, "/") {
			rule.dirOnly = true
			raw = strings.TrimRight(raw, "/")
		}
		raw = strings.TrimPrefix(raw, "/")
		if _, err := filepath.Match(raw, ""); err != nil {
			continue
		}
		rule.pattern = raw
		rule.anchored = strings.Contains(raw, "/")
		m.rules = append(m.rules, rule)
	}
}

// Len is the number of usable rules.
func (m *IgnoreMatcher) Len() int { return len(m.rules) }

// Match reports whether the entry at rel (relative to the collected root) is
// ignored. Ignoring a directory skips everything below it.
func (m *IgnoreMatcher) Match(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return false
	}
	base := rel[strings.LastIndex(rel, "/")+1:]
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			continue
		}
		target := base
		if r.anchored {
			target = rel
		}
		if ok, _ := filepath.Match(r.pattern, target); ok {
			return true
		}
	}
	return false
}

// LoadIgnoreFile adds the patterns of dir's ignore file, if it has one.
func (m *IgnoreMatcher) LoadIgnoreFile(dir string) error {
	f, err := os.Open(filepath.Join(dir, IgnoreFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading ignore file: %w", err)
	}
	m.Add(patterns...)
	return nil
}
