// Package object implements the peer's on-disk object store: two
// content-addressed directories holding the actual payload bytes.
//
// pinned/ holds authoritative replicas. A file lands there on ADD or on an
// inbound pin instruction and is unlinked only when the last pin
// identifier referencing its digest is removed.
//
// cached/ holds opportunistic copies created by pull-through GETs. The
// cache table is memory-only: the directory is purged on startup and
// trimmed by eviction whenever its total size passes the configured bound.
//
// All writes stream through a ".new" temporary file, are fsynced, and are
// placed by rename, with the payload digest verified along the way, so a
// file named <digest> never holds bytes that do not hash to <digest>.
package object

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/antithalian/spin/internal/cluster"
)

const (
	pinnedDirName = "pinned"
	cachedDirName = "cached"
	tempSuffix    = ".new"
)

// ErrDigestMismatch is returned when written bytes do not hash to the
// digest they were addressed by. The partial file is discarded.
var ErrDigestMismatch = errors.New("payload does not match digest")

// Stats summarizes the store's disk usage for the status surface.
type Stats struct {
	PinnedFiles int   `json:"pinned_files"`
	PinnedBytes int64 `json:"pinned_bytes"`
	CachedFiles int   `json:"cached_files"`
	CachedBytes int64 `json:"cached_bytes"`
}

// Store is the two-directory object store. Methods are safe for concurrent
// use; the mutex guards the cache table, while file placement relies on
// rename atomicity.
type Store struct {
	pinnedDir string
	cachedDir string
	log       *logrus.Entry

	mu    sync.Mutex
	cache map[string]struct{} // digests present in cached/

	maxCacheBytes int64
}

// Open prepares the object store under root: pinned/ is created if absent,
// cached/ is removed and recreated empty (cache contents never survive a
// restart).
func Open(root string, maxCacheBytes int64, log *logrus.Logger) (*Store, error) {
	pinnedDir := filepath.Join(root, pinnedDirName)
	cachedDir := filepath.Join(root, cachedDirName)

	if err := os.MkdirAll(pinnedDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating pinned dir: %w", err)
	}
	if err := os.RemoveAll(cachedDir); err != nil {
		return nil, fmt.Errorf("purging cache dir: %w", err)
	}
	if err := os.MkdirAll(cachedDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	return &Store{
		pinnedDir:     pinnedDir,
		cachedDir:     cachedDir,
		log:           log.WithField("component", "object"),
		cache:         make(map[string]struct{}),
		maxCacheBytes: maxCacheBytes,
	}, nil
}

// PinnedPath returns the path of the authoritative replica for digest.
func (s *Store) PinnedPath(digest string) string {
	return filepath.Join(s.pinnedDir, digest)
}

// CachedPath returns the path of the cached copy for digest.
func (s *Store) CachedPath(digest string) string {
	return filepath.Join(s.cachedDir, digest)
}

// writeVerified streams r into dir/<digest> through a temp file, verifying
// the digest before the rename makes the file visible.
func writeVerified(dir, digest string, r io.Reader) error {
	final := filepath.Join(dir, digest)
	tmp := final + tempSuffix

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	actual, err := cluster.DigestReader(io.TeeReader(r, f))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if actual != digest {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, actual, digest)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, final)
}

// WritePinned stores a new authoritative replica.
func (s *Store) WritePinned(digest string, r io.Reader) error {
	if err := writeVerified(s.pinnedDir, digest, r); err != nil {
		return fmt.Errorf("writing pinned object: %w", err)
	}
	return nil
}

// RemovePinned unlinks the pinned file for digest. Removing an absent file
// is not an error; the pin table is the authority on liveness.
func (s *Store) RemovePinned(digest string) error {
	if err := os.Remove(s.PinnedPath(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pinned object: %w", err)
	}
	return nil
}

// HasPinnedFile reports whether the pinned file exists on disk.
func (s *Store) HasPinnedFile(digest string) bool {
	_, err := os.Stat(s.PinnedPath(digest))
	return err == nil
}

// WriteCached stores a pull-through copy and records it in the cache
// table. The table entry appears only after the file is durably placed,
// preserving the invariant that a cached digest always has a backing file.
func (s *Store) WriteCached(digest string, r io.Reader) error {
	if err := writeVerified(s.cachedDir, digest, r); err != nil {
		return fmt.Errorf("writing cached object: %w", err)
	}

	s.mu.Lock()
	s.cache[digest] = struct{}{}
	s.mu.Unlock()
	return nil
}

// HasCached reports whether digest is in the cache table.
func (s *Store) HasCached(digest string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache[digest]
	return ok
}

// RemoveCached drops digest from the cache table and unlinks its file.
// Used by full deletions; absent entries are a no-op.
func (s *Store) RemoveCached(digest string) error {
	s.mu.Lock()
	delete(s.cache, digest)
	s.mu.Unlock()

	if err := os.Remove(s.CachedPath(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing cached object: %w", err)
	}
	return nil
}

// CacheCount returns the number of cache table entries.
func (s *Store) CacheCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// EvictCache enforces the cache size bound: when the cached/ directory
// exceeds the configured maximum, the oldest files (by modification time)
// are deleted until total usage falls below half the bound. Run on every
// maintenance tick.
func (s *Store) EvictCache() error {
	entries, err := os.ReadDir(s.cachedDir)
	if err != nil {
		return fmt.Errorf("scanning cache dir: %w", err)
	}

	type cacheFile struct {
		digest string
		size   int64
		mtime  int64
	}

	var files []cacheFile
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, cacheFile{e.Name(), info.Size(), info.ModTime().UnixNano()})
		total += info.Size()
	}

	if total <= s.maxCacheBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })

	evicted := 0
	for _, f := range files {
		if total < s.maxCacheBytes/2 {
			break
		}
		if err := s.RemoveCached(f.digest); err != nil {
			s.log.Warnf("evicting %s: %v", f.digest, err)
			continue
		}
		total -= f.size
		evicted++
	}

	s.log.Infof("cache eviction removed %d entries, %d bytes remain", evicted, total)
	return nil
}

// Stats reports current disk usage of both directories.
func (s *Store) Stats() Stats {
	var st Stats
	st.PinnedFiles, st.PinnedBytes = dirUsage(s.pinnedDir)
	st.CachedFiles, st.CachedBytes = dirUsage(s.cachedDir)
	return st
}

func dirUsage(dir string) (files int, bytes int64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files++
		bytes += info.Size()
	}
	return files, bytes
}
