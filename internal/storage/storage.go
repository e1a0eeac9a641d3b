// Package storage owns the three persistent maps (store, index, pool) and
// the in-memory remote-index cache that the repository and package
// orchestrators mutate only through transaction actions (spec §4.5).
// Load/Flush follow the same atomic-write-via-tempfile pattern as pbr's
// filesystem metadata store; the corrupt-file backup-and-reset behavior
// and the STORAGE_TTL/CACHE_TTL throttles are new, spec-mandated behavior
// layered on top of that pattern.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default TTLs per spec §6.4.
const (
	CacheTTL   = 300 * time.Second
	StorageTTL = 5 * time.Second
)

const (
	storeFile = "store.json"
	indexFile = "index.json"
	poolFile  = "pool.json"
)

// Clock abstracts time.Now for testability.
type Clock func() time.Time

// Storage is the single owner of the store/index/pool maps, the remote
// index cache, and the trash area. Construct one fresh Storage per
// transaction lifetime (per spec, concurrent transactions against the
// same on-disk state are unsupported).
type Storage struct {
	mu   sync.Mutex
	base string
	now  Clock

	store map[string]LocalRepositoryEntry
	index map[string]IndexEntry
	pool  map[string]InstalledPackageEntry
	cache map[string]RepositoryIndex

	loadTimestamp time.Time
}

// New creates a Storage rooted at base. base holds store.json/index.json/
// pool.json plus a .trash/ directory for package files pending permanent
// deletion.
func New(base string) *Storage {
	return &Storage{
		base:  base,
		now:   time.Now,
		store: map[string]LocalRepositoryEntry{},
		index: map[string]IndexEntry{},
		pool:  map[string]InstalledPackageEntry{},
		cache: map[string]RepositoryIndex{},
	}
}

// WithClock overrides the clock used for TTL checks; for tests only.
func (s *Storage) WithClock(clock Clock) *Storage {
	s.now = clock
	return s
}

func (s *Storage) RootDir() string  { return s.base }
func (s *Storage) TrashDir() string { return filepath.Join(s.base, ".trash") }

func (s *Storage) path(name string) string { return filepath.Join(s.base, name) }

// Load reads store.json/index.json/pool.json unconditionally. A file that
// fails to deserialize is renamed to "<file>.backup.<epoch-millis>"
// best-effort and replaced in memory with an empty map; per-file errors
// are returned in a map keyed by the logical name ("store", "index",
// "pool"), never raised.
func (s *Storage) Load() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := map[string]error{}
	if err := s.loadStore(); err != nil {
		errs["store"] = err
	}
	if err := s.loadIndex(); err != nil {
		errs["index"] = err
	}
	if err := s.loadPool(); err != nil {
		errs["pool"] = err
	}
	s.loadTimestamp = s.now()
	return errs
}

// LoadIfExpired is the throttled form: it skips I/O entirely when the last
// Load happened within StorageTTL.
func (s *Storage) LoadIfExpired() map[string]error {
	s.mu.Lock()
	expired := s.loadTimestamp.IsZero() || s.now().Sub(s.loadTimestamp) > StorageTTL
	s.mu.Unlock()
	if !expired {
		return nil
	}
	return s.Load()
}

func (s *Storage) backupAndReset(file string, err error) error {
	p := s.path(file)
	backup := p + fmt.Sprintf(".backup.%d", s.now().UnixMilli())
	_ = os.Rename(p, backup) // best-effort
	return fmt.Errorf("parse %s: %w (backed up to %s)", file, err, backup)
}

func (s *Storage) loadStore() error {
	data, err := os.ReadFile(s.path(storeFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var m map[string]LocalRepositoryEntry
	if err := json.Unmarshal(data, &m); err != nil {
		s.store = map[string]LocalRepositoryEntry{}
		return s.backupAndReset(storeFile, err)
	}
	if m == nil {
		m = map[string]LocalRepositoryEntry{}
	}
	s.store = m
	return nil
}

func (s *Storage) loadIndex() error {
	data, err := os.ReadFile(s.path(indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var m map[string]IndexEntry
	if err := json.Unmarshal(data, &m); err != nil {
		s.index = map[string]IndexEntry{}
		return s.backupAndReset(indexFile, err)
	}
	if m == nil {
		m = map[string]IndexEntry{}
	}
	s.index = m
	return nil
}

func (s *Storage) loadPool() error {
	data, err := os.ReadFile(s.path(poolFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var m map[string]InstalledPackageEntry
	if err := json.Unmarshal(data, &m); err != nil {
		s.pool = map[string]InstalledPackageEntry{}
		return s.backupAndReset(poolFile, err)
	}
	if m == nil {
		m = map[string]InstalledPackageEntry{}
	}
	s.pool = m
	return nil
}

// Flush serializes each map and writes it atomically (tempfile + rename,
// matching pbr's filesystem metadata store). On success the load
// timestamp is refreshed so the next LoadIfExpired skips a redundant
// reload. Per-file errors are returned rather than raised, and leave the
// previous on-disk snapshot untouched for that file.
func (s *Storage) Flush() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := map[string]error{}
	if err := writeJSONAtomic(s.path(storeFile), s.store); err != nil {
		errs["store"] = err
	}
	if err := writeJSONAtomic(s.path(indexFile), s.index); err != nil {
		errs["index"] = err
	}
	if err := writeJSONAtomic(s.path(poolFile), s.pool); err != nil {
		errs["pool"] = err
	}
	if len(errs) == 0 {
		s.loadTimestamp = s.now()
	}
	return errs
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// ---- store ----

func (s *Storage) GetStoreEntry(identifier string) (LocalRepositoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.store[identifier]
	return e, ok
}

// SetStoreEntry unconditionally overwrites the store entry for
// identifier (§4.7.3's addUnchecked).
func (s *Storage) SetStoreEntry(identifier string, entry LocalRepositoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[identifier] = entry
}

// DeleteStoreEntry unconditionally removes identifier from the store
// (§4.7.3's removeUnchecked).
func (s *Storage) DeleteStoreEntry(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, identifier)
}

// StoreIdentifiers returns every repository identifier currently in the
// store, in no particular order.
func (s *Storage) StoreIdentifiers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.store))
	for k := range s.store {
		out = append(out, k)
	}
	return out
}

// StoreSnapshot returns a shallow copy of the store map.
func (s *Storage) StoreSnapshot() map[string]LocalRepositoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]LocalRepositoryEntry, len(s.store))
	for k, v := range s.store {
		out[k] = v
	}
	return out
}

// ---- pool ----

func (s *Storage) GetPoolEntry(identifier string) (InstalledPackageEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pool[identifier]
	return e, ok
}

func (s *Storage) SetPoolEntry(identifier string, entry InstalledPackageEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool[identifier] = entry
}

func (s *Storage) DeletePoolEntry(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pool, identifier)
}

func (s *Storage) PoolIdentifiers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pool))
	for k := range s.pool {
		out = append(out, k)
	}
	return out
}

func (s *Storage) PoolSnapshot() map[string]InstalledPackageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]InstalledPackageEntry, len(s.pool))
	for k, v := range s.pool {
		out[k] = v
	}
	return out
}

// ---- index ----

// ReplaceIndex atomically swaps the whole index map, as buildIndex does
// (§4.8.2: "Replace the index in-memory").
func (s *Storage) ReplaceIndex(index map[string]IndexEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
}

func (s *Storage) GetIndexEntry(identifier string) (IndexEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[identifier]
	return e, ok
}

func (s *Storage) IndexSnapshot() map[string]IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]IndexEntry, len(s.index))
	for k, v := range s.index {
		out[k] = v
	}
	return out
}

// ---- cache ----

// CacheIsExpired reports whether a cache entry stamped at ts (seconds
// since epoch) is stale. Per spec §9, this is now-ts > TTL, not ts-now —
// the inverted sign from one variant of the source would make expiry
// fire only for entries timestamped in the future, which is never useful.
func CacheIsExpired(now time.Time, ts int64) bool {
	return now.Sub(time.Unix(ts, 0)) > CacheTTL
}

// CacheGet returns the cached remote index for identifier, if present and
// not expired.
func (s *Storage) CacheGet(identifier string) (RepositoryIndex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[identifier]
	if !ok {
		return RepositoryIndex{}, false
	}
	if CacheIsExpired(s.now(), e.UpdateTimestamp) {
		return RepositoryIndex{}, false
	}
	return e, true
}

// CacheSet stores idx in the cache for identifier, stamping
// UpdateTimestamp to now if the caller left it zero.
func (s *Storage) CacheSet(identifier string, idx RepositoryIndex) RepositoryIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx.UpdateTimestamp == 0 {
		idx.UpdateTimestamp = s.now().Unix()
	}
	s.cache[identifier] = idx
	return idx
}

// ---- trash ----

// MoveToTrash moves the file at RootDir()/relPath to TrashDir()/relPath,
// overwriting any existing trash entry at that location, then prunes now-
// empty parent directories under RootDir() (spec §4.8.5). A uuid-suffixed
// staging name is used for the move-then-rename so a crash mid-move can
// never leave a half-written file at the final trash path.
func (s *Storage) MoveToTrash(relPath string) error {
	src := filepath.Join(s.base, relPath)
	dst := filepath.Join(s.TrashDir(), relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	staging := dst + ".incoming-" + uuid.NewString()
	if err := copyFile(src, staging); err != nil {
		os.Remove(staging)
		return err
	}
	if err := os.Rename(staging, dst); err != nil {
		os.Remove(staging)
		return err
	}
	if err := os.Remove(src); err != nil {
		return err
	}
	return s.pruneEmptyParents(filepath.Dir(src))
}

// RestoreFromTrash moves TrashDir()/relPath back to RootDir()/relPath.
func (s *Storage) RestoreFromTrash(relPath string) error {
	src := filepath.Join(s.TrashDir(), relPath)
	dst := filepath.Join(s.base, relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// ReadTrash reads the bytes of a trashed file without restoring it.
func (s *Storage) ReadTrash(relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.TrashDir(), relPath))
}

// DeleteFile removes RootDir()/relPath and prunes now-empty parents.
func (s *Storage) DeleteFile(relPath string) error {
	full := filepath.Join(s.base, relPath)
	if err := os.Remove(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return s.pruneEmptyParents(filepath.Dir(full))
}

// WriteFile creates parent directories as needed and writes data to
// RootDir()/relPath.
func (s *Storage) WriteFile(relPath string, data []byte) error {
	full := filepath.Join(s.base, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

// pruneEmptyParents iteratively climbs from dir toward RootDir(),
// removing each now-empty directory, rather than unbounded recursion
// (spec §9's "unbounded recursion for tree ops" note).
func (s *Storage) pruneEmptyParents(dir string) error {
	root := filepath.Clean(s.base)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !isUnder(root, dir) {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil {
			return err
		}
		dir = filepath.Dir(dir)
	}
}

func isUnder(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
