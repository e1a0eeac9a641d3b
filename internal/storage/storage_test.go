package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	s.SetStoreEntry("repo@repo", LocalRepositoryEntry{
		RepositoryIndex: RepositoryIndex{Name: "repo", Priority: 5},
		Identifier:      "repo@repo",
		UserInstalled:   true,
	})
	s.SetPoolEntry("pkg@repo", InstalledPackageEntry{
		PackageManifest: PackageManifest{Name: "pkg"},
		Repository:      "repo",
		UserInstalled:   true,
	})
	s.ReplaceIndex(map[string]IndexEntry{
		"pkg@repo": {PackageManifest: PackageManifest{Name: "pkg"}, Repository: "repo"},
	})

	errs := s.Flush()
	assert.Empty(t, errs)

	s2 := New(dir)
	loadErrs := s2.Load()
	assert.Empty(t, loadErrs)

	entry, ok := s2.GetStoreEntry("repo@repo")
	require.True(t, ok)
	assert.Equal(t, 5, entry.Priority)

	pkg, ok := s2.GetPoolEntry("pkg@repo")
	require.True(t, ok)
	assert.Equal(t, "pkg", pkg.Name)
}

func TestLoadMissingFilesIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	errs := s.Load()
	assert.Empty(t, errs)
	assert.Empty(t, s.StoreIdentifiers())
}

func TestLoadCorruptFileBacksUpAndResets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, storeFile), []byte("not json"), 0o644))

	s := New(dir)
	errs := s.Load()
	require.Contains(t, errs, "store")
	assert.Empty(t, s.StoreIdentifiers())

	matches, err := filepath.Glob(filepath.Join(dir, storeFile+".backup.*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestLoadIfExpiredThrottles(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1000, 0)
	s := New(dir).WithClock(func() time.Time { return now })

	errs := s.LoadIfExpired()
	assert.Empty(t, errs)
	first := s.loadTimestamp

	now = now.Add(1 * time.Second) // within StorageTTL
	s.LoadIfExpired()
	assert.Equal(t, first, s.loadTimestamp) // skipped, no reload

	now = now.Add(10 * time.Second) // past StorageTTL
	s.LoadIfExpired()
	assert.True(t, s.loadTimestamp.After(first))
}

func TestCacheExpirySign(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(10_000, 0)
	s := New(dir).WithClock(func() time.Time { return now })

	s.CacheSet("repo@repo", RepositoryIndex{Name: "repo", UpdateTimestamp: now.Unix()})

	_, ok := s.CacheGet("repo@repo")
	assert.True(t, ok, "fresh entry must be a hit")

	now = now.Add(CacheTTL + time.Second)
	_, ok = s.CacheGet("repo@repo")
	assert.False(t, ok, "entry older than TTL must be a miss")
}

func TestCacheIsExpiredRejectsFutureTimestampSign(t *testing.T) {
	now := time.Unix(10_000, 0)
	// A timestamp in the future (ts > now) must never read as expired under
	// the now-ts sign; the inverted ts-now sign would do the opposite.
	assert.False(t, CacheIsExpired(now, now.Add(time.Hour).Unix()))
	assert.True(t, CacheIsExpired(now, now.Add(-CacheTTL-time.Second).Unix()))
}

func TestMoveToTrashAndRestore(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.WriteFile("pkg/file.txt", []byte("hello")))
	require.NoError(t, s.MoveToTrash("pkg/file.txt"))

	_, err := os.Stat(filepath.Join(dir, "pkg", "file.txt"))
	assert.True(t, os.IsNotExist(err))

	data, err := s.ReadTrash("pkg/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// empty parent dir should have been pruned
	_, err = os.Stat(filepath.Join(dir, "pkg"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.RestoreFromTrash("pkg/file.txt"))
	data, err = os.ReadFile(filepath.Join(dir, "pkg", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDeleteFilePrunesEmptyParents(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.WriteFile("a/b/c/file.txt", []byte("x")))
	require.NoError(t, s.DeleteFile("a/b/c/file.txt"))

	for _, p := range []string{"a/b/c", "a/b", "a"} {
		_, err := os.Stat(filepath.Join(dir, p))
		assert.True(t, os.IsNotExist(err), "expected %s pruned", p)
	}
}

func TestDeleteFilePreservesNonEmptySibling(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.WriteFile("a/b/keep.txt", []byte("x")))
	require.NoError(t, s.WriteFile("a/b/remove.txt", []byte("y")))
	require.NoError(t, s.DeleteFile("a/b/remove.txt"))

	_, err := os.Stat(filepath.Join(dir, "a", "b", "keep.txt"))
	assert.NoError(t, err)
}

func TestReplaceIndexSwapsWholeMap(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.ReplaceIndex(map[string]IndexEntry{"a@r": {}})
	s.ReplaceIndex(map[string]IndexEntry{"b@r": {}})

	_, ok := s.GetIndexEntry("a@r")
	assert.False(t, ok)
	_, ok = s.GetIndexEntry("b@r")
	assert.True(t, ok)
}
