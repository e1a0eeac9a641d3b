package pkgorch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deleranax/tpm/internal/digest"
	"github.com/Deleranax/tpm/internal/driver"
	"github.com/Deleranax/tpm/internal/storage"
)

// fakeDriver serves file bytes out of an in-memory map keyed by
// "identifier/path", with no network access at all.
type fakeDriver struct {
	name  string
	files map[string][]byte
}

func newFakeDriver(name string, files map[string][]byte) *fakeDriver {
	return &fakeDriver{name: name, files: files}
}

func (f *fakeDriver) Name() string                          { return f.name }
func (f *fakeDriver) Compatible(identifier string) bool      { return true }
func (f *fakeDriver) Exists(ctx context.Context, id string) (bool, error) { return true, nil }
func (f *fakeDriver) FetchIndex(ctx context.Context, id string) (storage.RepositoryIndex, error) {
	return storage.RepositoryIndex{}, fmt.Errorf("not implemented in fake")
}

func (f *fakeDriver) FetchPackageFile(ctx context.Context, identifier, packageName, path string) ([]byte, error) {
	data, ok := f.files[identifier+"/"+path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s/%s", identifier, path)
	}
	return data, nil
}

func newTestOrchestrator(t *testing.T, files map[string][]byte) (*Orchestrator, *storage.Storage) {
	t.Helper()
	st := storage.New(t.TempDir())
	reg := driver.NewRegistry()
	reg.Register(newFakeDriver("fake", files))
	return New(st, reg), st
}

func seedRepo(st *storage.Storage, repoID string, priority int, packages map[string]storage.PackageManifest) {
	st.SetStoreEntry(repoID, storage.LocalRepositoryEntry{
		RepositoryIndex: storage.RepositoryIndex{
			Name:     repoID,
			Priority: priority,
			Packages: packages,
		},
		Identifier:    repoID,
		UserInstalled: true,
	})
}

func TestBuildIndexCollectsAllPackageNames(t *testing.T) {
	o, st := newTestOrchestrator(t, nil)
	seedRepo(st, "repo-a", 0, map[string]storage.PackageManifest{
		"pkg-one": {Name: "pkg-one"},
	})
	seedRepo(st, "repo-b", 0, map[string]storage.PackageManifest{
		"pkg-two": {Name: "pkg-two"},
	})

	packs, err := o.BuildIndex().Run()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pkg-one", "pkg-two"}, packs)

	entry, ok := st.GetIndexEntry("pkg-one@repo-a")
	require.True(t, ok)
	assert.Equal(t, "repo-a", entry.Repository)
}

func TestFindMatchesNamePattern(t *testing.T) {
	o, st := newTestOrchestrator(t, nil)
	seedRepo(st, "repo-a", 0, map[string]storage.PackageManifest{
		"pkg-one": {Name: "pkg-one"},
	})
	_, err := o.BuildIndex().Run()
	require.NoError(t, err)

	matches, err := o.Find("pkg-one")
	require.NoError(t, err)
	require.Contains(t, matches, "repo-a")
	assert.Len(t, matches["repo-a"], 1)
	_ = st
}

func TestResolvePrefersHigherPriorityRepo(t *testing.T) {
	o, st := newTestOrchestrator(t, nil)
	seedRepo(st, "repo-low", 0, map[string]storage.PackageManifest{
		"pkg-one": {Name: "pkg-one"},
	})
	seedRepo(st, "repo-high", 5, map[string]storage.PackageManifest{
		"pkg-one": {Name: "pkg-one"},
	})
	_, err := o.BuildIndex().Run()
	require.NoError(t, err)

	pid, _, err := o.resolve("pkg-one")
	require.NoError(t, err)
	assert.Equal(t, "pkg-one@repo-high", pid)
}

func TestResolveBreaksTieAlphabetically(t *testing.T) {
	o, st := newTestOrchestrator(t, nil)
	seedRepo(st, "repo-b", 0, map[string]storage.PackageManifest{
		"pkg-one": {Name: "pkg-one"},
	})
	seedRepo(st, "repo-a", 0, map[string]storage.PackageManifest{
		"pkg-one": {Name: "pkg-one"},
	})
	_, err := o.BuildIndex().Run()
	require.NoError(t, err)

	pid, _, err := o.resolve("pkg-one")
	require.NoError(t, err)
	assert.Equal(t, "pkg-one@repo-a", pid)
}

func TestAddDownloadsFilesAndVerifiesDigest(t *testing.T) {
	content := []byte("hello world")
	files := map[string][]byte{
		"repo-a/bin/hello": content,
	}
	o, st := newTestOrchestrator(t, files)
	seedRepo(st, "repo-a", 0, map[string]storage.PackageManifest{
		"pkg-one": {
			Name:  "pkg-one",
			Files: map[string]string{"bin/hello": digest.Hex(content)},
		},
	})
	_, err := o.BuildIndex().Run()
	require.NoError(t, err)

	result, err := o.Add(context.Background(), []string{"pkg-one"}).Run()
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.NotNil(t, result.Transaction)

	ok, actionErrs := result.Transaction.Apply()
	require.True(t, ok)
	require.Empty(t, actionErrs)

	entry, found := st.GetPoolEntry("pkg-one@repo-a")
	require.True(t, found)
	assert.True(t, entry.UserInstalled)

	data, err := os.ReadFile(filepath.Join(st.RootDir(), "bin/hello"))
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestAddRollsBackOnDigestMismatch(t *testing.T) {
	files := map[string][]byte{
		"repo-a/bin/hello": []byte("tampered"),
	}
	o, st := newTestOrchestrator(t, files)
	seedRepo(st, "repo-a", 0, map[string]storage.PackageManifest{
		"pkg-one": {
			Name:  "pkg-one",
			Files: map[string]string{"bin/hello": digest.Hex([]byte("hello world"))},
		},
	})
	_, err := o.BuildIndex().Run()
	require.NoError(t, err)

	result, err := o.Add(context.Background(), []string{"pkg-one"}).Run()
	require.NoError(t, err)
	require.NotNil(t, result.Transaction)

	ok, actionErrs := result.Transaction.Apply()
	assert.False(t, ok)
	assert.NotEmpty(t, actionErrs)

	_, found := st.GetPoolEntry("pkg-one@repo-a")
	assert.False(t, found)
}

func TestRemoveMovesFilesToTrash(t *testing.T) {
	content := []byte("hello world")
	files := map[string][]byte{
		"repo-a/bin/hello": content,
	}
	o, st := newTestOrchestrator(t, files)
	seedRepo(st, "repo-a", 0, map[string]storage.PackageManifest{
		"pkg-one": {
			Name:  "pkg-one",
			Files: map[string]string{"bin/hello": digest.Hex(content)},
		},
	})
	_, err := o.BuildIndex().Run()
	require.NoError(t, err)

	addResult, err := o.Add(context.Background(), []string{"pkg-one"}).Run()
	require.NoError(t, err)
	ok, actionErrs := addResult.Transaction.Apply()
	require.True(t, ok)
	require.Empty(t, actionErrs)

	removeResult, err := o.Remove(context.Background(), []string{"pkg-one"}).Run()
	require.NoError(t, err)
	require.NotNil(t, removeResult.Transaction)

	ok, actionErrs = removeResult.Transaction.Apply()
	require.True(t, ok)
	require.Empty(t, actionErrs)

	_, found := st.GetPoolEntry("pkg-one@repo-a")
	assert.False(t, found)

	_, err = os.Stat(filepath.Join(st.RootDir(), "bin/hello"))
	assert.True(t, os.IsNotExist(err))

	trashed, err := st.ReadTrash("bin/hello")
	require.NoError(t, err)
	assert.Equal(t, content, trashed)
}

func TestVerifyReportsTamperedFile(t *testing.T) {
	content := []byte("hello world")
	files := map[string][]byte{
		"repo-a/bin/hello": content,
	}
	o, st := newTestOrchestrator(t, files)
	seedRepo(st, "repo-a", 0, map[string]storage.PackageManifest{
		"pkg-one": {
			Name:  "pkg-one",
			Files: map[string]string{"bin/hello": digest.Hex(content)},
		},
	})
	_, err := o.BuildIndex().Run()
	require.NoError(t, err)

	addResult, err := o.Add(context.Background(), []string{"pkg-one"}).Run()
	require.NoError(t, err)
	ok, actionErrs := addResult.Transaction.Apply()
	require.True(t, ok)
	require.Empty(t, actionErrs)

	clean, err := o.Verify()
	require.NoError(t, err)
	assert.Empty(t, clean)

	require.NoError(t, os.WriteFile(filepath.Join(st.RootDir(), "bin/hello"), []byte("tampered"), 0o644))

	mismatches, err := o.Verify()
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "pkg-one@repo-a", mismatches[0].PackageIdentifier)
	assert.Equal(t, "bin/hello", mismatches[0].Path)
}
