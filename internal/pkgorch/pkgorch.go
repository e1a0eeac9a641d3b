// Package pkgorch implements the package orchestrator (spec §4.8): it
// builds the derived, priority-resolved index from every repository in
// the store, resolves dependency closures over that index, and
// produces the Transaction that materializes or trashes package files
// on disk. Grounded the same way repoorch is: the graph-walk idiom
// comes from pbr's pkg/registry/graph.go, generalized through
// internal/deptree; the file-materialization actions are new, built on
// internal/storage's file-write and trash helpers.
package pkgorch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Deleranax/tpm/internal/deptree"
	"github.com/Deleranax/tpm/internal/digest"
	"github.com/Deleranax/tpm/internal/driver"
	"github.com/Deleranax/tpm/internal/driver/blobcache"
	"github.com/Deleranax/tpm/internal/future"
	"github.com/Deleranax/tpm/internal/storage"
	"github.com/Deleranax/tpm/internal/txn"
	"github.com/Deleranax/tpm/internal/wildcard"
)

// Orchestrator resolves package names against the built index and pool,
// and mutates the pool's on-disk files via transactions.
type Orchestrator struct {
	storage *storage.Storage
	drivers *driver.Registry
	blobs   *blobcache.Cache
	now     func() time.Time
}

// New builds an Orchestrator over st, fetching package files through
// drivers.
func New(st *storage.Storage, drivers *driver.Registry) *Orchestrator {
	return &Orchestrator{storage: st, drivers: drivers, now: time.Now}
}

// WithBlobCache enables deduping driver fetches through c: a file
// already fetched for the same repository identifier and path, in this
// or an earlier Add, is read from c instead of origin. Nil (the default)
// disables caching.
func (o *Orchestrator) WithBlobCache(c *blobcache.Cache) *Orchestrator {
	o.blobs = c
	return o
}

// Find implements spec §4.8.1. pattern is "namePattern[@repoPattern]";
// a missing "@repoPattern" half defaults to "@*". The "@" separates the
// two wildcard halves so a "*" in one can never bleed into the other.
func (o *Orchestrator) Find(pattern string) (map[string][]storage.PackageManifest, error) {
	full := pattern
	if !containsAt(pattern) {
		full = pattern + "@*"
	}
	m, err := wildcard.Compile(full, '@')
	if err != nil {
		return nil, err
	}

	out := map[string][]storage.PackageManifest{}
	for pid, entry := range o.storage.IndexSnapshot() {
		if m.Matches(pid) {
			out[entry.Repository] = append(out[entry.Repository], entry.PackageManifest)
		}
	}
	return out, nil
}

func containsAt(s string) bool {
	for _, r := range s {
		if r == '@' {
			return true
		}
	}
	return false
}

// BuildIndex implements spec §4.8.2: it replaces the whole index with
// the derived view of every package published by every store entry,
// then returns the distinct package names published (the "packs").
// Store entries are walked in (-priority, identifier) order; this
// ordering is what the bare-name resolution comparator in resolve
// mirrors, since both express the same "higher priority, then
// alphabetic" selection rule (spec §4.8.2/§9).
func (o *Orchestrator) BuildIndex() *future.Future[[]string] {
	return future.New(func() (bool, []string, error) {
		o.storage.LoadIfExpired()

		store := o.storage.StoreSnapshot()
		repoIDs := make([]string, 0, len(store))
		for id := range store {
			repoIDs = append(repoIDs, id)
		}
		sort.Slice(repoIDs, func(i, j int) bool {
			return repoPriorityLess(store, repoIDs[i], repoIDs[j])
		})

		newIndex := map[string]storage.IndexEntry{}
		names := map[string]struct{}{}
		for _, repoID := range repoIDs {
			entry := store[repoID]
			for name, manifest := range entry.Packages {
				names[name] = struct{}{}
				pid := storage.Identifier(name, repoID)
				newIndex[pid] = storage.IndexEntry{
					PackageManifest: manifest,
					Repository:      repoID,
				}
			}
		}

		o.storage.ReplaceIndex(newIndex)
		o.storage.Flush()

		packs := make([]string, 0, len(names))
		for n := range names {
			packs = append(packs, n)
		}
		sort.Strings(packs)
		return true, packs, nil
	})
}

// repoPriorityLess orders a before b by (-priority, identifier): higher
// priority first, alphabetic identifier as the tie-break.
func repoPriorityLess(store map[string]storage.LocalRepositoryEntry, a, b string) bool {
	pa, pb := store[a].Priority, store[b].Priority
	if pa != pb {
		return pa > pb
	}
	return a < b
}

// resolve picks the single winning PackageIdentifier for namePattern,
// the "bare-key shortcut" of spec §4.8.2/§9: among every repository
// publishing a matching name, the one with the highest RepositoryIndex
// priority wins, ties broken alphabetically by repository identifier.
// A pattern that already names an explicit repository half still goes
// through the same comparator, which is a no-op when only one
// repository matches.
func (o *Orchestrator) resolve(namePattern string) (string, storage.PackageManifest, error) {
	matches, err := o.Find(namePattern)
	if err != nil {
		return "", storage.PackageManifest{}, err
	}
	if len(matches) == 0 {
		return "", storage.PackageManifest{}, fmt.Errorf("package not found: %s", namePattern)
	}

	store := o.storage.StoreSnapshot()
	var bestRepo string
	first := true
	for repoID := range matches {
		if first || repoPriorityLess(store, repoID, bestRepo) {
			bestRepo = repoID
			first = false
		}
	}

	manifests := matches[bestRepo]
	manifest := manifests[0]
	return storage.Identifier(manifest.Name, bestRepo), manifest, nil
}

// AddResult is what Add resolves to.
type AddResult struct {
	Transaction *txn.Transaction
	Errors      []string
}

// Add implements spec §4.8.3.
func (o *Orchestrator) Add(ctx context.Context, names []string) *future.Future[AddResult] {
	return future.New(func() (bool, AddResult, error) {
		result, err := o.addSync(ctx, names)
		return true, result, err
	})
}

type downloadData struct {
	PID           string
	Repository    string
	Manifest      storage.PackageManifest
	UserInstalled bool
}

func (o *Orchestrator) addSync(ctx context.Context, names []string) (AddResult, error) {
	o.storage.LoadIfExpired()

	var errs []string
	pool := o.storage.PoolIdentifiers()
	present := make(map[string]struct{}, len(pool))
	for _, p := range pool {
		present[p] = struct{}{}
	}

	type resolved struct {
		pid      string
		manifest storage.PackageManifest
	}
	entries := make(map[string]resolved, len(o.storage.IndexSnapshot()))

	var requested []string
	for _, name := range names {
		pid, manifest, err := o.resolve(name)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if _, ok := present[pid]; ok {
			errs = append(errs, fmt.Sprintf("package already installed: %s", pid))
			continue
		}
		present[pid] = struct{}{}
		pool = append(pool, pid)
		requested = append(requested, pid)
		entries[pid] = resolved{pid: pid, manifest: manifest}
	}

	getDeps := func(pid string) []string {
		entry, ok := o.storage.GetIndexEntry(pid)
		if !ok {
			errs = append(errs, fmt.Sprintf("package not found in index: %s", pid))
			return []string{}
		}
		deps := []string{}
		for _, depName := range entry.Dependencies {
			depPid, _, err := o.resolve(depName)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			deps = append(deps, depPid)
		}
		return deps
	}

	additions, err := deptree.Expand(pool, getDeps).Run()
	if err != nil {
		return AddResult{}, err
	}

	var actions []txn.Action
	for _, pid := range additions {
		entry, ok := o.storage.GetIndexEntry(pid)
		if !ok {
			errs = append(errs, fmt.Sprintf("package not found in index: %s", pid))
			continue
		}
		actions = append(actions, o.downloadAction(ctx, downloadData{
			PID: pid, Repository: entry.Repository, Manifest: entry.PackageManifest, UserInstalled: false,
		}))
	}

	for _, pid := range requested {
		r := entries[pid]
		entry, ok := o.storage.GetIndexEntry(pid)
		repo := ""
		if ok {
			repo = entry.Repository
		}
		actions = append(actions, o.downloadAction(ctx, downloadData{
			PID: pid, Repository: repo, Manifest: r.manifest, UserInstalled: true,
		}))
	}

	if len(actions) == 0 {
		return AddResult{Errors: errs}, nil
	}

	tr := txn.New(ctx, actions, txn.Handlers{
		Open:  func() { o.storage.LoadIfExpired() },
		Close: func() { o.storage.Flush() },
	})
	return AddResult{Transaction: tr, Errors: errs}, nil
}

// downloadAction implements §4.8.5's downloadFiles/deleteFiles pair.
func (o *Orchestrator) downloadAction(ctx context.Context, data downloadData) txn.Action {
	return txn.Action{
		Data: data,
		Apply: func(raw any) error {
			d := raw.(downloadData)
			return o.downloadFiles(ctx, d)
		},
		Rollback: func(raw any) error {
			d := raw.(downloadData)
			return o.deleteFiles(d)
		},
	}
}

func (o *Orchestrator) downloadFiles(ctx context.Context, d downloadData) error {
	repoEntry, _ := o.storage.GetStoreEntry(d.Repository)
	drv, err := o.drivers.SelectFor(d.Repository, repoEntry.Driver)
	if err != nil {
		return err
	}

	for path, expected := range d.Manifest.Files {
		data, err := o.fetchFile(ctx, drv, d.Repository, d.Manifest.Name, path)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", path, err)
		}
		got := digest.Hex(data)
		if got != expected {
			return fmt.Errorf("digest mismatch for %s: expected %s, got %s", path, expected, got)
		}
		if err := o.storage.WriteFile(path, data); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	o.storage.SetPoolEntry(d.PID, storage.InstalledPackageEntry{
		PackageManifest: d.Manifest,
		Repository:      d.Repository,
		UserInstalled:   d.UserInstalled,
	})
	return nil
}

// fetchFile fetches identifier/path through drv, consulting (and
// populating) the blob cache when one is configured.
func (o *Orchestrator) fetchFile(ctx context.Context, drv driver.Driver, identifier, packageName, path string) ([]byte, error) {
	key := identifier + "/" + path
	if o.blobs != nil {
		if data, ok := o.blobs.Get(key); ok {
			return data, nil
		}
	}
	data, err := drv.FetchPackageFile(ctx, identifier, packageName, path)
	if err != nil {
		return nil, err
	}
	if o.blobs != nil {
		_ = o.blobs.Put(key, data)
	}
	return data, nil
}

func (o *Orchestrator) deleteFiles(d downloadData) error {
	for path := range d.Manifest.Files {
		if err := o.storage.DeleteFile(path); err != nil {
			return err
		}
	}
	o.storage.DeletePoolEntry(d.PID)
	return nil
}

// RemoveResult is what Remove resolves to.
type RemoveResult struct {
	Transaction *txn.Transaction
	Errors      []string
}

// Remove implements spec §4.8.4.
func (o *Orchestrator) Remove(ctx context.Context, names []string) *future.Future[RemoveResult] {
	return future.New(func() (bool, RemoveResult, error) {
		result, err := o.removeSync(ctx, names)
		return true, result, err
	})
}

func (o *Orchestrator) removeSync(ctx context.Context, names []string) (RemoveResult, error) {
	var errs []string
	pool := o.storage.PoolIdentifiers()

	roots := make(map[string]struct{}, len(names))
	for _, name := range names {
		pid, ok := o.resolvePoolName(name)
		if !ok {
			errs = append(errs, fmt.Sprintf("package not installed: %s", name))
			continue
		}
		roots[pid] = struct{}{}
	}

	getDeps := func(pid string) []string {
		entry, ok := o.storage.GetPoolEntry(pid)
		if !ok {
			return []string{}
		}
		deps := []string{}
		for _, depName := range entry.Dependencies {
			depPid, ok := o.resolvePoolName(depName)
			if !ok {
				continue
			}
			deps = append(deps, depPid)
		}
		return deps
	}

	isPinned := func(pid string) bool {
		if _, isRoot := roots[pid]; isRoot {
			return false
		}
		entry, ok := o.storage.GetPoolEntry(pid)
		if !ok {
			return false
		}
		return entry.UserInstalled
	}

	deletions, err := deptree.Shrink(pool, getDeps, isPinned).Run()
	if err != nil {
		return RemoveResult{}, err
	}

	var actions []txn.Action
	for _, pid := range deletions {
		entry, ok := o.storage.GetPoolEntry(pid)
		if !ok {
			continue
		}
		actions = append(actions, o.trashAction(pid, entry))
	}

	tr := txn.New(ctx, actions, txn.Handlers{
		Open:  func() { o.storage.LoadIfExpired() },
		Close: func() { o.storage.Flush() },
	})
	return RemoveResult{Transaction: tr, Errors: errs}, nil
}

// resolvePoolName resolves a bare or "name@repo" specifier against the
// installed pool, with the same priority/alphabetic comparator resolve
// uses against the index — but over the repositories that actually
// installed a matching package, since a dependency's origin repository
// may since have dropped out of the index.
func (o *Orchestrator) resolvePoolName(namePattern string) (string, bool) {
	full := namePattern
	if !containsAt(namePattern) {
		full = namePattern + "@*"
	}
	m, err := wildcard.Compile(full, '@')
	if err != nil {
		return "", false
	}

	store := o.storage.StoreSnapshot()
	var best, bestRepo string
	first := true
	for pid := range o.storage.PoolSnapshot() {
		if !m.Matches(pid) {
			continue
		}
		entry, _ := o.storage.GetPoolEntry(pid)
		if first || repoPriorityLess(store, entry.Repository, bestRepo) {
			best = pid
			bestRepo = entry.Repository
			first = false
		}
	}
	return best, !first
}

// trashAction implements §4.8.5's moveToTrash/restoreFromTrash pair.
// The rollback half tolerates partial state: a file the forward pass
// never reached is simply absent from the trash, and restoring it is a
// no-op rather than an error. The forward half fails on a file that is
// already missing from disk.
func (o *Orchestrator) trashAction(pid string, entry storage.InstalledPackageEntry) txn.Action {
	return txn.Action{
		Data: entry,
		Apply: func(raw any) error {
			e := raw.(storage.InstalledPackageEntry)
			for path := range e.Files {
				if err := o.storage.MoveToTrash(path); err != nil {
					return fmt.Errorf("trash %s: %w", path, err)
				}
			}
			o.storage.DeletePoolEntry(pid)
			return nil
		},
		Rollback: func(raw any) error {
			e := raw.(storage.InstalledPackageEntry)
			for path := range e.Files {
				data, err := o.storage.ReadTrash(path)
				if err != nil {
					continue
				}
				expected := e.Files[path]
				if digest.Hex(data) != expected {
					return fmt.Errorf("trashed file %s failed digest verification", path)
				}
				if err := o.storage.RestoreFromTrash(path); err != nil {
					return fmt.Errorf("restore %s: %w", path, err)
				}
			}
			o.storage.SetPoolEntry(pid, e)
			return nil
		},
	}
}

// Mismatch is one installed file whose on-disk digest no longer
// matches its manifest.
type Mismatch struct {
	PackageIdentifier string
	Path              string
	Expected          string
	Actual            string
}

// Verify is a read-only, "tpm doctor"-style consistency check (SPEC_FULL
// §C): it walks every installed pool entry and recomputes each file's
// digest against the manifest, reporting mismatches without mutating
// anything. A file missing entirely is reported with an empty Actual.
func (o *Orchestrator) Verify() ([]Mismatch, error) {
	var mismatches []Mismatch
	for pid, entry := range o.storage.PoolSnapshot() {
		for path, expected := range entry.Files {
			data, err := os.ReadFile(filepath.Join(o.storage.RootDir(), path))
			if err != nil {
				mismatches = append(mismatches, Mismatch{
					PackageIdentifier: pid, Path: path, Expected: expected, Actual: "",
				})
				continue
			}
			if got := digest.Hex(data); got != expected {
				mismatches = append(mismatches, Mismatch{
					PackageIdentifier: pid, Path: path, Expected: expected, Actual: got,
				})
			}
		}
	}
	return mismatches, nil
}
