// Package repoorch implements the repository orchestrator (spec §4.7):
// resolving a RepositoryIdentifier against a driver, expanding/shrinking
// the store's companion closure, and producing the Transaction that
// carries out an add or remove. Grounded on the recursive, map-deduped
// graph walk in pbr's pkg/registry/graph.go (getGraph), generalized from
// a BSR-module-commit graph into deptree's getter-closure form.
package repoorch

import (
	"context"
	"fmt"
	"time"

	"github.com/Deleranax/tpm/internal/deptree"
	"github.com/Deleranax/tpm/internal/driver"
	"github.com/Deleranax/tpm/internal/future"
	"github.com/Deleranax/tpm/internal/storage"
	"github.com/Deleranax/tpm/internal/txn"
	"github.com/Deleranax/tpm/internal/wildcard"
)

// Orchestrator resolves repository identifiers against the driver
// registry and mutates the store via transactions.
type Orchestrator struct {
	storage *storage.Storage
	drivers *driver.Registry
	now     func() time.Time
}

// New builds an Orchestrator over st, selecting drivers via drivers.
func New(st *storage.Storage, drivers *driver.Registry) *Orchestrator {
	return &Orchestrator{storage: st, drivers: drivers, now: time.Now}
}

// fetch implements spec §4.7.1: resolve identifier to its driver and
// remote index, consulting (and refreshing) the in-memory cache.
func (o *Orchestrator) fetch(ctx context.Context, identifier string) (driver.Driver, storage.RepositoryIndex, error) {
	if cached, ok := o.storage.CacheGet(identifier); ok {
		d, err := o.drivers.SelectFor(identifier, cached.Driver)
		if err != nil {
			return nil, storage.RepositoryIndex{}, err
		}
		return d, cached, nil
	}

	d, err := o.drivers.SelectFor(identifier, "")
	if err != nil {
		return nil, storage.RepositoryIndex{}, fmt.Errorf("no driver: %s: %w", identifier, err)
	}

	exists, err := d.Exists(ctx, identifier)
	if err != nil {
		return nil, storage.RepositoryIndex{}, fmt.Errorf("cannot check existence: %s: %w", identifier, err)
	}
	if !exists {
		return nil, storage.RepositoryIndex{}, fmt.Errorf("does not exist: %s", identifier)
	}

	idx, err := d.FetchIndex(ctx, identifier)
	if err != nil {
		return nil, storage.RepositoryIndex{}, fmt.Errorf("cannot fetch: %s: %w", identifier, err)
	}

	idx.Driver = d.Name()
	idx.UpdateTimestamp = o.now().Unix()
	o.storage.CacheSet(identifier, idx)
	return d, idx, nil
}

// fetchAndStore implements spec §4.7.2. It never inserts into the
// store; that is left to the action built around it.
func (o *Orchestrator) fetchAndStore(ctx context.Context, identifier string) (storage.LocalRepositoryEntry, error) {
	if entry, ok := o.storage.GetStoreEntry(identifier); ok {
		return entry, nil
	}
	_, idx, err := o.fetch(ctx, identifier)
	if err != nil {
		return storage.LocalRepositoryEntry{}, err
	}
	return storage.LocalRepositoryEntry{
		RepositoryIndex: idx,
		Identifier:      identifier,
		UserInstalled:   false,
	}, nil
}

// Find implements spec §4.7.5.
func (o *Orchestrator) Find(pattern string) []string {
	ids := o.storage.StoreIdentifiers()
	if pattern == "" {
		return ids
	}
	m, err := wildcard.Compile(pattern)
	if err != nil {
		return nil
	}
	var out []string
	for _, id := range ids {
		if m.Matches(id) {
			out = append(out, id)
		}
	}
	return out
}

// AddResult is what Add resolves to: a ready-to-run Transaction (nil if
// nothing meaningful could be built) plus any per-identifier errors
// accumulated along the way.
type AddResult struct {
	Transaction *txn.Transaction
	Errors      []string
}

// addUnchecked sets store[entry.Identifier] unconditionally (spec
// §4.7.3).
func (o *Orchestrator) addUnchecked(entry storage.LocalRepositoryEntry) {
	o.storage.SetStoreEntry(entry.Identifier, entry)
}

// removeUnchecked deletes store[entry.Identifier] unconditionally.
func (o *Orchestrator) removeUnchecked(entry storage.LocalRepositoryEntry) {
	o.storage.DeleteStoreEntry(entry.Identifier)
}

// Add implements spec §4.7.3.
func (o *Orchestrator) Add(ctx context.Context, identifiers []string) *future.Future[AddResult] {
	return future.New(func() (bool, AddResult, error) {
		result, err := o.addSync(ctx, identifiers)
		return true, result, err
	})
}

func (o *Orchestrator) addSync(ctx context.Context, identifiers []string) (AddResult, error) {
	var errs []string

	roots := o.Find("")
	present := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		present[r] = struct{}{}
	}

	var requested []string
	for _, id := range identifiers {
		if _, ok := present[id]; ok {
			errs = append(errs, fmt.Sprintf("repository already present: %s", id))
			continue
		}
		present[id] = struct{}{}
		roots = append(roots, id)
		requested = append(requested, id)
	}

	getCompanions := func(name string) []string {
		if entry, ok := o.storage.GetStoreEntry(name); ok {
			return append([]string{}, entry.Companions...)
		}
		_, idx, err := o.fetch(ctx, name)
		if err != nil {
			errs = append(errs, err.Error())
			return []string{}
		}
		return append([]string{}, idx.Companions...)
	}

	additions, err := deptree.Expand(roots, getCompanions).Run()
	if err != nil {
		return AddResult{}, err
	}

	var actions []txn.Action
	for _, add := range additions {
		entry, err := o.fetchAndStore(ctx, add)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		actions = append(actions, o.storeAction(entry))
	}

	for _, id := range requested {
		entry, err := o.fetchAndStore(ctx, id)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		entry.UserInstalled = true
		actions = append(actions, o.storeAction(entry))
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

func (o *Orchestrator) storeAction(entry storage.LocalRepositoryEntry) txn.Action {
	return txn.Action{
		Data: entry,
		Apply: func(data any) error {
			o.addUnchecked(data.(storage.LocalRepositoryEntry))
			return nil
		},
		Rollback: func(data any) error {
			o.removeUnchecked(data.(storage.LocalRepositoryEntry))
			return nil
		},
	}
}

// RemoveResult is what Remove resolves to.
type RemoveResult struct {
	Transaction *txn.Transaction
	Errors      []string
}

// Remove implements spec §4.7.4.
func (o *Orchestrator) Remove(ctx context.Context, identifiers []string) *future.Future[RemoveResult] {
	return future.New(func() (bool, RemoveResult, error) {
		result, err := o.removeSync(ctx, identifiers)
		return true, result, err
	})
}

func (o *Orchestrator) removeSync(ctx context.Context, identifiers []string) (RemoveResult, error) {
	pool := o.storage.StoreIdentifiers()

	roots := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		roots[id] = struct{}{}
	}

	getCompanions := func(name string) []string {
		entry, ok := o.storage.GetStoreEntry(name)
		if !ok {
			return []string{}
		}
		return append([]string{}, entry.Companions...)
	}

	isPinned := func(name string) bool {
		if _, isRoot := roots[name]; isRoot {
			return false
		}
		entry, ok := o.storage.GetStoreEntry(name)
		if !ok {
			return false
		}
		return entry.UserInstalled
	}

	deletions, err := deptree.Shrink(pool, getCompanions, isPinned).Run()
	if err != nil {
		return RemoveResult{}, err
	}

	var actions []txn.Action
	for _, id := range deletions {
		entry, ok := o.storage.GetStoreEntry(id)
		if !ok {
			continue
		}
		actions = append(actions, txn.Action{
			Data: entry,
			Apply: func(data any) error {
				o.removeUnchecked(data.(storage.LocalRepositoryEntry))
				return nil
			},
			Rollback: func(data any) error {
				o.addUnchecked(data.(storage.LocalRepositoryEntry))
				return nil
			},
		})
	}

	tr := txn.New(ctx, actions, txn.Handlers{
		Open:  func() { o.storage.LoadIfExpired() },
		Close: func() { o.storage.Flush() },
	})
	return RemoveResult{Transaction: tr}, nil
}
