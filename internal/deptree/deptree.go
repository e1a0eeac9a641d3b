// Package deptree implements the dependency-graph engine shared by the
// repository orchestrator (over "companion" edges) and the package
// orchestrator (over "dependency" edges): Expand computes the additions
// needed to satisfy a set of roots, and Shrink computes the deletions
// needed to prune a pool back down to the subset reachable from pinned
// roots. Both are generalized from the module-graph traversal in
// pbr's pkg/registry/graph.go into a getter-closure form with no knowledge
// of what a "name" actually is.
package deptree

import "github.com/Deleranax/tpm/internal/future"

// GetDeps returns the direct dependency/companion names for name. It must
// always return a (possibly empty) slice; a nil slice is the sanctioned
// "abort early" signal (§4.3.4): the engine stops expanding/shrinking and
// resolves to the current state rather than treating nil as empty.
type GetDeps func(name string) []string

// IsPinned reports whether name is exempt from removal during Shrink. A
// nil IsPinned behaves as "never pinned".
type IsPinned func(name string) bool

// Expand computes, as a Future, the closure additions needed to satisfy
// roots: a DFS over getDeps starting from roots, visiting each name at
// most once. The result lists every name reachable from roots that was
// not itself a root, in stable DFS order (ties broken by the input lists'
// own insertion order).
func Expand(roots []string, getDeps GetDeps) *future.Future[[]string] {
	pool := make(map[string]struct{}, len(roots))
	cache := make(map[string][]string)
	queue := append([]string(nil), roots...)
	inQueue := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		inQueue[r] = struct{}{}
	}
	rootSet := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		rootSet[r] = struct{}{}
	}
	var additions []string
	aborted := false

	return future.New(func() (bool, []string, error) {
		if aborted || len(queue) == 0 {
			return true, additions, nil
		}

		name := queue[0]
		queue = queue[1:]
		delete(inQueue, name)
		if _, seen := pool[name]; seen {
			return false, nil, nil
		}
		pool[name] = struct{}{}

		deps, ok := cache[name]
		if !ok {
			deps = getDeps(name)
			if deps == nil {
				aborted = true
				return true, additions, nil
			}
			cache[name] = deps
		}

		for _, d := range deps {
			if _, ok := pool[d]; ok {
				continue
			}
			if _, ok := inQueue[d]; ok {
				continue
			}
			if _, isRoot := rootSet[d]; isRoot {
				continue
			}
			additions = append(additions, d)
			queue = append(queue, d)
			inQueue[d] = struct{}{}
		}

		return false, nil, nil
	})
}

// Shrink computes, as a Future, the deletions needed to restore the
// no-orphans (I2) and no-dangling-deps (I1) invariants together, via a
// fixed-point loop alternating a missing-dependency pass and an orphan
// pass until one full cycle removes nothing. isPinned may be nil, meaning
// no node is pinned.
func Shrink(pool []string, getDeps GetDeps, isPinned IsPinned) *future.Future[[]string] {
	if isPinned == nil {
		isPinned = func(string) bool { return false }
	}

	remaining := make(map[string]struct{}, len(pool))
	order := append([]string(nil), pool...)
	for _, n := range pool {
		remaining[n] = struct{}{}
	}

	var deletions []string
	aborted := false
	phase := 0 // 0 = missing-dep pass, 1 = orphan pass
	changedThisCycle := false

	remove := func(n string) {
		if _, ok := remaining[n]; !ok {
			return
		}
		delete(remaining, n)
		deletions = append(deletions, n)
		changedThisCycle = true
	}

	return future.New(func() (bool, []string, error) {
		if aborted {
			return true, deletions, nil
		}

		switch phase {
		case 0:
			for _, n := range order {
				if _, ok := remaining[n]; !ok {
					continue
				}
				deps := getDeps(n)
				if deps == nil {
					aborted = true
					return true, deletions, nil
				}
				for _, d := range deps {
					if _, ok := remaining[d]; !ok {
						remove(n)
						break
					}
				}
			}
			phase = 1
			return false, nil, nil

		default:
			for _, n := range order {
				if _, ok := remaining[n]; !ok {
					continue
				}
				if isPinned(n) {
					continue
				}
				hasParent := false
				for _, p := range order {
					if p == n {
						continue
					}
					if _, ok := remaining[p]; !ok {
						continue
					}
					deps := getDeps(p)
					if deps == nil {
						aborted = true
						return true, deletions, nil
					}
					for _, d := range deps {
						if d == n {
							hasParent = true
							break
						}
					}
					if hasParent {
						break
					}
				}
				if !hasParent {
					remove(n)
				}
			}

			if !changedThisCycle {
				return true, deletions, nil
			}
			changedThisCycle = false
			phase = 0
			return false, nil, nil
		}
	})
}

// Check is the read-only predicate: true iff Shrink over the same
// arguments would remove nothing.
func Check(pool []string, getDeps GetDeps, isPinned IsPinned) *future.Future[bool] {
	return future.Map(Shrink(pool, getDeps, isPinned), func(deletions []string) (bool, error) {
		return len(deletions) == 0, nil
	})
}
