package deptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graph(edges map[string][]string) GetDeps {
	return func(name string) []string {
		if d, ok := edges[name]; ok {
			return d
		}
		return []string{}
	}
}

func TestExpandBasicClosure(t *testing.T) {
	g := graph(map[string][]string{
		"A": {"B", "C"},
		"B": {"D"},
		"C": {"D"},
		"D": {},
	})
	additions, err := Expand([]string{"A"}, g).Run()
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "D"}, additions)
}

func TestExpandSelfEdgeYieldsNoAdditions(t *testing.T) {
	g := graph(map[string][]string{"A": {"A"}})
	additions, err := Expand([]string{"A"}, g).Run()
	require.NoError(t, err)
	assert.Empty(t, additions)
}

func TestExpandCycle(t *testing.T) {
	g := graph(map[string][]string{
		"A": {"B"},
		"B": {"C"},
		"C": {"A"},
	})
	additions, err := Expand([]string{"A"}, g).Run()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B", "C"}, additions)
}

func TestExpandDiamondNoDuplicates(t *testing.T) {
	g := graph(map[string][]string{
		"A": {"B", "C"},
		"B": {"D"},
		"C": {"D"},
	})
	additions, err := Expand([]string{"A"}, g).Run()
	require.NoError(t, err)
	seen := map[string]int{}
	for _, a := range additions {
		seen[a]++
	}
	for k, c := range seen {
		assert.Equal(t, 1, c, "duplicate addition for %s", k)
	}
}

func TestExpandAbortsOnNilDeps(t *testing.T) {
	g := func(name string) []string {
		if name == "A" {
			return nil
		}
		return []string{}
	}
	additions, err := Expand([]string{"A"}, g).Run()
	require.NoError(t, err)
	assert.Empty(t, additions)
}

func TestShrinkRespectsPinning(t *testing.T) {
	// store = {A(user), B(dep of A), C(user)}, A -> B, C -> nothing
	pool := []string{"A", "B", "C"}
	g := graph(map[string][]string{
		"A": {"B"},
	})
	isPinned := func(n string) bool { return n == "A" || n == "C" }

	deletions, err := Shrink(pool, g, isPinned).Run()
	require.NoError(t, err)
	assert.Empty(t, deletions)
}

func TestShrinkRemovesOrphanAfterRootRemoval(t *testing.T) {
	// A is being removed (no longer pinned), B is A's only dependent.
	pool := []string{"A", "B", "C"}
	g := graph(map[string][]string{
		"A": {"B"},
	})
	isPinned := func(n string) bool { return n == "C" } // A no longer pinned (removal root)

	deletions, err := Shrink(pool, g, isPinned).Run()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, deletions)
}

func TestShrinkFixedPoint(t *testing.T) {
	// chain A -> B -> C -> D, only D is pinned; removing the whole chain
	// exercises the alternation between missing-dep and orphan passes.
	pool := []string{"A", "B", "C", "D"}
	g := graph(map[string][]string{
		"A": {"B"},
		"B": {"C"},
		"C": {"D"},
	})
	isPinned := func(n string) bool { return n == "D" }

	deletions, err := Shrink(pool, g, isPinned).Run()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, deletions)

	// a second shrink over the resulting pool removes nothing (fixed point).
	remaining := []string{"D"}
	again, err := Shrink(remaining, g, isPinned).Run()
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestShrinkSafetyInvariant(t *testing.T) {
	pool := []string{"A", "B", "C"}
	g := graph(map[string][]string{
		"A": {"B"},
		"B": {"C"},
	})
	isPinned := func(n string) bool { return n == "A" }

	deletions, err := Shrink(pool, g, isPinned).Run()
	require.NoError(t, err)

	remainingSet := map[string]bool{"A": true, "B": true, "C": true}
	for _, d := range deletions {
		remainingSet[d] = false
	}
	for n, stillIn := range remainingSet {
		if !stillIn {
			continue
		}
		if n == "A" {
			continue // pinned root, exempt from the parent check
		}
		hasParent := false
		for p, stillIn2 := range remainingSet {
			if !stillIn2 || p == n {
				continue
			}
			for _, d := range g(p) {
				if d == n {
					hasParent = true
				}
			}
		}
		assert.True(t, hasParent, "%s has no remaining parent", n)
	}
}

func TestCheckTrueOnClosedOrphanFreePool(t *testing.T) {
	pool := []string{"A", "B"}
	g := graph(map[string][]string{"A": {"B"}})
	isPinned := func(n string) bool { return n == "A" }

	ok, err := Check(pool, g, isPinned).Run()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckFalseWhenShrinkWouldRemove(t *testing.T) {
	pool := []string{"A", "B", "C"}
	g := graph(map[string][]string{"A": {"B"}})
	isPinned := func(n string) bool { return n == "A" }

	ok, err := Check(pool, g, isPinned).Run()
	require.NoError(t, err)
	assert.False(t, ok) // C is an orphan
}
