package future

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureLatchesAfterDone(t *testing.T) {
	calls := 0
	f := New(func() (bool, int, error) {
		calls++
		return calls >= 3, calls, nil
	})

	for !f.Poll() {
	}
	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, 3, calls)

	// polling again must not re-invoke step
	assert.True(t, f.Poll())
	assert.Equal(t, 3, calls)
}

func TestMapPropagatesError(t *testing.T) {
	base := Failed[int](errors.New("boom"))
	mapped := Map(base, func(i int) (string, error) {
		t.Fatal("fn must not run when base errored")
		return "", nil
	})
	_, err := mapped.Run()
	require.Error(t, err)
}

func TestMergeOrdersSequentially(t *testing.T) {
	var order []int
	mk := func(n int) *Future[int] {
		return New(func() (bool, int, error) {
			order = append(order, n)
			return true, n, nil
		})
	}
	sum, err := Merge(func(rs []int) (int, error) {
		total := 0
		for _, r := range rs {
			total += r
		}
		return total, nil
	}, mk(1), mk(2), mk(3)).Run()
	require.NoError(t, err)
	assert.Equal(t, 6, sum)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestConcat(t *testing.T) {
	out, err := Concat(Done(1), Done(2), Done(3)).Run()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, out)
}

func TestForEachPerKeyErrors(t *testing.T) {
	keys := []string{"a", "b", "c"}
	out, err := ForEach(keys, func(k string) (int, error) {
		if k == "b" {
			return 0, errors.New("bad key")
		}
		return len(k), nil
	}).Run()
	require.NoError(t, err)
	require.NoError(t, out["a"].Err)
	require.Error(t, out["b"].Err)
	require.NoError(t, out["c"].Err)
}

func TestSortMatchesStdlib(t *testing.T) {
	input := []int{9, 3, 7, 1, 8, 2, 6, 4, 5, 0, 42, -3}
	want := append([]int(nil), input...)
	sort.Ints(want)

	got, err := Sort(input, func(a, b int) bool { return a < b }, 3).Run()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSortSmallFallback(t *testing.T) {
	got, err := Sort([]int{3, 1, 2}, func(a, b int) bool { return a < b }, 10).Run()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}
