// Package future implements the cooperative, single-threaded "poll until
// done" step engine described by the dependency-graph and orchestrator
// layers: long-running work (dependency closures, index rebuilds, driver
// fetches) is expressed as a sequence of bounded steps that a caller drives
// at its own pace, rather than as a goroutine racing the caller.
package future

// Future wraps a unit of work as a sequence of bounded steps. Poll must be
// called repeatedly by a single goroutine until it reports done; once done,
// the result is latched and Poll must not be called again.
type Future[T any] struct {
	step  func() (done bool, value T, err error)
	done  bool
	value T
	err   error
}

// New wraps a step function as a Future. step performs one bounded unit of
// work per call and reports whether the computation is complete.
func New[T any](step func() (done bool, value T, err error)) *Future[T] {
	return &Future[T]{step: step}
}

// Done returns a Future that is immediately resolved to value.
func Done[T any](value T) *Future[T] {
	return &Future[T]{done: true, value: value}
}

// Failed returns a Future that is immediately resolved with err.
func Failed[T any](err error) *Future[T] {
	return &Future[T]{done: true, err: err}
}

// Poll advances the computation by one step. It returns true once the
// Future has latched a final value or error; after that, Poll is a no-op
// returning true.
func (f *Future[T]) Poll() bool {
	if f.done {
		return true
	}
	done, value, err := f.step()
	if !done {
		return false
	}
	f.done = true
	f.value = value
	f.err = err
	return true
}

// Run drives Poll to completion and returns the latched result. It is the
// synchronous convenience path for callers that don't need to interleave
// other work between steps.
func (f *Future[T]) Run() (T, error) {
	for !f.Poll() {
	}
	return f.value, f.err
}

// Result returns the latched value. It must only be called after Poll has
// returned true.
func (f *Future[T]) Result() (T, error) {
	return f.value, f.err
}

// IsDone reports whether the Future has latched a result.
func (f *Future[T]) IsDone() bool {
	return f.done
}

// Map resolves when fut resolves, yielding fn(value). fn is not invoked if
// fut resolves with an error.
func Map[A, B any](fut *Future[A], fn func(A) (B, error)) *Future[B] {
	return New(func() (bool, B, error) {
		if !fut.Poll() {
			var zero B
			return false, zero, nil
		}
		a, err := fut.Result()
		if err != nil {
			var zero B
			return true, zero, err
		}
		b, err := fn(a)
		return true, b, err
	})
}

// Merge polls each Future to completion in the order given — never
// concurrently — then resolves to join(results).
func Merge[A, B any](join func([]A) (B, error), futs ...*Future[A]) *Future[B] {
	i := 0
	results := make([]A, 0, len(futs))
	return New(func() (bool, B, error) {
		for i < len(futs) {
			if !futs[i].Poll() {
				var zero B
				return false, zero, nil
			}
			v, err := futs[i].Result()
			if err != nil {
				var zero B
				return true, zero, err
			}
			results = append(results, v)
			i++
		}
		b, err := join(results)
		return true, b, err
	})
}

// Concat is Merge with the identity join: it resolves to the ordered slice
// of every input Future's result.
func Concat[A any](futs ...*Future[A]) *Future[[]A] {
	return Merge(func(rs []A) ([]A, error) { return rs, nil }, futs...)
}

// StepResult is one per-key outcome produced by ForEach.
type StepResult[V any] struct {
	Value V
	Err   error
}

// ForEach drains keys in order, invoking body(key) per step, and resolves
// to the map of per-step results keyed by input key. body's own errors are
// recorded per-key rather than aborting the drain, matching the
// continue-on-error contract the rest of the engine uses for
// dependency-getter failures.
func ForEach[K comparable, V any](keys []K, body func(K) (V, error)) *Future[map[K]StepResult[V]] {
	i := 0
	out := make(map[K]StepResult[V], len(keys))
	return New(func() (bool, map[K]StepResult[V], error) {
		if i >= len(keys) {
			return true, out, nil
		}
		k := keys[i]
		v, err := body(k)
		out[k] = StepResult[V]{Value: v, Err: err}
		i++
		return i >= len(keys), out, nil
	})
}

// Sort implements quicksort as a Future tree: below limit items it falls
// back to a single, synchronous sort step; above it, it recurses by
// partitioning and merging the two halves as sub-Futures, so a caller
// polling a large sort can interleave other work between partitions.
func Sort[T any](list []T, less func(a, b T) bool, limit int) *Future[[]T] {
	if limit <= 0 {
		limit = 1
	}
	if len(list) <= limit {
		out := make([]T, len(list))
		copy(out, list)
		return New(func() (bool, []T, error) {
			insertionSort(out, less)
			return true, out, nil
		})
	}

	pivot := list[len(list)/2]
	var lt, eq, gt []T
	for _, v := range list {
		switch {
		case less(v, pivot):
			lt = append(lt, v)
		case less(pivot, v):
			gt = append(gt, v)
		default:
			eq = append(eq, v)
		}
	}

	left := Sort(lt, less, limit)
	right := Sort(gt, less, limit)
	return Merge(func(rs [][]T) ([]T, error) {
		out := make([]T, 0, len(list))
		out = append(out, rs[0]...)
		out = append(out, eq...)
		out = append(out, rs[1]...)
		return out, nil
	}, left, right)
}

func insertionSort[T any](s []T, less func(a, b T) bool) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j], s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
