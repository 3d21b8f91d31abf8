// Package fn holds small generic helpers for per-item outcomes and retries.
package fn

// Result is either a value or the error that prevented producing one.
type Result[T any] struct {
	val T
	err error
	ok  bool
}

// Ok creates a successful Result.
func Ok[T any](v T) Result[T] {
	return Result[T]{val: v, ok: true}
}

// Err creates a failed Result.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// FromPair creates a Result from a (value, error) pair.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

// IsOk reports whether the result holds a value.
func (r Result[T]) IsOk() bool { return r.ok }

// Unwrap returns the value and error.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// UnwrapOr returns the value, or fallback on error.
func (r Result[T]) UnwrapOr(fallback T) T {
	if !r.ok {
		return fallback
	}
	return r.val
}

// Partition splits results into values and errors, keeping order within each.
func Partition[T any](rs []Result[T]) ([]T, []error) {
	vals := make([]T, 0, len(rs))
	var errs []error
	for _, r := range rs {
		if r.ok {
			vals = append(vals, r.val)
			continue
		}
		errs = append(errs, r.err)
	}
	return vals, errs
}
