// Package result holds a value-or-error pair that can travel through a
// channel as a single element.
package result

type Result[T any] struct {
	value T
	err   error
}

func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// Of builds a Result from a conventional (value, error) return.
func Of[T any](value T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(value)
}

// Get unpacks the Result back into a (value, error) pair.
func (r Result[T]) Get() (T, error) {
	return r.value, r.err
}
