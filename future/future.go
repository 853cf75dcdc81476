// Package future runs a function on its own goroutine and hands back a handle to await its result. Functions
// instrumented by logcall with a suspending template return a *Future built by Go or Try.
package future

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// PanicError is the error of a future whose function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("future panicked: %v", e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Future holds the eventual result of a function started by Go or Try.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go starts fn and returns a future of its result.
func Go[T any](fn func() T) *Future[T] {
	return Try(func() (T, error) {
		return fn(), nil
	})
}

// Try starts fn and returns a future of its result and error.
func Try[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		f.value, f.err = fn()
	}()
	return f
}

// Ready returns a completed future.
func Ready[T any](value T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), value: value, err: err}
	close(f.done)
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the result is available.
func (f *Future[T]) Await() (T, error) {
	<-f.done
	return f.value, f.err
}

// AwaitContext blocks until the result is available or ctx is done. The function keeps running when ctx ends first.
func (f *Future[T]) AwaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until the result is available and returns the value, panicking if the function failed.
func (f *Future[T]) Get() T {
	value, err := f.Await()
	if err != nil {
		panic(err)
	}
	return value
}

// Err blocks until the result is available and returns its error.
func (f *Future[T]) Err() error {
	_, err := f.Await()
	return err
}

// Then returns a future of fn applied to the value of f. fn is not invoked if f fails.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	return Try(func() (U, error) {
		value, err := f.Await()
		if err != nil {
			var zero U
			return zero, err
		}
		return fn(value)
	})
}

// All awaits every future, returning the values in order. The errors of all failed futures are joined.
func All[T any](ctx context.Context, futures ...*Future[T]) ([]T, error) {
	values := make([]T, len(futures))
	var errs []error
	for i, f := range futures {
		value, err := f.AwaitContext(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		} else if err != nil {
			errs = append(errs, err)
		}
		values[i] = value
	}
	return values, errors.Join(errs...)
}
