// Package deadline runs calls to external collaborators under a timeout.
package deadline

import (
	"context"
	"fmt"
	"time"
)

// Call runs fn under timeout and returns as soon as either fn finishes or the
// deadline passes. An expired call is abandoned, not awaited: fn keeps running
// in its own goroutine until it notices its context. A panic in fn is
// returned as an error. A zero timeout only inherits ctx.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result{zero, fmt.Errorf("call panicked: %v", r)}
			}
		}()
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		return zero, cctx.Err()
	}
}

// Do is Call for functions without a result.
func Do(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
