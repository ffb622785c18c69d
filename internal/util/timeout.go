package util

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// WaitWithContext blocks until wg finishes or ctx is done.
func WaitWithContext(ctx context.Context, wg *sync.WaitGroup) error {
	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		wg.Wait()
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitGroupWithTimeout waits for g, giving up after timeout. The group's own
// error is returned when it finishes in time.
func WaitGroupWithTimeout(g *errgroup.Group, timeout time.Duration) (bool, error) {
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- g.Wait()
	}()

	select {
	case err := <-waitDone:
		return true, err
	case <-time.After(timeout):
		return false, nil
	}
}

// SleepContext pauses for d unless ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
