// Package waiter provides the bounded polling and retry-with-backoff
// primitives used by every subsystem that waits on asynchronous state:
// cloud instance transitions, SSH connectivity, and the sync
// daemon's watching state.
package waiter

import (
	"context"
	"fmt"
	"time"
)

// Waiter polls a condition at a fixed interval up to a fixed timeout.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// New creates a Waiter with the given timeout and polling interval.
func New(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// NewAttempts creates a Waiter from an attempts × delay bound, the form the
// data model documents for cloud waiters (e.g. 40×15s, 80×15s).
func NewAttempts(attempts int, delay time.Duration) *Waiter {
	return New(time.Duration(attempts)*delay, delay)
}

// WaitFor blocks until condition returns true, the timeout elapses, or ctx
// is cancelled.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if condition() {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForErr is WaitFor for a condition that can itself fail; a non-nil
// error from condition aborts the wait immediately.
func (w *Waiter) WaitForErr(ctx context.Context, condition func() (bool, error), description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if ok, err := condition(); err != nil {
		return err
	} else if ok {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			ok, err := condition()
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

// PollUntil polls condition at interval until it returns true or ctx is
// cancelled.
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	if condition() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// Retry retries operation up to attempts times with exponential backoff
// starting at initialDelay, capped at maxDelay. It retries on every error;
// RetryIf is the variant that stops on errors that are not retryable.
func Retry(ctx context.Context, attempts int, initialDelay, maxDelay time.Duration, operation func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay *= 2
				if delay > maxDelay {
					delay = maxDelay
				}
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}

// RetryIf is Retry but stops immediately, without retrying, when shouldRetry
// returns false for the error just observed.
func RetryIf(ctx context.Context, attempts int, initialDelay, maxDelay time.Duration, shouldRetry func(error) bool, operation func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay *= 2
				if delay > maxDelay {
					delay = maxDelay
				}
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
