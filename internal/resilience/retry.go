// Package resilience implements the single-retry policy for engine adapter
// calls. Connection-class failures get exactly one retry after a short
// backoff; processing failures surface immediately, since repeating a bad
// request wastes the latency budget.
package resilience

import (
	"context"
	"time"

	"github.com/lumora-ai/chorus/internal/fault"
)

// DefaultBackoff is the delay before the single retry.
const DefaultBackoff = 50 * time.Millisecond

// Retry runs op, and on a retryable failure runs it once more after the
// backoff. Cancellation is never retried.
type Retry struct {
	// Backoff is the delay before the retry. Zero means DefaultBackoff.
	Backoff time.Duration

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Do invokes op, retrying once on a connection-class error.
func (r *Retry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil || !shouldRetry(err) {
		return err
	}

	backoff := r.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	if serr := sleep(ctx, backoff); serr != nil {
		return err
	}
	return op(ctx)
}

// Do is the package-level shorthand with the default backoff.
func Do(ctx context.Context, op func(ctx context.Context) error) error {
	var r Retry
	return r.Do(ctx, op)
}

func shouldRetry(err error) bool {
	if fault.IsCancellation(err) {
		return false
	}
	return fault.IsRetryable(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
