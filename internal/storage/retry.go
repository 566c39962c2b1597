package storage

import (
	"context"
	"errors"
	"log"
	"time"
)

// retryBackoff is the pause before the single retry of a transient failure.
const retryBackoff = 200 * time.Millisecond

// WithRetry runs op and, if it fails with an error wrapping ErrTransient,
// retries exactly once after a short backoff. Permanent errors and context
// cancellation propagate immediately.
func WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil || !errors.Is(err, ErrTransient) {
		return err
	}

	log.Printf("storage: transient failure, retrying once: %v", err)

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	return op(ctx)
}
