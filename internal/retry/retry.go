package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do runs op with exponential backoff, at most maxAttempts tries in
// total. It returns nil on the first success, the last error once the
// attempt budget is spent, or the context error if ctx ends first.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	// The attempt budget is the only cap.
	b.MaxElapsedTime = 0

	policy := backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(maxAttempts-1))
	return backoff.Retry(op, policy)
}

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
