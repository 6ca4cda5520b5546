package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryFor runs fn up to attempts total times with a constant spacing
// between tries.
func retryFor(ctx context.Context, attempts int, spacing time.Duration, fn func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(spacing), uint64(attempts-1)), ctx)
	return backoff.Retry(fn, bo)
}
