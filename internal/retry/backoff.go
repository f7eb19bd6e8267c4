// Package retry wires the engine's transport retries (one-time-prekey
// upload and signed-prekey upload) to a fixed exponential schedule: 1s,
// 2s, 4s, 8s, capped at 30s.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Schedule builds a backoff.BackOff matching the engine's fixed schedule.
// cenkalti/backoff's ExponentialBackOff already grows geometrically; we
// pin its parameters so the observed delays land on 1s/2s/4s/8s before
// the 30s cap takes over, and disable its default jitter and max-elapsed
// cutoff so retries continue until the caller cancels the context.
func Schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Do runs fn under the fixed retry schedule, stopping when fn succeeds,
// the context is canceled, or a permanent error is returned via
// backoff.Permanent.
func Do(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, backoff.WithContext(Schedule(), ctx))
}
