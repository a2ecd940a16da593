package scheduler

import (
	"time"

	"github.com/jpillora/backoff"
)

const defaultBackoffBase = 500 * time.Millisecond

// retryDelay returns base·2^attempt with jitter, capped at maxDelay.
// attempt starts at 0 for the first retry.
func retryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if maxDelay <= 0 || maxDelay < base {
		maxDelay = base << 6
	}
	b := &backoff.Backoff{
		Min:    base,
		Max:    maxDelay,
		Factor: 2,
		Jitter: true,
	}
	return b.ForAttempt(float64(attempt))
}
