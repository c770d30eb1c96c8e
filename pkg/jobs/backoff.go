package jobs

import (
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
)

// Default retry delays.
const (
	DefaultBackoffMin = time.Second
	DefaultBackoffMax = 5 * time.Minute
)

// NewBackoff returns the retry delay strategy: exponential in the number of
// failures and limited to [minDelay, maxDelay]. It has no jitter, so the delay never
// decreases as failures accumulate.
func NewBackoff(minDelay, maxDelay time.Duration) backoff.Strategy {
	return backoff.WithTransforms(
		backoff.Exponential(minDelay),
		linger.Limiter(minDelay, maxDelay),
	)
}
