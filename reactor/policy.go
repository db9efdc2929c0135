package reactor

import (
	"math/rand"
	"time"
)

// computeBackoff calculates the delay before retrying a failed node
// compute using exponential backoff with jitter:
// delay = min(base*2^attempt, maxDelay) + jitter(0, base).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	exponential := base * (1 << attempt)
	if maxDelay > 0 && exponential > maxDelay {
		exponential = maxDelay
	}
	var jitter time.Duration
	if base > 0 {
		if rng != nil {
			jitter = time.Duration(rng.Int63n(int64(base)))
		} else {
			jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security-sensitive
		}
	}
	return exponential + jitter
}

func isRetryable(policy *RetryPolicy, err error) bool {
	if policy == nil {
		return false
	}
	if policy.Retryable == nil {
		return true
	}
	return policy.Retryable(err)
}
