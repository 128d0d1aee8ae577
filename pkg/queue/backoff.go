package queue

import "time"

// Backoff computes the delay before a failed job's idempotency key becomes
// eligible again. attempt is 1-indexed; values below 1 are clamped to 1. The
// result never exceeds the policy's MaxDelayMs. The function is deterministic
// (no jitter) so backoff timing can be asserted exactly in tests.
func Backoff(attempt int, policy RetryPolicy) time.Duration {
	policy.normalize()
	if attempt < 1 {
		attempt = 1
	}

	initial := policy.InitialDelayMs
	max := policy.MaxDelayMs

	var delayMs int64
	switch policy.BackoffStrategy {
	case BackoffLinear:
		delayMs = initial * int64(attempt)
		if delayMs/int64(attempt) != initial { // overflow
			delayMs = max
		}
	case BackoffFixed:
		delayMs = initial
	default: // exponential
		delayMs = initial
		for i := 1; i < attempt; i++ {
			if delayMs >= max/2 {
				delayMs = max
				break
			}
			delayMs *= 2
		}
	}

	if delayMs > max {
		delayMs = max
	}
	return time.Duration(delayMs) * time.Millisecond
}
