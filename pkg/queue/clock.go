package queue

import "time"

// Clock abstracts wall-clock reads so lease expiry, rate-limit windows and
// idempotency backoff can be tested with simulated time instead of sleeps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
