package queue

import (
	"math"
	"sync"
	"time"
)

// ledgerRecord tracks the most recent job accepted for an idempotency key and
// the instant at which a resubmission becomes eligible.
type ledgerRecord struct {
	lastJobID      string
	nextEligibleAt time.Time
}

// idempotencyLedger serializes enqueues per idempotency key. It is owned by a
// single provider instance; keys without records are always eligible.
type idempotencyLedger struct {
	clock Clock

	mu      sync.Mutex
	records map[string]ledgerRecord
	locks   map[string]*keyLock
}

// keyLock is a refcounted mutex so idle keys do not accumulate in the map.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newIdempotencyLedger(clock Clock) *idempotencyLedger {
	return &idempotencyLedger{
		clock:   clock,
		records: map[string]ledgerRecord{},
		locks:   map[string]*keyLock{},
	}
}

// lock serializes callers on one idempotency key for the duration of a
// check/insert/accept (or get/fail/block) sequence, including the store round
// trips in between. The returned func releases the lock.
func (l *idempotencyLedger) lock(key string) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// check returns the last accepted job id for the key, or a RateLimitError
// when the key's backoff window is still open. ok is false when the key has
// no record.
func (l *idempotencyLedger) check(key string) (lastJobID string, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, found := l.records[key]
	if !found {
		return "", false, nil
	}
	now := l.clock.Now()
	if rec.nextEligibleAt.After(now) {
		return "", true, rateLimited("idempotency", ceilSeconds(rec.nextEligibleAt.Sub(now)))
	}
	return rec.lastJobID, true, nil
}

// accept records jobID as the current job for the key, immediately eligible
// until a failure arms a backoff window.
func (l *idempotencyLedger) accept(key, jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key] = ledgerRecord{lastJobID: jobID, nextEligibleAt: l.clock.Now()}
}

// block arms the backoff window for the key after a failure.
func (l *idempotencyLedger) block(key, jobID string, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key] = ledgerRecord{lastJobID: jobID, nextEligibleAt: l.clock.Now().Add(delay)}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
