package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies malformed enqueue requests and bad arguments.
	ErrValidation = errors.New("queue validation error")
	// ErrNotFound classifies operations targeting an unknown job id.
	ErrNotFound = errors.New("queue job not found")
	// ErrRateLimited classifies enqueues rejected by a rate limit or an
	// active idempotency backoff window.
	ErrRateLimited = errors.New("queue rate limited")
	// ErrLeaseOwnership classifies heartbeat/complete/fail calls from a
	// worker that does not hold a live lease on the job.
	ErrLeaseOwnership = errors.New("queue lease ownership error")
	// ErrClosed classifies operations against a closed provider or store.
	ErrClosed = errors.New("queue closed")
)

// Error code strings surfaced on job error records and HTTP responses.
const (
	CodeRateLimited    = "RATE_LIMITED"
	CodeNotFound       = "RESOURCE_NOT_FOUND"
	CodeLeaseOwnership = "LEASE_OWNERSHIP_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
)

func queueError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// RateLimitError reports a rejected enqueue together with the number of
// seconds after which the caller may retry. It unwraps to ErrRateLimited.
type RateLimitError struct {
	Scope      string // "idempotency", "request" or "global"
	RetryAfter int    // seconds, always >= 1
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("queue rate limited (%s): retry after %ds", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

func rateLimited(scope string, retryAfter int) error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &RateLimitError{Scope: scope, RetryAfter: retryAfter}
}

func asRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// RetryAfterSeconds extracts the retry-after hint from a rate limit error.
// It returns false when err does not carry one.
func RetryAfterSeconds(err error) (int, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}
