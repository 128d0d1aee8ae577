package queue

import (
	"errors"
	"testing"
	"time"
)

func TestRateLimiterPerRequestCap(t *testing.T) {
	clock := testClock()
	rl := newRateLimiter(RateLimitConfig{PerRequest: 2, PerMinute: 100}, clock)

	for i := 0; i < 2; i++ {
		if err := rl.allow("req-1"); err != nil {
			t.Fatalf("submission %d: unexpected error: %v", i, err)
		}
	}
	err := rl.allow("req-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	rle, ok := asRateLimitError(err)
	if !ok || rle.Scope != "request" {
		t.Fatalf("expected request scope, got %+v", rle)
	}
	if rle.RetryAfter < 1 || rle.RetryAfter > 60 {
		t.Fatalf("retry after out of range: %d", rle.RetryAfter)
	}

	// A different requestId has its own window.
	if err := rl.allow("req-2"); err != nil {
		t.Fatalf("unexpected error for separate request id: %v", err)
	}
}

func TestRateLimiterGlobalCap(t *testing.T) {
	clock := testClock()
	rl := newRateLimiter(RateLimitConfig{PerRequest: 10, PerMinute: 3}, clock)

	for i := 0; i < 3; i++ {
		if err := rl.allow(""); err != nil {
			t.Fatalf("submission %d: unexpected error: %v", i, err)
		}
	}
	err := rl.allow("req-1")
	rle, ok := asRateLimitError(err)
	if !ok || rle.Scope != "global" {
		t.Fatalf("expected global scope, got %v", err)
	}
}

func TestRateLimiterWindowRollover(t *testing.T) {
	clock := testClock()
	rl := newRateLimiter(RateLimitConfig{PerRequest: 1, PerMinute: 2}, clock)

	if err := rl.allow("req-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rl.allow("req-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited before rollover, got %v", err)
	}

	clock.Advance(rateLimitWindow)
	if err := rl.allow("req-1"); err != nil {
		t.Fatalf("expected fresh window after rollover, got %v", err)
	}
}

func TestRateLimiterRejectionConsumesNoSlot(t *testing.T) {
	clock := testClock()
	rl := newRateLimiter(RateLimitConfig{PerRequest: 1, PerMinute: 2}, clock)

	if err := rl.allow("req-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Rejected on the request scope; the global slot must stay available.
	if err := rl.allow("req-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if err := rl.allow("req-2"); err != nil {
		t.Fatalf("global slot consumed by rejected submission: %v", err)
	}
}

func TestRateLimiterEmptyRequestIDSkipsRequestScope(t *testing.T) {
	clock := testClock()
	rl := newRateLimiter(RateLimitConfig{PerRequest: 1, PerMinute: 10}, clock)

	for i := 0; i < 5; i++ {
		if err := rl.allow(""); err != nil {
			t.Fatalf("submission %d: unexpected error: %v", i, err)
		}
	}
}

func TestRateLimiterDisabledScopes(t *testing.T) {
	clock := testClock()
	rl := newRateLimiter(RateLimitConfig{}, clock)

	for i := 0; i < 500; i++ {
		if err := rl.allow("req-1"); err != nil {
			t.Fatalf("submission %d: unexpected error with limits disabled: %v", i, err)
		}
	}
}

func TestRateLimiterPrune(t *testing.T) {
	clock := testClock()
	rl := newRateLimiter(RateLimitConfig{PerRequest: 5}, clock)

	if err := rl.allow("req-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rl.allow("req-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rl.byRequest) != 2 {
		t.Fatalf("expected 2 tracked windows, got %d", len(rl.byRequest))
	}

	clock.Advance(rateLimitWindow + time.Second)
	rl.prune()
	if len(rl.byRequest) != 0 {
		t.Fatalf("expected expired windows pruned, got %d", len(rl.byRequest))
	}
}
