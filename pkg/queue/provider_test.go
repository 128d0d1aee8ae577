package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jobvault/jobvault/pkg/observability/logger"
)

func newTestProvider(t *testing.T, cfg ProviderConfig) (*Provider, *fakeClock) {
	t.Helper()
	clock := testClock()
	p, err := NewProvider(NewMemoryStore(), logger.NewNop(), cfg, WithClock(clock))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, clock
}

func enqueueReq(idempotencyKey string) *EnqueueRequest {
	return &EnqueueRequest{
		Type:           "export",
		Payload:        json.RawMessage(`{"rows":10}`),
		Priority:       50,
		IdempotencyKey: idempotencyKey,
		RequestID:      "req-1",
	}
}

func TestProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProvider(t, ProviderConfig{})

	job, err := p.Enqueue(ctx, enqueueReq(""))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID == "" || job.Status != StatusQueued || job.RetryPolicy != DefaultRetryPolicy {
		t.Fatalf("unexpected enqueued job: %+v", job)
	}

	leased, err := p.Reserve(ctx, "worker-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if leased == nil || leased.ID != job.ID || leased.Status != StatusProcessing || leased.Attempts != 1 {
		t.Fatalf("unexpected lease: %+v", leased)
	}

	clock.Advance(10 * time.Second)
	if err := p.Heartbeat(ctx, job.ID, "worker-1", 60); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// The heartbeat reset the visibility timeout; the lease survives past the
	// original expiry instant.
	clock.Advance(25 * time.Second)
	if err := p.Complete(ctx, job.ID, "worker-1", json.RawMessage(`{"done":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := p.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.Progress != 100 || string(got.Result) != `{"done":true}` {
		t.Fatalf("unexpected final job: %+v", got)
	}
}

func TestProviderEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, ProviderConfig{})

	cases := []*EnqueueRequest{
		nil,
		{Type: "", Payload: json.RawMessage(`{}`)},
		{Type: "export", Payload: nil},
		{Type: "export", Payload: json.RawMessage(`{broken`)},
		{Type: "export", Payload: json.RawMessage(`{}`), Priority: 101},
		{Type: "export", Payload: json.RawMessage(`{}`), RetryPolicy: &RetryPolicy{BackoffStrategy: "bogus"}},
	}
	for i, req := range cases {
		if _, err := p.Enqueue(ctx, req); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestProviderDeduplicatesActiveJob(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, ProviderConfig{})

	first, err := p.Enqueue(ctx, enqueueReq("dedupe-key"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := p.Enqueue(ctx, enqueueReq("dedupe-key"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected dedupe to return job %s, got %s", first.ID, second.ID)
	}

	// A different key is a different job.
	other, err := p.Enqueue(ctx, enqueueReq("other-key"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("distinct keys must not deduplicate")
	}
}

// slowInsertStore models an I/O-backed store whose inserts take a network
// round trip, widening the window between the idempotency check and the
// accept.
type slowInsertStore struct {
	*MemoryStore
	delay time.Duration
}

func (s *slowInsertStore) Insert(ctx context.Context, job *Job) error {
	time.Sleep(s.delay)
	return s.MemoryStore.Insert(ctx, job)
}

func TestProviderConcurrentEnqueueSharedKeySingleJob(t *testing.T) {
	ctx := context.Background()
	store := &slowInsertStore{MemoryStore: NewMemoryStore(), delay: 5 * time.Millisecond}
	p, err := NewProvider(store, logger.NewNop(), ProviderConfig{}, WithClock(testClock()))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	const callers = 8
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := p.Enqueue(ctx, enqueueReq("shared-key"))
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			ids <- job.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected one job id for a shared idempotency key, got %d: %v", len(seen), seen)
	}
	stats, err := p.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.Queued != 1 {
		t.Fatalf("expected a single queued job, got %+v", stats)
	}
}

func TestProviderCompletedJobAllowsResubmission(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, ProviderConfig{})

	first, err := p.Enqueue(ctx, enqueueReq("key-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.Reserve(ctx, "worker-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := p.Complete(ctx, first.ID, "worker-1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	second, err := p.Enqueue(ctx, enqueueReq("key-1"))
	if err != nil {
		t.Fatalf("resubmission after completion: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh job after the prior one completed")
	}
}

func TestProviderFailArmsBackoffWindow(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProvider(t, ProviderConfig{})

	req := enqueueReq("key-1")
	req.RetryPolicy = &RetryPolicy{
		MaxAttempts:     3,
		BackoffStrategy: BackoffExponential,
		InitialDelayMs:  2000,
		MaxDelayMs:      60000,
	}
	job, err := p.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.Reserve(ctx, "worker-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := p.Fail(ctx, job.ID, "worker-1", JobError{Code: "HANDLER_ERROR", Message: "boom"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	failed, err := p.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// First attempt fails with a 2s initial delay.
	if failed.Error == nil || failed.Error.RetryAfter != 2 {
		t.Fatalf("expected retryAfter 2s on the job error, got %+v", failed.Error)
	}

	// Resubmission inside the window is rejected with the remaining delay.
	_, err = p.Enqueue(ctx, enqueueReq("key-1"))
	rle, ok := asRateLimitError(err)
	if !ok || rle.Scope != "idempotency" {
		t.Fatalf("expected idempotency rate limit, got %v", err)
	}
	if rle.RetryAfter != 2 {
		t.Fatalf("expected retry after 2s, got %d", rle.RetryAfter)
	}

	// Once the window lapses the key accepts a new job.
	clock.Advance(2 * time.Second)
	fresh, err := p.Enqueue(ctx, enqueueReq("key-1"))
	if err != nil {
		t.Fatalf("enqueue after window: %v", err)
	}
	if fresh.ID == job.ID {
		t.Fatalf("expected a new job after the backoff window")
	}
}

func TestProviderFailExhaustedAttemptsDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, ProviderConfig{})

	req := enqueueReq("key-1")
	req.RetryPolicy = &RetryPolicy{MaxAttempts: 1, BackoffStrategy: BackoffFixed, InitialDelayMs: 5000, MaxDelayMs: 5000}
	job, err := p.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.Reserve(ctx, "worker-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := p.Fail(ctx, job.ID, "worker-1", JobError{Code: "HANDLER_ERROR"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	failed, _ := p.GetJob(ctx, job.ID)
	if failed.Error == nil || failed.Error.RetryAfter != 0 {
		t.Fatalf("exhausted job must not carry a retry hint: %+v", failed.Error)
	}

	// The key is immediately eligible because no backoff window was armed.
	if _, err := p.Enqueue(ctx, enqueueReq("key-1")); err != nil {
		t.Fatalf("expected immediate resubmission, got %v", err)
	}
}

func TestProviderRateLimits(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProvider(t, ProviderConfig{
		RateLimit: RateLimitConfig{PerRequest: 2, PerMinute: 100},
	})

	for i := 0; i < 2; i++ {
		if _, err := p.Enqueue(ctx, enqueueReq("")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	_, err := p.Enqueue(ctx, enqueueReq(""))
	rle, ok := asRateLimitError(err)
	if !ok || rle.Scope != "request" {
		t.Fatalf("expected request-scope rate limit, got %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := p.Enqueue(ctx, enqueueReq("")); err != nil {
		t.Fatalf("enqueue after window reset: %v", err)
	}
}

func TestProviderReserveEmptyAndValidation(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, ProviderConfig{})

	job, err := p.Reserve(ctx, "worker-1")
	if err != nil || job != nil {
		t.Fatalf("expected empty reserve, got job=%v err=%v", job, err)
	}
	if _, err := p.Reserve(ctx, "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank worker id, got %v", err)
	}
}

func TestProviderLeaseExpiryReassigns(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProvider(t, ProviderConfig{VisibilityTimeout: 5 * time.Second})

	job, err := p.Enqueue(ctx, enqueueReq(""))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.Reserve(ctx, "worker-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	clock.Advance(5 * time.Second)
	// worker-1's lease lapsed; the job is reclaimed and handed to worker-2.
	second, err := p.Reserve(ctx, "worker-2")
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if second == nil || second.ID != job.ID || second.Attempts != 2 {
		t.Fatalf("unexpected reassignment: %+v", second)
	}

	// The late worker can no longer act on the job.
	if err := p.Complete(ctx, job.ID, "worker-1", nil); !errors.Is(err, ErrLeaseOwnership) {
		t.Fatalf("expected ownership error for the late worker, got %v", err)
	}
}

func TestProviderGetStatsAndClean(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProvider(t, ProviderConfig{})

	for i := 0; i < 3; i++ {
		if _, err := p.Enqueue(ctx, enqueueReq("")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	leased, err := p.Reserve(ctx, "worker-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := p.Complete(ctx, leased.ID, "worker-1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	st, err := p.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Queued != 2 || st.Completed != 1 || st.Total != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	clock.Advance(48 * time.Hour)
	removed, err := p.CleanOldJobs(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 terminal job removed, got %d", removed)
	}
	if _, err := p.CleanOldJobs(ctx, -time.Hour); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative retention, got %v", err)
	}
}
