package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jobvault/jobvault/pkg/config"
	"github.com/jobvault/jobvault/pkg/health"
	"github.com/jobvault/jobvault/pkg/observability/logger"
	"github.com/jobvault/jobvault/pkg/queue"
)

func newTestServer(t *testing.T, queueCfg queue.ProviderConfig) (*Server, *queue.Provider) {
	t.Helper()
	provider, err := queue.NewProvider(queue.NewMemoryStore(), logger.NewNop(), queueCfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(func() { _ = provider.Close() })

	registry := health.NewRegistry()
	registry.Register(health.NewAdapterChecker("queue-store", provider, time.Second))

	srv, err := NewServer(config.HTTPConfig{Port: 8080}, provider, nil, registry, logger.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, provider
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) queue.Job {
	t.Helper()
	var job queue.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v (body %s)", err, rec.Body.String())
	}
	return job
}

func TestEnqueueReturnsCreated(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"type":     "export",
		"payload":  map[string]any{"rows": 10},
		"priority": 50,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)
	if job.ID == "" || job.Status != queue.StatusQueued {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.RequestID == "" {
		t.Fatalf("expected request id defaulted from middleware")
	}
}

func TestEnqueueMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{broken"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Code != queue.CodeValidation {
		t.Fatalf("unexpected error code %q", resp.Code)
	}
}

func TestEnqueueValidationFailure(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"type":    "",
		"payload": map[string]any{},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Code != queue.CodeValidation || resp.RequestID == "" {
		t.Fatalf("unexpected error response: %+v", resp)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	rec := doJSON(t, srv, http.MethodGet, "/v1/jobs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Code != queue.CodeNotFound {
		t.Fatalf("unexpected error code %q", resp.Code)
	}
}

func TestReserveEmptyQueue(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/workers/reserve", map[string]any{"workerId": "worker-1"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for empty queue, got %d", rec.Code)
	}
}

func TestReserveHeartbeatCompleteFlow(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	enq := doJSON(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"type":    "export",
		"payload": map[string]any{"rows": 10},
	})
	if enq.Code != http.StatusCreated {
		t.Fatalf("enqueue failed: %d", enq.Code)
	}
	created := decodeJob(t, enq)

	res := doJSON(t, srv, http.MethodPost, "/v1/workers/reserve", map[string]any{"workerId": "worker-1"})
	if res.Code != http.StatusOK {
		t.Fatalf("reserve failed: %d %s", res.Code, res.Body.String())
	}
	leased := decodeJob(t, res)
	if leased.ID != created.ID || leased.Status != queue.StatusProcessing {
		t.Fatalf("unexpected leased job: %+v", leased)
	}

	hb := doJSON(t, srv, http.MethodPost, "/v1/jobs/"+leased.ID+"/heartbeat", map[string]any{
		"workerId": "worker-1",
		"progress": 55,
	})
	if hb.Code != http.StatusNoContent {
		t.Fatalf("heartbeat failed: %d %s", hb.Code, hb.Body.String())
	}

	done := doJSON(t, srv, http.MethodPost, "/v1/jobs/"+leased.ID+"/complete", map[string]any{
		"workerId": "worker-1",
		"result":   map[string]any{"ok": true},
	})
	if done.Code != http.StatusNoContent {
		t.Fatalf("complete failed: %d %s", done.Code, done.Body.String())
	}

	get := doJSON(t, srv, http.MethodGet, "/v1/jobs/"+leased.ID, nil)
	final := decodeJob(t, get)
	if final.Status != queue.StatusCompleted || final.Progress != 100 {
		t.Fatalf("unexpected final job: %+v", final)
	}
}

func TestHeartbeatWrongWorkerConflicts(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	enq := doJSON(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"type":    "export",
		"payload": map[string]any{},
	})
	created := decodeJob(t, enq)
	doJSON(t, srv, http.MethodPost, "/v1/workers/reserve", map[string]any{"workerId": "worker-1"})

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs/"+created.ID+"/heartbeat", map[string]any{
		"workerId": "worker-2",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for wrong worker, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Code != queue.CodeLeaseOwnership {
		t.Fatalf("unexpected error code %q", resp.Code)
	}
}

func TestFailMarksJobFailed(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	enq := doJSON(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"type":    "export",
		"payload": map[string]any{},
	})
	created := decodeJob(t, enq)
	doJSON(t, srv, http.MethodPost, "/v1/workers/reserve", map[string]any{"workerId": "worker-1"})

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs/"+created.ID+"/fail", map[string]any{
		"workerId": "worker-1",
		"message":  "disk full",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("fail failed: %d %s", rec.Code, rec.Body.String())
	}

	get := doJSON(t, srv, http.MethodGet, "/v1/jobs/"+created.ID, nil)
	final := decodeJob(t, get)
	if final.Status != queue.StatusFailed || final.Error == nil || final.Error.Code != "HANDLER_ERROR" {
		t.Fatalf("unexpected failed job: %+v", final)
	}
}

func TestEnqueueRateLimitedWithRetryAfter(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{
		RateLimit: queue.RateLimitConfig{PerRequest: 1},
	})

	body := map[string]any{
		"type":      "export",
		"payload":   map[string]any{},
		"requestId": "req-1",
	}
	if rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", body); rec.Code != http.StatusCreated {
		t.Fatalf("first enqueue failed: %d", rec.Code)
	}
	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Code != queue.CodeRateLimited || resp.RetryAfter < 1 {
		t.Fatalf("unexpected error response: %+v", resp)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	for i := 0; i < 3; i++ {
		doJSON(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
			"type":    "export",
			"payload": map[string]any{"n": i},
		})
	}

	rec := doJSON(t, srv, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats failed: %d", rec.Code)
	}
	var stats queue.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Queued != 3 || stats.Total != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCleanEndpoint(t *testing.T) {
	srv, provider := newTestServer(t, queue.ProviderConfig{})

	enq := doJSON(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"type":    "export",
		"payload": map[string]any{},
	})
	created := decodeJob(t, enq)
	doJSON(t, srv, http.MethodPost, "/v1/workers/reserve", map[string]any{"workerId": "worker-1"})
	doJSON(t, srv, http.MethodPost, "/v1/jobs/"+created.ID+"/complete", map[string]any{"workerId": "worker-1"})

	// Zero retention removes everything terminal regardless of age.
	rec := doJSON(t, srv, http.MethodDelete, "/v1/jobs?older_than_seconds=0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clean failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode clean response: %v", err)
	}
	if resp.Removed != 1 {
		t.Fatalf("expected 1 removed, got %d", resp.Removed)
	}

	if _, err := provider.GetJob(context.Background(), created.ID); err == nil {
		t.Fatalf("expected cleaned job gone")
	}

	if rec := doJSON(t, srv, http.MethodDelete, "/v1/jobs?older_than_seconds=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-integer value, got %d", rec.Code)
	}
}

func TestCleanNegativeRetentionRejected(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	rec := doJSON(t, srv, http.MethodDelete, "/v1/jobs?older_than_seconds=-3600", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for negative retention, got %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, provider := newTestServer(t, queue.ProviderConfig{})

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz failed: %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz failed: %d %s", rec.Code, rec.Body.String())
	}

	// Closing the provider flips readiness to 503.
	_ = provider.Close()
	rec = doJSON(t, srv, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after close, got %d", rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "fixed-id" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics failed: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus output")
	}
}

func TestUploadRoutesAbsentWithoutPayloadStore(t *testing.T) {
	srv, _ := newTestServer(t, queue.ProviderConfig{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/uploads", map[string]any{"key": "a.bin"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without payload store, got %d", rec.Code)
	}
}
