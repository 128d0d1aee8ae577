package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jobvault/jobvault/pkg/observability/logger"
)

// DefaultVisibilityTimeout is the lease duration applied when config leaves
// it unset.
const DefaultVisibilityTimeout = 30 * time.Second

// ProviderConfig configures one provider instance. All state (rate counters,
// idempotency ledger) is scoped to the instance; two providers never share
// ambient globals.
type ProviderConfig struct {
	VisibilityTimeout time.Duration   `mapstructure:"visibility_timeout"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
	// StoreName labels metrics; set by the factory ("memory", "redis", "postgres").
	StoreName string `mapstructure:"-"`
}

func (c *ProviderConfig) normalize() {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if strings.TrimSpace(c.StoreName) == "" {
		c.StoreName = "memory"
	}
}

// Provider composes the durable store with the idempotency ledger and rate
// limiter into the public queue operations.
type Provider struct {
	store  Store
	ledger *idempotencyLedger
	limits *rateLimiter
	clock  Clock
	log    logger.Logger
	config ProviderConfig
}

// ProviderOption customizes provider construction.
type ProviderOption func(*Provider)

// WithClock substitutes the wall clock, which drives every lease, window and
// backoff decision. Intended for tests.
func WithClock(clock Clock) ProviderOption {
	return func(p *Provider) { p.clock = clock }
}

// NewProvider creates a provider over the given store.
func NewProvider(store Store, log logger.Logger, cfg ProviderConfig, opts ...ProviderOption) (*Provider, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	p := &Provider{
		store:  store,
		clock:  SystemClock(),
		log:    log,
		config: cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ledger = newIdempotencyLedger(p.clock)
	p.limits = newRateLimiter(cfg.RateLimit, p.clock)
	return p, nil
}

// Enqueue validates the request, passes the rate-limit and idempotency gates
// and persists a new QUEUED job. When the request's idempotency key already
// maps to an active job the existing job is returned unchanged.
func (p *Provider) Enqueue(ctx context.Context, req *EnqueueRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := p.limits.allow(strings.TrimSpace(req.RequestID)); err != nil {
		recordRateLimited(err)
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		// Held through the store insert and ledger accept below so that
		// concurrent enqueues sharing the key cannot both pass the check
		// and insert distinct jobs.
		unlock := p.ledger.lock(key)
		defer unlock()

		lastJobID, found, err := p.ledger.check(key)
		if err != nil {
			recordRateLimited(err)
			return nil, err
		}
		if found && lastJobID != "" {
			prior, getErr := p.store.Get(ctx, lastJobID)
			if getErr != nil && !errors.Is(getErr, ErrNotFound) {
				return nil, getErr
			}
			if prior != nil && !prior.Status.Terminal() {
				recordDeduplicated(prior.Type)
				p.log.Debug("enqueue deduplicated by idempotency key",
					"idempotency_key", key, "job_id", prior.ID)
				return prior, nil
			}
		}
	}

	now := p.clock.Now()
	policy := DefaultRetryPolicy
	if req.RetryPolicy != nil {
		policy = *req.RetryPolicy
		policy.normalize()
	}
	job := &Job{
		ID:             uuid.NewString(),
		Type:           strings.TrimSpace(req.Type),
		Payload:        cloneRaw(req.Payload),
		Status:         StatusQueued,
		Priority:       req.Priority,
		IdempotencyKey: key,
		RequestID:      strings.TrimSpace(req.RequestID),
		RetryPolicy:    policy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.store.Insert(ctx, job); err != nil {
		return nil, err
	}
	if key != "" {
		p.ledger.accept(key, job.ID)
	}
	recordEnqueued(p.config.StoreName, job.Type)
	p.log.Info("job enqueued", "job_id", job.ID, "type", job.Type, "priority", job.Priority)
	return job.Clone(), nil
}

// Reserve leases the next eligible job to workerID for the configured
// visibility timeout. It returns (nil, nil) when the queue is empty.
func (p *Provider) Reserve(ctx context.Context, workerID string) (*Job, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueError(ErrValidation, "worker id is required")
	}
	job, err := p.store.Reserve(ctx, workerID, p.config.VisibilityTimeout, p.clock.Now())
	if err != nil {
		return nil, err
	}
	if job != nil {
		p.log.Debug("job reserved", "job_id", job.ID, "worker_id", workerID, "attempt", job.Attempts)
	}
	return job, nil
}

// Heartbeat extends the caller's lease and optionally reports progress
// (pass progress < 0 to leave it unchanged). Any error means the caller no
// longer owns the job and must stop processing it.
func (p *Provider) Heartbeat(ctx context.Context, id, workerID string, progress int) error {
	return p.store.Heartbeat(ctx, id, workerID, progress, p.config.VisibilityTimeout, p.clock.Now())
}

// Complete finishes the job successfully with the given result.
func (p *Provider) Complete(ctx context.Context, id, workerID string, result json.RawMessage) error {
	job, err := p.store.Complete(ctx, id, workerID, result, p.clock.Now())
	if err != nil {
		return err
	}
	recordFinished(job.Type, StatusCompleted)
	p.log.Info("job completed", "job_id", id, "worker_id", workerID)
	return nil
}

// Fail terminates the job with a structured error. When the job carries an
// idempotency key and its attempts have not exhausted the retry policy, a
// backoff window is armed on the key and the error's retryAfter tells the
// caller when a resubmission becomes eligible.
func (p *Provider) Fail(ctx context.Context, id, workerID string, jobErr JobError) error {
	now := p.clock.Now()

	// Pre-read to compute the backoff hint; the ownership gate itself is
	// enforced atomically by store.Fail below.
	prior, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if prior.IdempotencyKey != "" {
		// Same key lock as Enqueue, so the block below cannot interleave
		// with a concurrent check/insert/accept on this key.
		unlock := p.ledger.lock(prior.IdempotencyKey)
		defer unlock()
	}

	var delay time.Duration
	retriable := prior.IdempotencyKey != "" && prior.Attempts < prior.RetryPolicy.MaxAttempts
	if retriable {
		delay = Backoff(prior.Attempts, prior.RetryPolicy)
		jobErr.RetryAfter = ceilSeconds(delay)
	}

	failed, err := p.store.Fail(ctx, id, workerID, jobErr, now)
	if err != nil {
		return err
	}
	if retriable {
		p.ledger.block(failed.IdempotencyKey, failed.ID, delay)
	}
	recordFinished(failed.Type, StatusFailed)
	p.log.Warn("job failed", "job_id", id, "worker_id", workerID,
		"code", jobErr.Code, "attempt", failed.Attempts, "retry_after_s", jobErr.RetryAfter)
	return nil
}

// GetJob returns the job by id or ErrNotFound.
func (p *Provider) GetJob(ctx context.Context, id string) (*Job, error) {
	return p.store.Get(ctx, id)
}

// GetStats counts jobs by status. The call doubles as the lazy lease-expiry
// sweep for stores without a background reaper.
func (p *Provider) GetStats(ctx context.Context) (Stats, error) {
	p.limits.prune()
	st, err := p.store.Stats(ctx, p.clock.Now())
	if err != nil {
		return Stats{}, err
	}
	jobsProcessing.Set(float64(st.Processing))
	return st, nil
}

// CleanOldJobs deletes terminal jobs not updated within the retention window.
// QUEUED and PROCESSING jobs are never removed regardless of age.
func (p *Provider) CleanOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, queueError(ErrValidation, "retention window must be >= 0")
	}
	removed, err := p.store.Clean(ctx, p.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		p.log.Info("old jobs cleaned", "removed", removed)
	}
	return removed, nil
}

// HealthCheck verifies the backing store is reachable.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return p.store.HealthCheck(ctx)
}

// Close releases the provider's store.
func (p *Provider) Close() error {
	return p.store.Close()
}
