package queue

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Backoff strategy names accepted in a RetryPolicy.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffFixed       = "fixed"
)

// RetryPolicy controls how long a failed job's idempotency key stays blocked
// before a resubmission becomes eligible.
type RetryPolicy struct {
	MaxAttempts     int    `json:"maxAttempts"`
	BackoffStrategy string `json:"backoffStrategy"`
	InitialDelayMs  int64  `json:"initialDelayMs"`
	MaxDelayMs      int64  `json:"maxDelayMs"`
}

// DefaultRetryPolicy is applied when an enqueue request carries none.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	BackoffStrategy: BackoffExponential,
	InitialDelayMs:  1000,
	MaxDelayMs:      60000,
}

func (p *RetryPolicy) normalize() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if strings.TrimSpace(p.BackoffStrategy) == "" {
		p.BackoffStrategy = DefaultRetryPolicy.BackoffStrategy
	}
	if p.InitialDelayMs <= 0 {
		p.InitialDelayMs = DefaultRetryPolicy.InitialDelayMs
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = DefaultRetryPolicy.MaxDelayMs
	}
}

func (p *RetryPolicy) validate() error {
	switch strings.TrimSpace(p.BackoffStrategy) {
	case "", BackoffExponential, BackoffLinear, BackoffFixed:
	default:
		return queueError(ErrValidation, "unknown backoff strategy "+p.BackoffStrategy)
	}
	if p.MaxAttempts < 0 || p.InitialDelayMs < 0 || p.MaxDelayMs < 0 {
		return queueError(ErrValidation, "retry policy fields must be >= 0")
	}
	return nil
}

// JobError is the structured failure record attached to a FAILED job.
type JobError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
}

// Job is one unit of queued work together with its lease and retry state.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	Progress       int             `json:"progress"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *JobError       `json:"error,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	RetryPolicy    RetryPolicy     `json:"retryPolicy"`
	LeaseOwner     string          `json:"leaseOwner,omitempty"`
	LeaseExpiresAt time.Time       `json:"leaseExpiresAt,omitzero"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`

	// seq is the insertion order used for FIFO selection within a priority.
	seq uint64
}

// EnqueueRequest is the caller-supplied description of a new job.
type EnqueueRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	RetryPolicy    *RetryPolicy    `json:"retryPolicy,omitempty"`
}

// Validate checks the fields the queue depends on.
func (r *EnqueueRequest) Validate() error {
	if r == nil {
		return queueError(ErrValidation, "request is nil")
	}
	if strings.TrimSpace(r.Type) == "" {
		return queueError(ErrValidation, "job type is required")
	}
	if len(r.Payload) == 0 {
		return queueError(ErrValidation, "job payload is required")
	}
	if !json.Valid(r.Payload) {
		return queueError(ErrValidation, "job payload must be valid JSON")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return queueError(ErrValidation, "priority must be between 0 and 100")
	}
	if r.RetryPolicy != nil {
		if err := r.RetryPolicy.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Stats is a point-in-time census of jobs by status.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Payload = cloneRaw(j.Payload)
	out.Result = cloneRaw(j.Result)
	if j.Error != nil {
		errCopy := *j.Error
		out.Error = &errCopy
	}
	return &out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}

// LeaseExpired reports whether the job's lease has lapsed at the given
// instant. The boundary is inclusive: a lease granted for T is expired once
// elapsed time reaches T exactly.
func (j *Job) LeaseExpired(now time.Time) bool {
	if j.LeaseExpiresAt.IsZero() {
		return false
	}
	return !now.Before(j.LeaseExpiresAt)
}
