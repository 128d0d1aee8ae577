package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the durable persistence contract behind a Provider. Implementations
// must make Reserve an atomic check-and-set: two concurrent calls never hand
// the same job to both workers. All timing decisions take the explicit now
// supplied by the provider's clock.
//
// Owner-gated operations (Heartbeat, Complete, Fail) return ErrNotFound for
// unknown ids and ErrLeaseOwnership when the caller is not the live lease
// owner, the lease has expired, or the job is terminal.
type Store interface {
	// Insert persists a freshly created QUEUED job.
	Insert(ctx context.Context, job *Job) error
	// Get returns the job or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Reserve reclaims expired leases, then atomically leases the next
	// eligible job (priority desc, FIFO within priority) to workerID until
	// now+visibility. It returns nil with no error when nothing is eligible.
	Reserve(ctx context.Context, workerID string, visibility time.Duration, now time.Time) (*Job, error)
	// Heartbeat extends the lease to now+visibility and optionally updates
	// progress (progress < 0 leaves it unchanged).
	Heartbeat(ctx context.Context, id, workerID string, progress int, visibility time.Duration, now time.Time) error
	// Complete finishes the job: COMPLETED, progress 100, result recorded,
	// lease cleared.
	Complete(ctx context.Context, id, workerID string, result json.RawMessage, now time.Time) (*Job, error)
	// Fail terminates the job: FAILED, error recorded, lease cleared. The
	// returned job carries the attempts count the failure was charged to.
	Fail(ctx context.Context, id, workerID string, jobErr JobError, now time.Time) (*Job, error)
	// Stats counts jobs by status after reclaiming expired leases.
	Stats(ctx context.Context, now time.Time) (Stats, error)
	// Clean deletes terminal jobs whose updatedAt is at or before cutoff and
	// returns how many were removed. Active jobs are never touched.
	Clean(ctx context.Context, cutoff time.Time) (int, error)
	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
	// Close releases store resources.
	Close() error
}
