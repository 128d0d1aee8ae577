package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps all jobs in a mutex-guarded map. It is the reference
// Store implementation: single-process, no durability, exact timing behavior
// under an injected clock. Suitable for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	nextSeq uint64
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*Job{}}
}

func (s *MemoryStore) Insert(_ context.Context, job *Job) error {
	if job == nil {
		return queueError(ErrValidation, "job is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.nextSeq++
	stored := job.Clone()
	stored.seq = s.nextSeq
	s.jobs[stored.ID] = stored
	job.seq = stored.seq
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, queueError(ErrNotFound, id)
	}
	return job.Clone(), nil
}

// reclaimExpiredLocked flips PROCESSING jobs with lapsed leases back to
// QUEUED. Attempts are preserved; they were charged at reservation time.
func (s *MemoryStore) reclaimExpiredLocked(now time.Time) int {
	reclaimed := 0
	for _, job := range s.jobs {
		if job.Status == StatusProcessing && job.LeaseExpired(now) {
			job.Status = StatusQueued
			job.LeaseOwner = ""
			job.LeaseExpiresAt = time.Time{}
			job.UpdatedAt = now
			reclaimed++
		}
	}
	return reclaimed
}

func (s *MemoryStore) Reserve(_ context.Context, workerID string, visibility time.Duration, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	s.reclaimExpiredLocked(now)

	var pick *Job
	for _, job := range s.jobs {
		if job.Status != StatusQueued {
			continue
		}
		if pick == nil || job.Priority > pick.Priority ||
			(job.Priority == pick.Priority && job.seq < pick.seq) {
			pick = job
		}
	}
	if pick == nil {
		return nil, nil
	}

	pick.Status = StatusProcessing
	pick.LeaseOwner = workerID
	pick.LeaseExpiresAt = now.Add(visibility)
	pick.Attempts++
	pick.UpdatedAt = now
	return pick.Clone(), nil
}

// ownedLocked resolves the job and enforces the lease ownership gate shared
// by Heartbeat, Complete and Fail.
func (s *MemoryStore) ownedLocked(id, workerID string, now time.Time) (*Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, queueError(ErrNotFound, id)
	}
	if job.Status != StatusProcessing {
		return nil, queueError(ErrLeaseOwnership, "job is not processing")
	}
	if job.LeaseOwner != workerID {
		return nil, queueError(ErrLeaseOwnership, "lease held by another worker")
	}
	if job.LeaseExpired(now) {
		return nil, queueError(ErrLeaseOwnership, "lease expired")
	}
	return job, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id, workerID string, progress int, visibility time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	job, err := s.ownedLocked(id, workerID, now)
	if err != nil {
		return err
	}
	job.LeaseExpiresAt = now.Add(visibility)
	if progress >= 0 {
		if progress > 100 {
			progress = 100
		}
		job.Progress = progress
	}
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id, workerID string, result json.RawMessage, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	job, err := s.ownedLocked(id, workerID, now)
	if err != nil {
		return nil, err
	}
	job.Status = StatusCompleted
	job.Progress = 100
	job.Result = cloneRaw(result)
	job.LeaseOwner = ""
	job.LeaseExpiresAt = time.Time{}
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (s *MemoryStore) Fail(_ context.Context, id, workerID string, jobErr JobError, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	job, err := s.ownedLocked(id, workerID, now)
	if err != nil {
		return nil, err
	}
	job.Status = StatusFailed
	errCopy := jobErr
	job.Error = &errCopy
	job.LeaseOwner = ""
	job.LeaseExpiresAt = time.Time{}
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Stats{}, ErrClosed
	}

	s.reclaimExpiredLocked(now)

	var st Stats
	for _, job := range s.jobs {
		switch job.Status {
		case StatusQueued:
			st.Queued++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	st.Total = len(s.jobs)
	return st, nil
}

func (s *MemoryStore) Clean(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && !job.UpdatedAt.After(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.jobs = map[string]*Job{}
	return nil
}
