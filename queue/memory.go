package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for tests and development. A single mutex
// serializes all operations, which trivially satisfies the claim contract.
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*Job)}
}

func (m *MemStore) Enqueue(_ context.Context, req EnqueueRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Kind == KindResume {
		for _, j := range m.jobs {
			if j.WorkflowID == req.WorkflowID && j.Kind == KindResume && j.Status == StatusQueued {
				return j.ID, nil
			}
		}
	}

	now := time.Now().UTC()
	if req.MaxRetries == 0 {
		req.MaxRetries = DefaultMaxRetries
	}
	if req.NextRunAt.IsZero() {
		req.NextRunAt = now
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	job := &Job{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		Kind:       req.Kind,
		Priority:   req.Priority,
		Status:     StatusQueued,
		Payload:    payload,
		MaxRetries: req.MaxRetries,
		NextRunAt:  req.NextRunAt,
		CreatedAt:  now,
	}
	m.jobs[job.ID] = job
	return job.ID, nil
}

func (m *MemStore) Claim(_ context.Context, workerID string, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var eligible []*Job
	for _, j := range m.jobs {
		if j.Status == StatusQueued && !j.NextRunAt.After(now) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, k int) bool {
		if eligible[i].Priority != eligible[k].Priority {
			return eligible[i].Priority > eligible[k].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[k].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[k].CreatedAt)
		}
		return eligible[i].ID < eligible[k].ID
	})

	job := eligible[0]
	expires := now.Add(lease)
	job.Status = StatusRunning
	job.WorkerID = workerID
	job.StartedAt = &now
	job.LeaseExpiresAt = &expires
	cp := *job
	return &cp, nil
}

func (m *MemStore) Renew(_ context.Context, jobID, workerID string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.WorkerID != workerID || job.Status != StatusRunning {
		return ErrNotOwner
	}
	now := time.Now().UTC()
	if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(now) {
		return ErrLeaseExpired
	}
	expires := now.Add(lease)
	job.LeaseExpiresAt = &expires
	return nil
}

func (m *MemStore) Complete(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.WorkerID != workerID {
		return ErrNotOwner
	}
	switch job.Status {
	case StatusCompleted:
		return nil // idempotent
	case StatusRunning:
		now := time.Now().UTC()
		job.Status = StatusCompleted
		job.CompletedAt = &now
		return nil
	default:
		return ErrNotOwner
	}
}

func (m *MemStore) Fail(_ context.Context, jobID, workerID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.WorkerID != workerID || job.Status != StatusRunning {
		return ErrNotOwner
	}
	m.failLocked(job, errMsg)
	return nil
}

func (m *MemStore) failLocked(job *Job, errMsg string) {
	now := time.Now().UTC()
	job.ErrorMessage = errMsg
	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Status = StatusQueued
		job.NextRunAt = now.Add(Backoff(job.RetryCount))
		job.WorkerID = ""
		job.LeaseExpiresAt = nil
		job.StartedAt = nil
		return
	}
	job.Status = StatusFailed
	job.CompletedAt = &now
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
}

func (m *MemStore) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, job := range m.jobs {
		if job.Status == StatusRunning && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now) {
			m.failLocked(job, leaseExpiredMsg)
			count++
		}
	}
	return count, nil
}

func (m *MemStore) Get(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemStore) ListByWorkflow(_ context.Context, workflowID string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.WorkflowID == workflowID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}
