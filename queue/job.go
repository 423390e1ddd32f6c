// Package queue is the database-backed job queue: enqueue, lease-based
// claiming, renewal, completion, retry with backoff, and expired-lease
// reclaim.
//
// Correctness contract: two concurrent Claim calls never return the same
// job, and any crash leaves a job either queued (possibly after lease
// expiry) or in a terminal state. The MySQL backend claims with
// FOR UPDATE SKIP LOCKED; the SQLite backend uses a single-statement
// compare-and-set on its single writer connection.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the job does not exist.
	ErrNotFound = errors.New("queue: job not found")

	// ErrNotOwner is returned when a worker operates on a job whose
	// lease it does not hold.
	ErrNotOwner = errors.New("queue: worker does not own job")

	// ErrLeaseExpired is returned by Renew when the lease already
	// lapsed; the job may have been reclaimed.
	ErrLeaseExpired = errors.New("queue: lease expired")
)

// Status enumerates job states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Kind names the work a job carries.
type Kind string

const (
	// KindMLWorkflow starts a workflow run from its initial input.
	KindMLWorkflow Kind = "ml_workflow"

	// KindResume continues a workflow from its interrupt checkpoint,
	// carrying the approval payload.
	KindResume Kind = "resume"
)

// Job is one unit of work bound to a workflow.
type Job struct {
	ID             string
	WorkflowID     string
	Kind           Kind
	Priority       int
	Status         Status
	Payload        map[string]any
	WorkerID       string
	LeaseExpiresAt *time.Time
	RetryCount     int
	MaxRetries     int
	NextRunAt      time.Time
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// EnqueueRequest describes a job to enqueue. Zero MaxRetries selects the
// default (3); zero NextRunAt means runnable immediately.
type EnqueueRequest struct {
	WorkflowID string
	Kind       Kind
	Payload    map[string]any
	Priority   int
	MaxRetries int
	NextRunAt  time.Time
}

// DefaultMaxRetries is applied when EnqueueRequest.MaxRetries is zero.
const DefaultMaxRetries = 3

// Store persists and schedules jobs. All operations honour the caller's
// context deadline.
type Store interface {
	// Enqueue inserts a queued job and returns its id. For resume jobs,
	// at most one queued row per workflow exists at a time: enqueueing a
	// second returns the existing id.
	Enqueue(ctx context.Context, req EnqueueRequest) (string, error)

	// Claim atomically selects the oldest eligible highest-priority
	// queued job, marks it running under workerID with the given lease,
	// and returns it. Returns (nil, nil) when no job is eligible.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error)

	// Renew extends the lease. Only the owning worker may renew, and
	// only while the lease is still live.
	Renew(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// Complete marks the job completed. Only the owning worker may
	// complete; repeating the call is idempotent.
	Complete(ctx context.Context, jobID, workerID string) error

	// Fail records a failure. Below the retry budget the job is
	// re-queued with backoff; otherwise it becomes terminally failed.
	Fail(ctx context.Context, jobID, workerID, errMsg string) error

	// ReclaimExpired applies the failure path, with the synthetic error
	// "lease expired", to every running job whose lease passed. Returns
	// the number of jobs reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)

	// Get loads a job by id.
	Get(ctx context.Context, jobID string) (*Job, error)

	// ListByWorkflow returns a workflow's jobs, oldest first.
	ListByWorkflow(ctx context.Context, workflowID string) ([]Job, error)
}

// leaseExpiredMsg is the synthetic error recorded by ReclaimExpired.
const leaseExpiredMsg = "lease expired"
