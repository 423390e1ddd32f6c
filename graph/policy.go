package graph

import (
	"math/rand"
	"time"
)

// NodePolicy configures per-node execution behaviour.
type NodePolicy struct {
	// Timeout bounds one attempt of the node. Zero falls back to
	// Options.DefaultNodeTimeout.
	Timeout time.Duration

	// Retry, when set, retries the node in place on transient errors.
	// This bound covers flaky external calls inside a step; retry across
	// steps belongs to the job queue.
	Retry *RetryPolicy
}

// RetryPolicy bounds in-node transient retries.
type RetryPolicy struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts int

	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable reports whether an error is transient. Nil retries
	// nothing.
	Retryable func(error) bool
}

func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	return delay + jitter
}
