package queue

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 10 * time.Minute
)

// Backoff computes the delay before retry n (1-based): min(base·2^n, cap)
// plus jitter in [0, base) to spread synchronized retries.
func Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := backoffBase
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(backoffBase))) // #nosec G404 -- jitter, not security
	return delay + jitter
}

// MinBackoff is the jitter-free lower bound of Backoff(retry), used by
// schedule assertions.
func MinBackoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := backoffBase
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	return delay
}
