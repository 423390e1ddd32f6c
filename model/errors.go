package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// CallError is a classified provider failure. The Transient flag drives
// the in-node retry policy: rate limits, overload, and server errors are
// worth retrying in place; authentication and bad-request failures are
// not.
type CallError struct {
	// Provider names the backend ("anthropic").
	Provider string

	// Status is the HTTP status when known, zero otherwise.
	Status int

	// Message is a short description safe to log and stream.
	Message string

	// Transient marks failures that may succeed on retry.
	Transient bool

	// Err is the underlying SDK error, if any.
	Err error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %d %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// TransientStatus reports whether an HTTP status from a provider is worth
// retrying: request timeout, rate limit, overload, and server errors.
func TransientStatus(status int) bool {
	switch {
	case status == 408, status == 429:
		return true
	case status >= 500:
		return true
	}
	return false
}

// IsTransient classifies an error from a ChatModel call for retry
// purposes: classified transient provider failures, deadline hits, and
// network-level errors before any provider response.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Transient
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
