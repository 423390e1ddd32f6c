// Package emit provides event emission and observability for graph execution.
package emit

import "context"

// Emitter receives and processes events from workflow execution.
//
// Emitters enable pluggable backends: structured logging, distributed
// tracing, the audit table, and the live streaming bus.
//
// Implementations should be:
// - Non-blocking: never slow down workflow execution.
// - Thread-safe: may be called concurrently from multiple workflows.
// - Resilient: handle backend failures without crashing the workflow.
type Emitter interface {
	// Emit sends a single event to the configured backend.
	//
	// Emit must not block workflow execution and must not panic; backend
	// errors are logged internally.
	Emit(event Event)

	// EmitBatch sends multiple events in one operation, preserving order.
	//
	// Returns an error only on catastrophic failures; individual event
	// failures are logged and skipped.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events are delivered or ctx expires.
	// Safe to call multiple times.
	Flush(ctx context.Context) error
}
