package graph

import "context"

// contextKey is a private type for context value keys so this package's
// keys cannot collide with other packages'.
type contextKey string

const (
	// RunIDKey carries the workflow run (decision set) id into nodes.
	RunIDKey contextKey = "agentflow.run_id"

	// ThreadIDKey carries the checkpoint thread id into nodes.
	ThreadIDKey contextKey = "agentflow.thread_id"

	// StepKey carries the current engine step number into nodes.
	StepKey contextKey = "agentflow.step"

	// NodeIDKey carries the executing node's id into nodes.
	NodeIDKey contextKey = "agentflow.node_id"
)

// RunIDFrom extracts the run id injected by the engine, if any.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(RunIDKey).(string)
	return id
}
