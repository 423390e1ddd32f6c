package emit

import "time"

// Event types published during workflow execution. The type doubles as the
// SSE event name on the streaming surface.
const (
	TypeWorkflowStart      = "workflow-start"
	TypeNodeStart          = "node-start"
	TypeNodeComplete       = "node-complete"
	TypeReasonCard         = "reason-card"
	TypeWorkflowPaused     = "workflow-paused"
	TypeQuestionsPresented = "questions-presented"
	TypeResponsesCollected = "responses-collected"
	TypeWorkflowResumed    = "workflow-resumed"
	TypeWorkflowComplete   = "workflow-complete"
	TypeError              = "error"
	TypeHeartbeat          = "heartbeat"
)

// Event is a structured record emitted during workflow execution.
//
// Events flow to an Emitter which can log them, trace them, persist them to
// the audit table, or fan them out to live stream subscribers. Every event
// carries the decision set (workflow) it belongs to and its publish time.
type Event struct {
	// Type is one of the Type* constants above.
	Type string `json:"type"`

	// DecisionSetID identifies the workflow run that emitted this event.
	DecisionSetID string `json:"decision_set_id"`

	// Node is the graph node the event relates to. Empty for
	// workflow-level events (start, complete, heartbeat).
	Node string `json:"node,omitempty"`

	// Step is the engine step counter at emission time. Zero for events
	// emitted outside a step (heartbeats).
	Step int `json:"step,omitempty"`

	// Timestamp is the publish time in UTC.
	Timestamp time.Time `json:"timestamp"`

	// Data holds the type-specific payload fields.
	Data map[string]any `json:"data,omitempty"`

	// Lagging is set by the bus on the first delivery after a subscriber
	// dropped events due to a full buffer.
	Lagging bool `json:"lagging,omitempty"`

	// Truncated is set on the first replayed event when topic history was
	// trimmed past the subscriber's replay window.
	Truncated bool `json:"truncated,omitempty"`
}

// Payload flattens the event into the wire shape used by the SSE surface:
// the Data fields plus the envelope fields every event carries.
func (e Event) Payload() map[string]any {
	out := make(map[string]any, len(e.Data)+4)
	for k, v := range e.Data {
		out[k] = v
	}
	out["decision_set_id"] = e.DecisionSetID
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.Node != "" {
		out["node"] = e.Node
	}
	if e.Lagging {
		out["lagging"] = true
	}
	if e.Truncated {
		out["truncated"] = true
	}
	return out
}
