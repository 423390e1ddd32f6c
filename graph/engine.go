// Package graph is the durable workflow engine: it executes a static graph
// of nodes against a checkpointed state, one step at a time.
//
// Each step commits a checkpoint parented to the previous one before the
// engine moves on; the checkpoint write is the atomic boundary. A crash
// before the commit replays the step on resumption, a crash after it does
// not. Interrupt-before nodes suspend execution so a human can approve or
// answer questions; a later run with the approval payload continues at
// exactly that node.
package graph

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dshills/agentflow-go/graph/emit"
	"github.com/dshills/agentflow-go/store"
)

// Status classifies the result of a run.
type Status int

const (
	// Completed means the graph reached its terminal node.
	Completed Status = iota
	// Interrupted means the engine suspended before an interrupt node
	// and persisted an awaiting-approval checkpoint.
	Interrupted
	// Failed means a node or the engine itself errored; the worker
	// applies the job retry policy.
	Failed
	// Cancelled means the run context was cancelled and a checkpoint was
	// persisted at the step boundary.
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Interrupted:
		return "interrupted"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is the result of one engine run.
type Outcome[S any] struct {
	Status Status

	// Node is set for Interrupted (the gate the engine stopped before)
	// and Failed (the node that errored, when known).
	Node string

	// State is the final merged state for Completed runs.
	State S

	// Err is set for Failed outcomes.
	Err error
}

// Options configures engine execution.
type Options struct {
	// MaxSteps bounds a single run to protect against routing loops.
	// Zero selects a generous default.
	MaxSteps int

	// DefaultNodeTimeout applies to nodes without an explicit
	// NodePolicy timeout. Zero disables the default timeout.
	DefaultNodeTimeout time.Duration

	// Metrics enables Prometheus collection when non-nil.
	Metrics *Metrics
}

const defaultMaxSteps = 100

// Engine executes a workflow graph with durable checkpoints.
//
// Construction is single-threaded (Add/Connect/InterruptBefore before the
// first Run); Run may then be called concurrently for distinct threads.
type Engine[S any] struct {
	mu sync.RWMutex

	reducer     Reducer[S]
	nodes       map[string]Node[S]
	order       []string
	edges       []Edge[S]
	startNode   string
	interrupts  map[string]string // node id -> awaiting label
	mergeApprov func(S, map[string]any) S

	checkpoints store.Checkpoints[S]
	emitter     emit.Emitter
	metrics     *Metrics
	opts        Options
}

// New creates an Engine. The reducer merges node deltas; checkpoints is the
// durable store; emitter receives the event stream (nil discards events).
func New[S any](reducer Reducer[S], checkpoints store.Checkpoints[S], emitter emit.Emitter, opts Options) *Engine[S] {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	return &Engine[S]{
		reducer:     reducer,
		nodes:       make(map[string]Node[S]),
		interrupts:  make(map[string]string),
		checkpoints: checkpoints,
		emitter:     emitter,
		metrics:     opts.Metrics,
		opts:        opts,
	}
}

// Add registers a node. Node ids must be unique and non-empty.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Message: "duplicate node ID: " + nodeID, Code: CodeDuplicateNode}
	}
	e.nodes[nodeID] = node
	e.order = append(e.order, nodeID)
	return nil
}

// StartAt sets the graph's entry node.
func (e *Engine[S]) StartAt(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{Message: "start node does not exist: " + nodeID, Code: CodeNodeNotFound}
	}
	e.startNode = nodeID
	return nil
}

// Connect adds an edge. A nil predicate is unconditional; edges are
// evaluated in registration order and the first match wins.
func (e *Engine[S]) Connect(from, to string, predicate Predicate[S]) error {
	if from == "" || to == "" {
		return &EngineError{Message: "edge endpoints cannot be empty"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: predicate})
	return nil
}

// InterruptBefore marks a node as a human gate: the engine suspends before
// executing it, persisting an awaiting-approval checkpoint. The awaiting
// label ("input", "final") is surfaced on the workflow-paused event.
func (e *Engine[S]) InterruptBefore(nodeID, awaiting string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{Message: "interrupt node does not exist: " + nodeID, Code: CodeNodeNotFound}
	}
	e.interrupts[nodeID] = awaiting
	return nil
}

// OnApproval installs the function that merges an approval payload into
// state when a run resumes past a gate.
func (e *Engine[S]) OnApproval(merge func(state S, approval map[string]any) S) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mergeApprov = merge
}

// Nodes returns node ids in registration order, for plan introspection.
func (e *Engine[S]) Nodes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Run executes the workflow identified by runID against threadID.
//
// If a checkpoint exists for the thread, execution resumes from it;
// otherwise it starts at the graph entry with the initial state. A non-nil
// approval payload is merged into state when the thread is suspended at an
// interrupt gate, and execution continues with that gate.
//
// Node and routing failures are reported in the Outcome; the returned error
// covers engine misconfiguration and failures to load the thread's latest
// checkpoint or to commit the approval checkpoint.
func (e *Engine[S]) Run(ctx context.Context, runID, threadID string, initial S, approval map[string]any) (Outcome[S], error) {
	var zero Outcome[S]
	if e.reducer == nil {
		return zero, &EngineError{Message: "reducer is required", Code: CodeMissingReducer}
	}
	if e.checkpoints == nil {
		return zero, &EngineError{Message: "checkpoint store is required", Code: CodeMissingStore}
	}
	e.mu.RLock()
	startNode := e.startNode
	e.mu.RUnlock()
	if startNode == "" {
		return zero, &EngineError{Message: "start node not set (call StartAt before Run)", Code: CodeNoStartNode}
	}

	began := time.Now()
	e.trackRun(1)
	defer e.trackRun(-1)

	state := initial
	currentNode := startNode
	parent := ""
	step := 0
	tipApproved := false

	tip, err := e.checkpoints.Latest(ctx, threadID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.emit(runID, emit.TypeWorkflowStart, "", 0, map[string]any{
			"status":              "active",
			"progress_percentage": 0,
		})
	case err != nil:
		return zero, &EngineError{Message: "failed to load checkpoint", Code: CodeCheckpointFailed, Cause: err}
	default:
		state = tip.State
		parent = tip.ID
		step = tip.Meta.Step
		if tip.Meta.Next == "" {
			// Thread already terminal; nothing to do.
			return Outcome[S]{Status: Completed, State: state}, nil
		}
		currentNode = tip.Meta.Next

		if tip.Meta.AwaitingApproval {
			if approval == nil {
				return Outcome[S]{Status: Interrupted, Node: currentNode, State: state}, nil
			}
			if e.mergeApprov != nil {
				state = e.mergeApprov(state, approval)
			}
			id, err := e.checkpoints.Put(ctx, threadID, parent, state, store.Meta{
				Step:     step,
				Next:     currentNode,
				Approved: true,
			})
			if err != nil {
				return zero, &EngineError{Message: "failed to commit approval checkpoint", Code: CodeCheckpointFailed, Cause: err}
			}
			parent = id
			tipApproved = true
			e.emit(runID, emit.TypeWorkflowResumed, "", step, map[string]any{"status": "active"})
			if responses, ok := approval["responses"]; ok {
				e.emit(runID, emit.TypeResponsesCollected, currentNode, step, map[string]any{"responses": responses})
			}
		} else {
			tipApproved = tip.Meta.Approved
		}
	}

	for {
		if ctx.Err() != nil {
			// The run context is already cancelled; give the final
			// checkpoint write its own short deadline.
			putCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = e.checkpoints.Put(putCtx, threadID, parent, state, store.Meta{
				Step:      step,
				Next:      currentNode,
				Cancelled: true,
			})
			cancel()
			return Outcome[S]{Status: Cancelled, Node: currentNode, State: state}, nil
		}

		step++
		if step > e.opts.MaxSteps {
			err := &EngineError{Message: "workflow exceeded MaxSteps limit", Code: CodeMaxStepsExceeded}
			e.emit(runID, emit.TypeError, currentNode, step, map[string]any{"error": err.Error()})
			return Outcome[S]{Status: Failed, Node: currentNode, Err: err}, nil
		}

		e.mu.RLock()
		node, exists := e.nodes[currentNode]
		awaiting, isGate := e.interrupts[currentNode]
		e.mu.RUnlock()
		if !exists {
			err := &EngineError{Message: "node not found during execution: " + currentNode, Code: CodeNodeNotFound}
			e.emit(runID, emit.TypeError, currentNode, step, map[string]any{"error": err.Error()})
			return Outcome[S]{Status: Failed, Node: currentNode, Err: err}, nil
		}

		if isGate && !tipApproved {
			if _, err := e.checkpoints.Put(ctx, threadID, parent, state, store.Meta{
				Step:             step - 1,
				Next:             currentNode,
				AwaitingApproval: true,
				Extra:            map[string]any{"awaiting": awaiting},
			}); err != nil {
				e.emit(runID, emit.TypeError, currentNode, step, map[string]any{"error": err.Error()})
				return Outcome[S]{Status: Failed, Node: currentNode, Err: err}, nil
			}
			e.emit(runID, emit.TypeWorkflowPaused, currentNode, step-1, map[string]any{
				"status":   "awaiting-human",
				"awaiting": awaiting,
			})
			if ie, ok := node.(InterruptEventer[S]); ok {
				eventType, data := ie.InterruptEvent(state)
				if eventType != "" {
					e.emit(runID, eventType, currentNode, step-1, data)
				}
			}
			e.trackInterrupt(currentNode)
			return Outcome[S]{Status: Interrupted, Node: currentNode, State: state}, nil
		}

		e.emit(runID, emit.TypeNodeStart, currentNode, step, map[string]any{"node": currentNode})

		nodeCtx := context.WithValue(ctx, RunIDKey, runID)
		nodeCtx = context.WithValue(nodeCtx, ThreadIDKey, threadID)
		nodeCtx = context.WithValue(nodeCtx, StepKey, step)
		nodeCtx = context.WithValue(nodeCtx, NodeIDKey, currentNode)

		stepBegan := time.Now()
		result := e.executeNode(nodeCtx, currentNode, node, state)
		e.trackStep(currentNode, stepBegan, result.Err)

		if result.Err != nil {
			e.emit(runID, emit.TypeError, currentNode, step, map[string]any{"error": result.Err.Error()})
			return Outcome[S]{Status: Failed, Node: currentNode, Err: result.Err}, nil
		}

		state = e.reducer(state, result.Delta)
		e.publishCards(runID, currentNode, step, result.Cards)

		next, routeErr := e.successor(currentNode, state, result.Route)
		if routeErr != nil {
			e.emit(runID, emit.TypeError, currentNode, step, map[string]any{"error": routeErr.Error()})
			return Outcome[S]{Status: Failed, Node: currentNode, Err: routeErr}, nil
		}

		id, err := e.checkpoints.Put(ctx, threadID, parent, state, store.Meta{Step: step, Next: next})
		if err != nil {
			err = &EngineError{Message: "failed to commit step checkpoint", Code: CodeCheckpointFailed, Cause: err}
			e.emit(runID, emit.TypeError, currentNode, step, map[string]any{"error": err.Error()})
			return Outcome[S]{Status: Failed, Node: currentNode, Err: err}, nil
		}
		parent = id
		tipApproved = false

		e.emit(runID, emit.TypeNodeComplete, currentNode, step, map[string]any{"node": currentNode})

		if next == "" {
			e.emit(runID, emit.TypeWorkflowComplete, "", step, map[string]any{
				"status":      "completed",
				"duration_ms": time.Since(began).Milliseconds(),
			})
			return Outcome[S]{Status: Completed, State: state}, nil
		}
		currentNode = next
	}
}

// executeNode runs one node under its policy: a per-attempt timeout and a
// bounded in-place retry for transient errors.
func (e *Engine[S]) executeNode(ctx context.Context, nodeID string, node Node[S], state S) NodeResult[S] {
	var policy *NodePolicy
	if pp, ok := node.(PolicyProvider); ok {
		p := pp.Policy()
		policy = &p
	}

	var retry *RetryPolicy
	attempts := 1
	if policy != nil && policy.Retry != nil {
		if err := policy.Retry.Validate(); err != nil {
			return NodeResult[S]{Err: &NodeError{Message: err.Error(), NodeID: nodeID, Cause: err}}
		}
		retry = policy.Retry
		attempts = retry.MaxAttempts
	}

	for attempt := 0; ; attempt++ {
		result := runWithTimeout(ctx, nodeID, node, state, policy, e.opts.DefaultNodeTimeout)
		if result.Err == nil {
			return result
		}
		if retry == nil || retry.Retryable == nil || !retry.Retryable(result.Err) {
			return result
		}
		if attempt+1 >= attempts || ctx.Err() != nil {
			return result
		}

		e.trackRetry(nodeID)
		delay := computeBackoff(attempt, retry.BaseDelay, retry.MaxDelay)
		select {
		case <-ctx.Done():
			return result
		case <-time.After(delay):
		}
	}
}

// publishCards emits the step's reason cards, collapsing duplicates by
// identity key so a retried step does not produce duplicate UI cards.
func (e *Engine[S]) publishCards(runID, nodeID string, step int, cards []ReasonCard) {
	if len(cards) == 0 {
		return
	}
	seen := make(map[string]bool, len(cards))
	for _, card := range cards {
		if card.Node == "" {
			card.Node = nodeID
		}
		key := card.dedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		e.emit(runID, emit.TypeReasonCard, nodeID, step, card.payload())
	}
}

// successor resolves the next node: an explicit route wins, then edges in
// registration order. An empty result means terminal.
func (e *Engine[S]) successor(from string, state S, route Next) (string, error) {
	if route.Terminal {
		return "", nil
	}
	if route.To != "" {
		return route.To, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, edge := range e.edges {
		if edge.From != from {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To, nil
		}
	}
	return "", &EngineError{Message: "no valid route from node: " + from, Code: CodeNoRoute}
}

func (e *Engine[S]) emit(runID, eventType, nodeID string, step int, data map[string]any) {
	e.emitter.Emit(emit.Event{
		Type:          eventType,
		DecisionSetID: runID,
		Node:          nodeID,
		Step:          step,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	})
}
