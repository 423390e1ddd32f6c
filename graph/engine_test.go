package graph_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/agentflow-go/graph"
	"github.com/dshills/agentflow-go/graph/emit"
	"github.com/dshills/agentflow-go/store"
)

type testState struct {
	Values []string `json:"values,omitempty"`
}

func testReducer(prev, delta testState) testState {
	if len(delta.Values) > 0 {
		prev.Values = append(prev.Values, delta.Values...)
	}
	return prev
}

func appendNode(value string, counter *atomic.Int32) graph.NodeFunc[testState] {
	return func(_ context.Context, _ testState) graph.NodeResult[testState] {
		if counter != nil {
			counter.Add(1)
		}
		return graph.NodeResult[testState]{Delta: testState{Values: []string{value}}}
	}
}

func buildLinear(t *testing.T, cps store.Checkpoints[testState], emitter emit.Emitter, counters map[string]*atomic.Int32) *graph.Engine[testState] {
	t.Helper()
	e := graph.New[testState](testReducer, cps, emitter, graph.Options{})
	for _, id := range []string{"a", "b", "c"} {
		if err := e.Add(id, appendNode(id, counters[id])); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}
	mustConnect(t, e, "a", "b")
	mustConnect(t, e, "b", "c")
	if err := e.StartAt("a"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}
	return e
}

func mustConnect(t *testing.T, e *graph.Engine[testState], from, to string) {
	t.Helper()
	if err := e.Connect(from, to, nil); err != nil {
		t.Fatalf("Connect(%s, %s): %v", from, to, err)
	}
}

func TestEngineRunLinear(t *testing.T) {
	cps := store.NewMemCheckpoints[testState]()
	emitter := emit.NewBufferedEmitter()

	e := graph.New[testState](testReducer, cps, emitter, graph.Options{})
	for _, id := range []string{"a", "b"} {
		if err := e.Add(id, appendNode(id, nil)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := e.Add("c", graph.NodeFunc[testState](func(_ context.Context, _ testState) graph.NodeResult[testState] {
		return graph.NodeResult[testState]{Delta: testState{Values: []string{"c"}}, Route: graph.Stop()}
	})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	mustConnect(t, e, "a", "b")
	mustConnect(t, e, "b", "c")
	if err := e.StartAt("a"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}

	outcome, err := e.Run(context.Background(), "run-1", "thread-1", testState{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != graph.Completed {
		t.Fatalf("status = %v, want Completed", outcome.Status)
	}
	if got := outcome.State.Values; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("final state = %v, want [a b c]", got)
	}

	t.Run("checkpoints form a parent chain", func(t *testing.T) {
		var chain []store.Checkpoint[testState]
		if err := cps.Walk(context.Background(), "thread-1", func(cp store.Checkpoint[testState]) error {
			chain = append(chain, cp)
			return nil
		}); err != nil {
			t.Fatalf("Walk: %v", err)
		}
		if len(chain) != 3 {
			t.Fatalf("checkpoint count = %d, want 3", len(chain))
		}
		if chain[0].ParentID != "" {
			t.Errorf("first checkpoint parent = %q, want empty", chain[0].ParentID)
		}
		for i := 1; i < len(chain); i++ {
			if chain[i].ParentID != chain[i-1].ID {
				t.Errorf("checkpoint %d parent = %q, want %q", i, chain[i].ParentID, chain[i-1].ID)
			}
			if chain[i].ID <= chain[i-1].ID {
				t.Errorf("checkpoint ids not increasing: %q then %q", chain[i-1].ID, chain[i].ID)
			}
		}
		if chain[2].Meta.Next != "" {
			t.Errorf("terminal checkpoint next = %q, want empty", chain[2].Meta.Next)
		}
	})

	t.Run("event order", func(t *testing.T) {
		want := []string{
			emit.TypeWorkflowStart,
			emit.TypeNodeStart, emit.TypeNodeComplete,
			emit.TypeNodeStart, emit.TypeNodeComplete,
			emit.TypeNodeStart, emit.TypeNodeComplete,
			emit.TypeWorkflowComplete,
		}
		got := emitter.Types("run-1")
		if len(got) != len(want) {
			t.Fatalf("event count = %d (%v), want %d", len(got), got, len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
			}
		}
	})

	t.Run("rerun of a terminal thread is a no-op", func(t *testing.T) {
		outcome, err := e.Run(context.Background(), "run-1", "thread-1", testState{}, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if outcome.Status != graph.Completed {
			t.Fatalf("status = %v, want Completed", outcome.Status)
		}
	})
}

func TestEngineInterruptAndResume(t *testing.T) {
	cps := store.NewMemCheckpoints[testState]()
	emitter := emit.NewBufferedEmitter()

	counters := map[string]*atomic.Int32{
		"a": {}, "b": {}, "c": {},
	}
	e := graph.New[testState](testReducer, cps, emitter, graph.Options{})
	if err := e.Add("a", appendNode("a", counters["a"])); err != nil {
		t.Fatal(err)
	}
	if err := e.Add("b", appendNode("b", counters["b"])); err != nil {
		t.Fatal(err)
	}
	if err := e.Add("c", graph.NodeFunc[testState](func(_ context.Context, _ testState) graph.NodeResult[testState] {
		counters["c"].Add(1)
		return graph.NodeResult[testState]{Delta: testState{Values: []string{"c"}}, Route: graph.Stop()}
	})); err != nil {
		t.Fatal(err)
	}
	mustConnect(t, e, "a", "b")
	mustConnect(t, e, "b", "c")
	if err := e.StartAt("a"); err != nil {
		t.Fatal(err)
	}
	if err := e.InterruptBefore("b", "input"); err != nil {
		t.Fatalf("InterruptBefore: %v", err)
	}
	e.OnApproval(func(s testState, approval map[string]any) testState {
		if v, ok := approval["tag"].(string); ok {
			s.Values = append(s.Values, v)
		}
		return s
	})

	outcome, err := e.Run(context.Background(), "run-i", "thread-i", testState{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != graph.Interrupted || outcome.Node != "b" {
		t.Fatalf("outcome = %+v, want Interrupted at b", outcome)
	}

	tip, err := cps.Latest(context.Background(), "thread-i")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !tip.Meta.AwaitingApproval || tip.Meta.Next != "b" {
		t.Fatalf("tip meta = %+v, want awaiting approval at b", tip.Meta)
	}

	t.Run("paused event emitted", func(t *testing.T) {
		types := emitter.Types("run-i")
		found := false
		for _, typ := range types {
			if typ == emit.TypeWorkflowPaused {
				found = true
			}
		}
		if !found {
			t.Fatalf("no workflow-paused in %v", types)
		}
	})

	t.Run("run without approval stays interrupted", func(t *testing.T) {
		outcome, err := e.Run(context.Background(), "run-i", "thread-i", testState{}, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if outcome.Status != graph.Interrupted || outcome.Node != "b" {
			t.Fatalf("outcome = %+v, want Interrupted at b", outcome)
		}
	})

	t.Run("resume with approval continues at the gate", func(t *testing.T) {
		outcome, err := e.Run(context.Background(), "run-i", "thread-i", testState{}, map[string]any{"tag": "approved"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if outcome.Status != graph.Completed {
			t.Fatalf("status = %v (err=%v), want Completed", outcome.Status, outcome.Err)
		}
		// No node before the interrupt point re-executed.
		if n := counters["a"].Load(); n != 1 {
			t.Errorf("node a ran %d times, want 1", n)
		}
		if n := counters["b"].Load(); n != 1 {
			t.Errorf("node b ran %d times, want 1", n)
		}
		if n := counters["c"].Load(); n != 1 {
			t.Errorf("node c ran %d times, want 1", n)
		}
		// Approval payload was merged ahead of the gate.
		want := []string{"a", "approved", "b", "c"}
		got := outcome.State.Values
		if len(got) != len(want) {
			t.Fatalf("state values = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("values[%d] = %s, want %s", i, got[i], want[i])
			}
		}
	})

	t.Run("resumed event emitted", func(t *testing.T) {
		types := emitter.Types("run-i")
		found := false
		for _, typ := range types {
			if typ == emit.TypeWorkflowResumed {
				found = true
			}
		}
		if !found {
			t.Fatalf("no workflow-resumed in %v", types)
		}
	})
}

func TestEngineNodeFailure(t *testing.T) {
	cps := store.NewMemCheckpoints[testState]()
	emitter := emit.NewBufferedEmitter()

	boom := errors.New("boom")
	e := graph.New[testState](testReducer, cps, emitter, graph.Options{})
	if err := e.Add("a", graph.NodeFunc[testState](func(_ context.Context, _ testState) graph.NodeResult[testState] {
		return graph.NodeResult[testState]{Err: boom}
	})); err != nil {
		t.Fatal(err)
	}
	if err := e.StartAt("a"); err != nil {
		t.Fatal(err)
	}

	outcome, err := e.Run(context.Background(), "run-f", "thread-f", testState{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != graph.Failed || !errors.Is(outcome.Err, boom) {
		t.Fatalf("outcome = %+v, want Failed(boom)", outcome)
	}

	types := emitter.Types("run-f")
	if len(types) == 0 || types[len(types)-1] != emit.TypeError {
		t.Fatalf("last event = %v, want error", types)
	}

	// The failed step committed no checkpoint; a retry replays it.
	if _, err := cps.Latest(context.Background(), "thread-f"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Latest err = %v, want ErrNotFound", err)
	}
}

func TestEngineTransientRetry(t *testing.T) {
	cps := store.NewMemCheckpoints[testState]()

	transient := errors.New("connection reset")
	var attempts atomic.Int32
	node := &retryingNode{
		run: func(_ context.Context, _ testState) graph.NodeResult[testState] {
			if attempts.Add(1) < 3 {
				return graph.NodeResult[testState]{Err: transient}
			}
			return graph.NodeResult[testState]{Delta: testState{Values: []string{"ok"}}, Route: graph.Stop()}
		},
	}

	e := graph.New[testState](testReducer, cps, emit.NewNullEmitter(), graph.Options{})
	if err := e.Add("flaky", node); err != nil {
		t.Fatal(err)
	}
	if err := e.StartAt("flaky"); err != nil {
		t.Fatal(err)
	}

	outcome, err := e.Run(context.Background(), "run-r", "thread-r", testState{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != graph.Completed {
		t.Fatalf("status = %v (err=%v), want Completed", outcome.Status, outcome.Err)
	}
	if n := attempts.Load(); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
}

type retryingNode struct {
	run func(ctx context.Context, state testState) graph.NodeResult[testState]
}

func (n *retryingNode) Run(ctx context.Context, state testState) graph.NodeResult[testState] {
	return n.run(ctx, state)
}

func (n *retryingNode) Policy() graph.NodePolicy {
	return graph.NodePolicy{
		Retry: &graph.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Retryable:   func(error) bool { return true },
		},
	}
}

func TestEngineCancellation(t *testing.T) {
	cps := store.NewMemCheckpoints[testState]()

	e := buildLinear(t, cps, emit.NewNullEmitter(), map[string]*atomic.Int32{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := e.Run(ctx, "run-c", "thread-c", testState{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != graph.Cancelled {
		t.Fatalf("status = %v, want Cancelled", outcome.Status)
	}

	tip, err := cps.Latest(context.Background(), "thread-c")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !tip.Meta.Cancelled {
		t.Fatalf("tip meta = %+v, want cancelled", tip.Meta)
	}
}

func TestEngineMaxSteps(t *testing.T) {
	cps := store.NewMemCheckpoints[testState]()

	e := graph.New[testState](testReducer, cps, emit.NewNullEmitter(), graph.Options{MaxSteps: 5})
	if err := e.Add("loop", graph.NodeFunc[testState](func(_ context.Context, _ testState) graph.NodeResult[testState] {
		return graph.NodeResult[testState]{Route: graph.Goto("loop")}
	})); err != nil {
		t.Fatal(err)
	}
	if err := e.StartAt("loop"); err != nil {
		t.Fatal(err)
	}

	outcome, err := e.Run(context.Background(), "run-m", "thread-m", testState{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != graph.Failed {
		t.Fatalf("status = %v, want Failed", outcome.Status)
	}
	var engineErr *graph.EngineError
	if !errors.As(outcome.Err, &engineErr) || engineErr.Code != graph.CodeMaxStepsExceeded {
		t.Fatalf("err = %v, want MAX_STEPS_EXCEEDED", outcome.Err)
	}
}

func TestEngineReasonCardDedup(t *testing.T) {
	cps := store.NewMemCheckpoints[testState]()
	emitter := emit.NewBufferedEmitter()

	card := graph.ReasonCard{
		Agent:      "critic",
		Trigger:    "plan",
		Reasoning:  "looks fine",
		Decision:   "approve",
		Confidence: 0.9,
		Inputs:     map[string]any{"k": "v"},
	}
	distinct := card
	distinct.Confidence = 0.5

	e := graph.New[testState](testReducer, cps, emitter, graph.Options{})
	if err := e.Add("n", graph.NodeFunc[testState](func(_ context.Context, _ testState) graph.NodeResult[testState] {
		return graph.NodeResult[testState]{
			Cards: []graph.ReasonCard{card, card, distinct},
			Route: graph.Stop(),
		}
	})); err != nil {
		t.Fatal(err)
	}
	if err := e.StartAt("n"); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Run(context.Background(), "run-d", "thread-d", testState{}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cards := 0
	for _, event := range emitter.History("run-d") {
		if event.Type == emit.TypeReasonCard {
			cards++
		}
	}
	if cards != 2 {
		t.Fatalf("reason cards published = %d, want 2 (identical pair deduplicated)", cards)
	}
}

func TestEngineNoRoute(t *testing.T) {
	cps := store.NewMemCheckpoints[testState]()

	e := graph.New[testState](testReducer, cps, emit.NewNullEmitter(), graph.Options{})
	if err := e.Add("a", appendNode("a", nil)); err != nil {
		t.Fatal(err)
	}
	if err := e.StartAt("a"); err != nil {
		t.Fatal(err)
	}

	outcome, err := e.Run(context.Background(), "run-n", "thread-n", testState{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Status != graph.Failed {
		t.Fatalf("status = %v, want Failed", outcome.Status)
	}
	var engineErr *graph.EngineError
	if !errors.As(outcome.Err, &engineErr) || engineErr.Code != graph.CodeNoRoute {
		t.Fatalf("err = %v, want NO_ROUTE", outcome.Err)
	}
}
