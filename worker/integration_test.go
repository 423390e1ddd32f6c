package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/agentflow-go/bus"
	"github.com/dshills/agentflow-go/graph"
	"github.com/dshills/agentflow-go/graph/emit"
	"github.com/dshills/agentflow-go/model"
	"github.com/dshills/agentflow-go/pipeline"
	"github.com/dshills/agentflow-go/queue"
	"github.com/dshills/agentflow-go/store"
	"github.com/dshills/agentflow-go/worker"
)

type world struct {
	queue     *queue.MemStore
	workflows *store.MemWorkflows
	bus       *bus.Bus
	engine    *graph.Engine[pipeline.State]
	handler   *worker.WorkflowHandler
}

func newWorld(t *testing.T, cfg pipeline.Config) *world {
	t.Helper()

	eventBus := bus.New(bus.Options{})
	chat := model.NewScriptedModel(map[string][]string{
		"extract MLOps requirements":   {`{"requirements": {"serving": "rt"}, "gaps": [], "coverage": 0.9}`},
		"clarifying questions":         {`{"questions": [{"id": "q1", "text": "how much data?"}], "smart_defaults": {"q1": "1TB"}}`},
		"MLOps architect":              {`{"summary": "plan", "components": [{"name": "c", "purpose": "p"}]}`},
		"review an MLOps architecture": {`{"summary": "ok", "findings": [], "score": 0.8}`},
		"implementation assets":        {`{"summary": "tf", "files": {"main.tf": "sha256:aa"}}`},
		"rationale":                    {"because"},
		"MLOps assistant":              {"done"},
	})

	engine, err := pipeline.Build(
		pipeline.Deps{Model: chat, Cache: store.NewMemCallCache(), Artifacts: store.NewMemArtifacts()},
		cfg,
		store.NewMemCheckpoints[pipeline.State](),
		bus.NewEmitter(eventBus),
		graph.Options{},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	workflows := store.NewMemWorkflows()
	q := queue.NewMemStore()
	return &world{
		queue:     q,
		workflows: workflows,
		bus:       eventBus,
		engine:    engine,
		handler:   worker.NewWorkflowHandler(engine, workflows, eventBus, nil),
	}
}

func (w *world) startWorkflow(t *testing.T, prompt string) *store.WorkflowRecord {
	t.Helper()
	wf := &store.WorkflowRecord{OriginalPrompt: prompt}
	if err := w.workflows.Create(context.Background(), wf); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		WorkflowID: wf.ID,
		Kind:       queue.KindMLWorkflow,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return wf
}

func (w *world) awaitStatus(t *testing.T, id string, want store.WorkflowStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		wf, err := w.workflows.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if wf.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("workflow stuck at %s, want %s", wf.Status, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestWorkflowEndToEnd drives the queue, worker, engine, and bus together:
// a straight-through run completes and streams the full event sequence.
func TestWorkflowEndToEnd(t *testing.T) {
	w := newWorld(t, pipeline.Config{AutoApproveInput: true, AutoApproveFinal: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := worker.NewPool(w.queue, w.handler, nil, worker.Options{
		Concurrency: 2,
		PollMin:     5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
	})
	go func() { _ = pool.Run(ctx) }()

	// Subscribe before the job is enqueued so the topic cannot complete
	// and close before the subscription exists.
	wf := &store.WorkflowRecord{OriginalPrompt: "Design an MLOps pipeline"}
	if err := w.workflows.Create(context.Background(), wf); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sub := w.bus.Subscribe(wf.ID, true)
	defer sub.Close()
	if _, err := w.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		WorkflowID: wf.ID,
		Kind:       queue.KindMLWorkflow,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w.awaitStatus(t, wf.ID, store.StatusCompleted)

	// Drain the stream: replay plus live events end with completion
	// before the topic closes.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	sawComplete := false
	for {
		ev, err := sub.Next(drainCtx)
		if err != nil {
			break
		}
		if ev.Type == emit.TypeWorkflowComplete {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Fatal("stream did not carry workflow-complete")
	}
}

// TestWorkflowHITLRoundTrip runs interrupt, approval, and resume through
// the job queue the way the HTTP surface does.
func TestWorkflowHITLRoundTrip(t *testing.T) {
	// Coverage 0.9 beats the default threshold, so force the question
	// detour with a higher bar.
	w := newWorld(t, pipeline.Config{AutoApproveFinal: true, CoverageThreshold: 0.95})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := worker.NewPool(w.queue, w.handler, nil, worker.Options{
		Concurrency: 1,
		PollMin:     5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
	})
	go func() { _ = pool.Run(ctx) }()

	wf := w.startWorkflow(t, "Design something underspecified")
	w.awaitStatus(t, wf.ID, store.StatusAwaitingHuman)

	// The first job completed even though the workflow paused.
	jobs, err := w.queue.ListByWorkflow(context.Background(), wf.ID)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %d, %v", len(jobs), err)
	}
	if jobs[0].Status != queue.StatusCompleted {
		t.Fatalf("gate job status = %s, want completed", jobs[0].Status)
	}

	// Approval enqueues the resume job, as the HTTP endpoint would.
	if err := w.workflows.SetStatus(context.Background(), wf.ID, store.StatusActive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := w.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		WorkflowID: wf.ID,
		Kind:       queue.KindResume,
		Payload: map[string]any{
			"decision":  "approved",
			"responses": map[string]any{"q1": "yes"},
		},
	}); err != nil {
		t.Fatalf("Enqueue resume: %v", err)
	}

	w.awaitStatus(t, wf.ID, store.StatusCompleted)
}
