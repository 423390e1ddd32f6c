package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/agentflow-go/bus"
	"github.com/dshills/agentflow-go/graph"
	"github.com/dshills/agentflow-go/pipeline"
	"github.com/dshills/agentflow-go/queue"
	"github.com/dshills/agentflow-go/store"
)

// WorkflowHandler executes workflow jobs through the engine and keeps the
// workflow record and the live topic in sync with the outcome.
type WorkflowHandler struct {
	engine    *graph.Engine[pipeline.State]
	workflows store.Workflows
	bus       *bus.Bus
	log       *zap.Logger
}

func NewWorkflowHandler(engine *graph.Engine[pipeline.State], workflows store.Workflows, b *bus.Bus, log *zap.Logger) *WorkflowHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkflowHandler{engine: engine, workflows: workflows, bus: b, log: log}
}

func (h *WorkflowHandler) Handle(ctx context.Context, job *queue.Job) (Result, error) {
	wf, err := h.workflows.Get(ctx, job.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Retry, fmt.Errorf("workflow %s not found", job.WorkflowID)
		}
		return Retry, err
	}

	var approval map[string]any
	if job.Kind == queue.KindResume {
		approval = job.Payload
	}

	initial := pipeline.State{Prompt: wf.OriginalPrompt}
	outcome, err := h.engine.Run(ctx, wf.ID, wf.ThreadID, initial, approval)
	if err != nil {
		return Retry, err
	}

	switch outcome.Status {
	case graph.Completed:
		if err := h.workflows.SetStatus(ctx, wf.ID, store.StatusCompleted); err != nil {
			return Retry, err
		}
		if h.bus != nil {
			h.bus.CloseTopic(wf.ID)
		}
		return Done, nil

	case graph.Interrupted:
		// The job is done; the workflow waits for a human. The approval
		// endpoint creates the resume job later.
		if err := h.workflows.SetStatus(ctx, wf.ID, store.StatusAwaitingHuman); err != nil {
			return Retry, err
		}
		h.log.Info("workflow awaiting human",
			zap.String("workflow_id", wf.ID), zap.String("node", outcome.Node))
		return Done, nil

	case graph.Cancelled:
		return Abandon, nil

	default:
		return Retry, outcome.Err
	}
}

// OnTerminalFailure marks the workflow failed and closes its stream once
// the job has no retries left.
func (h *WorkflowHandler) OnTerminalFailure(ctx context.Context, job *queue.Job) {
	if err := h.workflows.SetStatus(ctx, job.WorkflowID, store.StatusFailed); err != nil {
		h.log.Warn("failed to mark workflow failed",
			zap.String("workflow_id", job.WorkflowID), zap.Error(err))
	}
	if h.bus != nil {
		h.bus.CloseTopic(job.WorkflowID)
	}
}
