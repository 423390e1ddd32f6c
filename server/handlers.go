package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/agentflow-go/graph/emit"
	"github.com/dshills/agentflow-go/model"
	"github.com/dshills/agentflow-go/queue"
	"github.com/dshills/agentflow-go/store"
)

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "agentflow orchestrator"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	Messages []model.Message `json:"messages"`
	ThreadID string          `json:"thread_id,omitempty"`
}

// lastUserPrompt pulls the newest user message out of the request.
func (r chatRequest) lastUserPrompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == model.RoleUser {
			return strings.TrimSpace(r.Messages[i].Content)
		}
	}
	return ""
}

// createRun persists the workflow record and enqueues its job.
func (s *Server) createRun(ctx context.Context, req chatRequest) (*store.WorkflowRecord, string, error) {
	wf := &store.WorkflowRecord{
		ThreadID:       req.ThreadID,
		OriginalPrompt: req.lastUserPrompt(),
		Status:         store.StatusActive,
	}
	if err := s.workflows.Create(ctx, wf); err != nil {
		return nil, "", err
	}
	jobID, err := s.jobs.Enqueue(ctx, queue.EnqueueRequest{
		WorkflowID: wf.ID,
		Kind:       queue.KindMLWorkflow,
	})
	if err != nil {
		return nil, "", err
	}
	return wf, jobID, nil
}

func (s *Server) handleChatAsync(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.lastUserPrompt() == "" {
		writeError(w, http.StatusBadRequest, "messages must include a user message")
		return
	}

	wf, jobID, err := s.createRun(r.Context(), req)
	if err != nil {
		s.log.Error("failed to create run", zapErr(err)...)
		writeError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"decision_set_id": wf.ID,
		"thread_id":       wf.ThreadID,
		"job_id":          jobID,
		"status":          string(queue.StatusQueued),
	})
}

// handleChatSync is the blocking compatibility surface: it enqueues the
// workflow and waits on the live stream until a terminal or paused event,
// then answers with the final messages.
func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.lastUserPrompt() == "" {
		writeError(w, http.StatusBadRequest, "messages must include a user message")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.syncTimeout)
	defer cancel()

	wf := &store.WorkflowRecord{
		ThreadID:       req.ThreadID,
		OriginalPrompt: req.lastUserPrompt(),
		Status:         store.StatusActive,
	}
	if err := s.workflows.Create(ctx, wf); err != nil {
		s.log.Error("failed to create workflow", zapErr(err)...)
		writeError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}

	// Subscribe before enqueueing so no event is missed.
	sub := s.bus.Subscribe(wf.ID, false)
	defer sub.Close()

	if _, err := s.jobs.Enqueue(ctx, queue.EnqueueRequest{
		WorkflowID: wf.ID,
		Kind:       queue.KindMLWorkflow,
	}); err != nil {
		s.log.Error("failed to enqueue job", zapErr(err)...)
		writeError(w, http.StatusInternalServerError, "failed to enqueue workflow")
		return
	}

	status := ""
	var failure string
	for status == "" {
		event, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				writeError(w, http.StatusInternalServerError, "workflow did not finish in time")
				return
			}
			break // topic closed; fall through to the final state
		}
		switch event.Type {
		case emit.TypeWorkflowComplete:
			status = "completed"
		case emit.TypeError:
			status = "failed"
			failure, _ = event.Data["error"].(string)
		case emit.TypeWorkflowPaused:
			status = "awaiting-human"
		}
	}
	if status == "" {
		status = "completed"
	}

	reply := map[string]any{
		"decision_set_id": wf.ID,
		"thread_id":       wf.ThreadID,
		"status":          status,
	}
	if failure != "" {
		reply["detail"] = failure
	}
	if cp, err := s.checkpoints.Latest(ctx, wf.ThreadID); err == nil && cp.State.FinalResponse != "" {
		reply["messages"] = []model.Message{{Role: model.RoleAssistant, Content: cp.State.FinalResponse}}
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	threadID := ""
	if wf, err := s.workflows.Get(r.Context(), job.WorkflowID); err == nil {
		threadID = wf.ThreadID
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":          job.ID,
		"status":          string(job.Status),
		"decision_set_id": job.WorkflowID,
		"thread_id":       threadID,
	})
}

type approveRequest struct {
	Decision  string         `json:"decision"`
	Comment   string         `json:"comment,omitempty"`
	Responses map[string]any `json:"responses,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	decisionSetID := chi.URLParam(r, "decisionSetID")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Decision != "approved" && req.Decision != "rejected" {
		writeError(w, http.StatusBadRequest, `decision must be "approved" or "rejected"`)
		return
	}

	wf, err := s.workflows.Get(r.Context(), decisionSetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "decision set not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load decision set")
		return
	}
	if wf.Status != store.StatusAwaitingHuman {
		writeError(w, http.StatusBadRequest, "decision set is not awaiting approval")
		return
	}

	payload := map[string]any{"decision": req.Decision}
	if req.Comment != "" {
		payload["comment"] = req.Comment
	}
	if len(req.Responses) > 0 {
		payload["responses"] = req.Responses
	}

	jobID, err := s.jobs.Enqueue(r.Context(), queue.EnqueueRequest{
		WorkflowID: wf.ID,
		Kind:       queue.KindResume,
		Payload:    payload,
	})
	if err != nil {
		s.log.Error("failed to enqueue resume job", zapErr(err)...)
		writeError(w, http.StatusInternalServerError, "failed to enqueue resume")
		return
	}
	if err := s.workflows.SetStatus(r.Context(), wf.ID, store.StatusActive); err != nil {
		s.log.Warn("failed to reactivate workflow", zapErr(err)...)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"decision_set_id": wf.ID,
		"job_id":          jobID,
		"status":          string(queue.StatusQueued),
	})
}

func (s *Server) handlePlan(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":      s.plan,
		"graph_type": string(s.graphType),
	})
}
