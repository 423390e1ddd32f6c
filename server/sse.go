package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/agentflow-go/graph/emit"
	"github.com/dshills/agentflow-go/store"
)

// handleStream serves the per-workflow SSE feed. Live workflows stream from
// the bus, optionally replaying the topic's history; terminal workflows
// replay the audit log and close, so reconnecting after completion still
// yields the full event sequence.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	decisionSetID := chi.URLParam(r, "decisionSetID")

	wf, err := s.workflows.Get(r.Context(), decisionSetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "decision set not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load decision set")
		return
	}

	replay := r.URL.Query().Get("replay") != "0"

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if terminalStatus(wf.Status) {
		s.replayAudit(w, flusher, r, wf.ID, replay)
		return
	}

	sub := s.bus.Subscribe(wf.ID, replay)
	defer sub.Close()

	// The workflow may have reached terminal between the lookup above and
	// the subscription: its topic was already closed and freed, so the
	// subscription sits on a fresh topic with no producer. Re-checking
	// after subscribing closes the window — the worker transitions the
	// status before closing the topic, so a live topic that will still
	// close is always observed as terminal here.
	if current, err := s.workflows.Get(r.Context(), wf.ID); err == nil && terminalStatus(current.Status) {
		s.replayAudit(w, flusher, r, wf.ID, replay)
		return
	}

	for {
		event, err := sub.Next(r.Context())
		if err != nil {
			// Client gone or topic closed after the terminal event.
			return
		}
		if err := writeSSE(w, event.Type, event.Payload()); err != nil {
			return
		}
		flusher.Flush()
	}
}

func terminalStatus(status store.WorkflowStatus) bool {
	switch status {
	case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
		return true
	}
	return false
}

// replayAudit streams the persisted event log of a finished workflow: the
// full history when the client asked for replay, otherwise just the
// terminal event so the stream still ends the way a live one would.
func (s *Server) replayAudit(w http.ResponseWriter, flusher http.Flusher, r *http.Request, workflowID string, full bool) {
	records, err := s.events.ListByWorkflow(r.Context(), workflowID, 0)
	if err != nil {
		s.log.Warn("failed to replay audit log", zapErr(err)...)
		return
	}
	if !full && len(records) > 0 {
		records = records[len(records)-1:]
	}
	for _, rec := range records {
		if rec.Kind == emit.TypeHeartbeat {
			continue
		}
		if err := writeSSE(w, rec.Kind, rec.Payload); err != nil {
			return
		}
	}
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
