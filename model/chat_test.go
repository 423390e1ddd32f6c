package model_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dshills/agentflow-go/model"
)

func TestSystemPrompt(t *testing.T) {
	t.Run("splits and joins system turns", func(t *testing.T) {
		system, conversation := model.SystemPrompt([]model.Message{
			{Role: model.RoleSystem, Content: "You are an architect."},
			{Role: model.RoleUser, Content: "Design a pipeline."},
			{Role: model.RoleSystem, Content: "Reply with JSON."},
			{Role: model.RoleAssistant, Content: "{}"},
		})
		if system != "You are an architect.\n\nReply with JSON." {
			t.Fatalf("system = %q", system)
		}
		if len(conversation) != 2 || conversation[0].Role != model.RoleUser || conversation[1].Role != model.RoleAssistant {
			t.Fatalf("conversation = %+v", conversation)
		}
	})

	t.Run("no system turns", func(t *testing.T) {
		system, conversation := model.SystemPrompt([]model.Message{
			{Role: model.RoleUser, Content: "hi"},
		})
		if system != "" || len(conversation) != 1 {
			t.Fatalf("system=%q conversation=%v", system, conversation)
		}
	})
}

func TestCallErrorFormatting(t *testing.T) {
	withStatus := &model.CallError{Provider: "anthropic", Status: 429, Message: "Too Many Requests"}
	if got := withStatus.Error(); got != "anthropic: 429 Too Many Requests" {
		t.Errorf("Error() = %q", got)
	}
	withoutStatus := &model.CallError{Provider: "anthropic", Message: "API key is required"}
	if got := withoutStatus.Error(); got != "anthropic: API key is required" {
		t.Errorf("Error() = %q", got)
	}

	cause := errors.New("sdk failure")
	wrapped := &model.CallError{Provider: "anthropic", Message: "boom", Err: cause}
	if !errors.Is(wrapped, cause) {
		t.Error("CallError should unwrap to its cause")
	}
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: i/o timeout" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"cancellation is not transient", context.Canceled, false},
		{"transient call error", &model.CallError{Status: 529, Transient: true}, true},
		{"permanent call error", &model.CallError{Status: 401}, false},
		{"wrapped call error", fmt.Errorf("node: %w", &model.CallError{Status: 500, Transient: true}), true},
		{"network error", fakeNetError{}, true},
		{"plain error", errors.New("bad output"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := model.IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestTransientStatus(t *testing.T) {
	for status, want := range map[int]bool{
		200: false, 400: false, 401: false, 404: false,
		408: true, 429: true, 500: true, 503: true, 529: true,
	} {
		if got := model.TransientStatus(status); got != want {
			t.Errorf("TransientStatus(%d) = %v, want %v", status, got, want)
		}
	}
}
