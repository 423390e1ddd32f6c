package model_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/agentflow-go/model"
)

func chat(t *testing.T, m *model.ScriptedModel, system string) model.Reply {
	t.Helper()
	reply, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: "input"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	return reply
}

func TestScriptedModelKeywordRouting(t *testing.T) {
	m := model.NewScriptedModel(map[string][]string{
		"review":          {"generic review"},
		"review for cost": {"cost review"},
	})

	t.Run("longest keyword wins", func(t *testing.T) {
		if got := chat(t, m, "You review for cost efficiency.").Text; got != "cost review" {
			t.Fatalf("reply = %q", got)
		}
		if got := chat(t, m, "You review for security.").Text; got != "generic review" {
			t.Fatalf("reply = %q", got)
		}
	})

	t.Run("unmatched exchange gets the fallback", func(t *testing.T) {
		if got := chat(t, m, "You summarize.").Text; got != "{}" {
			t.Fatalf("reply = %q", got)
		}
		m.Fallback = "no script"
		if got := chat(t, m, "You summarize.").Text; got != "no script" {
			t.Fatalf("reply = %q", got)
		}
	})
}

func TestScriptedModelSequences(t *testing.T) {
	m := model.NewScriptedModel(map[string][]string{
		"extract": {"first", "second"},
	})
	for i, want := range []string{"first", "second", "second"} {
		if got := chat(t, m, "You extract things.").Text; got != want {
			t.Fatalf("call %d = %q, want %q", i, got, want)
		}
	}
	if m.CallCount() != 3 {
		t.Fatalf("CallCount = %d", m.CallCount())
	}
}

func TestScriptedModelFailure(t *testing.T) {
	m := model.NewScriptedModel(nil)
	m.Err = &model.CallError{Provider: "scripted", Status: 529, Transient: true}

	_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}})
	var callErr *model.CallError
	if !errors.As(err, &callErr) || !callErr.Transient {
		t.Fatalf("err = %v, want transient CallError", err)
	}
	if m.CallCount() != 1 {
		t.Fatal("failed calls should still be recorded")
	}
}

func TestScriptedModelHonoursContext(t *testing.T) {
	m := model.NewScriptedModel(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Chat(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if m.CallCount() != 0 {
		t.Fatal("cancelled call should not be recorded")
	}
}
