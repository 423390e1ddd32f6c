package anthropic

import (
	"context"
	"errors"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/dshills/agentflow-go/model"
)

// fakeSender captures the outgoing request and plays back a canned
// response or error.
type fakeSender struct {
	params anthropicsdk.MessageNewParams
	resp   *anthropicsdk.Message
	err    error
}

func (f *fakeSender) send(_ context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testClient(fake *fakeSender) *Client {
	return &Client{modelName: "claude-test", maxTokens: defaultMaxTokens, send: fake}
}

func TestChatRequestShape(t *testing.T) {
	fake := &fakeSender{resp: &anthropicsdk.Message{}}
	client := testClient(fake)

	_, err := client.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "You are an architect."},
		{Role: model.RoleUser, Content: "Design a pipeline."},
		{Role: model.RoleAssistant, Content: "{}"},
		{Role: model.RoleUser, Content: "JSON only."},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	t.Run("system framing becomes the system parameter", func(t *testing.T) {
		if len(fake.params.System) != 1 || fake.params.System[0].Text != "You are an architect." {
			t.Fatalf("system = %+v", fake.params.System)
		}
		if len(fake.params.Messages) != 3 {
			t.Fatalf("conversation turns = %d, want 3", len(fake.params.Messages))
		}
	})

	t.Run("model and budget applied", func(t *testing.T) {
		if fake.params.Model != "claude-test" {
			t.Errorf("model = %s", fake.params.Model)
		}
		if fake.params.MaxTokens != defaultMaxTokens {
			t.Errorf("max tokens = %d", fake.params.MaxTokens)
		}
	})
}

func TestChatReply(t *testing.T) {
	fake := &fakeSender{resp: &anthropicsdk.Message{
		Model: "claude-test",
		Content: []anthropicsdk.ContentBlockUnion{
			{Type: "text", Text: "first"},
			{Type: "tool_use"},
			{Type: "text", Text: "second"},
		},
		Usage: anthropicsdk.Usage{InputTokens: 12, OutputTokens: 34},
	}}
	client := testClient(fake)

	reply, err := client.Chat(context.Background(), []model.Message{
		{Role: model.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.Text != "first\nsecond" {
		t.Errorf("text = %q", reply.Text)
	}
	if reply.Model != "claude-test" {
		t.Errorf("model = %q", reply.Model)
	}
	if reply.InputTokens != 12 || reply.OutputTokens != 34 {
		t.Errorf("usage = %d/%d", reply.InputTokens, reply.OutputTokens)
	}
}

func TestChatErrorClassification(t *testing.T) {
	cases := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"rate limited", 429, true},
		{"overloaded", 529, true},
		{"server error", 500, true},
		{"unauthorized", 401, false},
		{"bad request", 400, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Returned bare: the SDK error's own Error() needs a populated
			// request, which a constructed literal does not have.
			fake := &fakeSender{err: &anthropicsdk.Error{StatusCode: tc.status}}
			client := testClient(fake)

			_, err := client.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
			var callErr *model.CallError
			if !errors.As(err, &callErr) {
				t.Fatalf("err is %T, want CallError", err)
			}
			if callErr.Provider != "anthropic" || callErr.Status != tc.status {
				t.Fatalf("callErr = %+v", callErr)
			}
			if callErr.Transient != tc.wantTransient {
				t.Fatalf("transient = %v, want %v", callErr.Transient, tc.wantTransient)
			}
			if model.IsTransient(err) != tc.wantTransient {
				t.Fatalf("IsTransient mismatch for status %d", tc.status)
			}
		})
	}

	t.Run("non-API errors pass through", func(t *testing.T) {
		netErr := errors.New("dial tcp: connection refused")
		fake := &fakeSender{err: netErr}
		_, err := testClient(fake).Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
		if !errors.Is(err, netErr) {
			t.Fatalf("err = %v, want the raw network error", err)
		}
	})
}

func TestChatHonoursContext(t *testing.T) {
	fake := &fakeSender{resp: &anthropicsdk.Message{}}
	client := testClient(fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Chat(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestMissingAPIKey(t *testing.T) {
	client := New("", "")
	_, err := client.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
	var callErr *model.CallError
	if !errors.As(err, &callErr) || callErr.Transient {
		t.Fatalf("err = %v, want permanent CallError", err)
	}
}
