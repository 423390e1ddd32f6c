package model

import (
	"context"
	"strings"
	"sync"
)

// ScriptedModel is the deterministic ChatModel used by tests and offline
// runs. Replies are selected by the longest script keyword found in the
// exchange's system prompt; each keyword carries a sequence of replies
// whose last entry repeats. An exchange matching no keyword gets the
// fallback, a bare JSON object, which keeps structured-output callers on
// their error path rather than hanging.
type ScriptedModel struct {
	mu      sync.Mutex
	scripts map[string][]string
	counts  map[string]int
	calls   [][]Message

	// Fallback replaces the default "{}" reply for unmatched exchanges.
	Fallback string

	// Err, when set, fails every call. Use for failure-path tests.
	Err error
}

// NewScriptedModel builds a scripted model. A nil script map is valid:
// every call answers with the fallback.
func NewScriptedModel(scripts map[string][]string) *ScriptedModel {
	return &ScriptedModel{
		scripts: scripts,
		counts:  make(map[string]int),
	}
}

func (m *ScriptedModel) Chat(ctx context.Context, messages []Message) (Reply, error) {
	if ctx.Err() != nil {
		return Reply{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, messages)
	if m.Err != nil {
		return Reply{}, m.Err
	}

	system, _ := SystemPrompt(messages)
	best := ""
	for keyword := range m.scripts {
		if strings.Contains(system, keyword) && len(keyword) > len(best) {
			best = keyword
		}
	}
	if best == "" {
		fallback := m.Fallback
		if fallback == "" {
			fallback = "{}"
		}
		return Reply{Text: fallback, Model: "scripted"}, nil
	}

	replies := m.scripts[best]
	idx := m.counts[best]
	if idx >= len(replies) {
		idx = len(replies) - 1
	}
	m.counts[best]++
	return Reply{Text: replies[idx], Model: "scripted"}, nil
}

// CallCount reports how many exchanges the model has answered.
func (m *ScriptedModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns a copy of every exchange received, in order.
func (m *ScriptedModel) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Message, len(m.calls))
	copy(out, m.calls)
	return out
}
