// Package model defines the interface the pipeline requires from external
// LLM services. The core treats a chat call as an opaque operation that
// either returns text or fails; providers live behind ChatModel so the
// engine, nodes, and tests never see an SDK type.
package model

import "context"

// Message roles. The pipeline only ever sends a system framing followed by
// user (and, on a format retry, assistant) turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is a provider's answer to a chat exchange, plus the accounting
// fields the audit trail records.
type Reply struct {
	// Text is the assistant's full reply.
	Text string

	// Model is the provider-reported model identifier.
	Model string

	// InputTokens and OutputTokens are the provider's usage counts,
	// zero when the provider does not report them.
	InputTokens  int64
	OutputTokens int64
}

// ChatModel is the single operation the pipeline needs from an LLM
// provider. Implementations must honour ctx cancellation and return a
// *CallError for provider-level failures so callers can classify them.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (Reply, error)
}

// SystemPrompt joins the system messages and returns the remaining
// conversation turns. Providers that take the system framing as a separate
// parameter (Anthropic) use this to split the exchange.
func SystemPrompt(messages []Message) (string, []Message) {
	var system string
	conversation := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}
