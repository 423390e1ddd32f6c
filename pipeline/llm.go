package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/agentflow-go/model"
)

// errNoModel is returned when a node needing an LLM has none configured.
var errNoModel = errors.New("pipeline: chat model is not configured")

// invokeJSON calls the chat model and decodes a JSON object from its reply
// into out.
//
// External calls are at-least-once under crash replay, so the response is
// memoized in the call cache under a key derived from the node and prompt;
// a replayed step finds the cached response and does not re-invoke the
// service. A reply that fails to decode is retried once with a format
// reminder before the step fails.
func invokeJSON(ctx context.Context, d Deps, node, system, user string, out any) error {
	if d.Model == nil {
		return errNoModel
	}

	key := cacheKey(node, system, user)
	if d.Cache != nil {
		if cached, ok, err := d.Cache.Get(ctx, key); err == nil && ok {
			return decodeJSON(string(cached), out)
		}
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user},
	}

	reply, err := d.Model.Chat(ctx, messages)
	if err != nil {
		return err
	}
	if decodeErr := decodeJSON(reply.Text, out); decodeErr != nil {
		d.logger().Warn("model reply failed to decode, retrying once",
			zap.String("node", node), zap.Error(decodeErr))
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: reply.Text},
			model.Message{Role: model.RoleUser, Content: "Reply with a single valid JSON object only, no prose."},
		)
		reply, err = d.Model.Chat(ctx, messages)
		if err != nil {
			return err
		}
		if decodeErr := decodeJSON(reply.Text, out); decodeErr != nil {
			return decodeErr
		}
	}

	if d.Cache != nil {
		if data := extractJSON(reply.Text); data != "" {
			_ = d.Cache.Put(ctx, key, []byte(data))
		}
	}
	return nil
}

// invokeText calls the chat model for a free-form reply, memoized the same
// way as invokeJSON.
func invokeText(ctx context.Context, d Deps, node, system, user string) (string, error) {
	if d.Model == nil {
		return "", errNoModel
	}

	key := cacheKey(node, system, user)
	if d.Cache != nil {
		if cached, ok, err := d.Cache.Get(ctx, key); err == nil && ok {
			return string(cached), nil
		}
	}

	reply, err := d.Model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: user},
	})
	if err != nil {
		return "", err
	}
	if d.Cache != nil {
		_ = d.Cache.Put(ctx, key, []byte(reply.Text))
	}
	return reply.Text, nil
}

func cacheKey(node, system, user string) string {
	h := sha256.New()
	h.Write([]byte(node))
	h.Write([]byte{0})
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(user))
	return "llm:" + hex.EncodeToString(h.Sum(nil))
}

func decodeJSON(text string, out any) error {
	data := extractJSON(text)
	if data == "" {
		return errors.New("no JSON object in model reply")
	}
	return json.Unmarshal([]byte(data), out)
}

// extractJSON pulls the first top-level JSON object out of a reply,
// tolerating surrounding prose and markdown code fences.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
