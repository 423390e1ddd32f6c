// Package anthropic adapts Anthropic's Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"net/http"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/agentflow-go/model"
)

const defaultModel = "claude-sonnet-4-5-20250929"

const defaultMaxTokens = 4096

// Client calls Anthropic's Messages API. API failures come back as
// *model.CallError with the Transient flag set for rate limits, overload,
// and server errors, so the pipeline's retry policy can classify them
// without knowing the provider.
type Client struct {
	modelName string
	maxTokens int64
	send      sender
}

// sender is the one SDK operation the client depends on; tests substitute
// a fake.
type sender interface {
	send(ctx context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error)
}

// New builds a Client. An empty modelName selects the default model.
func New(apiKey, modelName string) *Client {
	if modelName == "" {
		modelName = defaultModel
	}
	return &Client{
		modelName: modelName,
		maxTokens: defaultMaxTokens,
		send:      &sdkSender{apiKey: apiKey},
	}
}

// Chat implements model.ChatModel.
//
// Anthropic takes the system framing as a request parameter rather than a
// message turn, so the exchange is split before conversion.
func (c *Client) Chat(ctx context.Context, messages []model.Message) (model.Reply, error) {
	if ctx.Err() != nil {
		return model.Reply{}, ctx.Err()
	}

	system, conversation := model.SystemPrompt(messages)

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.modelName),
		Messages:  toMessageParams(conversation),
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	resp, err := c.send.send(ctx, params)
	if err != nil {
		return model.Reply{}, classify(err)
	}
	return toReply(resp), nil
}

func toMessageParams(messages []model.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, len(messages))
	for i, msg := range messages {
		block := anthropicsdk.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out[i] = anthropicsdk.NewAssistantMessage(block)
		} else {
			out[i] = anthropicsdk.NewUserMessage(block)
		}
	}
	return out
}

func toReply(resp *anthropicsdk.Message) model.Reply {
	reply := model.Reply{
		Model:        string(resp.Model),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		if reply.Text != "" {
			reply.Text += "\n"
		}
		reply.Text += block.Text
	}
	return reply
}

// classify maps SDK failures onto the shared provider error taxonomy.
// Non-API errors (network, context) pass through for model.IsTransient to
// inspect.
func classify(err error) error {
	var apiErr *anthropicsdk.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	return &model.CallError{
		Provider:  "anthropic",
		Status:    apiErr.StatusCode,
		Message:   http.StatusText(apiErr.StatusCode),
		Transient: model.TransientStatus(apiErr.StatusCode),
		Err:       err,
	}
}

// sdkSender is the live implementation over the official SDK.
type sdkSender struct {
	apiKey string
}

func (s *sdkSender) send(ctx context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
	if s.apiKey == "" {
		return nil, &model.CallError{Provider: "anthropic", Message: "API key is required"}
	}
	client := anthropicsdk.NewClient(option.WithAPIKey(s.apiKey))
	return client.Messages.New(ctx, params)
}
