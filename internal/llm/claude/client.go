package claude

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/briefing/internal/pipeline"
)

// Client implements pipeline.Provider on top of the Anthropic Messages API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a Claude client. model is used for requests that do not name
// one. Extra request options (base URL, retries, HTTP client) are passed to
// the SDK unchanged.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		sdk:   anthropic.NewClient(all...),
		model: model,
	}
}

// Send issues one Messages.New call and converts the result.
func (c *Client) Send(ctx context.Context, req *pipeline.LLMRequest) (*pipeline.LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    toSDKMessages(req.Messages),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude messages.new: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKMessages(msgs []pipeline.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type != "text" {
				continue
			}
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
		}
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: blocks,
		})
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *pipeline.LLMResponse {
	resp := &pipeline.LLMResponse{
		StopReason: pipeline.StopReason(msg.StopReason),
		Model:      string(msg.Model),
		Usage: pipeline.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, b := range msg.Content {
		if b.Type != "text" {
			continue
		}
		resp.Content = append(resp.Content, pipeline.ContentBlock{Type: "text", Text: b.Text})
	}
	return resp
}
