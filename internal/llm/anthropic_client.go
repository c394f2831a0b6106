package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/codefionn/tasker/internal/consts"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicClient sends screenshots and prompts to the Messages API.
type AnthropicClient struct {
	api   anthropic.Client
	model string
}

func NewAnthropicClient(apiKey, modelName string) (Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: missing API key")
	}
	return &AnthropicClient{
		api:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model: firstNonEmpty(modelName, defaultAnthropicModel),
	}, nil
}

func (c *AnthropicClient) GetModelName() string { return c.model }

func (c *AnthropicClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}

	reply, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range reply.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &CompletionResponse{
		Content:    text.String(),
		StopReason: firstNonEmpty(string(reply.StopReason), reply.StopSequence),
		Usage: map[string]any{
			"input_tokens":  reply.Usage.InputTokens,
			"output_tokens": reply.Usage.OutputTokens,
		},
	}, nil
}

func (c *AnthropicClient) params(req *CompletionRequest) (anthropic.MessageNewParams, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, errors.New("anthropic: nil request")
	}

	var (
		system []anthropic.TextBlockParam
		turns  []anthropic.MessageParam
	)
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		system = append(system, anthropic.TextBlockParam{Text: s})
	}
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		switch normalizeRole(m.Role) {
		case "system":
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, anthropic.TextBlockParam{Text: s})
			}
		case "assistant":
			if m.Content != "" {
				turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			}
		default:
			if blocks := anthropicUserBlocks(m); len(blocks) > 0 {
				turns = append(turns, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	if len(turns) == 0 {
		return anthropic.MessageNewParams{}, errors.New("anthropic: request has no user or assistant turns")
	}

	limit := req.MaxTokens
	if limit <= 0 {
		limit = consts.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(limit),
		Messages:  turns,
		System:    system,
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params, nil
}

// anthropicUserBlocks places images ahead of the text that refers to them.
func anthropicUserBlocks(m *Message) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Images)+1)
	for _, img := range m.Images {
		encoded := base64.StdEncoding.EncodeToString(img.Data)
		blocks = append(blocks, anthropic.NewImageBlockBase64(imageMediaType(img), encoded))
	}
	if m.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(m.Content))
	}
	return blocks
}

func imageMediaType(img Image) string {
	return firstNonEmpty(img.MediaType, "image/png")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
