package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/codefionn/tasker/internal/consts"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient speaks the chat completions protocol, so it also serves
// compatible endpoints like MiniMax when given a base URL.
type OpenAIClient struct {
	api   openai.Client
	model string
}

func NewOpenAIClient(apiKey, modelName, baseURL string) (Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: missing API key")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(consts.Timeout2Minutes),
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base+"/"))
	}
	return &OpenAIClient{
		api:   openai.NewClient(opts...),
		model: firstNonEmpty(modelName, defaultOpenAIModel),
	}, nil
}

func (c *OpenAIClient) GetModelName() string { return c.model }

func (c *OpenAIClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("openai: nil request")
	}
	msgs := openAIMessages(req.SystemPrompt, req.Messages)
	if len(msgs) == 0 {
		return nil, errors.New("openai: request has no messages")
	}

	params := openai.ChatCompletionNewParams{Model: openai.ChatModel(c.model), Messages: msgs}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	out := &CompletionResponse{
		StopReason: "stop",
		Usage: map[string]any{
			"prompt_tokens":     completion.Usage.PromptTokens,
			"completion_tokens": completion.Usage.CompletionTokens,
			"total_tokens":      completion.Usage.TotalTokens,
		},
	}
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		out.Content = choice.Message.Content
		out.StopReason = firstNonEmpty(choice.FinishReason, "stop")
	}
	return out, nil
}

func openAIMessages(systemPrompt string, messages []*Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if s := strings.TrimSpace(systemPrompt); s != "" {
		out = append(out, openai.SystemMessage(s))
	}
	for _, m := range messages {
		if m == nil {
			continue
		}
		role := normalizeRole(m.Role)
		switch {
		case role == "system":
			out = append(out, openai.SystemMessage(m.Content))
		case role == "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		case len(m.Images) == 0:
			out = append(out, openai.UserMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(openAIParts(m)))
		}
	}
	return out
}

// openAIParts sends images inline as data URLs after the text.
func openAIParts(m *Message) []openai.ChatCompletionContentPartUnionParam {
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, openai.TextContentPart(m.Content))
	}
	for _, img := range m.Images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL(img)}))
	}
	return parts
}

func dataURL(img Image) string {
	return "data:" + imageMediaType(img) + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
