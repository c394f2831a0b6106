package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	genai "google.golang.org/genai"
)

const defaultGoogleModel = "models/gemini-2.0-flash"

// GoogleGenAIClient talks to the Gemini API.
type GoogleGenAIClient struct {
	model  string
	models *genai.Models
}

func NewGoogleAIClient(apiKey, modelName string) (Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("google: missing API key")
	}
	gc, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	return &GoogleGenAIClient{model: normalizeGoogleModelName(modelName), models: gc.Models}, nil
}

func (c *GoogleGenAIClient) GetModelName() string { return c.model }

func (c *GoogleGenAIClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("google: nil request")
	}
	system, contents := convertMessagesToGenAI(req.SystemPrompt, req.Messages)
	if len(contents) == 0 {
		return &CompletionResponse{}, nil
	}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, generationConfig(system, req))
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	return genAIResponse(resp), nil
}

func generationConfig(system string, req *CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature > 0 {
		temperature := float32(req.Temperature)
		cfg.Temperature = &temperature
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

// genAIResponse keeps the first candidate's visible text. A blocked prompt
// has no candidates and reports the block reason instead.
func genAIResponse(resp *genai.GenerateContentResponse) *CompletionResponse {
	out := &CompletionResponse{}
	if resp == nil {
		return out
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil {
			out.StopReason = string(resp.PromptFeedback.BlockReason)
		}
		return out
	}

	cand := resp.Candidates[0]
	if cand.Content != nil {
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text.WriteString(part.Text)
		}
		out.Content = text.String()
	}
	out.StopReason = firstNonEmpty(string(cand.FinishReason), cand.FinishMessage)
	return out
}

func convertMessagesToGenAI(systemPrompt string, messages []*Message) (string, []*genai.Content) {
	var system []string
	if s := strings.TrimSpace(systemPrompt); s != "" {
		system = append(system, s)
	}

	var contents []*genai.Content
	for _, m := range messages {
		if m == nil {
			continue
		}
		role := normalizeRole(m.Role)
		if role == "system" {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		if role == "assistant" {
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			continue
		}

		var parts []*genai.Part
		if m.Content != "" {
			parts = append(parts, genai.NewPartFromText(m.Content))
		}
		for _, img := range m.Images {
			parts = append(parts, genai.NewPartFromBytes(img.Data, imageMediaType(img)))
		}
		if len(parts) > 0 {
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}

// normalizeGoogleModelName adds the "models/" resource prefix the API expects.
func normalizeGoogleModelName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultGoogleModel
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "models/") || strings.HasPrefix(lower, "publishers/") {
		return name
	}
	return "models/" + name
}
