package llm

import (
	"context"
	"strings"
)

// Image is an inline image attached to a message.
type Image struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
}

// Message represents a chat message
type Message struct {
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Images  []Image `json:"-"`
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages     []*Message `json:"messages"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Temperature  float64    `json:"temperature"`
	MaxTokens    int        `json:"max_tokens,omitempty"`
}

// HasImages reports whether any message carries an image.
func (r *CompletionRequest) HasImages() bool {
	for _, msg := range r.Messages {
		if msg != nil && len(msg.Images) > 0 {
			return true
		}
	}
	return false
}

// WithoutImages returns a copy of the request with all images dropped.
func (r *CompletionRequest) WithoutImages() *CompletionRequest {
	out := *r
	out.Messages = make([]*Message, 0, len(r.Messages))
	for _, msg := range r.Messages {
		if msg == nil {
			continue
		}
		out.Messages = append(out.Messages, &Message{Role: msg.Role, Content: msg.Content})
	}
	return &out
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content    string         `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      map[string]any `json:"usage,omitempty"`
}

// Client is the interface for LLM clients
type Client interface {
	// CompleteWithRequest sends a completion request and returns the response
	CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	// GetModelName returns the model name
	GetModelName() string
}

// Complete sends a single user prompt.
func Complete(ctx context.Context, client Client, prompt string) (string, error) {
	resp, err := client.CompleteWithRequest(ctx, &CompletionRequest{
		Messages:    []*Message{{Role: "user", Content: prompt}},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "system":
		return "system"
	case "assistant", "model":
		return "assistant"
	default:
		return "user"
	}
}
