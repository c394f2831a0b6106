package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates prompt sizes for a model.
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	approx  bool
}

var (
	counterMu    sync.Mutex
	counterCache = map[string]*TokenCounter{}
)

// NewTokenCounter returns a counter for modelID. Models tiktoken does not
// know use cl100k_base, and if no encoding can be loaded at all the counter
// falls back to a chars/4 estimate.
func NewTokenCounter(modelID string) *TokenCounter {
	counterMu.Lock()
	defer counterMu.Unlock()
	if c, ok := counterCache[modelID]; ok {
		return c
	}

	c := &TokenCounter{}
	if encoder, err := tiktoken.EncodingForModel(modelID); err == nil {
		c.encoder = encoder
	} else if fallback, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		c.encoder = fallback
		c.approx = true
	} else {
		c.approx = true
	}
	counterCache[modelID] = c
	return c
}

// Approximate reports whether counts are not exact for the model.
func (c *TokenCounter) Approximate() bool {
	return c.approx
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c != nil && c.encoder != nil {
		return len(c.encoder.Encode(text, nil, nil))
	}
	return EstimateTokenCount(text)
}

// EstimateTokenCount returns a rough token estimate for the provided content.
func EstimateTokenCount(content string) int {
	runes := utf8.RuneCountInString(content)
	if runes <= 0 {
		return 0
	}
	return (runes + 3) / 4
}
