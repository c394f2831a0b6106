package llm

import (
	"context"
	"sync"
	"time"
)

const defaultResponseTokenEstimate = 512

// rateLimitedClient wraps another Client and spaces requests out by a
// minimum interval and an optional tokens-per-minute budget.
type rateLimitedClient struct {
	delegate     Client
	interval     time.Duration
	tokensPerMin int
	counter      *TokenCounter

	mu          sync.Mutex
	nextAllowed time.Time
}

// NewRateLimitedClient returns base unchanged when no limit is configured.
func NewRateLimitedClient(base Client, interval time.Duration, tokensPerMinute int) Client {
	if base == nil || (interval <= 0 && tokensPerMinute <= 0) {
		return base
	}
	return &rateLimitedClient{
		delegate:     base,
		interval:     interval,
		tokensPerMin: tokensPerMinute,
		counter:      NewTokenCounter(base.GetModelName()),
	}
}

func (c *rateLimitedClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := c.wait(ctx, c.estimate(req)); err != nil {
		return nil, err
	}
	return c.delegate.CompleteWithRequest(ctx, req)
}

func (c *rateLimitedClient) GetModelName() string {
	return c.delegate.GetModelName()
}

// wait reserves a slot and sleeps until it opens. The reservation covers
// both the fixed interval and the time the request's tokens cost.
func (c *rateLimitedClient) wait(ctx context.Context, tokens int) error {
	spacing := c.interval
	if d := tokensToDuration(tokens, c.tokensPerMin); d > spacing {
		spacing = d
	}

	c.mu.Lock()
	now := time.Now()
	start := c.nextAllowed
	if start.Before(now) {
		start = now
	}
	c.nextAllowed = start.Add(spacing)
	c.mu.Unlock()

	delay := time.Until(start)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *rateLimitedClient) estimate(req *CompletionRequest) int {
	if req == nil {
		return defaultResponseTokenEstimate
	}
	tokens := c.counter.Count(req.SystemPrompt)
	for _, msg := range req.Messages {
		if msg != nil {
			tokens += c.counter.Count(msg.Content)
		}
	}
	if req.MaxTokens > 0 {
		return tokens + req.MaxTokens
	}
	return tokens + defaultResponseTokenEstimate
}

func tokensToDuration(tokens, tokensPerMinute int) time.Duration {
	if tokensPerMinute <= 0 || tokens <= 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) * float64(tokens) / float64(tokensPerMinute))
}
