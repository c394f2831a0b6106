package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/codefionn/tasker/internal/consts"
	"github.com/codefionn/tasker/internal/llm"
	"github.com/codefionn/tasker/internal/logger"
	"github.com/codefionn/tasker/internal/observe"
)

// LiveGateway asks an LLM for the next decision.
type LiveGateway struct {
	client        llm.Client
	counter       *llm.TokenCounter
	maxTokens     int
	historyBudget int
	log           *logger.Logger
}

// NewLiveGateway builds a gateway over client. historyBudget bounds the
// tokens spent on quoting prior steps; zero disables trimming.
func NewLiveGateway(client llm.Client, maxTokens, historyBudget int, log *logger.Logger) *LiveGateway {
	if maxTokens <= 0 {
		maxTokens = consts.DefaultMaxTokens
	}
	if log == nil {
		log = logger.Discard()
	}
	return &LiveGateway{
		client:        client,
		counter:       llm.NewTokenCounter(client.GetModelName()),
		maxTokens:     maxTokens,
		historyBudget: historyBudget,
		log:           log.WithPrefix("reasoning"),
	}
}

// Decide requests and validates one decision.
func (g *LiveGateway) Decide(ctx context.Context, req Request) (Decision, error) {
	firstStep := req.Step <= 1
	system := render("decide_system", map[string]any{
		"EnvContext": req.EnvContext,
		"FirstStep":  firstStep,
	})
	user := render("decide_user", map[string]any{
		"Goal":      req.Goal,
		"History":   formatHistory(req.History, g.counter, g.historyBudget),
		"Step":      req.Step,
		"FirstStep": firstStep,
	})

	content, err := completeWithImages(ctx, g.client, g.log, system, user, g.maxTokens, req.Observation)
	if err != nil {
		return Decision{}, unavailable("decide", err)
	}

	decision, err := ParseDecision(content, firstStep)
	if err != nil {
		g.log.Warn("step %d: reply rejected: %v", req.Step, err)
		return Decision{}, unavailable("decide", err)
	}
	g.log.Debug("step %d: thought=%q status=%s", req.Step, truncate(decision.Thought, 200), decision.Status)
	return decision, nil
}

// completeWithImages sends the prompt with the given snapshots attached. When
// the provider rejects the request, it is retried once without images.
func completeWithImages(ctx context.Context, client llm.Client, log *logger.Logger, system, user string, maxTokens int, refs ...observe.Ref) (string, error) {
	msg := &llm.Message{Role: "user", Content: user}
	for _, ref := range refs {
		mediaType, data, err := observe.Encode(ref)
		if err != nil {
			log.Warn("could not encode snapshot %s: %v", ref, err)
			continue
		}
		if len(data) > 0 {
			msg.Images = append(msg.Images, llm.Image{MediaType: mediaType, Data: data})
		}
	}

	req := &llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []*llm.Message{msg},
		MaxTokens:    maxTokens,
	}

	resp, err := client.CompleteWithRequest(ctx, req)
	if err != nil && req.HasImages() && ctx.Err() == nil {
		log.Warn("request with image failed, retrying text-only: %v", err)
		retry := req.WithoutImages()
		retry.Messages[0].Content += "\n\n" + imageUnavailableNote
		resp, err = client.CompleteWithRequest(ctx, retry)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("empty reply")
	}
	return resp.Content, nil
}

// ParseDecision validates a raw reply into a Decision. The reply must hold a
// JSON object with a non-empty string thought (or reasoning); code must be a
// string when present; status is normalized.
func ParseDecision(raw string, firstStep bool) (Decision, error) {
	var fields map[string]json.RawMessage
	if err := llm.ExtractJSON(raw, &fields); err != nil {
		return Decision{}, err
	}

	thought, err := optionalString(fields, "thought")
	if err != nil {
		return Decision{}, err
	}
	if strings.TrimSpace(thought) == "" {
		if thought, err = optionalString(fields, "reasoning"); err != nil {
			return Decision{}, err
		}
	}
	thought = strings.TrimSpace(thought)
	if thought == "" {
		return Decision{}, errors.New("reply has no thought")
	}

	code, err := optionalString(fields, "code")
	if err != nil {
		return Decision{}, err
	}
	status, err := optionalString(fields, "status")
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Thought: thought,
		Code:    strings.TrimSpace(code),
		Status:  ParseStatus(status),
	}
	if firstStep {
		d.TotalSteps = lenientInt(fields["total_steps"])
		d.Checkpoints = lenientInts(fields["checkpoints"])
	}
	return d, nil
}

func optionalString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	return s, nil
}

func lenientInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
	}
	return 0
}

func lenientInts(raw json.RawMessage) []int {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		var f float64
		if err := json.Unmarshal(item, &f); err == nil {
			out = append(out, int(f))
		}
	}
	return out
}
