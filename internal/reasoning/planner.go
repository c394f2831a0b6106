package reasoning

import (
	"context"
	"regexp"
	"strings"

	"github.com/codefionn/tasker/internal/llm"
	"github.com/codefionn/tasker/internal/logger"
)

// Planner creates the high-level plan of a session.
type Planner interface {
	Plan(ctx context.Context, goal, envContext string, bound int) ([]string, error)
}

// TemplatePlanner returns a fixed list of steps. "{goal}" in a step is
// replaced by the goal.
type TemplatePlanner struct {
	Steps []string
}

func (p TemplatePlanner) Plan(_ context.Context, goal, _ string, bound int) ([]string, error) {
	steps := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		steps = append(steps, strings.ReplaceAll(s, "{goal}", goal))
	}
	return normalizePlan(steps, goal, bound), nil
}

var splitPattern = regexp.MustCompile(`(?i)\s*(?:[,;]|\bthen\b|\band\b)\s*`)

// SplitPlanner splits the goal on "then", "and", commas and semicolons.
type SplitPlanner struct{}

func (SplitPlanner) Plan(_ context.Context, goal, _ string, bound int) ([]string, error) {
	return normalizePlan(splitPattern.Split(goal, -1), goal, bound), nil
}

// LivePlanner asks the LLM for a plan and falls back to splitting the goal
// when the reply is unusable.
type LivePlanner struct {
	client llm.Client
	log    *logger.Logger
}

// NewLivePlanner builds a planner over client.
func NewLivePlanner(client llm.Client, log *logger.Logger) *LivePlanner {
	if log == nil {
		log = logger.Discard()
	}
	return &LivePlanner{client: client, log: log.WithPrefix("planner")}
}

func (p *LivePlanner) Plan(ctx context.Context, goal, envContext string, bound int) ([]string, error) {
	resp, err := p.client.CompleteWithRequest(ctx, &llm.CompletionRequest{
		SystemPrompt: render("plan_system", nil),
		Messages: []*llm.Message{{
			Role: "user",
			Content: render("plan_user", map[string]any{
				"Goal":       goal,
				"EnvContext": envContext,
				"Bound":      bound,
			}),
		}},
		MaxTokens: 512,
	})
	if err != nil {
		p.log.Warn("plan request failed, splitting goal: %v", err)
		return SplitPlanner{}.Plan(ctx, goal, envContext, bound)
	}

	steps, err := llm.ExtractJSONArray[string](resp.Content)
	if err != nil {
		p.log.Warn("plan reply rejected, splitting goal: %v", err)
		return SplitPlanner{}.Plan(ctx, goal, envContext, bound)
	}
	return normalizePlan(steps, goal, bound), nil
}

// normalizePlan trims entries, drops empty ones and truncates to bound. An
// empty plan becomes the goal itself.
func normalizePlan(steps []string, goal string, bound int) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if bound > 0 && len(out) > bound {
		out = out[:bound]
	}
	if len(out) == 0 {
		out = []string{strings.TrimSpace(goal)}
	}
	return out
}
