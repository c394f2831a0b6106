package reasoning

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/codefionn/tasker/internal/consts"
	"github.com/codefionn/tasker/internal/llm"
	"github.com/codefionn/tasker/internal/logger"
)

// ErrNoTranslation is returned when a step description yields no instruction.
var ErrNoTranslation = errors.New("no instruction for step")

// StepTranslator writes an instruction for a step description that no rule
// covers.
type StepTranslator interface {
	TranslateStep(ctx context.Context, description, envContext string) (string, error)
}

// StubStepTranslator never produces an instruction.
type StubStepTranslator struct{}

func (StubStepTranslator) TranslateStep(context.Context, string, string) (string, error) {
	return "", ErrNoTranslation
}

var (
	openingFence = regexp.MustCompile("^```[A-Za-z0-9_+-]*\\n?")
	closingFence = regexp.MustCompile("\\n?```\\s*$")
)

// LiveStepTranslator asks an LLM for the pyautogui code of one step.
type LiveStepTranslator struct {
	client llm.Client
	log    *logger.Logger
}

func NewLiveStepTranslator(client llm.Client, log *logger.Logger) *LiveStepTranslator {
	if log == nil {
		log = logger.Discard()
	}
	return &LiveStepTranslator{client: client, log: log.WithPrefix("translate")}
}

// TranslateStep returns the instruction with any code fence removed. A
// transport failure is an *UnavailableError; an empty or "pass" reply is
// ErrNoTranslation.
func (t *LiveStepTranslator) TranslateStep(ctx context.Context, description, envContext string) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", ErrNoTranslation
	}

	resp, err := t.client.CompleteWithRequest(ctx, &llm.CompletionRequest{
		SystemPrompt: render("translate_step_system", map[string]any{"EnvContext": envContext}),
		Messages: []*llm.Message{{
			Role:    "user",
			Content: render("translate_step_user", map[string]any{"Step": description}),
		}},
		MaxTokens: consts.TranslateMaxTokens,
	})
	if err != nil {
		return "", unavailable("translate", err)
	}

	code := StripCodeFence(llm.StripReasoning(resp.Content))
	if code == "" || code == "pass" {
		t.log.Debug("no instruction for %q", description)
		return "", ErrNoTranslation
	}
	t.log.Debug("translated %q to %q", description, truncate(code, 200))
	return code, nil
}

// StripCodeFence removes a surrounding markdown fence such as ```python.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = openingFence.ReplaceAllString(s, "")
		s = closingFence.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}
