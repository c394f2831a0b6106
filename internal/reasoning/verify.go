package reasoning

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/codefionn/tasker/internal/consts"
	"github.com/codefionn/tasker/internal/llm"
	"github.com/codefionn/tasker/internal/logger"
	"github.com/codefionn/tasker/internal/observe"
)

const noReason = "No reason given."

// LiveVerifier asks an LLM to judge snapshots.
type LiveVerifier struct {
	client llm.Client
	log    *logger.Logger
}

// NewLiveVerifier builds a verifier over client.
func NewLiveVerifier(client llm.Client, log *logger.Logger) *LiveVerifier {
	if log == nil {
		log = logger.Discard()
	}
	return &LiveVerifier{client: client, log: log.WithPrefix("verify")}
}

// Verify compares the before and after snapshots against the intended action.
func (v *LiveVerifier) Verify(ctx context.Context, req VerifyRequest) (Verdict, error) {
	system := render("verify_system", map[string]any{"EnvContext": req.EnvContext})
	user := render("verify_user", map[string]any{"Goal": req.Goal, "Thought": req.Thought})

	content, err := completeWithImages(ctx, v.client, v.log, system, user, consts.VerifyMaxTokens, req.Before, req.After)
	if err != nil {
		return Verdict{}, unavailable("verify", err)
	}
	verdict, err := ParseVerdict(content)
	if err != nil {
		return Verdict{}, unavailable("verify", err)
	}
	return verdict, nil
}

// ValidateGoal judges the final snapshot against the whole goal.
func (v *LiveVerifier) ValidateGoal(ctx context.Context, goal, envContext string, ref observe.Ref) (Verdict, error) {
	system := render("validate_system", map[string]any{"EnvContext": envContext})
	user := render("validate_user", map[string]any{"Goal": goal})

	content, err := completeWithImages(ctx, v.client, v.log, system, user, consts.VerifyMaxTokens, ref)
	if err != nil {
		return Verdict{}, unavailable("validate", err)
	}
	verdict, err := ParseVerdict(content)
	if err != nil {
		return Verdict{}, unavailable("validate", err)
	}
	return verdict, nil
}

// ParseVerdict reads {"achieved": ..., "reason": ...}. achieved counts as
// true for true, "true", "yes" and 1; anything else is false.
func ParseVerdict(raw string) (Verdict, error) {
	var fields map[string]json.RawMessage
	if err := llm.ExtractJSON(raw, &fields); err != nil {
		return Verdict{}, err
	}

	verdict := Verdict{Achieved: truthy(fields["achieved"])}

	reason, _ := optionalString(fields, "reason")
	if strings.TrimSpace(reason) == "" {
		reason, _ = optionalString(fields, "rationale")
	}
	verdict.Rationale = strings.TrimSpace(reason)
	if verdict.Rationale == "" {
		verdict.Rationale = noReason
	}
	return verdict, nil
}

func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.ToLower(strings.TrimSpace(s))
		return s == "true" || s == "yes"
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f == 1
	}
	return false
}
