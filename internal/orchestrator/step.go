package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codefionn/tasker/internal/audit"
	"github.com/codefionn/tasker/internal/consts"
	"github.com/codefionn/tasker/internal/observe"
	"github.com/codefionn/tasker/internal/reasoning"
	"github.com/codefionn/tasker/internal/redact"
	"github.com/codefionn/tasker/internal/translator"
)

const (
	// feedbackNoInstruction is recorded when neither the reasoning capability
	// nor a translator produced an instruction.
	feedbackNoInstruction         = "no actionable instruction"
	feedbackTranslatedByReasoning = "translated by reasoning"
)

type stepResult struct {
	terminal bool
	status   audit.SessionStatus
	reason   string
}

func continueLoop() stepResult {
	return stepResult{}
}

func terminate(status audit.SessionStatus, reason string) stepResult {
	return stepResult{terminal: true, status: status, reason: reason}
}

// step runs one iteration at st.ordinal. A returned error means the audit
// store could not be written; every environment failure is a stepResult.
func (o *Orchestrator) step(ctx context.Context, st *runState) (stepResult, error) {
	n := st.ordinal
	log := o.log.With("session", st.session.ID, "step", n)

	before, err := o.deps.Source.Capture(ctx, fmt.Sprintf("step_%d_before", n))
	if err != nil {
		log.Error("before snapshot failed", "error", err)
		return terminate(audit.StatusFailed, "observation failed: "+err.Error()), nil
	}

	decision, fellBack := o.decide(ctx, st, before)
	if n == 1 && st.adoptPlan(decision, consts.MinPlannedSteps) {
		bound := 0
		if st.bound < st.session.MaxSteps {
			bound = st.bound
		}
		if err := o.deps.Store.SetSessionPlan(ctx, st.session.ID, bound, st.checkpoints); err != nil {
			return stepResult{}, err
		}
		st.session.StepBound = bound
		st.session.Checkpoints = append([]int(nil), st.checkpoints...)
		log.Info("plan adopted", "bound", st.bound, "checkpoints", st.checkpoints)
	}

	rec := &audit.ActionRecord{
		SessionID:       st.session.ID,
		Step:            n,
		Thought:         decision.Thought,
		Code:            decision.Code,
		ReasoningStatus: string(decision.Status),
		BeforeRef:       string(before),
	}

	if !decision.HasInstruction() {
		code, feedback, err := o.translate(ctx, st, decision.Thought)
		if err != nil {
			return stepResult{}, err
		}
		if code == "" {
			log.Warn("no instruction for thought", "thought", decision.Thought)
			rec.Code = ""
			rec.Outcome = audit.OutcomeFail
			rec.Feedback = feedbackNoInstruction
			if err := o.append(ctx, st, rec, fellBack); err != nil {
				return stepResult{}, err
			}
			st.ordinal++
			return continueLoop(), nil
		}
		rec.Code = code
		rec.Feedback = feedback
	}

	if err := o.deps.Executor.Execute(ctx, rec.Code); err != nil {
		log.Error("execution fault", "error", err)
		if after, capErr := o.deps.Source.Capture(ctx, afterName(n)); capErr == nil {
			rec.AfterRef = string(after)
			st.lastAfter = after
		} else {
			log.Warn("after snapshot failed", "error", capErr)
		}
		rec.Outcome = audit.OutcomeFail
		rec.Feedback = truncateFeedback(err.Error())
		if err := o.append(ctx, st, rec, fellBack); err != nil {
			return stepResult{}, err
		}
		return terminate(audit.StatusFailed, "execution fault: "+err.Error()), nil
	}

	after, err := o.deps.Source.Capture(ctx, afterName(n))
	if err != nil {
		log.Error("after snapshot failed", "error", err)
		rec.Outcome = audit.OutcomeFail
		rec.Feedback = truncateFeedback("observation failed: " + err.Error())
		if err := o.append(ctx, st, rec, fellBack); err != nil {
			return stepResult{}, err
		}
		return terminate(audit.StatusFailed, "observation failed: "+err.Error()), nil
	}
	rec.AfterRef = string(after)
	st.lastAfter = after

	if st.isCheckpoint(n) {
		if ref, err := o.deps.Source.Capture(ctx, fmt.Sprintf("step_%d_checkpoint", n)); err == nil {
			rec.CheckpointRef = string(ref)
		} else {
			log.Warn("checkpoint snapshot failed", "error", err)
		}
	}

	verdict := o.verify(ctx, st, decision.Thought, before, after)
	achieved := verdict.Achieved
	rec.VerificationAchieved = &achieved
	rec.VerificationReason = verdict.Rationale
	if !verdict.Achieved {
		rec.Outcome = audit.OutcomeFail
		rec.Feedback = truncateFeedback("Step verification: " + verdict.Rationale)
		if err := o.append(ctx, st, rec, fellBack); err != nil {
			return stepResult{}, err
		}
		return terminate(audit.StatusFailed, "verification failed: "+verdict.Rationale), nil
	}

	rec.Outcome = audit.OutcomePass
	if err := o.append(ctx, st, rec, fellBack); err != nil {
		return stepResult{}, err
	}
	if err := o.deps.Store.CompletePlanStep(ctx, st.session.ID, n, time.Now().UTC()); err != nil {
		return stepResult{}, err
	}

	switch decision.Status {
	case reasoning.StatusSuccess:
		return terminate(audit.StatusSuccess, "goal reached"), nil
	case reasoning.StatusLost:
		return terminate(audit.StatusLost, "reasoning reported the goal as lost"), nil
	default:
		st.ordinal++
		return continueLoop(), nil
	}
}

func afterName(n int) string {
	return fmt.Sprintf("step_%d_after", n)
}

// translate finds an instruction for a thought that came without one. Rules
// are tried first, then the step translator. An empty code means neither
// produced an instruction; the error is reserved for broken rule sets.
func (o *Orchestrator) translate(ctx context.Context, st *runState, thought string) (code, feedback string, err error) {
	match, err := o.deps.Translator.Match(thought)
	if err == nil {
		o.log.Debug("translated thought", "session", st.session.ID, "step", st.ordinal, "rule", match.Rule)
		return match.Code, "translated by rule " + match.Rule, nil
	}
	if !errors.Is(err, translator.ErrNoMatch) {
		return "", "", err
	}

	code, err = o.deps.StepTranslator.TranslateStep(ctx, thought, st.session.EnvContext)
	if err != nil {
		if !errors.Is(err, reasoning.ErrNoTranslation) {
			o.log.Warn("step translation unavailable", "session", st.session.ID, "step", st.ordinal, "error", err)
		}
		return "", "", nil
	}
	return code, feedbackTranslatedByReasoning, nil
}

// decide asks the gateway for the next decision and falls back to the
// deterministic strategy when the capability is unavailable.
func (o *Orchestrator) decide(ctx context.Context, st *runState, before observe.Ref) (reasoning.Decision, bool) {
	req := reasoning.Request{
		Goal:        st.session.Goal,
		EnvContext:  st.session.EnvContext,
		History:     st.history,
		Observation: before,
		Step:        st.ordinal,
	}
	decision, err := o.deps.Gateway.Decide(ctx, req)
	if err == nil {
		return decision, false
	}

	o.log.Warn("reasoning unavailable, using fallback", "session", st.session.ID, "step", st.ordinal, "error", err)
	decision, err = o.deps.Fallback.Decide(ctx, req)
	if err != nil {
		return reasoning.StubDecision(st.ordinal, false), true
	}
	return decision, true
}

func (o *Orchestrator) verify(ctx context.Context, st *runState, thought string, before, after observe.Ref) reasoning.Verdict {
	req := reasoning.VerifyRequest{
		Goal:       st.session.Goal,
		Thought:    thought,
		EnvContext: st.session.EnvContext,
		Before:     before,
		After:      after,
	}
	verdict, err := o.deps.Verifier.Verify(ctx, req)
	if err == nil {
		return verdict
	}

	o.log.Warn("verification unavailable, using fallback", "session", st.session.ID, "step", st.ordinal, "error", err)
	verdict, err = o.deps.FallbackVerifier.Verify(ctx, req)
	if err != nil {
		return reasoning.Verdict{Achieved: false, Rationale: err.Error()}
	}
	return verdict
}

// append durably records rec before the loop moves on.
func (o *Orchestrator) append(ctx context.Context, st *runState, rec *audit.ActionRecord, fellBack bool) error {
	rec.Feedback = redact.String(rec.Feedback)
	rec.VerificationReason = redact.String(rec.VerificationReason)
	if err := o.deps.Store.AppendAction(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("failed to append step %d: %w", rec.Step, err)
	}
	st.record(rec)

	if o.deps.Observer != nil {
		o.deps.Observer(StepEvent{
			SessionID: rec.SessionID,
			Step:      rec.Step,
			Bound:     st.bound,
			Thought:   rec.Thought,
			Code:      rec.Code,
			Status:    rec.ReasoningStatus,
			Outcome:   rec.Outcome,
			Feedback:  rec.Feedback,
			Fallback:  fellBack,
		})
	}
	return nil
}

func truncateFeedback(s string) string {
	runes := []rune(s)
	if len(runes) <= consts.MaxFeedbackChars {
		return s
	}
	return string(runes[:consts.MaxFeedbackChars])
}
