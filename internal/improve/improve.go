// Package improve turns finished sessions into refined goals and mines
// successful steps into translator rules.
package improve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/tasker/internal/audit"
	"github.com/codefionn/tasker/internal/logger"
)

const refinedPreamble = "Always do X."

// Engine writes post-mortems.
type Engine struct {
	store audit.Store
	log   *logger.Logger
}

// NewEngine creates an Engine over store.
func NewEngine(store audit.Store, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{store: store, log: log.WithPrefix("improve")}
}

// Summarize computes and stores the post-mortem of a terminal session.
// Repeated calls overwrite the same row with the same text.
func (e *Engine) Summarize(ctx context.Context, sessionID string) (*audit.PostMortem, error) {
	return e.summarize(ctx, sessionID, nil, "")
}

// SummarizeWithValidation is Summarize plus the final goal verdict.
func (e *Engine) SummarizeWithValidation(ctx context.Context, sessionID string, achieved bool, reason string) (*audit.PostMortem, error) {
	return e.summarize(ctx, sessionID, &achieved, reason)
}

func (e *Engine) summarize(ctx context.Context, sessionID string, achieved *bool, reason string) (*audit.PostMortem, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", audit.ErrSessionNotTerminal, sessionID, session.Status)
	}

	failures, err := e.store.FailedActions(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed actions: %w", err)
	}
	records, err := e.store.ListActions(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}

	pm := &audit.PostMortem{
		SessionID:          sessionID,
		OriginalGoal:       session.Goal,
		RefinedGoal:        RefineGoal(session.Goal, failures),
		Summary:            summarizeSession(session, records),
		ValidationAchieved: achieved,
		ValidationReason:   reason,
	}
	if err := e.store.PutPostMortem(ctx, pm); err != nil {
		return nil, fmt.Errorf("failed to store post-mortem: %w", err)
	}
	e.log.Info("post-mortem for %s: %d avoided step(s)", sessionID, len(failures))

	stored, err := e.store.GetPostMortem(ctx, sessionID)
	if errors.Is(err, audit.ErrPostMortemNotFound) {
		return pm, nil
	}
	return stored, err
}

// RefineGoal builds the refined goal: a fixed preamble, one "Avoided:" line
// per failure in order, then the original goal.
func RefineGoal(goal string, failures []*audit.FailureRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OPTIMIZED PROMPT FOR '%s':\n%s", goal, refinedPreamble)
	if len(failures) == 0 {
		b.WriteString(" No errors encountered.")
	}
	for _, f := range failures {
		subject := strings.TrimSpace(f.Thought)
		if subject == "" {
			subject = strings.TrimSpace(f.Code)
		}
		fmt.Fprintf(&b, "\n- Avoided: %s because %s", subject, strings.TrimSpace(f.Feedback))
	}
	fmt.Fprintf(&b, "\n\nOriginal Goal: %s", goal)
	return b.String()
}

func summarizeSession(s *audit.Session, records []*audit.ActionRecord) string {
	var passed, failed int
	for _, r := range records {
		if r.Outcome == audit.OutcomePass {
			passed++
		} else {
			failed++
		}
	}
	summary := fmt.Sprintf("Session %s after %d of %d steps (%d passed, %d failed).",
		s.Status, len(records), s.EffectiveBound(), passed, failed)
	if s.Reason != "" {
		summary += " Reason: " + s.Reason + "."
	}
	return summary
}
