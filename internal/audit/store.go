package audit

import (
	"context"
	"time"
)

// Store is the structured insert/query interface over the audit entities.
// Only session status and plan-step completion are updated in place.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, reason string) error
	// SetSessionPlan stores the bound and checkpoints adopted from the first
	// decision so a resumed session keeps them.
	SetSessionPlan(ctx context.Context, id string, bound int, checkpoints []int) error

	CreatePlan(ctx context.Context, sessionID string, descriptions []string) error
	ListPlanSteps(ctx context.Context, sessionID string) ([]*PlanStep, error)
	CompletePlanStep(ctx context.Context, sessionID string, ordinal int, at time.Time) error

	AppendAction(ctx context.Context, rec *ActionRecord) error
	ListActions(ctx context.Context, sessionID string) ([]*ActionRecord, error)
	// FailedActions returns records with outcome Fail or error-bearing
	// feedback, joined to the session goal, oldest first.
	FailedActions(ctx context.Context, sessionID string) ([]*FailureRow, error)
	// SuccessfulPairs returns distinct passing (thought, code) pairs with a
	// real instruction, most frequent first.
	SuccessfulPairs(ctx context.Context) ([]*LearnedPair, error)

	PutPostMortem(ctx context.Context, pm *PostMortem) error
	GetPostMortem(ctx context.Context, sessionID string) (*PostMortem, error)

	Close() error
}
