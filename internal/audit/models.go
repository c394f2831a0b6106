// Package audit is the append-only structured record of sessions, plan
// steps, executed actions and post-mortems.
package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusRunning SessionStatus = "RUNNING"
	StatusSuccess SessionStatus = "SUCCESS"
	StatusLost    SessionStatus = "LOST"
	StatusFailed  SessionStatus = "FAILED"
	StatusPaused  SessionStatus = "PAUSED"
	StatusAborted SessionStatus = "ABORTED"
)

// IsTerminal reports whether no further transition is allowed.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusLost, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusPaused:
		return true
	default:
		return s.IsTerminal()
	}
}

// Outcome is the result of one executed step.
type Outcome string

const (
	OutcomePass Outcome = "Pass"
	OutcomeFail Outcome = "Fail"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminal is returned when a terminal session would be mutated.
	ErrSessionTerminal = errors.New("session is terminal")
	// ErrStepOutOfRange is returned when a record references a step outside 1..max_steps.
	ErrStepOutOfRange = errors.New("step out of range")
	// ErrSessionNotTerminal is returned when a post-mortem is written for a live session.
	ErrSessionNotTerminal = errors.New("session is not terminal")
	// ErrPostMortemNotFound is returned when no post-mortem exists for a session.
	ErrPostMortemNotFound = errors.New("post-mortem not found")
)

// Session is one end-to-end run of the loop for a single goal.
type Session struct {
	ID         string
	Goal       string
	EnvContext string
	Status     SessionStatus
	Reason     string
	MaxSteps   int
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// StepBound is the bound adopted from the first decision, or 0 when
	// MaxSteps applies unchanged.
	StepBound   int
	Checkpoints []int
}

// EffectiveBound is the step bound the loop runs against.
func (s *Session) EffectiveBound() int {
	if s.StepBound > 0 && s.StepBound < s.MaxSteps {
		return s.StepBound
	}
	return s.MaxSteps
}

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// PlanStep is one entry of the high-level plan created at session start.
type PlanStep struct {
	SessionID   string
	Ordinal     int
	Description string
	CompletedAt *time.Time
}

// ActionRecord is the audit entry for one executed loop iteration.
type ActionRecord struct {
	ID                   int64
	SessionID            string
	Step                 int
	Thought              string
	Code                 string
	ReasoningStatus      string
	Outcome              Outcome
	Feedback             string
	BeforeRef            string
	AfterRef             string
	CheckpointRef        string
	VerificationAchieved *bool
	VerificationReason   string
	CreatedAt            time.Time
}

// PostMortem is the refined-goal artifact written after a session ends.
type PostMortem struct {
	SessionID          string
	OriginalGoal       string
	RefinedGoal        string
	Summary            string
	ValidationAchieved *bool
	ValidationReason   string
	CreatedAt          time.Time
}

// FailureRow is one failed or error-bearing record joined to its session goal.
type FailureRow struct {
	Step     int
	Thought  string
	Code     string
	Feedback string
	Goal     string
}

// LearnedPair is a (thought, instruction) pair that ran successfully.
type LearnedPair struct {
	Thought string
	Code    string
	Count   int
}
