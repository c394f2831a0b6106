package orchestrator

import "github.com/codefionn/tasker/internal/audit"

// StepEvent describes one recorded step.
type StepEvent struct {
	SessionID string
	Step      int
	Bound     int
	Thought   string
	Code      string
	Status    string
	Outcome   audit.Outcome
	Feedback  string
	Fallback  bool
}

// Observer receives step events. It runs on the loop goroutine and must not block.
type Observer func(StepEvent)
