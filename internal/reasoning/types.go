// Package reasoning wraps the external decision capability: next-action
// decisions, step verification and plan creation, each with a live and a
// deterministic stub strategy.
package reasoning

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/tasker/internal/observe"
)

// Status is the reasoning capability's view of goal progress.
type Status string

const (
	StatusContinue Status = "CONTINUE"
	StatusSuccess  Status = "SUCCESS"
	StatusLost     Status = "LOST"
)

// ParseStatus normalizes s. Unknown or empty values map to CONTINUE.
func ParseStatus(s string) Status {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusSuccess, StatusLost, StatusContinue:
		return st
	default:
		return StatusContinue
	}
}

// Decision is the canonical {thought, code, status} triple.
type Decision struct {
	Thought string
	Code    string
	Status  Status
	// TotalSteps and Checkpoints are only read from the first reply.
	TotalSteps  int
	Checkpoints []int
}

// HasInstruction reports whether Code is something worth executing.
func (d Decision) HasInstruction() bool {
	code := strings.TrimSpace(d.Code)
	return code != "" && code != "pass"
}

// IsCheckpoint reports whether step was named as a checkpoint.
func (d Decision) IsCheckpoint(step int) bool {
	for _, cp := range d.Checkpoints {
		if cp == step {
			return true
		}
	}
	return false
}

// HistoryEntry is one prior step quoted back to the capability.
type HistoryEntry struct {
	Step    int
	Thought string
	Code    string
	Status  string
	Outcome string
}

// Request is everything a decision is based on.
type Request struct {
	Goal        string
	EnvContext  string
	History     []HistoryEntry
	Observation observe.Ref
	Step        int
}

// Gateway produces the next decision. Errors are always *UnavailableError.
type Gateway interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// UnavailableError reports that the capability could not be reached or its
// reply did not validate.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("reasoning unavailable (%s): %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// Verdict is a verification answer.
type Verdict struct {
	Achieved  bool
	Rationale string
}

// VerifyRequest asks whether a step had its intended effect.
type VerifyRequest struct {
	Goal       string
	Thought    string
	EnvContext string
	Before     observe.Ref
	After      observe.Ref
}

// Verifier checks step effects and final goal completion.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (Verdict, error)
	ValidateGoal(ctx context.Context, goal, envContext string, ref observe.Ref) (Verdict, error)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
