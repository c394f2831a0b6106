package orchestrator

import (
	"github.com/codefionn/tasker/internal/audit"
	"github.com/codefionn/tasker/internal/observe"
	"github.com/codefionn/tasker/internal/reasoning"
)

// runState is the loop state of one session. It is owned by the loop
// goroutine.
type runState struct {
	session *audit.Session
	ordinal int
	bound   int
	history []reasoning.HistoryEntry

	checkpoints []int
	lastAfter   observe.Ref
}

func newRunState(session *audit.Session, records []*audit.ActionRecord) *runState {
	st := &runState{
		session:     session,
		ordinal:     len(records) + 1,
		bound:       session.EffectiveBound(),
		checkpoints: append([]int(nil), session.Checkpoints...),
	}
	for _, rec := range records {
		st.record(rec)
		if rec.AfterRef != "" {
			st.lastAfter = observe.Ref(rec.AfterRef)
		}
	}
	return st
}

// record appends rec to the history quoted back to the reasoning capability.
func (st *runState) record(rec *audit.ActionRecord) {
	st.history = append(st.history, reasoning.HistoryEntry{
		Step:    rec.Step,
		Thought: rec.Thought,
		Code:    rec.Code,
		Status:  rec.ReasoningStatus,
		Outcome: string(rec.Outcome),
	})
}

// adoptPlan lets the first decision shorten the step bound and name
// checkpoint ordinals. The bound is never raised. It reports whether the
// session's stored plan changed.
func (st *runState) adoptPlan(d reasoning.Decision, minSteps int) bool {
	before := st.bound
	if d.TotalSteps > 0 {
		total := max(d.TotalSteps, minSteps)
		if total < st.bound {
			st.bound = total
		}
	}
	st.checkpoints = append(st.checkpoints[:0], d.Checkpoints...)
	return st.bound != before || len(st.checkpoints) > 0
}

func (st *runState) isCheckpoint(step int) bool {
	return reasoning.Decision{Checkpoints: st.checkpoints}.IsCheckpoint(step)
}
