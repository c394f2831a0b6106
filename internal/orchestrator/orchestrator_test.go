package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/tasker/internal/audit"
	"github.com/codefionn/tasker/internal/envlock"
	"github.com/codefionn/tasker/internal/executor"
	"github.com/codefionn/tasker/internal/improve"
	"github.com/codefionn/tasker/internal/llm"
	"github.com/codefionn/tasker/internal/observe"
	"github.com/codefionn/tasker/internal/reasoning"
	"github.com/codefionn/tasker/internal/translator"
)

const calculatorGoal = "Open Calculator and add 3+3"

// scriptedGateway returns decisions by step ordinal, repeating the last.
type scriptedGateway struct {
	decisions []reasoning.Decision
	requests  []reasoning.Request
}

func (g *scriptedGateway) Decide(_ context.Context, req reasoning.Request) (reasoning.Decision, error) {
	g.requests = append(g.requests, req)
	idx := min(req.Step-1, len(g.decisions)-1)
	return g.decisions[idx], nil
}

func continueWith(code string) reasoning.Decision {
	return reasoning.Decision{Thought: "Do the next thing", Code: code, Status: reasoning.StatusContinue}
}

type failingExecutor struct {
	failOn int
	calls  int
	ran    []string
}

func (e *failingExecutor) Execute(_ context.Context, instruction string) error {
	e.calls++
	e.ran = append(e.ran, instruction)
	if e.calls == e.failOn {
		return &executor.Fault{Message: "ZeroDivisionError: division by zero", ExitCode: 1}
	}
	return nil
}

type fixedVerifier struct {
	verdict reasoning.Verdict
	err     error
}

func (v fixedVerifier) Verify(context.Context, reasoning.VerifyRequest) (reasoning.Verdict, error) {
	return v.verdict, v.err
}

func (v fixedVerifier) ValidateGoal(context.Context, string, string, observe.Ref) (reasoning.Verdict, error) {
	return v.verdict, v.err
}

type failingSource struct{}

func (failingSource) Capture(_ context.Context, name string) (observe.Ref, error) {
	return "", &observe.Error{Name: name, Err: errors.New("display not reachable")}
}

// malformedClient answers every request with text that is not a decision.
type malformedClient struct{}

func (malformedClient) CompleteWithRequest(context.Context, *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: "I think you should open the calculator!"}, nil
}

func (malformedClient) GetModelName() string { return "malformed" }

type busyLock struct{}

func (busyLock) Acquire(string) error { return envlock.ErrEnvironmentBusy }
func (busyLock) Release() error       { return nil }

type countingLock struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (l *countingLock) Acquire(string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return nil
}

func (l *countingLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

type harness struct {
	store    *audit.SQLiteStore
	dryRun   *executor.DryRunExecutor
	events   []StepEvent
	deps     Deps
	maxSteps int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := audit.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tr, err := translator.New(translator.Builtin(), false)
	require.NoError(t, err)

	h := &harness{store: store, dryRun: executor.NewDryRunExecutor(nil), maxSteps: 10}
	h.deps = Deps{
		Store:      store,
		Source:     observe.NullSource{},
		Gateway:    reasoning.StubGateway{},
		Verifier:   reasoning.StubVerifier{},
		Translator: tr,
		Executor:   h.dryRun,
		Improver:   improve.NewEngine(store, nil),
	}
	return h
}

func (h *harness) build(t *testing.T) *Orchestrator {
	t.Helper()
	deps := h.deps
	userObserver := deps.Observer
	deps.Observer = func(ev StepEvent) {
		h.events = append(h.events, ev)
		if userObserver != nil {
			userObserver(ev)
		}
	}
	o, err := New(deps, Config{MaxSteps: h.maxSteps})
	require.NoError(t, err)
	return o
}

func (h *harness) records(t *testing.T, sessionID string) []*audit.ActionRecord {
	t.Helper()
	recs, err := h.store.ListActions(context.Background(), sessionID)
	require.NoError(t, err)
	return recs
}

func assertPlanContiguous(t *testing.T, store audit.Store, sessionID string) {
	t.Helper()
	steps, err := store.ListPlanSteps(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	for i, s := range steps {
		assert.Equal(t, i+1, s.Ordinal)
	}
}

func TestStubScenarioReachesSuccess(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)

	out, err := o.Run(context.Background(), calculatorGoal, "Linux; amd64")
	require.NoError(t, err)

	assert.Equal(t, audit.StatusSuccess, out.Status)
	assert.False(t, out.Resumable)
	assert.LessOrEqual(t, out.Steps, 10)

	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, audit.OutcomePass, r.Outcome, "step %d", r.Step)
	}
	assert.Equal(t, "translated by rule type-and-enter", recs[1].Feedback)
	assert.Equal(t, []string{
		"pyautogui.press('win'); pyautogui.write('calculator'); pyautogui.press('enter')",
		"pyautogui.write('3+3'); pyautogui.press('enter')",
	}, h.dryRun.Executed())

	require.NotNil(t, out.PostMortem)
	assert.NotContains(t, out.PostMortem.RefinedGoal, "Avoided:")
	require.NotNil(t, out.PostMortem.ValidationAchieved)
	assert.True(t, *out.PostMortem.ValidationAchieved)

	plan, err := h.store.ListPlanSteps(context.Background(), out.SessionID)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, "Open Calculator", plan[0].Description)
	assert.NotNil(t, plan[0].CompletedAt)
	assert.NotNil(t, plan[1].CompletedAt)

	session, err := h.store.GetSession(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSuccess, session.Status)
	assert.Equal(t, "goal reached", session.Reason)
	assert.Len(t, h.events, 2)
}

func TestStubRunsAreRepeatable(t *testing.T) {
	var runs [][]*audit.ActionRecord
	for range 2 {
		h := newHarness(t)
		out, err := h.build(t).Run(context.Background(), calculatorGoal, "")
		require.NoError(t, err)
		runs = append(runs, h.records(t, out.SessionID))
	}
	require.Len(t, runs[1], len(runs[0]))
	for i := range runs[0] {
		assert.Equal(t, runs[0][i].Thought, runs[1][i].Thought)
		assert.Equal(t, runs[0][i].Code, runs[1][i].Code)
		assert.Equal(t, runs[0][i].ReasoningStatus, runs[1][i].ReasoningStatus)
	}
}

func TestExecutionFaultEndsSession(t *testing.T) {
	h := newHarness(t)
	gw := &scriptedGateway{decisions: []reasoning.Decision{
		{Thought: "Open the editor", Code: "open()", Status: reasoning.StatusContinue},
		{Thought: "Write the header", Code: "header()", Status: reasoning.StatusContinue},
		{Thought: "Divide the totals", Code: "1/0", Status: reasoning.StatusContinue},
	}}
	exec := &failingExecutor{failOn: 3}
	h.deps.Gateway = gw
	h.deps.Executor = exec

	out, err := h.build(t).Run(context.Background(), "Compute totals", "")
	require.NoError(t, err)

	assert.Equal(t, audit.StatusFailed, out.Status)
	assert.Equal(t, "execution fault: ZeroDivisionError: division by zero", out.Reason)

	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 3)
	assert.Equal(t, audit.OutcomePass, recs[0].Outcome)
	assert.Equal(t, audit.OutcomePass, recs[1].Outcome)
	assert.Equal(t, audit.OutcomeFail, recs[2].Outcome)
	assert.Equal(t, "ZeroDivisionError: division by zero", recs[2].Feedback)
	assert.Equal(t, "none://step_3_before", recs[2].BeforeRef)
	assert.Equal(t, "none://step_3_after", recs[2].AfterRef)
	assert.Equal(t, 3, exec.calls)

	refined := out.PostMortem.RefinedGoal
	assert.Equal(t, 1, strings.Count(refined, "Avoided:"))
	assert.Contains(t, refined, "Avoided: Divide the totals because ZeroDivisionError: division by zero")
}

func TestExecutionFaultKeepsFailedWithoutAfterSnapshot(t *testing.T) {
	h := newHarness(t)
	h.deps.Source = beforeOnlySource{}
	h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{continueWith("1/0")}}
	h.deps.Executor = &failingExecutor{failOn: 1}

	out, err := h.build(t).Run(context.Background(), "Compute totals", "")
	require.NoError(t, err)

	assert.Equal(t, audit.StatusFailed, out.Status)
	assert.Equal(t, "execution fault: ZeroDivisionError: division by zero", out.Reason)
	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 1)
	assert.Equal(t, "none://step_1_before", recs[0].BeforeRef)
	assert.Empty(t, recs[0].AfterRef)
	assert.Equal(t, "ZeroDivisionError: division by zero", recs[0].Feedback)
}

func TestVerificationNotAchievedEndsSession(t *testing.T) {
	h := newHarness(t)
	h.deps.Verifier = fixedVerifier{verdict: reasoning.Verdict{Achieved: false, Rationale: "nothing changed"}}

	out, err := h.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)

	assert.Equal(t, audit.StatusFailed, out.Status)
	assert.Equal(t, "verification failed: nothing changed", out.Reason)

	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.OutcomeFail, recs[0].Outcome)
	assert.Equal(t, "Step verification: nothing changed", recs[0].Feedback)
	require.NotNil(t, recs[0].VerificationAchieved)
	assert.False(t, *recs[0].VerificationAchieved)
}

func TestMalformedLiveReplyMatchesStubRun(t *testing.T) {
	stub := newHarness(t)
	stubOut, err := stub.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)

	live := newHarness(t)
	live.deps.Gateway = reasoning.NewLiveGateway(malformedClient{}, 0, 0, nil)
	liveOut, err := live.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)

	assert.Equal(t, stubOut.Status, liveOut.Status)
	assert.Equal(t, stubOut.Steps, liveOut.Steps)

	stubRecs := stub.records(t, stubOut.SessionID)
	liveRecs := live.records(t, liveOut.SessionID)
	require.Len(t, liveRecs, len(stubRecs))
	for i := range stubRecs {
		assert.Equal(t, stubRecs[i].Thought, liveRecs[i].Thought)
		assert.Equal(t, stubRecs[i].Code, liveRecs[i].Code)
		assert.Equal(t, stubRecs[i].Outcome, liveRecs[i].Outcome)
	}
	for _, ev := range live.events {
		assert.True(t, ev.Fallback)
	}
}

func TestUnavailableVerifierFallsBack(t *testing.T) {
	h := newHarness(t)
	h.deps.Verifier = fixedVerifier{err: &reasoning.UnavailableError{Op: "verify", Err: errors.New("timeout")}}

	out, err := h.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSuccess, out.Status)
}

func TestTranslationMissIsSoftFailure(t *testing.T) {
	h := newHarness(t)
	h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{
		{Thought: "Ponder the layout", Status: reasoning.StatusContinue},
		{Thought: "Open Calculator", Code: "open()", Status: reasoning.StatusSuccess},
	}}

	out, err := h.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSuccess, out.Status)

	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Step)
	assert.Equal(t, audit.OutcomeFail, recs[0].Outcome)
	assert.Equal(t, "no actionable instruction", recs[0].Feedback)
	assert.Empty(t, recs[0].Code)
	assert.Equal(t, 2, recs[1].Step)
	assert.Equal(t, audit.OutcomePass, recs[1].Outcome)

	assert.Equal(t, []string{"open()"}, h.dryRun.Executed())
	assert.Contains(t, out.PostMortem.RefinedGoal, "Avoided: Ponder the layout because no actionable instruction")
}

func TestReasoningTranslatesUnmatchedThought(t *testing.T) {
	h := newHarness(t)
	h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{
		{Thought: "Ponder the layout", Status: reasoning.StatusContinue},
		{Thought: "Open Calculator", Code: "open()", Status: reasoning.StatusSuccess},
	}}
	var asked []string
	h.deps.StepTranslator = stepTranslatorFunc(func(_ context.Context, description, envContext string) (string, error) {
		asked = append(asked, description+"|"+envContext)
		return "pyautogui.hotkey('command', 'space')", nil
	})

	out, err := h.build(t).Run(context.Background(), calculatorGoal, "macOS")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSuccess, out.Status)

	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 2)
	assert.Equal(t, audit.OutcomePass, recs[0].Outcome)
	assert.Equal(t, "pyautogui.hotkey('command', 'space')", recs[0].Code)
	assert.Equal(t, "translated by reasoning", recs[0].Feedback)
	assert.Equal(t, []string{"pyautogui.hotkey('command', 'space')", "open()"}, h.dryRun.Executed())
	assert.Equal(t, []string{"Ponder the layout|macOS"}, asked)
}

func TestRuleMatchSkipsReasoningTranslation(t *testing.T) {
	h := newHarness(t)
	h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{
		{Thought: "Type 3+3 and press enter", Status: reasoning.StatusSuccess},
	}}
	h.deps.StepTranslator = stepTranslatorFunc(func(context.Context, string, string) (string, error) {
		t.Fatal("rule match must not reach the step translator")
		return "", nil
	})

	out, err := h.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)
	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Feedback, "translated by rule")
}

func TestReasoningTranslationMissIsSoftFailure(t *testing.T) {
	for name, tr := range map[string]reasoning.StepTranslator{
		"stub": reasoning.StubStepTranslator{},
		"unavailable": stepTranslatorFunc(func(context.Context, string, string) (string, error) {
			return "", &reasoning.UnavailableError{Op: "translate", Err: errors.New("timeout")}
		}),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{
				{Thought: "Ponder the layout", Status: reasoning.StatusContinue},
				{Thought: "Open Calculator", Code: "open()", Status: reasoning.StatusSuccess},
			}}
			h.deps.StepTranslator = tr

			out, err := h.build(t).Run(context.Background(), calculatorGoal, "")
			require.NoError(t, err)
			assert.Equal(t, audit.StatusSuccess, out.Status)

			recs := h.records(t, out.SessionID)
			require.Len(t, recs, 2)
			assert.Equal(t, audit.OutcomeFail, recs[0].Outcome)
			assert.Equal(t, "no actionable instruction", recs[0].Feedback)
			assert.Empty(t, recs[0].Code)
			assert.Equal(t, []string{"open()"}, h.dryRun.Executed())
		})
	}
}

func TestTranslationMissesExhaustBound(t *testing.T) {
	h := newHarness(t)
	h.maxSteps = 3
	h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{
		{Thought: "Stare at the screen", Status: reasoning.StatusContinue},
	}}

	out, err := h.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusLost, out.Status)
	assert.Len(t, h.records(t, out.SessionID), 3)
	assert.Empty(t, h.dryRun.Executed())
}

func TestStepBoundYieldsLost(t *testing.T) {
	h := newHarness(t)
	h.maxSteps = 4
	h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{continueWith("step()")}}

	out, err := h.build(t).Run(context.Background(), "Never finishes", "")
	require.NoError(t, err)

	assert.Equal(t, audit.StatusLost, out.Status)
	assert.Equal(t, "step bound of 4 reached without reaching the goal", out.Reason)
	recs := h.records(t, out.SessionID)
	assert.Len(t, recs, 4)
	for _, r := range recs {
		assert.LessOrEqual(t, r.Step, 4)
	}
	assertPlanContiguous(t, h.store, out.SessionID)
}

func TestReasoningLostEndsSession(t *testing.T) {
	h := newHarness(t)
	h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{
		{Thought: "Open Calculator", Code: "open()", Status: reasoning.StatusLost},
	}}

	out, err := h.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusLost, out.Status)
	assert.Len(t, h.records(t, out.SessionID), 1)
}

func TestFirstDecisionLowersBoundAndCheckpoints(t *testing.T) {
	h := newHarness(t)
	first := continueWith("a()")
	first.TotalSteps = 2
	first.Checkpoints = []int{1}
	gw := &scriptedGateway{decisions: []reasoning.Decision{first, continueWith("b()")}}
	h.deps.Gateway = gw

	out, err := h.build(t).Run(context.Background(), "Two step goal", "")
	require.NoError(t, err)

	assert.Equal(t, audit.StatusLost, out.Status)
	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 2)
	assert.Equal(t, "none://step_1_checkpoint", recs[0].CheckpointRef)
	assert.Empty(t, recs[1].CheckpointRef)
	assert.Equal(t, "none://step_1_before", recs[0].BeforeRef)
	assert.Equal(t, "none://step_1_after", recs[0].AfterRef)

	require.Len(t, gw.requests, 2)
	require.Len(t, gw.requests[1].History, 1)
	assert.Equal(t, "a()", gw.requests[1].History[0].Code)
	assert.Equal(t, "Pass", gw.requests[1].History[0].Outcome)
}

func TestTotalStepsNeverRaisesBound(t *testing.T) {
	h := newHarness(t)
	h.maxSteps = 3
	first := continueWith("a()")
	first.TotalSteps = 50
	h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{first}}

	out, err := h.build(t).Run(context.Background(), "goal", "")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusLost, out.Status)
	assert.Equal(t, 3, out.Steps)
}

func TestObservationFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.deps.Source = failingSource{}

	out, err := h.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)

	assert.Equal(t, audit.StatusFailed, out.Status)
	assert.Contains(t, out.Reason, "observation failed")
	assert.Empty(t, h.records(t, out.SessionID))
	require.NotNil(t, out.PostMortem)
	assert.NotContains(t, out.PostMortem.RefinedGoal, "Avoided:")
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	var o *Orchestrator
	h.deps.Observer = func(ev StepEvent) {
		if ev.Step == 1 {
			o.RequestPause()
		}
	}
	o = h.build(t)

	out, err := o.Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusPaused, out.Status)
	assert.True(t, out.Resumable)
	assert.Nil(t, out.PostMortem)
	assert.Len(t, h.records(t, out.SessionID), 1)

	_, err = h.store.GetPostMortem(context.Background(), out.SessionID)
	assert.ErrorIs(t, err, audit.ErrPostMortemNotFound)

	resumed, err := o.Resume(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSuccess, resumed.Status)
	assert.Equal(t, out.SessionID, resumed.SessionID)

	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 2)
	assert.Equal(t, 2, recs[1].Step)
	assert.Equal(t, "Type 3+3 and press enter", recs[1].Thought)
	require.NotNil(t, resumed.PostMortem)
}

func TestResumeKeepsAdoptedPlan(t *testing.T) {
	h := newHarness(t)
	first := continueWith("a()")
	first.TotalSteps = 3
	first.Checkpoints = []int{3}
	h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{first, continueWith("b()")}}

	var paused *Orchestrator
	h.deps.Observer = func(ev StepEvent) {
		if ev.Step == 1 {
			paused.RequestPause()
		}
	}
	paused = h.build(t)

	out, err := paused.Run(context.Background(), "Three step goal", "")
	require.NoError(t, err)
	require.Equal(t, audit.StatusPaused, out.Status)

	stored, err := h.store.GetSession(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.StepBound)
	assert.Equal(t, []int{3}, stored.Checkpoints)

	h.deps.Observer = nil
	resumed, err := h.build(t).Resume(context.Background(), out.SessionID)
	require.NoError(t, err)

	assert.Equal(t, audit.StatusLost, resumed.Status)
	assert.Equal(t, "step bound of 3 reached without reaching the goal", resumed.Reason)
	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 3)
	assert.Empty(t, recs[1].CheckpointRef)
	assert.Equal(t, "none://step_3_checkpoint", recs[2].CheckpointRef)
}

func TestResumeRequiresPausedSession(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)
	out, err := o.Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)

	_, err = o.Resume(context.Background(), out.SessionID)
	assert.ErrorIs(t, err, ErrNotResumable)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = o.Resume(context.Background(), "missing")
	assert.ErrorIs(t, err, audit.ErrSessionNotFound)
}

func TestRequestAbort(t *testing.T) {
	h := newHarness(t)
	var o *Orchestrator
	h.deps.Observer = func(StepEvent) { o.RequestAbort() }
	o = h.build(t)

	out, err := o.Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusAborted, out.Status)
	assert.Equal(t, "aborted by user", out.Reason)
	assert.False(t, out.Resumable)
	assert.Len(t, h.records(t, out.SessionID), 1)
	require.NotNil(t, out.PostMortem)
}

func TestCancelledContextAborts(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deps.Observer = func(StepEvent) { cancel() }

	out, err := h.build(t).Run(ctx, calculatorGoal, "")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusAborted, out.Status)
	assert.Equal(t, "cancelled", out.Reason)
	assert.Len(t, h.records(t, out.SessionID), 1)
	require.NotNil(t, out.PostMortem)
}

func TestAbortPausedSession(t *testing.T) {
	h := newHarness(t)
	var o *Orchestrator
	h.deps.Observer = func(StepEvent) { o.RequestPause() }
	o = h.build(t)

	out, err := o.Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)
	require.Equal(t, audit.StatusPaused, out.Status)

	aborted, err := o.Abort(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusAborted, aborted.Status)
	assert.Equal(t, 1, aborted.Steps)
	require.NotNil(t, aborted.PostMortem)

	_, err = o.Abort(context.Background(), out.SessionID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEnvironmentLock(t *testing.T) {
	h := newHarness(t)
	h.deps.Lock = busyLock{}
	_, err := h.build(t).Run(context.Background(), calculatorGoal, "")
	assert.ErrorIs(t, err, envlock.ErrEnvironmentBusy)

	sessions, err := h.store.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	lock := &countingLock{}
	h.deps.Lock = lock
	_, err = h.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)
	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)
}

func TestRecordCountNeverExceedsBound(t *testing.T) {
	for bound := 1; bound <= 5; bound++ {
		t.Run(fmt.Sprintf("bound_%d", bound), func(t *testing.T) {
			h := newHarness(t)
			h.maxSteps = bound
			h.deps.Gateway = &scriptedGateway{decisions: []reasoning.Decision{continueWith("x()")}}
			out, err := h.build(t).Run(context.Background(), "a, b, c, d, e, f, g", "")
			require.NoError(t, err)
			assert.LessOrEqual(t, len(h.records(t, out.SessionID)), bound)
			assertPlanContiguous(t, h.store, out.SessionID)

			plan, err := h.store.ListPlanSteps(context.Background(), out.SessionID)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(plan), bound)
		})
	}
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, validateTransition(audit.StatusRunning, audit.StatusPaused))
	assert.NoError(t, validateTransition(audit.StatusPaused, audit.StatusRunning))
	assert.NoError(t, validateTransition(audit.StatusPaused, audit.StatusAborted))
	assert.ErrorIs(t, validateTransition(audit.StatusPaused, audit.StatusSuccess), ErrInvalidTransition)
	for _, terminal := range []audit.SessionStatus{audit.StatusSuccess, audit.StatusLost, audit.StatusFailed, audit.StatusAborted} {
		assert.ErrorIs(t, validateTransition(terminal, audit.StatusRunning), ErrInvalidTransition)
		assert.ErrorIs(t, validateTransition(terminal, audit.StatusAborted), ErrInvalidTransition)
	}
	assert.ErrorIs(t, validateTransition("BOGUS", audit.StatusRunning), ErrInvalidTransition)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)

	h := newHarness(t)
	o, err := New(h.deps, Config{})
	require.NoError(t, err)
	assert.Equal(t, 10, o.cfg.MaxSteps)
}

func TestFaultFeedbackIsRedacted(t *testing.T) {
	h := newHarness(t)
	h.deps.Executor = executorFunc(func(context.Context, string) error {
		return &executor.Fault{Message: "401 for key sk-abcdefghijklmnopqrstuvwxyz0123456789"}
	})

	out, err := h.build(t).Run(context.Background(), calculatorGoal, "")
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, out.Status)

	recs := h.records(t, out.SessionID)
	require.Len(t, recs, 1)
	assert.Equal(t, "401 for key [REDACTED]", recs[0].Feedback)
}

type executorFunc func(ctx context.Context, instruction string) error

func (f executorFunc) Execute(ctx context.Context, instruction string) error {
	return f(ctx, instruction)
}

type stepTranslatorFunc func(ctx context.Context, description, envContext string) (string, error)

func (f stepTranslatorFunc) TranslateStep(ctx context.Context, description, envContext string) (string, error) {
	return f(ctx, description, envContext)
}

// beforeOnlySource fails every capture except the before snapshots.
type beforeOnlySource struct{}

func (beforeOnlySource) Capture(ctx context.Context, name string) (observe.Ref, error) {
	if strings.HasSuffix(name, "_before") {
		return observe.NullSource{}.Capture(ctx, name)
	}
	return "", &observe.Error{Name: name, Err: errors.New("display not reachable")}
}
