// Package orchestrator drives the bounded observe, decide, execute, verify
// loop for a goal and owns its termination policy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/codefionn/tasker/internal/audit"
	"github.com/codefionn/tasker/internal/consts"
	"github.com/codefionn/tasker/internal/executor"
	"github.com/codefionn/tasker/internal/observe"
	"github.com/codefionn/tasker/internal/reasoning"
	"github.com/codefionn/tasker/internal/redact"
	"github.com/codefionn/tasker/internal/translator"
)

// ErrAlreadyRunning is returned when Run or Resume is called while this
// orchestrator is already driving a session.
var ErrAlreadyRunning = errors.New("orchestrator is already running a session")

// Translator maps intent text to an instruction. A miss is translator.ErrNoMatch.
type Translator interface {
	Match(thought string) (translator.Match, error)
}

// Improver writes the post-mortem of a terminal session.
type Improver interface {
	Summarize(ctx context.Context, sessionID string) (*audit.PostMortem, error)
	SummarizeWithValidation(ctx context.Context, sessionID string, achieved bool, reason string) (*audit.PostMortem, error)
}

// Locker guards exclusive use of the environment.
type Locker interface {
	Acquire(sessionID string) error
	Release() error
}

// Deps are the collaborators of an Orchestrator. Fallback, FallbackVerifier,
// Planner, StepTranslator, Lock, Observer and Logger are optional.
type Deps struct {
	Store            audit.Store
	Source           observe.Source
	Gateway          reasoning.Gateway
	Fallback         reasoning.Gateway
	Verifier         reasoning.Verifier
	FallbackVerifier reasoning.Verifier
	Planner          reasoning.Planner
	Translator       Translator
	StepTranslator   reasoning.StepTranslator
	Executor         executor.Executor
	Improver         Improver
	Lock             Locker
	Observer         Observer
	Logger           *slog.Logger
}

// Config bounds a session.
type Config struct {
	MaxSteps int
}

// Outcome is the terminal (or paused) result of a run.
type Outcome struct {
	SessionID  string
	Status     audit.SessionStatus
	Reason     string
	Steps      int
	Resumable  bool
	PostMortem *audit.PostMortem
}

// Orchestrator runs sessions one at a time.
type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *slog.Logger

	running        atomic.Bool
	pauseRequested atomic.Bool
	abortRequested atomic.Bool
}

// New validates deps and fills in defaults.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Source == nil:
		return nil, errors.New("orchestrator: observation source is required")
	case deps.Gateway == nil:
		return nil, errors.New("orchestrator: reasoning gateway is required")
	case deps.Verifier == nil:
		return nil, errors.New("orchestrator: verifier is required")
	case deps.Translator == nil:
		return nil, errors.New("orchestrator: translator is required")
	case deps.Executor == nil:
		return nil, errors.New("orchestrator: executor is required")
	case deps.Improver == nil:
		return nil, errors.New("orchestrator: improver is required")
	}
	if deps.Fallback == nil {
		deps.Fallback = reasoning.StubGateway{}
	}
	if deps.FallbackVerifier == nil {
		deps.FallbackVerifier = reasoning.StubVerifier{}
	}
	if deps.Planner == nil {
		deps.Planner = reasoning.SplitPlanner{}
	}
	if deps.StepTranslator == nil {
		deps.StepTranslator = reasoning.StubStepTranslator{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxSteps < 1 {
		cfg.MaxSteps = consts.DefaultMaxSteps
	}
	return &Orchestrator{deps: deps, cfg: cfg, log: deps.Logger.With("component", "orchestrator")}, nil
}

// RequestPause asks the loop to pause before its next iteration.
func (o *Orchestrator) RequestPause() {
	o.pauseRequested.Store(true)
}

// RequestAbort asks the loop to abort before its next iteration.
func (o *Orchestrator) RequestAbort() {
	o.abortRequested.Store(true)
}

func (o *Orchestrator) begin() error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	o.pauseRequested.Store(false)
	o.abortRequested.Store(false)
	return nil
}

func (o *Orchestrator) end() {
	o.running.Store(false)
}

// Run creates a session for goal and drives it to a terminal or paused state.
func (o *Orchestrator) Run(ctx context.Context, goal, envContext string) (*Outcome, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	session := &audit.Session{
		ID:         audit.NewSessionID(),
		Goal:       goal,
		EnvContext: envContext,
		Status:     audit.StatusRunning,
		MaxSteps:   o.cfg.MaxSteps,
	}

	if err := o.acquire(session.ID); err != nil {
		return nil, err
	}
	defer o.release()

	if err := o.deps.Store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	steps, err := o.deps.Planner.Plan(ctx, goal, envContext, session.MaxSteps)
	if err != nil || len(steps) == 0 {
		o.log.Warn("planning failed, using the goal as the only plan step", "session", session.ID, "error", err)
		steps = []string{goal}
	}
	if err := o.deps.Store.CreatePlan(ctx, session.ID, steps); err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}

	o.log.Info("session started", "session", session.ID, "goal", goal, "max_steps", session.MaxSteps, "plan_steps", len(steps))
	return o.loop(ctx, newRunState(session, nil))
}

// Resume continues a paused session at its next ordinal.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*Outcome, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	session, err := o.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != audit.StatusPaused {
		return nil, fmt.Errorf("%w: session is %s", ErrNotResumable, session.Status)
	}

	if err := o.acquire(session.ID); err != nil {
		return nil, err
	}
	defer o.release()

	records, err := o.deps.Store.ListActions(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if err := o.deps.Store.UpdateSessionStatus(ctx, session.ID, audit.StatusRunning, ""); err != nil {
		return nil, err
	}
	session.Status = audit.StatusRunning

	o.log.Info("session resumed", "session", session.ID, "next_step", len(records)+1)
	return o.loop(ctx, newRunState(session, records))
}

// Abort ends a session that is not being driven by any process.
func (o *Orchestrator) Abort(ctx context.Context, sessionID string) (*Outcome, error) {
	if o.running.Load() {
		return nil, ErrAlreadyRunning
	}
	session, err := o.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(session.Status, audit.StatusAborted); err != nil {
		return nil, err
	}

	// A RUNNING session may still be driven by a live process holding the lock.
	if err := o.acquire(session.ID); err != nil {
		return nil, err
	}
	defer o.release()

	records, err := o.deps.Store.ListActions(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return o.finish(ctx, newRunState(session, records), audit.StatusAborted, "aborted by user")
}

func (o *Orchestrator) acquire(sessionID string) error {
	if o.deps.Lock == nil {
		return nil
	}
	return o.deps.Lock.Acquire(sessionID)
}

func (o *Orchestrator) release() {
	if o.deps.Lock == nil {
		return
	}
	if err := o.deps.Lock.Release(); err != nil {
		o.log.Warn("failed to release environment lock", "error", err)
	}
}

func (o *Orchestrator) loop(ctx context.Context, st *runState) (*Outcome, error) {
	for {
		switch {
		case ctx.Err() != nil:
			return o.finish(ctx, st, audit.StatusAborted, "cancelled")
		case o.abortRequested.Load():
			return o.finish(ctx, st, audit.StatusAborted, "aborted by user")
		case o.pauseRequested.Load():
			return o.pause(ctx, st)
		case st.ordinal > st.bound:
			return o.finish(ctx, st, audit.StatusLost,
				fmt.Sprintf("step bound of %d reached without reaching the goal", st.bound))
		}

		// A started step runs to completion; cancellation is honoured above.
		result, err := o.step(context.WithoutCancel(ctx), st)
		if err != nil {
			return nil, err
		}
		if result.terminal {
			return o.finish(ctx, st, result.status, result.reason)
		}
	}
}

func (o *Orchestrator) pause(ctx context.Context, st *runState) (*Outcome, error) {
	const reason = "paused by user"
	if err := validateTransition(st.session.Status, audit.StatusPaused); err != nil {
		return nil, err
	}
	if err := o.deps.Store.UpdateSessionStatus(context.WithoutCancel(ctx), st.session.ID, audit.StatusPaused, reason); err != nil {
		return nil, err
	}
	st.session.Status = audit.StatusPaused
	o.log.Info("session paused", "session", st.session.ID, "next_step", st.ordinal)
	return &Outcome{
		SessionID: st.session.ID,
		Status:    audit.StatusPaused,
		Reason:    reason,
		Steps:     len(st.history),
		Resumable: true,
	}, nil
}

// finish moves the session to a terminal status and writes its post-mortem.
// It runs to completion even when ctx is already cancelled.
func (o *Orchestrator) finish(ctx context.Context, st *runState, status audit.SessionStatus, reason string) (*Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	reason = redact.String(reason)

	if err := validateTransition(st.session.Status, status); err != nil {
		return nil, err
	}
	if err := o.deps.Store.UpdateSessionStatus(ctx, st.session.ID, status, reason); err != nil {
		return nil, err
	}
	st.session.Status = status

	outcome := &Outcome{
		SessionID: st.session.ID,
		Status:    status,
		Reason:    reason,
		Steps:     len(st.history),
	}

	var (
		pm  *audit.PostMortem
		err error
	)
	if status == audit.StatusSuccess {
		verdict := o.validateGoal(ctx, st)
		pm, err = o.deps.Improver.SummarizeWithValidation(ctx, st.session.ID, verdict.Achieved, verdict.Rationale)
	} else {
		pm, err = o.deps.Improver.Summarize(ctx, st.session.ID)
	}
	if err != nil {
		o.log.Error("failed to write post-mortem", "session", st.session.ID, "error", err)
		return outcome, fmt.Errorf("failed to write post-mortem: %w", err)
	}
	outcome.PostMortem = pm

	o.log.Info("session finished", "session", st.session.ID, "status", string(status), "reason", reason, "steps", outcome.Steps)
	return outcome, nil
}

func (o *Orchestrator) validateGoal(ctx context.Context, st *runState) reasoning.Verdict {
	ref := st.lastAfter
	if final, err := o.deps.Source.Capture(ctx, "final"); err == nil {
		ref = final
	} else {
		o.log.Warn("final snapshot failed", "session", st.session.ID, "error", err)
	}

	verdict, err := o.deps.Verifier.ValidateGoal(ctx, st.session.Goal, st.session.EnvContext, ref)
	if err != nil {
		o.log.Warn("goal validation unavailable, using fallback", "session", st.session.ID, "error", err)
		verdict, err = o.deps.FallbackVerifier.ValidateGoal(ctx, st.session.Goal, st.session.EnvContext, ref)
		if err != nil {
			return reasoning.Verdict{Achieved: false, Rationale: err.Error()}
		}
	}
	return verdict
}
