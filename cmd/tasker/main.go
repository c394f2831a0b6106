package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/tasker/internal/audit"
	"github.com/codefionn/tasker/internal/config"
	"github.com/codefionn/tasker/internal/envinfo"
	"github.com/codefionn/tasker/internal/envlock"
	"github.com/codefionn/tasker/internal/executor"
	"github.com/codefionn/tasker/internal/improve"
	"github.com/codefionn/tasker/internal/llm"
	"github.com/codefionn/tasker/internal/logger"
	"github.com/codefionn/tasker/internal/observe"
	"github.com/codefionn/tasker/internal/orchestrator"
	"github.com/codefionn/tasker/internal/reasoning"
	"github.com/codefionn/tasker/internal/report"
	"github.com/codefionn/tasker/internal/securemem"
	"github.com/codefionn/tasker/internal/translator"
)

const usage = `Usage: tasker [-config path] <command> [options]

Commands:
  run       -goal "..." [-max-steps N] [-dry-run] [-stub] [-browser name]
  resume    -session ID
  abort     -session ID
  sessions  [-limit N]
  report    -session ID
  rules     learn | check -thought "..."
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// app holds what every command needs.
type app struct {
	cfg     *config.Config
	store   *audit.SQLiteStore
	printer *report.Printer
	stderr  io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("tasker", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", config.GetConfigPath(), "Path to the configuration file")
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 2
	}

	a, err := setup(*configPath, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "run":
		err = a.runCommand(cmdArgs)
	case "resume":
		err = a.resumeCommand(cmdArgs)
	case "abort":
		err = a.abortCommand(cmdArgs)
	case "sessions":
		err = a.sessionsCommand(cmdArgs)
	case "report":
		err = a.reportCommand(cmdArgs)
	case "rules":
		err = a.rulesCommand(cmdArgs)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	if err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			return int(exit)
		}
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		logger.Error("%s failed: %v", cmd, err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// exitError carries a non-zero exit status without an error message.
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func setup(configPath string, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv(nil)

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("tasker starting (config %s)", configPath)

	store, err := audit.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Global().Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, printer: report.New(stdout), stderr: stderr}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("failed to close audit store: %v", err)
	}
	securemem.Purge()
	if err := logger.Global().Close(); err != nil {
		fmt.Fprintf(a.stderr, "Warning: failed to close logger: %v\n", err)
	}
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *app) runCommand(args []string) error {
	fs := a.flags("run")
	goal := fs.String("goal", "", "Goal to reach")
	maxSteps := fs.Int("max-steps", 0, "Step bound (default from config)")
	dryRun := fs.Bool("dry-run", false, "Record instructions without executing them")
	stub := fs.Bool("stub", false, "Use the deterministic reasoning strategy")
	browser := fs.String("browser", "", "Browser named in the environment context")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *goal == "" {
		*goal = strings.Join(fs.Args(), " ")
	}
	if strings.TrimSpace(*goal) == "" {
		return errors.New("a goal is required (-goal)")
	}

	if *maxSteps > 0 {
		a.cfg.MaxSteps = *maxSteps
	}
	if *dryRun {
		a.cfg.Execution.Mode = config.ModeDryRun
	}
	if *stub {
		a.cfg.Reasoning.UseStub = true
	}
	if *browser != "" {
		a.cfg.Browser = *browser
	}

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	ctx, stop := a.handleSignals(orch)
	defer stop()

	out, err := orch.Run(ctx, *goal, envinfo.Describe(ctx, a.cfg.Browser))
	return a.finish(out, err)
}

func (a *app) resumeCommand(args []string) error {
	fs := a.flags("resume")
	sessionID := fs.String("session", "", "Session to resume")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("-session is required")
	}

	session, err := a.store.GetSession(context.Background(), *sessionID)
	if err != nil {
		return err
	}
	a.cfg.MaxSteps = session.MaxSteps

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	ctx, stop := a.handleSignals(orch)
	defer stop()

	out, err := orch.Resume(ctx, *sessionID)
	return a.finish(out, err)
}

func (a *app) abortCommand(args []string) error {
	fs := a.flags("abort")
	sessionID := fs.String("session", "", "Session to abort")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("-session is required")
	}

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	out, err := orch.Abort(context.Background(), *sessionID)
	if err != nil {
		return err
	}
	a.printer.Outcome(out)
	return nil
}

func (a *app) sessionsCommand(args []string) error {
	fs := a.flags("sessions")
	limit := fs.Int("limit", 20, "Maximum number of sessions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sessions, err := a.store.ListSessions(context.Background(), *limit)
	if err != nil {
		return err
	}
	a.printer.Sessions(sessions)
	return nil
}

func (a *app) reportCommand(args []string) error {
	fs := a.flags("report")
	sessionID := fs.String("session", "", "Session to report")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("-session is required")
	}

	ctx := context.Background()
	session, err := a.store.GetSession(ctx, *sessionID)
	if err != nil {
		return err
	}
	plan, err := a.store.ListPlanSteps(ctx, session.ID)
	if err != nil {
		return err
	}
	records, err := a.store.ListActions(ctx, session.ID)
	if err != nil {
		return err
	}
	pm, err := a.store.GetPostMortem(ctx, session.ID)
	if err != nil && !errors.Is(err, audit.ErrPostMortemNotFound) {
		return err
	}
	a.printer.Session(session, plan, records, pm)
	return nil
}

func (a *app) rulesCommand(args []string) error {
	if len(args) == 0 {
		return errors.New("rules: expected learn or check")
	}
	switch args[0] {
	case "learn":
		added, err := improve.NewMiner(a.store, logger.Global()).Learn(context.Background(), a.cfg.RulesPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.printerOut(), "Added %d rule(s) to %s\n", added, a.cfg.RulesPath)
		return nil
	case "check":
		fs := a.flags("rules check")
		thought := fs.String("thought", "", "Intent text to translate")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		tr, err := translator.Load(a.cfg.RulesPath, envinfo.IsMacOS())
		if err != nil {
			return err
		}
		match, err := tr.Match(*thought)
		if errors.Is(err, translator.ErrNoMatch) {
			fmt.Fprintln(a.printerOut(), "No rule matched.")
			return exitError(1)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(a.printerOut(), "Rule: %s\nInstruction: %s\n", match.Rule, match.Code)
		return nil
	default:
		return fmt.Errorf("rules: unknown subcommand %q", args[0])
	}
}

func (a *app) printerOut() io.Writer {
	return a.printer.Writer()
}

// orchestrator wires the configured strategies into an Orchestrator.
func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.Global()
	macOS := envinfo.IsMacOS()

	key := securemem.NewCredential(llm.ResolveAPIKey(cfg.Reasoning.Provider, cfg.Reasoning.APIKey))
	cfg.Reasoning.APIKey = ""
	strategies, err := reasoning.New(cfg, key, macOS, nil, log)
	if err != nil {
		return nil, err
	}

	tr, err := translator.Load(cfg.RulesPath, macOS)
	if err != nil {
		return nil, err
	}
	log.Info("translator: %d rule(s) active", tr.Len())

	var source observe.Source = observe.NullSource{}
	if cfg.Observation.Mode == config.ModeCommand {
		dir := filepath.Join(cfg.Observation.ScreenshotsDir, time.Now().Format("20060102-150405"))
		source = observe.NewCommandSource(cfg.Observation.Command, dir, log)
	}

	var exec executor.Executor
	if cfg.Execution.Mode == config.ModeDryRun {
		exec = executor.NewDryRunExecutor(log)
	} else {
		exec = executor.NewCommandExecutor(executor.Options{
			Interpreter:    cfg.Execution.Interpreter,
			Prelude:        cfg.Execution.Prelude,
			StatementDelay: time.Duration(cfg.Execution.StatementDelayMS) * time.Millisecond,
			SettleDelay:    time.Duration(cfg.Execution.SettleDelayMS) * time.Millisecond,
		}, log)
	}

	return orchestrator.New(orchestrator.Deps{
		Store:            a.store,
		Source:           source,
		Gateway:          strategies.Gateway,
		Fallback:         reasoning.StubGateway{MacOS: macOS},
		Verifier:         strategies.Verifier,
		FallbackVerifier: reasoning.StubVerifier{},
		Planner:          strategies.Planner,
		Translator:       tr,
		StepTranslator:   strategies.Translator,
		Executor:         exec,
		Improver:         improve.NewEngine(a.store, log),
		Lock:             envlock.New(cfg.LockPath),
		Observer:         a.printer.Step,
		Logger:           logger.NewSlog(log, a.stderr, slog.LevelWarn),
	}, orchestrator.Config{MaxSteps: cfg.MaxSteps})
}

// handleSignals maps SIGINT/SIGTERM to a cooperative abort and the pause
// signal to a pause request. A second interrupt cancels the context.
func (a *app) handleSignals(orch *orchestrator.Orchestrator) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, append([]os.Signal{syscall.SIGINT, syscall.SIGTERM}, pauseSignals...)...)

	go func() {
		interrupts := 0
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				if isPauseSignal(sig) {
					fmt.Fprintln(a.stderr, "Pause requested; stopping after the current step.")
					orch.RequestPause()
					continue
				}
				interrupts++
				if interrupts > 1 {
					cancel()
					return
				}
				fmt.Fprintln(a.stderr, "Abort requested; stopping after the current step.")
				orch.RequestAbort()
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// finish prints out and maps its status to the exit code.
func (a *app) finish(out *orchestrator.Outcome, err error) error {
	if out != nil {
		a.printer.Outcome(out)
	}
	if err != nil {
		return err
	}
	switch out.Status {
	case audit.StatusSuccess, audit.StatusPaused:
		return nil
	default:
		return exitError(1)
	}
}
