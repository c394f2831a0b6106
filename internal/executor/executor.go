// Package executor runs instructions against the environment. Every
// instruction the orchestrator executes passes through an Executor.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/codefionn/tasker/internal/consts"
	"github.com/codefionn/tasker/internal/logger"
)

// Executor runs one instruction. A failing instruction yields a *Fault.
type Executor interface {
	Execute(ctx context.Context, instruction string) error
}

// Fault is an instruction that raised or could not be started.
type Fault struct {
	Message  string
	Output   string
	ExitCode int
}

func (f *Fault) Error() string {
	return f.Message
}

// Options configures a CommandExecutor.
type Options struct {
	Interpreter    []string
	Prelude        string
	StatementDelay time.Duration
	SettleDelay    time.Duration
}

// CommandExecutor runs instructions with an external interpreter, by default
// "python3 -c <prelude><instruction>".
type CommandExecutor struct {
	opts Options
	log  *logger.Logger
}

// NewCommandExecutor returns an executor for opts.
func NewCommandExecutor(opts Options, log *logger.Logger) *CommandExecutor {
	if len(opts.Interpreter) == 0 {
		opts.Interpreter = []string{"python3", "-c"}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &CommandExecutor{opts: opts, log: log.WithPrefix("executor")}
}

// Execute runs the rewritten instruction and waits for the UI to settle
// after a success.
func (e *CommandExecutor) Execute(ctx context.Context, instruction string) error {
	script := e.opts.Prelude + Rewrite(instruction, e.opts.StatementDelay)
	argv := append(append([]string{}, e.opts.Interpreter...), script)

	e.log.Debug("executing: %s", strings.TrimSpace(instruction))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		fault := &Fault{
			Message:  faultMessage(stderr.String(), err),
			Output:   truncate(stdout.String()+stderr.String(), consts.MaxFeedbackChars),
			ExitCode: -1,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			fault.ExitCode = exitErr.ExitCode()
		}
		e.log.Warn("instruction failed: %s", fault.Message)
		return fault
	}

	if e.opts.SettleDelay > 0 {
		timer := time.NewTimer(e.opts.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return nil
}

// Rewrite adapts generated instructions to the interpreter: pyautogui.sleep
// becomes time.sleep, and chained pyautogui calls get a pause in between so
// the UI can follow.
func Rewrite(instruction string, statementDelay time.Duration) string {
	code := strings.TrimSpace(instruction)
	code = strings.ReplaceAll(code, "pyautogui.sleep(", "time.sleep(")
	if statementDelay > 0 {
		pause := fmt.Sprintf("; time.sleep(%g); pyautogui.", statementDelay.Seconds())
		code = strings.ReplaceAll(code, "; pyautogui.", pause)
	}
	return code + "\n"
}

// faultMessage picks the exception line of a Python traceback, falling back
// to the last stderr line or the process error.
func faultMessage(stderr string, err error) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return truncate(line, consts.MaxFeedbackChars)
	}
	return err.Error()
}

// truncate keeps at most limit runes of s.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// DryRunExecutor records instructions without running them.
type DryRunExecutor struct {
	mu       sync.Mutex
	executed []string
	log      *logger.Logger
}

// NewDryRunExecutor returns an executor that only logs.
func NewDryRunExecutor(log *logger.Logger) *DryRunExecutor {
	if log == nil {
		log = logger.Discard()
	}
	return &DryRunExecutor{log: log.WithPrefix("executor")}
}

func (e *DryRunExecutor) Execute(ctx context.Context, instruction string) error {
	if err := ctx.Err(); err != nil {
		return &Fault{Message: err.Error(), ExitCode: -1}
	}
	e.mu.Lock()
	e.executed = append(e.executed, instruction)
	e.mu.Unlock()
	e.log.Info("dry run: %s", strings.TrimSpace(instruction))
	return nil
}

// Executed returns the recorded instructions in order.
func (e *DryRunExecutor) Executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.executed))
	copy(out, e.executed)
	return out
}
