package reasoning

import (
	"context"

	"github.com/codefionn/tasker/internal/observe"
)

const (
	openCalculatorCode      = "pyautogui.press('win'); pyautogui.write('calculator'); pyautogui.press('enter')"
	openCalculatorCodeMacOS = "pyautogui.hotkey('command', 'space'); pyautogui.write('Calculator'); pyautogui.press('enter')"
)

// stubSequence is replayed by step ordinal. The second entry has no code so
// the translator supplies the instruction.
var stubSequence = []Decision{
	{
		Thought: "Open Calculator",
		Code:    openCalculatorCode,
		Status:  StatusContinue,
	},
	{
		Thought: "Type 3+3 and press enter",
		Status:  StatusSuccess,
	},
}

// StubGateway returns a fixed decision sequence indexed by step ordinal.
// Steps beyond the sequence repeat its last entry.
type StubGateway struct {
	MacOS bool
}

// Decide never fails.
func (g StubGateway) Decide(_ context.Context, req Request) (Decision, error) {
	return StubDecision(req.Step, g.MacOS), nil
}

// StubDecision returns the canned decision for step.
func StubDecision(step int, macOS bool) Decision {
	idx := step - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(stubSequence) {
		idx = len(stubSequence) - 1
	}
	d := stubSequence[idx]
	if macOS && d.Code == openCalculatorCode {
		d.Code = openCalculatorCodeMacOS
	}
	return d
}

const stubRationale = "stub verification: effect assumed"

// StubVerifier always reports success.
type StubVerifier struct{}

func (StubVerifier) Verify(context.Context, VerifyRequest) (Verdict, error) {
	return Verdict{Achieved: true, Rationale: stubRationale}, nil
}

func (StubVerifier) ValidateGoal(context.Context, string, string, observe.Ref) (Verdict, error) {
	return Verdict{Achieved: true, Rationale: stubRationale}, nil
}
