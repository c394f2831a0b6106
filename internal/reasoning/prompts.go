package reasoning

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/codefionn/tasker/internal/consts"
	"github.com/codefionn/tasker/internal/llm"
)

const imageUnavailableNote = "(Screenshot was captured but could not be attached.)"

var prompts = template.Must(template.New("prompts").Parse(`
{{define "decide_system"}}You operate a desktop computer with pyautogui to reach a goal for the user.
Each turn you see a screenshot of the current screen and the steps already taken.
Decide the single next action.
{{if .EnvContext}}
User context: {{.EnvContext}}
{{end}}
Reply with one JSON object and nothing else:
- "thought": what you will do next, in one sentence
- "code": Python using pyautogui (and time) that performs it, or "" if you cannot write it
- "status": "CONTINUE" if more steps are needed, "SUCCESS" if the goal is reached after this action, "LOST" if you are stuck
{{- if .FirstStep}}
- "total_steps": how many steps you expect the whole task to take
- "checkpoints": step numbers after which a validation screenshot is useful
{{- end}}
{{if not .FirstStep}}
Example response:
{"thought": "Calculator is open. I will type 42.", "code": "pyautogui.write('42'); pyautogui.press('enter')", "status": "SUCCESS"}
{{end}}{{end}}

{{define "decide_user"}}Goal: {{.Goal}}

{{if .History}}Steps already taken (for context):
{{.History}}

{{end}}This is step {{.Step}}. Look at the screenshot and reply with the JSON object{{if .FirstStep}} with keys: thought, code, status, total_steps, checkpoints.{{else}} with keys: thought, code, status.{{end}}{{end}}

{{define "verify_system"}}You check whether a desktop automation step did what it intended.
You get the intended action and screenshots taken before and after it.
{{if .EnvContext}}User context: {{.EnvContext}}
{{end}}Reply with one JSON object: {"achieved": true or false, "reason": "short explanation"}.{{end}}

{{define "verify_user"}}{{if .Goal}}Overall goal: {{.Goal}}
{{end}}Intended action: {{.Thought}}

Did the screen change the way the intended action should have changed it?{{end}}

{{define "validate_system"}}You judge whether a task on a desktop computer was completed.
{{if .EnvContext}}User context: {{.EnvContext}}
{{end}}Reply with one JSON object: {"achieved": true or false, "reason": "short explanation"}.{{end}}

{{define "validate_user"}}Task: {{.Goal}}

Was what was asked achieved in this screenshot?{{end}}

{{define "translate_step_system"}}You turn one step of a desktop task into Python code using pyautogui.
{{if .EnvContext}}User context: {{.EnvContext}}
{{end}}Reply with the code only: no explanation and no markdown fence.
Chain calls on one line with "; ". Use time.sleep for pauses.
If the step cannot be done with pyautogui, reply with: pass{{end}}

{{define "translate_step_user"}}Step: {{.Step}}{{end}}

{{define "plan_system"}}You break desktop tasks into short, concrete steps.
Reply with a JSON array of strings, one per step, and nothing else.{{end}}

{{define "plan_user"}}Task: {{.Goal}}
{{if .EnvContext}}Environment: {{.EnvContext}}
{{end}}Use at most {{.Bound}} steps.{{end}}
`))

func render(name string, data any) string {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		// Templates are static; a failure here is a programming error.
		panic(fmt.Sprintf("render %s: %v", name, err))
	}
	return strings.TrimSpace(buf.String())
}

// formatHistory renders the history block, keeping the newest entries that
// fit the token budget.
func formatHistory(history []HistoryEntry, counter *llm.TokenCounter, budget int) string {
	if len(history) == 0 {
		return ""
	}
	lines := make([]string, len(history))
	for i, h := range history {
		step := h.Step
		if step == 0 {
			step = i + 1
		}
		lines[i] = fmt.Sprintf("Step %d: thought=%s code=%s status=%s outcome=%s",
			step,
			truncate(h.Thought, consts.HistoryThoughtChars),
			truncate(h.Code, consts.HistoryCodeChars),
			h.Status,
			h.Outcome)
	}
	if budget <= 0 {
		return strings.Join(lines, "\n")
	}

	used := 0
	first := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		cost := counter.Count(lines[i]) + 1
		if used+cost > budget && first < len(lines) {
			break
		}
		used += cost
		first = i
	}

	kept := lines[first:]
	if first > 0 {
		kept = append([]string{fmt.Sprintf("(%d earlier steps omitted)", first)}, kept...)
	}
	return strings.Join(kept, "\n")
}
