// Package report renders sessions and step progress for the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/codefionn/tasker/internal/audit"
	"github.com/codefionn/tasker/internal/orchestrator"
)

const defaultWidth = 80

var (
	stepStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	passStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	thoughtStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("150"))
	codeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
	resumeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	fallbackStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// Printer writes reports. Styling is only used on terminals.
type Printer struct {
	w      io.Writer
	styled bool
	width  int
}

// New returns a printer for w, styled when w is a terminal.
func New(w io.Writer) *Printer {
	p := &Printer{w: w, width: defaultWidth}
	if f, ok := w.(*os.File); ok {
		fd := int(f.Fd())
		if term.IsTerminal(fd) {
			p.styled = true
			if width, _, err := term.GetSize(fd); err == nil && width > 0 {
				p.width = width
			}
		}
	}
	return p
}

// NewPlain returns a printer that never styles its output.
func NewPlain(w io.Writer) *Printer {
	return &Printer{w: w, width: defaultWidth}
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer {
	return p.w
}

func (p *Printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *Printer) outcome(o audit.Outcome) string {
	if o == audit.OutcomePass {
		return p.render(passStyle, string(o))
	}
	return p.render(failStyle, string(o))
}

// Step prints one progress line for a recorded step.
func (p *Printer) Step(ev orchestrator.StepEvent) {
	line := fmt.Sprintf("%s %s %s",
		p.render(stepStyle, fmt.Sprintf("[%d/%d]", ev.Step, ev.Bound)),
		p.outcome(ev.Outcome),
		p.render(thoughtStyle, ev.Thought))
	if ev.Fallback {
		line += " " + p.render(fallbackStyle, "(fallback)")
	}
	fmt.Fprintln(p.w, line)
	if ev.Code != "" {
		fmt.Fprintln(p.w, "    "+p.render(codeStyle, ev.Code))
	}
	if ev.Feedback != "" {
		fmt.Fprintln(p.w, "    "+ev.Feedback)
	}
}

// Outcome prints the final status of a run.
func (p *Printer) Outcome(out *orchestrator.Outcome) {
	status := string(out.Status)
	switch {
	case out.Status == audit.StatusSuccess:
		status = p.render(passStyle, status)
	case out.Resumable:
		status = p.render(resumeStyle, status+" (resumable)")
	default:
		status = p.render(failStyle, status)
	}
	fmt.Fprintf(p.w, "Session %s: %s after %d step(s)\n", out.SessionID, status, out.Steps)
	if out.Reason != "" {
		fmt.Fprintf(p.w, "Reason: %s\n", out.Reason)
	}
	if out.Resumable {
		fmt.Fprintf(p.w, "Resume with: tasker resume -session %s\n", out.SessionID)
	}
	if out.PostMortem != nil {
		fmt.Fprintln(p.w)
		p.markdown(refinedGoalMarkdown(out.PostMortem))
	}
}

// Sessions prints a table of sessions, newest first.
func (p *Printer) Sessions(sessions []*audit.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(p.w, "No sessions.")
		return
	}
	for _, s := range sessions {
		fmt.Fprintf(p.w, "%s  %-8s  %s  %s\n",
			s.ID, s.Status, s.CreatedAt.Local().Format("2006-01-02 15:04"), oneLine(s.Goal, 60))
	}
}

// Session prints the full audit trail of one session.
func (p *Printer) Session(s *audit.Session, plan []*audit.PlanStep, records []*audit.ActionRecord, pm *audit.PostMortem) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", s.ID)
	fmt.Fprintf(&b, "- **Goal:** %s\n", s.Goal)
	if s.EnvContext != "" {
		fmt.Fprintf(&b, "- **Environment:** %s\n", s.EnvContext)
	}
	fmt.Fprintf(&b, "- **Status:** %s", s.Status)
	if s.Reason != "" {
		fmt.Fprintf(&b, " (%s)", s.Reason)
	}
	fmt.Fprintf(&b, "\n- **Steps:** %d of %d\n", len(records), s.EffectiveBound())

	if len(plan) > 0 {
		b.WriteString("\n## Plan\n\n")
		for _, step := range plan {
			mark := " "
			if step.CompletedAt != nil {
				mark = "x"
			}
			fmt.Fprintf(&b, "%d. [%s] %s\n", step.Ordinal, mark, step.Description)
		}
	}

	if len(records) > 0 {
		b.WriteString("\n## Actions\n\n")
		for _, r := range records {
			fmt.Fprintf(&b, "### Step %d: %s (%s)\n\n", r.Step, r.Outcome, r.ReasoningStatus)
			fmt.Fprintf(&b, "%s\n\n", r.Thought)
			if r.Code != "" {
				fmt.Fprintf(&b, "```python\n%s\n```\n\n", r.Code)
			}
			if r.Feedback != "" {
				fmt.Fprintf(&b, "> %s\n\n", oneLine(r.Feedback, 400))
			}
			if r.VerificationReason != "" {
				fmt.Fprintf(&b, "Verification: %s\n\n", r.VerificationReason)
			}
		}
	}

	if pm != nil {
		b.WriteString(refinedGoalMarkdown(pm))
	}
	p.markdown(b.String())
}

func refinedGoalMarkdown(pm *audit.PostMortem) string {
	var b strings.Builder
	b.WriteString("## Post-mortem\n\n")
	if pm.Summary != "" {
		b.WriteString(pm.Summary + "\n\n")
	}
	if pm.ValidationAchieved != nil {
		verdict := "not achieved"
		if *pm.ValidationAchieved {
			verdict = "achieved"
		}
		fmt.Fprintf(&b, "Final validation: %s. %s\n\n", verdict, pm.ValidationReason)
	}
	fmt.Fprintf(&b, "```text\n%s\n```\n", pm.RefinedGoal)
	return b.String()
}

// markdown renders md with glamour on terminals and prints it as is otherwise.
func (p *Printer) markdown(md string) {
	if p.styled {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(p.width),
			glamour.WithPreservedNewLines(),
		)
		if err == nil {
			if out, err := renderer.Render(md); err == nil {
				fmt.Fprint(p.w, out)
				return
			}
		}
	}
	fmt.Fprint(p.w, md)
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit-3]) + "..."
	}
	return s
}
