package translator

import (
	"errors"
	"strings"
)

// ErrNoMatch is returned when no rule applies to the text.
var ErrNoMatch = errors.New("no translation rule matched")

// Match is a successful translation.
type Match struct {
	Rule string
	Code string
}

// Translator evaluates an ordered rule list. It is immutable after New and
// safe for concurrent use.
type Translator struct {
	rules []compiledRule
	macOS bool
}

// New compiles rules in order. Rules without a predicate or code are
// dropped.
func New(rules []Rule, macOS bool) (*Translator, error) {
	t := &Translator{macOS: macOS}
	for _, r := range rules {
		if !r.hasPredicate() || strings.TrimSpace(r.codeFor(macOS)) == "" {
			continue
		}
		c, err := compile(r)
		if err != nil {
			return nil, err
		}
		t.rules = append(t.rules, c)
	}
	return t, nil
}

// Len returns the number of active rules.
func (t *Translator) Len() int {
	return len(t.rules)
}

// Translate returns the instruction for thought or ErrNoMatch.
func (t *Translator) Translate(thought string) (string, error) {
	m, err := t.Match(thought)
	if err != nil {
		return "", err
	}
	return m.Code, nil
}

// Match returns the first rule that applies to thought together with the
// rendered instruction. Later rules are never considered once one matches.
func (t *Translator) Match(thought string) (Match, error) {
	text := strings.TrimSpace(thought)
	if text == "" {
		return Match{}, ErrNoMatch
	}
	lowered := strings.ToLower(text)

	for _, r := range t.rules {
		if !r.matches(lowered) {
			continue
		}
		values := map[string]string{}
		if r.capture != nil {
			sub := r.capture.FindStringSubmatch(text)
			if sub == nil {
				continue
			}
			for i, name := range r.capture.SubexpNames() {
				if name != "" {
					values[name] = strings.TrimSpace(sub[i])
				}
			}
		}
		return Match{Rule: r.Label(), Code: t.render(r.codeFor(t.macOS), values)}, nil
	}
	return Match{}, ErrNoMatch
}

func (t *Translator) render(template string, values map[string]string) string {
	pairs := []string{"{modifier}", Modifier(t.macOS)}
	for name, v := range values {
		pairs = append(pairs, "{"+name+"}", escape(v))
	}
	return strings.TrimSpace(strings.NewReplacer(pairs...).Replace(template))
}

// Modifier is the platform's launcher key name.
func Modifier(macOS bool) string {
	if macOS {
		return "command"
	}
	return "win"
}

// escape makes v safe inside a single-quoted Python string literal.
func escape(v string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`).Replace(v)
}
