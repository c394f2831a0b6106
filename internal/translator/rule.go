// Package translator turns natural-language step descriptions into
// executable instructions with an ordered, first-match-wins rule list.
package translator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Rule maps intent text to an instruction template.
//
// A rule matches when any of Patterns is a case-insensitive substring of the
// text, or when every entry of Keywords is present and, if AnyKeywords is
// set, at least one of those too. Capture is a regexp with named groups whose
// values fill "{name}" placeholders in the code template.
type Rule struct {
	Name        string     `json:"name,omitempty"`
	Patterns    stringList `json:"patterns,omitempty"`
	Keywords    stringList `json:"keywords,omitempty"`
	AnyKeywords stringList `json:"any_keywords,omitempty"`
	Capture     string     `json:"capture,omitempty"`
	Code        string     `json:"code,omitempty"`
	CodeMacOS   string     `json:"code_macos,omitempty"`
}

// UnmarshalJSON also accepts the singular "pattern" key.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	var aux struct {
		plain
		Pattern stringList `json:"pattern,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Rule(aux.plain)
	r.Patterns = append(r.Patterns, aux.Pattern...)
	return nil
}

// stringList decodes from either a JSON string or a list of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*l = stringList{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = list
	return nil
}

// Label names the rule for logs and audit feedback.
func (r Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	if len(r.Patterns) > 0 {
		return strconv.Quote(r.Patterns[0])
	}
	return strconv.Quote(strings.Join(r.Keywords, "+"))
}

func (r Rule) hasPredicate() bool {
	return len(r.Patterns) > 0 || len(r.Keywords) > 0
}

// codeFor returns the platform template, falling back to Code.
func (r Rule) codeFor(macOS bool) string {
	if macOS && strings.TrimSpace(r.CodeMacOS) != "" {
		return r.CodeMacOS
	}
	if strings.TrimSpace(r.Code) != "" {
		return r.Code
	}
	return r.CodeMacOS
}

// matches evaluates the predicate over lowered text.
func (r Rule) matches(lowered string) bool {
	for _, p := range r.Patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" && strings.Contains(lowered, p) {
			return true
		}
	}
	if len(r.Keywords) == 0 {
		return false
	}
	for _, k := range r.Keywords {
		if !strings.Contains(lowered, strings.ToLower(k)) {
			return false
		}
	}
	if len(r.AnyKeywords) == 0 {
		return true
	}
	for _, k := range r.AnyKeywords {
		if strings.Contains(lowered, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// Fingerprint identifies a rule by its predicate. Two rules with the same
// patterns and keywords, in any order or case, share a fingerprint.
func Fingerprint(r Rule) uint64 {
	norm := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		sort.Strings(out)
		return out
	}

	d := xxhash.New()
	for _, part := range [][]string{norm(r.Patterns), norm(r.Keywords), norm(r.AnyKeywords)} {
		for _, s := range part {
			d.WriteString(s)
			d.Write([]byte{0})
		}
		d.Write([]byte{1})
	}
	return d.Sum64()
}

// Merge appends the learned rules whose fingerprint is not already present.
// Existing order is kept; the result is a new slice.
func Merge(existing, learned []Rule) (merged []Rule, added int) {
	seen := make(map[uint64]struct{}, len(existing)+len(learned))
	merged = make([]Rule, 0, len(existing)+len(learned))
	for _, r := range existing {
		seen[Fingerprint(r)] = struct{}{}
		merged = append(merged, r)
	}
	for _, r := range learned {
		fp := Fingerprint(r)
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		merged = append(merged, r)
		added++
	}
	return merged, added
}

// compiledRule is a Rule with its capture regexp ready.
type compiledRule struct {
	Rule
	capture *regexp.Regexp
}

func compile(r Rule) (compiledRule, error) {
	c := compiledRule{Rule: r}
	if r.Capture == "" {
		return c, nil
	}
	re, err := regexp.Compile("(?i)" + r.Capture)
	if err != nil {
		return c, fmt.Errorf("rule %s: invalid capture: %w", r.Label(), err)
	}
	c.capture = re
	return c, nil
}
