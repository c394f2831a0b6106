package translator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Builtin returns the rules that always follow the file rules.
func Builtin() []Rule {
	return []Rule{
		{
			Name:        "open-calculator",
			Keywords:    stringList{"calculator"},
			AnyKeywords: stringList{"open", "launch", "run", "start"},
			Code:        "pyautogui.hotkey('win', 'r'); pyautogui.write('calc'); pyautogui.press('enter')",
			CodeMacOS:   "pyautogui.hotkey('command', 'space'); pyautogui.write('Calculator'); pyautogui.press('enter')",
		},
		{
			Name:     "type-and-enter",
			Keywords: stringList{"type", "enter"},
			Capture:  `type\s+['"]?(?P<text>.+?)['"]?[,.;]?\s+(?:and\s+|then\s+)?(?:press|hit)\s+enter`,
			Code:     "pyautogui.write('{text}'); pyautogui.press('enter')",
		},
		{
			Name:     "type-expression",
			Keywords: stringList{"type", "enter"},
			Capture:  `type\s+(?P<text>\d+\s*[-+*/]\s*\d+)`,
			Code:     "pyautogui.write('{text}'); pyautogui.press('enter')",
		},
		{
			Name:     "type-hello-world",
			Keywords: stringList{"hello world", "type"},
			Code:     "pyautogui.write('Hello World')",
		},
	}
}

// LoadRules reads the rule file. The file holds either a JSON list of rules
// or an object with a "rules" list. A missing file is an empty list.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a rule document, preserving order.
func ParseRules(data []byte) ([]Rule, error) {
	var list []Rule
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var doc struct {
		Rules     []Rule `json:"rules"`
		RulesList []Rule `json:"rules_list"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if doc.Rules != nil {
		return doc.Rules, nil
	}
	return doc.RulesList, nil
}

// SaveRules writes rules as a JSON list via a temporary file and rename.
func SaveRules(path string, rules []Rule) error {
	if rules == nil {
		rules = []Rule{}
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Load builds a translator from the rule file followed by the builtin rules.
func Load(path string, macOS bool) (*Translator, error) {
	fileRules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return New(append(fileRules, Builtin()...), macOS)
}
