package improve

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/tasker/internal/audit"
	"github.com/codefionn/tasker/internal/consts"
	"github.com/codefionn/tasker/internal/logger"
	"github.com/codefionn/tasker/internal/translator"
)

// Miner learns translator rules from passing steps in the audit store.
type Miner struct {
	store audit.Store
	log   *logger.Logger
}

// NewMiner creates a Miner over store.
func NewMiner(store audit.Store, log *logger.Logger) *Miner {
	if log == nil {
		log = logger.Discard()
	}
	return &Miner{store: store, log: log.WithPrefix("miner")}
}

// Rules returns one rule per distinct thought, most frequent pair first.
func (m *Miner) Rules(ctx context.Context) ([]translator.Rule, error) {
	pairs, err := m.store.SuccessfulPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query successful pairs: %w", err)
	}

	seen := make(map[string]struct{}, len(pairs))
	var rules []translator.Rule
	for _, p := range pairs {
		pattern := LearnedPattern(p.Thought)
		if pattern == "" {
			continue
		}
		if _, ok := seen[pattern]; ok {
			continue
		}
		seen[pattern] = struct{}{}

		r := translator.Rule{Patterns: []string{pattern}, Code: p.Code}
		r.Name = fmt.Sprintf("learned-%016x", translator.Fingerprint(r))
		rules = append(rules, r)
	}
	return rules, nil
}

// Learn merges mined rules into the rule file at path and returns how many
// were new.
func (m *Miner) Learn(ctx context.Context, path string) (int, error) {
	learned, err := m.Rules(ctx)
	if err != nil {
		return 0, err
	}
	existing, err := translator.LoadRules(path)
	if err != nil {
		return 0, err
	}

	merged, added := translator.Merge(existing, learned)
	if added == 0 {
		m.log.Info("no new rules among %d mined pair(s)", len(learned))
		return 0, nil
	}
	if err := translator.SaveRules(path, merged); err != nil {
		return 0, fmt.Errorf("failed to save rules: %w", err)
	}
	m.log.Info("added %d learned rule(s) to %s", added, path)
	return added, nil
}

// LearnedPattern is the lowercased thought cut to the learned pattern length.
func LearnedPattern(thought string) string {
	runes := []rune(strings.ToLower(strings.TrimSpace(thought)))
	if len(runes) > consts.LearnedPatternChars {
		runes = runes[:consts.LearnedPatternChars]
	}
	return strings.TrimSpace(string(runes))
}
