package reasoning

import (
	"fmt"
	"time"

	"github.com/codefionn/tasker/internal/config"
	"github.com/codefionn/tasker/internal/llm"
	"github.com/codefionn/tasker/internal/logger"
	"github.com/codefionn/tasker/internal/securemem"
)

// Strategies is the set of reasoning components chosen for a process.
type Strategies struct {
	Gateway    Gateway
	Verifier   Verifier
	Planner    Planner
	Translator StepTranslator
	Live       bool
	Model      string
}

// New selects live or stub strategies once per process. A nil credential or
// one that is empty selects the stub. newClient defaults to llm.NewClient.
func New(cfg *config.Config, key *securemem.Credential, macOS bool, newClient func(provider, model, baseURL, apiKey string) (llm.Client, error), log *logger.Logger) (*Strategies, error) {
	if log == nil {
		log = logger.Discard()
	}
	if newClient == nil {
		newClient = llm.NewClient
	}

	apiKey := ""
	if key != nil && !key.IsEmpty() {
		revealed, err := key.Reveal()
		if err != nil {
			return nil, fmt.Errorf("failed to read API key: %w", err)
		}
		apiKey = revealed
	}

	s := &Strategies{Planner: plannerFor(cfg, nil, log)}
	if cfg.StubSelected(apiKey) {
		log.Info("reasoning: using stub strategy")
		s.Gateway = StubGateway{MacOS: macOS}
		s.Verifier = StubVerifier{}
		s.Translator = StubStepTranslator{}
		s.Model = config.ProviderStub
		return s, nil
	}

	rc := cfg.Reasoning
	client, err := newClient(rc.Provider, rc.Model, rc.BaseURL, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", rc.Provider, err)
	}
	client = llm.NewRateLimitedClient(client, time.Duration(rc.RequestIntervalMS)*time.Millisecond, rc.TokensPerMinute)

	log.Info("reasoning: using %s model %s", rc.Provider, client.GetModelName())
	s.Gateway = NewLiveGateway(client, rc.MaxTokens, rc.HistoryTokenBudget, log)
	s.Verifier = NewLiveVerifier(client, log)
	s.Translator = NewLiveStepTranslator(client, log)
	s.Planner = plannerFor(cfg, client, log)
	s.Live = true
	s.Model = client.GetModelName()
	return s, nil
}

func plannerFor(cfg *config.Config, client llm.Client, log *logger.Logger) Planner {
	switch cfg.PlanMode {
	case config.PlanTemplate:
		return TemplatePlanner{Steps: cfg.PlanTemplate}
	case config.PlanReasoning:
		if client != nil {
			return NewLivePlanner(client, log)
		}
	}
	return SplitPlanner{}
}
