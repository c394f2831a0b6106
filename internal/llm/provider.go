package llm

import (
	"fmt"
	"os"
	"strings"
)

// Provider names accepted by NewClient.
const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai-compatible"
	ProviderAnthropic        = "anthropic"
	ProviderGoogle           = "google"
)

// providerEnvVars maps canonical provider names to the environment variables
// that can supply their API keys.
var providerEnvVars = map[string][]string{
	ProviderOpenAI:           {"OPENAI_API_KEY"},
	ProviderAnthropic:        {"ANTHROPIC_API_KEY"},
	ProviderGoogle:           {"GEMINI_API_KEY", "GOOGLE_API_KEY", "GOOGLE_GENAI_API_KEY"},
	ProviderOpenAICompatible: {"TASKER_API_KEY", "MINIMAX_API_KEY", "OPENAI_COMPATIBLE_API_KEY", "OPENAI_API_KEY"},
}

// CanonicalProvider normalizes provider aliases.
func CanonicalProvider(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "google", "googleai", "gemini":
		return ProviderGoogle
	case "claude", "anthropic":
		return ProviderAnthropic
	case "openai-compatible", "openai_compatible", "compatible", "minimax":
		return ProviderOpenAICompatible
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}

// resolveAPIKey prefers an explicit key and falls back to the known
// environment variables. An empty result means no key is available.
func resolveAPIKey(providerName, explicit string, getenv func(string) string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	for _, envVar := range providerEnvVars[CanonicalProvider(providerName)] {
		if value := strings.TrimSpace(getenv(envVar)); value != "" {
			return value
		}
	}
	return ""
}

// ResolveAPIKey returns the key for providerName, preferring explicit.
func ResolveAPIKey(providerName, explicit string) string {
	return resolveAPIKey(providerName, explicit, os.Getenv)
}

// EnvVarHints returns the known environment variables for a provider.
func EnvVarHints(providerName string) []string {
	hints := providerEnvVars[CanonicalProvider(providerName)]
	out := make([]string, len(hints))
	copy(out, hints)
	return out
}

// NewClient builds the client for provider. baseURL is only used by the
// OpenAI-style providers.
func NewClient(provider, model, baseURL, apiKey string) (Client, error) {
	switch CanonicalProvider(provider) {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, model, "")
	case ProviderOpenAICompatible:
		if strings.TrimSpace(baseURL) == "" {
			return nil, fmt.Errorf("openai-compatible provider requires a base URL")
		}
		return NewOpenAIClient(apiKey, model, baseURL)
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey, model)
	case ProviderGoogle:
		return NewGoogleAIClient(apiKey, model)
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}
