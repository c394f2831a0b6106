// Package config loads tasker settings from a JSON file with environment
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/codefionn/tasker/internal/consts"
)

const appName = "tasker"

// Plan modes
const (
	PlanTemplate  = "template"
	PlanSplit     = "split"
	PlanReasoning = "reasoning"
)

// Observation and execution modes
const (
	ModeCommand = "command"
	ModeNone    = "none"
	ModeDryRun  = "dry-run"
)

// ProviderStub selects the deterministic reasoning strategy.
const ProviderStub = "stub"

// ReasoningConfig selects and tunes the reasoning capability.
type ReasoningConfig struct {
	Provider           string `json:"provider"` // openai, anthropic, google, openai-compatible, stub
	Model              string `json:"model"`
	BaseURL            string `json:"base_url,omitempty"`
	APIKey             string `json:"api_key,omitempty"`
	UseStub            bool   `json:"use_stub"`
	MaxTokens          int    `json:"max_tokens"`
	HistoryTokenBudget int    `json:"history_token_budget"`
	RequestIntervalMS  int    `json:"request_interval_ms,omitempty"`
	TokensPerMinute    int    `json:"tokens_per_minute,omitempty"`
}

// ObservationConfig controls how snapshots are captured.
type ObservationConfig struct {
	Mode           string   `json:"mode"`              // command or none
	Command        []string `json:"command,omitempty"` // argv; "{path}" is replaced by the target file
	ScreenshotsDir string   `json:"screenshots_dir"`
}

// ExecutionConfig controls how instructions are run.
type ExecutionConfig struct {
	Mode             string   `json:"mode"` // command or dry-run
	Interpreter      []string `json:"interpreter"`
	Prelude          string   `json:"prelude,omitempty"`
	StatementDelayMS int      `json:"statement_delay_ms"`
	SettleDelayMS    int      `json:"settle_delay_ms"`
}

// Config represents application configuration
type Config struct {
	MaxSteps     int               `json:"max_steps"`
	PlanMode     string            `json:"plan_mode"`
	PlanTemplate []string          `json:"plan_template,omitempty"`
	Browser      string            `json:"browser,omitempty"`
	Reasoning    ReasoningConfig   `json:"reasoning"`
	Observation  ObservationConfig `json:"observation"`
	Execution    ExecutionConfig   `json:"execution"`
	RulesPath    string            `json:"rules_path"`
	DBPath       string            `json:"db_path"`
	LockPath     string            `json:"lock_path"`
	LogLevel     string            `json:"log_level"` // debug, info, warn, error, none
	LogPath      string            `json:"log_path"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// DefaultScreenshotCommand returns the platform screenshot argv.
func DefaultScreenshotCommand() []string {
	if runtime.GOOS == "darwin" {
		return []string{"screencapture", "-x", "{path}"}
	}
	return []string{"import", "-window", "root", "{path}"}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	configDir := defaultConfigDir()
	stateDir := defaultStateDir()

	return &Config{
		MaxSteps: consts.DefaultMaxSteps,
		PlanMode: PlanSplit,
		Reasoning: ReasoningConfig{
			Provider:           "openai-compatible",
			Model:              "MiniMax-M2.1",
			BaseURL:            "https://api.minimax.io/v1",
			UseStub:            true,
			MaxTokens:          consts.DefaultMaxTokens,
			HistoryTokenBudget: consts.DefaultHistoryTokenBudget,
		},
		Observation: ObservationConfig{
			Mode:           ModeCommand,
			Command:        DefaultScreenshotCommand(),
			ScreenshotsDir: filepath.Join(stateDir, "screenshots"),
		},
		Execution: ExecutionConfig{
			Mode:             ModeCommand,
			Interpreter:      []string{"python3", "-c"},
			Prelude:          "import time\nimport pyautogui\n",
			StatementDelayMS: int(consts.DefaultStatementDelay.Milliseconds()),
			SettleDelayMS:    int(consts.DefaultSettleDelay.Milliseconds()),
		},
		RulesPath: filepath.Join(configDir, "rules.json"),
		DBPath:    filepath.Join(stateDir, "tasker.db"),
		LockPath:  filepath.Join(stateDir, "environment.lock"),
		LogLevel:  "info",
		LogPath:   filepath.Join(stateDir, "tasker.log"),
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}
	if config.LogPath == "" {
		config.LogPath = defaults.LogPath
	}
	if config.DBPath == "" {
		config.DBPath = defaults.DBPath
	}
	if config.LockPath == "" {
		config.LockPath = defaults.LockPath
	}
	if config.Observation.ScreenshotsDir == "" {
		config.Observation.ScreenshotsDir = defaults.Observation.ScreenshotsDir
	}
	if len(config.Execution.Interpreter) == 0 {
		config.Execution.Interpreter = defaults.Execution.Interpreter
	}

	return config, nil
}

// ApplyEnv overrides fields from TASKER_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("TASKER_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(getenv("TASKER_LOG_PATH")); v != "" {
		c.LogPath = v
	}
	if v := strings.TrimSpace(getenv("TASKER_DB_PATH")); v != "" {
		c.DBPath = v
	}
	if v := strings.TrimSpace(getenv("TASKER_PROVIDER")); v != "" {
		c.Reasoning.Provider = v
	}
	if v := strings.TrimSpace(getenv("TASKER_MODEL")); v != "" {
		c.Reasoning.Model = v
	}
	if v := strings.TrimSpace(getenv("TASKER_BASE_URL")); v != "" {
		c.Reasoning.BaseURL = v
	}
	if v := strings.TrimSpace(getenv("TASKER_USE_STUB")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Reasoning.UseStub = b
		} else {
			c.Reasoning.UseStub = strings.EqualFold(v, "yes")
		}
	}
}

// Validate reports configuration values the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1, got %d", c.MaxSteps)
	}
	switch c.PlanMode {
	case PlanTemplate, PlanSplit, PlanReasoning:
	default:
		return fmt.Errorf("unknown plan_mode %q", c.PlanMode)
	}
	if c.PlanMode == PlanTemplate && len(c.PlanTemplate) == 0 {
		return fmt.Errorf("plan_mode %q requires plan_template", PlanTemplate)
	}
	switch c.Observation.Mode {
	case ModeCommand:
		if len(c.Observation.Command) == 0 {
			return fmt.Errorf("observation mode %q requires a command", ModeCommand)
		}
	case ModeNone:
	default:
		return fmt.Errorf("unknown observation mode %q", c.Observation.Mode)
	}
	switch c.Execution.Mode {
	case ModeCommand:
		if len(c.Execution.Interpreter) == 0 {
			return fmt.Errorf("execution mode %q requires an interpreter", ModeCommand)
		}
	case ModeDryRun:
	default:
		return fmt.Errorf("unknown execution mode %q", c.Execution.Mode)
	}
	return nil
}

// StubSelected reports whether the deterministic reasoning strategy is used.
// This is decided once per process from configuration and credentials.
func (c *Config) StubSelected(apiKey string) bool {
	if c.Reasoning.UseStub || strings.EqualFold(c.Reasoning.Provider, ProviderStub) {
		return true
	}
	return strings.TrimSpace(apiKey) == ""
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	copyCfg := *c
	copyCfg.Reasoning.APIKey = ""
	data, err := json.MarshalIndent(&copyCfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
