package consts

import "time"

// Session limits
const (
	// DefaultMaxSteps is the default step bound for a session
	DefaultMaxSteps = 10
	// MinPlannedSteps is the lower bound applied when the reasoning capability
	// proposes its own step count on the first iteration
	MinPlannedSteps = 2
)

// Text limits used when building prompts and audit rows
const (
	// HistoryThoughtChars caps each prior thought quoted back to the model
	HistoryThoughtChars = 200
	// HistoryCodeChars caps each prior instruction quoted back to the model
	HistoryCodeChars = 150
	// LearnedPatternChars caps the pattern mined from a successful thought
	LearnedPatternChars = 80
	// MaxFeedbackChars caps feedback text persisted per record
	MaxFeedbackChars = 8192
)

// LLM default configurations
const (
	// DefaultMaxTokens is the default maximum tokens for reasoning replies
	DefaultMaxTokens = 1024
	// VerifyMaxTokens is the response budget for verification prompts
	VerifyMaxTokens = 256
	// TranslateMaxTokens is the response budget for step-to-code prompts
	TranslateMaxTokens = 256
	// DefaultHistoryTokenBudget bounds the history block of a decision request
	DefaultHistoryTokenBudget = 4000
)

// Timeouts for various operations
const (
	// Timeout2Minutes is a 2 minute timeout
	Timeout2Minutes = 2 * time.Minute
)

// Execution pacing
const (
	// DefaultStatementDelay is inserted between chained input calls
	DefaultStatementDelay = 600 * time.Millisecond
	// DefaultSettleDelay is waited after an instruction before the after snapshot
	DefaultSettleDelay = 400 * time.Millisecond
)

// StaleLockAge is the age after which an environment lock is considered abandoned
const StaleLockAge = time.Hour
