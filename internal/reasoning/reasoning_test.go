package reasoning

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/tasker/internal/config"
	"github.com/codefionn/tasker/internal/llm"
	"github.com/codefionn/tasker/internal/observe"
	"github.com/codefionn/tasker/internal/securemem"
)

// MockClient replays canned replies and records requests.
type MockClient struct {
	mu        sync.Mutex
	replies   []string
	errs      []error
	requests  []*llm.CompletionRequest
	imageFail bool
}

func (m *MockClient) CompleteWithRequest(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.imageFail && req.HasImages() {
		return nil, errors.New("400 image content not supported")
	}
	idx := len(m.requests) - 1
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if len(m.replies) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	return &llm.CompletionResponse{Content: m.replies[idx]}, nil
}

func (m *MockClient) GetModelName() string { return "mock-model" }

func writeSnapshot(t *testing.T) observe.Ref {
	t.Helper()
	path := filepath.Join(t.TempDir(), "step_1_before.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG fake"), 0644))
	return observe.Ref(path)
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusSuccess, ParseStatus(" success "))
	assert.Equal(t, StatusLost, ParseStatus("LOST"))
	assert.Equal(t, StatusContinue, ParseStatus("continue"))
	assert.Equal(t, StatusContinue, ParseStatus("DONE"))
	assert.Equal(t, StatusContinue, ParseStatus(""))
}

func TestDecisionHasInstruction(t *testing.T) {
	assert.False(t, Decision{}.HasInstruction())
	assert.False(t, Decision{Code: "  pass "}.HasInstruction())
	assert.True(t, Decision{Code: "pyautogui.press('enter')"}.HasInstruction())
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		firstStep bool
		want      Decision
		wantErr   bool
	}{
		{
			name: "plain object",
			raw:  `{"thought": "Open Calculator", "code": "open()", "status": "continue"}`,
			want: Decision{Thought: "Open Calculator", Code: "open()", Status: StatusContinue},
		},
		{
			name: "fenced with think block",
			raw:  "<think>hmm</think>\n```json\n{\"thought\": \"Type 42\", \"status\": \"SUCCESS\"}\n```",
			want: Decision{Thought: "Type 42", Status: StatusSuccess},
		},
		{
			name: "reasoning fallback key and unknown status",
			raw:  `{"reasoning": "Click OK", "code": null, "status": "DONE"}`,
			want: Decision{Thought: "Click OK", Status: StatusContinue},
		},
		{
			name:      "first step reads plan hints",
			raw:       `{"thought": "Open", "code": "x", "status": "CONTINUE", "total_steps": "4", "checkpoints": [2, "x", 3.0]}`,
			firstStep: true,
			want:      Decision{Thought: "Open", Code: "x", Status: StatusContinue, TotalSteps: 4, Checkpoints: []int{2, 3}},
		},
		{
			name: "plan hints ignored after first step",
			raw:  `{"thought": "Open", "total_steps": 4, "checkpoints": [2]}`,
			want: Decision{Thought: "Open", Status: StatusContinue},
		},
		{name: "not json", raw: "I will open the calculator.", wantErr: true},
		{name: "missing thought", raw: `{"code": "x", "status": "CONTINUE"}`, wantErr: true},
		{name: "thought not a string", raw: `{"thought": 42}`, wantErr: true},
		{name: "code not a string", raw: `{"thought": "a", "code": ["x"]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDecision(tt.raw, tt.firstStep)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLiveGatewayAttachesImage(t *testing.T) {
	client := &MockClient{replies: []string{`{"thought": "Open Calculator", "code": "open()", "status": "CONTINUE", "total_steps": 3}`}}
	gw := NewLiveGateway(client, 0, 0, nil)

	d, err := gw.Decide(context.Background(), Request{
		Goal:        "Open Calculator",
		EnvContext:  "linux; amd64; Browser: firefox",
		Observation: writeSnapshot(t),
		Step:        1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, d.TotalSteps)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.True(t, req.HasImages())
	assert.Equal(t, "image/png", req.Messages[0].Images[0].MediaType)
	assert.Contains(t, req.SystemPrompt, "total_steps")
	assert.Contains(t, req.SystemPrompt, "linux; amd64")
	assert.Contains(t, req.Messages[0].Content, "Goal: Open Calculator")
}

func TestLiveGatewayRetriesWithoutImage(t *testing.T) {
	client := &MockClient{imageFail: true, replies: []string{"", `{"thought": "Type", "status": "SUCCESS"}`}}
	gw := NewLiveGateway(client, 0, 0, nil)

	d, err := gw.Decide(context.Background(), Request{Goal: "g", Observation: writeSnapshot(t), Step: 2})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, d.Status)

	require.Len(t, client.requests, 2)
	assert.False(t, client.requests[1].HasImages())
	assert.True(t, strings.HasSuffix(client.requests[1].Messages[0].Content, imageUnavailableNote))
	assert.NotContains(t, client.requests[1].SystemPrompt, "total_steps")
}

func TestLiveGatewayMalformedReplyIsUnavailable(t *testing.T) {
	client := &MockClient{replies: []string{"Sorry, I can't see the screen."}}
	gw := NewLiveGateway(client, 0, 0, nil)

	_, err := gw.Decide(context.Background(), Request{Goal: "g", Observation: "none://x", Step: 1})
	var unavailableErr *UnavailableError
	require.ErrorAs(t, err, &unavailableErr)
	assert.Equal(t, "decide", unavailableErr.Op)
}

func TestLiveGatewayTransportErrorIsUnavailable(t *testing.T) {
	client := &MockClient{errs: []error{errors.New("connection refused")}}
	gw := NewLiveGateway(client, 0, 0, nil)

	_, err := gw.Decide(context.Background(), Request{Goal: "g", Step: 1})
	var unavailableErr *UnavailableError
	require.ErrorAs(t, err, &unavailableErr)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestLiveGatewayQuotesHistory(t *testing.T) {
	client := &MockClient{replies: []string{`{"thought": "next"}`}}
	gw := NewLiveGateway(client, 0, 0, nil)

	_, err := gw.Decide(context.Background(), Request{
		Goal: "g",
		Step: 2,
		History: []HistoryEntry{
			{Step: 1, Thought: "Open Calculator", Code: "open()", Status: "CONTINUE", Outcome: "Pass"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, client.requests[0].Messages[0].Content,
		"Step 1: thought=Open Calculator code=open() status=CONTINUE outcome=Pass")
}

func TestFormatHistoryKeepsNewestWithinBudget(t *testing.T) {
	history := make([]HistoryEntry, 0, 30)
	for i := 1; i <= 30; i++ {
		history = append(history, HistoryEntry{Step: i, Thought: strings.Repeat("word ", 30), Status: "CONTINUE", Outcome: "Pass"})
	}
	counter := llm.NewTokenCounter("mock-model")

	full := formatHistory(history, counter, 0)
	assert.Equal(t, 30, strings.Count(full, "\n")+1)

	trimmed := formatHistory(history, counter, 200)
	assert.Contains(t, trimmed, "earlier steps omitted")
	assert.Contains(t, trimmed, "Step 30:")
	assert.NotContains(t, trimmed, "Step 1: ")

	assert.Contains(t, formatHistory(history[:1], counter, 1), "Step 1:")
}

func TestStubGatewayIsDeterministic(t *testing.T) {
	gw := StubGateway{}
	ctx := context.Background()

	var first, second []Decision
	for step := 1; step <= 4; step++ {
		a, err := gw.Decide(ctx, Request{Goal: "Open Calculator and add 3+3", Step: step})
		require.NoError(t, err)
		b, err := gw.Decide(ctx, Request{Goal: "Open Calculator and add 3+3", Step: step})
		require.NoError(t, err)
		first = append(first, a)
		second = append(second, b)
	}
	assert.Equal(t, first, second)

	assert.Equal(t, StatusContinue, first[0].Status)
	assert.True(t, first[0].HasInstruction())
	assert.Equal(t, "Type 3+3 and press enter", first[1].Thought)
	assert.False(t, first[1].HasInstruction())
	assert.Equal(t, StatusSuccess, first[1].Status)
	assert.Equal(t, first[1], first[3])
}

func TestStubGatewayMacOS(t *testing.T) {
	d, err := StubGateway{MacOS: true}.Decide(context.Background(), Request{Step: 1})
	require.NoError(t, err)
	assert.Contains(t, d.Code, "'command', 'space'")
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		raw      string
		achieved bool
		reason   string
	}{
		{`{"achieved": true, "reason": "Calculator shows 6"}`, true, "Calculator shows 6"},
		{`{"achieved": "yes"}`, true, noReason},
		{`{"achieved": "TRUE", "rationale": "ok"}`, true, "ok"},
		{`{"achieved": 1, "reason": "x"}`, true, "x"},
		{`{"achieved": "no", "reason": "still closed"}`, false, "still closed"},
		{`{"achieved": 0}`, false, noReason},
		{`{"reason": "unclear"}`, false, "unclear"},
	}
	for _, tt := range tests {
		v, err := ParseVerdict(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.achieved, v.Achieved, tt.raw)
		assert.Equal(t, tt.reason, v.Rationale, tt.raw)
	}

	_, err := ParseVerdict("looks fine to me")
	assert.Error(t, err)
}

func TestLiveVerifierSendsBothSnapshots(t *testing.T) {
	client := &MockClient{replies: []string{`{"achieved": false, "reason": "nothing changed"}`}}
	v := NewLiveVerifier(client, nil)

	before := writeSnapshot(t)
	after := writeSnapshot(t)
	verdict, err := v.Verify(context.Background(), VerifyRequest{Goal: "g", Thought: "Open Calculator", Before: before, After: after})
	require.NoError(t, err)
	assert.False(t, verdict.Achieved)
	assert.Equal(t, "nothing changed", verdict.Rationale)
	assert.Len(t, client.requests[0].Messages[0].Images, 2)
	assert.Contains(t, client.requests[0].Messages[0].Content, "Intended action: Open Calculator")
}

func TestLiveVerifierFailureIsUnavailable(t *testing.T) {
	client := &MockClient{replies: []string{"maybe"}}
	v := NewLiveVerifier(client, nil)

	_, err := v.ValidateGoal(context.Background(), "g", "", "none://final")
	var unavailableErr *UnavailableError
	require.ErrorAs(t, err, &unavailableErr)
	assert.Equal(t, "validate", unavailableErr.Op)
}

func TestStubVerifier(t *testing.T) {
	v, err := StubVerifier{}.Verify(context.Background(), VerifyRequest{})
	require.NoError(t, err)
	assert.True(t, v.Achieved)

	v, err = StubVerifier{}.ValidateGoal(context.Background(), "g", "", "")
	require.NoError(t, err)
	assert.True(t, v.Achieved)
}

func TestSplitPlanner(t *testing.T) {
	ctx := context.Background()

	steps, err := SplitPlanner{}.Plan(ctx, "Open Calculator and add 3+3", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Open Calculator", "add 3+3"}, steps)

	steps, err = SplitPlanner{}.Plan(ctx, "open firefox, go to example.com; then take a screenshot", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"open firefox", "go to example.com", "take a screenshot"}, steps)

	steps, err = SplitPlanner{}.Plan(ctx, "a, b, c, d", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, steps)

	steps, err = SplitPlanner{}.Plan(ctx, "Band practice", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Band practice"}, steps)
}

func TestTemplatePlanner(t *testing.T) {
	steps, err := TemplatePlanner{Steps: []string{"Look at the screen", "Work on: {goal}", " "}}.Plan(context.Background(), "add 3+3", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Look at the screen", "Work on: add 3+3"}, steps)

	steps, err = TemplatePlanner{}.Plan(context.Background(), "add 3+3", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"add 3+3"}, steps)
}

func TestLivePlanner(t *testing.T) {
	client := &MockClient{replies: []string{`["Open Calculator", "Type 3+3", "Press enter", "Read result"]`}}
	steps, err := NewLivePlanner(client, nil).Plan(context.Background(), "Open Calculator and add 3+3", "", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"Open Calculator", "Type 3+3", "Press enter"}, steps)
	assert.Contains(t, client.requests[0].Messages[0].Content, "at most 3 steps")
}

func TestLivePlannerFallsBackToSplit(t *testing.T) {
	client := &MockClient{replies: []string{"no idea"}}
	steps, err := NewLivePlanner(client, nil).Plan(context.Background(), "Open Calculator and add 3+3", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Open Calculator", "add 3+3"}, steps)
}

func TestNewSelectsStrategy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reasoning.UseStub = false
	cfg.PlanMode = config.PlanReasoning

	s, err := New(cfg, securemem.NewCredential(""), false, nil, nil)
	require.NoError(t, err)
	assert.False(t, s.Live)
	assert.IsType(t, StubGateway{}, s.Gateway)
	assert.IsType(t, SplitPlanner{}, s.Planner)
	assert.IsType(t, StubStepTranslator{}, s.Translator)

	var gotProvider, gotKey string
	newClient := func(provider, model, baseURL, apiKey string) (llm.Client, error) {
		gotProvider, gotKey = provider, apiKey
		return &MockClient{}, nil
	}
	s, err = New(cfg, securemem.NewCredential("secret"), false, newClient, nil)
	require.NoError(t, err)
	assert.True(t, s.Live)
	assert.Equal(t, "openai-compatible", gotProvider)
	assert.Equal(t, "secret", gotKey)
	assert.IsType(t, &LiveGateway{}, s.Gateway)
	assert.IsType(t, &LivePlanner{}, s.Planner)
	assert.IsType(t, &LiveStepTranslator{}, s.Translator)
	assert.Equal(t, "mock-model", s.Model)

	cfg.Reasoning.UseStub = true
	s, err = New(cfg, securemem.NewCredential("secret"), false, newClient, nil)
	require.NoError(t, err)
	assert.False(t, s.Live)
}

func TestLiveStepTranslator(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
		err   error
	}{
		{
			name:  "bare code",
			reply: "pyautogui.hotkey('win'); pyautogui.write('settings'); pyautogui.press('enter')",
			want:  "pyautogui.hotkey('win'); pyautogui.write('settings'); pyautogui.press('enter')",
		},
		{
			name:  "python fence",
			reply: "```python\npyautogui.press('enter')\n```",
			want:  "pyautogui.press('enter')",
		},
		{
			name:  "plain fence after reasoning",
			reply: "<think>enter submits</think>\n```\npyautogui.press('enter')\n```\n",
			want:  "pyautogui.press('enter')",
		},
		{name: "pass", reply: "pass", err: ErrNoTranslation},
		{name: "empty", reply: "  ", err: ErrNoTranslation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &MockClient{replies: []string{tt.reply}}
			code, err := NewLiveStepTranslator(client, nil).TranslateStep(context.Background(), "Open the Settings app", "macOS")
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)

			require.Len(t, client.requests, 1)
			req := client.requests[0]
			assert.False(t, req.HasImages())
			assert.Contains(t, req.SystemPrompt, "User context: macOS")
			assert.Equal(t, "Step: Open the Settings app", req.Messages[0].Content)
		})
	}
}

func TestLiveStepTranslatorFailures(t *testing.T) {
	client := &MockClient{errs: []error{errors.New("503")}}
	_, err := NewLiveStepTranslator(client, nil).TranslateStep(context.Background(), "Open Settings", "")
	var unavailableErr *UnavailableError
	require.ErrorAs(t, err, &unavailableErr)
	assert.Equal(t, "translate", unavailableErr.Op)

	_, err = NewLiveStepTranslator(client, nil).TranslateStep(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrNoTranslation)
	assert.Len(t, client.requests, 1)
}

func TestStubStepTranslatorMisses(t *testing.T) {
	_, err := StubStepTranslator{}.TranslateStep(context.Background(), "Open Settings", "")
	assert.ErrorIs(t, err, ErrNoTranslation)
}
