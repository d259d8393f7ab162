package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hearthconnect/otto-sub000/pkg/bus"
	"github.com/hearthconnect/otto-sub000/pkg/checkpoint"
	"github.com/hearthconnect/otto-sub000/pkg/config"
	"github.com/hearthconnect/otto-sub000/pkg/cost"
	"github.com/hearthconnect/otto-sub000/pkg/errors"
	"github.com/hearthconnect/otto-sub000/pkg/model"
	"github.com/hearthconnect/otto-sub000/pkg/tool"
)

type sleepTool struct{}

func (sleepTool) Name() string                   { return "sleep" }
func (sleepTool) Description() string            { return "sleep for a duration" }
func (sleepTool) Permissions() []tool.Permission { return nil }
func (sleepTool) Call(params map[string]any, _ *tool.Context) (*tool.Result, error) {
	ms, _ := params["ms"].(float64)
	if ms == 0 {
		if n, ok := params["ms"].(int); ok {
			ms = float64(n)
		}
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return &tool.Result{Content: "slept"}, nil
}

func testAgentConfig(t *testing.T, toolNames []string, perms []string) *config.AgentConfig {
	t.Helper()
	return &config.AgentConfig{
		Name:               "worker",
		Model:              "test-model",
		SystemPrompt:       "You help with files.",
		Tools:              toolNames,
		Permissions:        perms,
		WorkDir:            t.TempDir(),
		TranscriptCapacity: 32,
	}
}

func testDeps(t *testing.T, script []model.Event) Deps {
	t.Helper()
	registry := tool.NewRegistry()
	if err := tool.RegisterBuiltins(registry, nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	if err := registry.Register(sleepTool{}); err != nil {
		t.Fatalf("Register sleep: %v", err)
	}

	store, err := checkpoint.NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("checkpoint.NewStore: %v", err)
	}

	pricing := cost.NewPricingTable(map[string]cost.ModelPricing{
		"test-model": {PromptPer1M: 1.0, CompletionPer1M: 2.0},
	})

	return Deps{
		Tools:       registry,
		Client:      model.NewScriptedClient(script),
		Checkpoints: store,
		Ledger:      cost.NewLedger(pricing, 0),
	}
}

func completionScript(text string) []model.Event {
	return []model.Event{
		{Type: model.EventTextDelta, Text: text},
		{Type: model.EventCompleted, Usage: &model.Usage{InputTokens: 100, OutputTokens: 50}},
	}
}

func TestNewExecutorValidation(t *testing.T) {
	deps := testDeps(t, nil)

	_, err := NewExecutor(nil, deps)
	if !errors.IsCode(err, errors.ErrCodeConfigInvalid) {
		t.Errorf("nil config: %v", err)
	}

	cfg := testAgentConfig(t, []string{"no_such_tool"}, nil)
	if _, err := NewExecutor(cfg, deps); !errors.IsCode(err, errors.ErrCodeConfigInvalid) {
		t.Errorf("unresolved tool: %v", err)
	}

	cfg = testAgentConfig(t, nil, nil)
	cfg.WorkDir = filepath.Join(cfg.WorkDir, "does-not-exist")
	if _, err := NewExecutor(cfg, deps); !errors.IsCode(err, errors.ErrCodeConfigInvalid) {
		t.Errorf("missing work_dir: %v", err)
	}
}

func TestInvokeCompletesAndCheckpoints(t *testing.T) {
	deps := testDeps(t, completionScript("all done"))
	cfg := testAgentConfig(t, nil, nil)
	cfg.Budgets = config.BudgetsConfig{Tokens: 10_000, CostCents: 1000}

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	result, err := exec.Invoke(context.Background(), Task{Instruction: "do the thing"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Content != "all done" {
		t.Errorf("content = %q", result.Content)
	}
	if result.Cost.TokensUsed != 150 {
		t.Errorf("tokens used = %d", result.Cost.TokensUsed)
	}
	if result.BudgetStatus.TokensUsed != 150 {
		t.Errorf("budget tokens used = %d", result.BudgetStatus.TokensUsed)
	}
	if got := result.BudgetStatus.TokenLimit - result.BudgetStatus.TokensRemain; got != result.BudgetStatus.TokensUsed {
		t.Errorf("used + remaining != limit: %+v", result.BudgetStatus)
	}

	snap := exec.Status()
	if snap.Status != StatusCompleted {
		t.Errorf("status = %s", snap.Status)
	}
	if snap.InvocationCount != 1 {
		t.Errorf("invocation count = %d", snap.InvocationCount)
	}

	// Completion checkpoints both the result and the transcript.
	refs, err := deps.Checkpoints.ListArtifacts(exec.SessionID())
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(refs))
	}

	usage := deps.Ledger.GetUsage(cost.ScopeSession, exec.SessionID(), nil)
	if usage.RecordCount != 1 || usage.TotalInputTokens != 100 {
		t.Errorf("ledger usage = %+v", usage)
	}
}

func TestInvokeWithToolRoundTrip(t *testing.T) {
	script := []model.Event{
		{Type: model.EventToolCall, ToolCall: &model.ToolCallRequest{
			CallID: "c1", Name: "read_file", Params: map[string]any{"path": "in.txt"},
		}},
		{Type: model.EventTextDelta, Text: "file says hi"},
		{Type: model.EventCompleted, Usage: &model.Usage{InputTokens: 10, OutputTokens: 5}},
	}
	deps := testDeps(t, script)
	cfg := testAgentConfig(t, []string{"read_file"}, []string{"read"})

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	if err := os.WriteFile(filepath.Join(cfg.WorkDir, "in.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	result, err := exec.Invoke(context.Background(), Task{Instruction: "read the file"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var sawCall, sawResult bool
	for _, entry := range result.Transcript {
		switch entry.Type {
		case EntryToolCall:
			sawCall = entry.ToolName == "read_file"
		case EntryToolResult:
			sawResult = entry.Content == "hi"
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("transcript missing tool round trip: %+v", result.Transcript)
	}
}

func TestInvokePermissionDeniedToolFeedsErrorBack(t *testing.T) {
	script := []model.Event{
		{Type: model.EventToolCall, ToolCall: &model.ToolCallRequest{
			CallID: "c1", Name: "write_file",
			Params: map[string]any{"path": "out.txt", "content": "x"},
		}},
		{Type: model.EventTextDelta, Text: "could not write"},
		{Type: model.EventCompleted, Usage: &model.Usage{}},
	}
	deps := testDeps(t, script)
	// write_file is configured but the agent only holds the read permission.
	cfg := testAgentConfig(t, []string{"read_file", "write_file"}, []string{"read"})

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	result, err := exec.Invoke(context.Background(), Task{Instruction: "write it"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var denied bool
	for _, entry := range result.Transcript {
		if entry.Type == EntryToolResult && strings.Contains(entry.Content, "PERMISSION_DENIED") {
			denied = true
		}
	}
	if !denied {
		t.Errorf("expected permission denial in transcript: %+v", result.Transcript)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkDir, "out.txt")); !os.IsNotExist(err) {
		t.Error("denied write still produced a file")
	}
}

func TestInvokeToolNotAllowedForTask(t *testing.T) {
	script := []model.Event{
		{Type: model.EventToolCall, ToolCall: &model.ToolCallRequest{
			CallID: "c1", Name: "sleep", Params: map[string]any{"ms": 1},
		}},
		{Type: model.EventCompleted, Usage: &model.Usage{}},
	}
	deps := testDeps(t, script)
	cfg := testAgentConfig(t, []string{"sleep", "read_file"}, []string{"read"})

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	_, err = exec.Invoke(context.Background(), Task{
		Instruction:  "nap",
		ToolsAllowed: []string{"read_file"},
	})
	if !errors.IsCode(err, errors.ErrCodeToolNotAllowed) {
		t.Fatalf("expected TOOL_NOT_ALLOWED, got %v", err)
	}
}

func TestTimeBudgetWatchdog(t *testing.T) {
	script := []model.Event{
		{Type: model.EventToolCall, ToolCall: &model.ToolCallRequest{
			CallID: "c1", Name: "sleep", Params: map[string]any{"ms": float64(1200)},
		}},
		{Type: model.EventTextDelta, Text: "never reached"},
		{Type: model.EventCompleted, Usage: &model.Usage{}},
	}
	deps := testDeps(t, script)
	cfg := testAgentConfig(t, []string{"sleep"}, nil)
	cfg.Budgets = config.BudgetsConfig{TimeSeconds: 1}

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	_, err = exec.Invoke(context.Background(), Task{Instruction: "sleep past the budget"})
	if !errors.IsCode(err, errors.ErrCodeBudgetExceeded) {
		t.Fatalf("expected BUDGET_EXCEEDED, got %v", err)
	}

	snap := exec.Status()
	if snap.Status != StatusBudgetExceeded {
		t.Errorf("status = %s", snap.Status)
	}
	if snap.Budget.TimeRemaining != 0 {
		t.Errorf("time remaining = %d, want 0", snap.Budget.TimeRemaining)
	}
	if snap.Budget.TimeUsed != snap.Budget.TimeLimit {
		t.Errorf("time used %d != limit %d", snap.Budget.TimeUsed, snap.Budget.TimeLimit)
	}

	// A later invoke is rejected pre-flight without touching the stream.
	if _, err := exec.Invoke(context.Background(), Task{Instruction: "again"}); !errors.IsCode(err, errors.ErrCodeBudgetExceeded) {
		t.Fatalf("expected pre-flight BUDGET_EXCEEDED, got %v", err)
	}
}

func TestBusyInvokeRejected(t *testing.T) {
	script := []model.Event{
		{Type: model.EventToolCall, ToolCall: &model.ToolCallRequest{
			CallID: "c1", Name: "sleep", Params: map[string]any{"ms": float64(300)},
		}},
		{Type: model.EventCompleted, Usage: &model.Usage{}},
	}
	deps := testDeps(t, script)
	cfg := testAgentConfig(t, []string{"sleep"}, nil)

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		exec.Invoke(context.Background(), Task{Instruction: "nap"})
	}()

	time.Sleep(100 * time.Millisecond)
	_, err = exec.Invoke(context.Background(), Task{Instruction: "interrupt"})
	if !errors.IsCode(err, errors.ErrCodeExecutorBusy) {
		t.Fatalf("expected EXECUTOR_BUSY, got %v", err)
	}
	wg.Wait()
}

func TestInvokeAfterStop(t *testing.T) {
	deps := testDeps(t, completionScript("x"))
	cfg := testAgentConfig(t, nil, nil)

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	exec.Stop()
	exec.Stop()

	if _, err := exec.Invoke(context.Background(), Task{Instruction: "x"}); !errors.IsCode(err, errors.ErrCodeExecutorStopped) {
		t.Fatalf("expected EXECUTOR_STOPPED, got %v", err)
	}
}

func TestTokenPreflightRejection(t *testing.T) {
	deps := testDeps(t, completionScript("x"))
	cfg := testAgentConfig(t, nil, nil)
	cfg.Budgets = config.BudgetsConfig{Tokens: 1}

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	long := strings.Repeat("estimate this prompt well past a single token ", 50)
	_, err = exec.Invoke(context.Background(), Task{Instruction: long})
	if !errors.IsCode(err, errors.ErrCodeBudgetExceeded) {
		t.Fatalf("expected pre-flight BUDGET_EXCEEDED, got %v", err)
	}
	// The stream client was never touched.
	if got := len(deps.Client.(*model.ScriptedClient).Requests()); got != 0 {
		t.Errorf("stream client saw %d requests, want 0", got)
	}
}

func TestInvokeReusableAfterCompletion(t *testing.T) {
	deps := testDeps(t, completionScript("first"))
	cfg := testAgentConfig(t, nil, nil)

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	if _, err := exec.Invoke(context.Background(), Task{Instruction: "one"}); err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	if _, err := exec.Invoke(context.Background(), Task{Instruction: "two"}); err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if got := exec.Status().InvocationCount; got != 2 {
		t.Errorf("invocation count = %d", got)
	}
}

func TestInvokePublishesStatusEvents(t *testing.T) {
	deps := testDeps(t, completionScript("ok"))
	b := bus.NewMemoryBus()
	defer b.Close()
	deps.Bus = b

	var mu sync.Mutex
	seen := make(map[Status]bool)
	sub, err := bus.SubscribeStatus(context.Background(), b, "worker", func(event bus.StatusEvent) {
		mu.Lock()
		seen[Status(event.Status)] = true
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeStatus: %v", err)
	}
	defer sub.Unsubscribe()

	exec, err := NewExecutor(testAgentConfig(t, nil, nil), deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	if _, err := exec.Invoke(context.Background(), Task{Instruction: "go"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	// Publication is asynchronous relative to the invoke return.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := seen[StatusExecuting] && seen[StatusStreaming] && seen[StatusCompleted]
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("missing status events, saw %v", seen)
}

func TestInvokeRetriesTransientStreamFailure(t *testing.T) {
	deps := testDeps(t, completionScript("recovered"))
	deps.Client.(*model.ScriptedClient).FailOpens(1)
	cfg := testAgentConfig(t, nil, nil)
	cfg.RetryAttempts = 3

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	result, err := exec.Invoke(context.Background(), Task{Instruction: "go"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Content != "recovered" {
		t.Errorf("Content = %q", result.Content)
	}
	if got := exec.Status().Status; got != StatusCompleted {
		t.Errorf("Status = %q, want %q", got, StatusCompleted)
	}
	// One failed open plus the successful retry.
	if got := len(deps.Client.(*model.ScriptedClient).Requests()); got != 2 {
		t.Errorf("stream client saw %d requests, want 2", got)
	}
}

func TestInvokeStreamFailureIsLLMError(t *testing.T) {
	deps := testDeps(t, completionScript("never delivered"))
	deps.Client.(*model.ScriptedClient).FailOpens(1)
	cfg := testAgentConfig(t, nil, nil)

	exec, err := NewExecutor(cfg, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	_, err = exec.Invoke(context.Background(), Task{Instruction: "go"})
	if !errors.IsCode(err, errors.ErrCodeLLMError) {
		t.Fatalf("expected LLM_ERROR, got %v", err)
	}
	if got := exec.Status().Status; got != StatusFailed {
		t.Errorf("Status = %q, want %q", got, StatusFailed)
	}
}

func TestInvokeAllocatesCorrelationID(t *testing.T) {
	deps := testDeps(t, completionScript("ok"))
	exec, err := NewExecutor(testAgentConfig(t, nil, nil), deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	defer exec.Stop()

	first, err := exec.Invoke(context.Background(), Task{Instruction: "one"})
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	second, err := exec.Invoke(context.Background(), Task{Instruction: "two"})
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if first.CorrelationID == "" {
		t.Fatal("empty correlation id")
	}
	if first.CorrelationID == second.CorrelationID {
		t.Errorf("correlation id %q reused across invocations", first.CorrelationID)
	}
}
