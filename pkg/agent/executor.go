package agent

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthconnect/otto-sub000/pkg/budget"
	"github.com/hearthconnect/otto-sub000/pkg/bus"
	"github.com/hearthconnect/otto-sub000/pkg/checkpoint"
	"github.com/hearthconnect/otto-sub000/pkg/config"
	"github.com/hearthconnect/otto-sub000/pkg/cost"
	"github.com/hearthconnect/otto-sub000/pkg/errors"
	"github.com/hearthconnect/otto-sub000/pkg/logging"
	"github.com/hearthconnect/otto-sub000/pkg/model"
	"github.com/hearthconnect/otto-sub000/pkg/sandbox"
	"github.com/hearthconnect/otto-sub000/pkg/session"
	"github.com/hearthconnect/otto-sub000/pkg/telemetry"
	"github.com/hearthconnect/otto-sub000/pkg/tool"
)

// Status is the lifecycle state of one executor.
type Status string

const (
	StatusInitializing    Status = "initializing"
	StatusReady           Status = "ready"
	StatusExecuting       Status = "executing"
	StatusStreaming       Status = "streaming"
	StatusWaitingForTools Status = "waiting_for_tools"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusBudgetExceeded  Status = "budget_exceeded"
	StatusTerminated      Status = "terminated"
)

const defaultMaxIterations = 50

// Deps bundles the shared collaborators an executor needs.
type Deps struct {
	Tools       *tool.Registry
	Client      model.StreamClient
	Checkpoints *checkpoint.Store
	Ledger      *cost.Ledger
	Logger      *logging.Logger
	Bus         bus.MessageBus
}

// Task describes one invocation request.
type Task struct {
	Instruction string
	Context     map[string]any
	// ToolsAllowed restricts this invocation to a subset of the agent's
	// configured tools. Nil means all configured tools.
	ToolsAllowed  []string
	MaxIterations int
}

// CostSummary reports the consumption of one invocation.
type CostSummary struct {
	TokensUsed    int64 `json:"tokens_used"`
	CostUsedCents int64 `json:"cost_used_cents"`
}

// InvokeResult is the successful outcome of one invocation.
type InvokeResult struct {
	CorrelationID string        `json:"correlation_id"`
	Content       string        `json:"content"`
	Transcript    []Entry       `json:"transcript"`
	Cost          CostSummary   `json:"cost"`
	BudgetStatus  budget.Status `json:"budget_status"`
}

// Snapshot is a point-in-time view of an executor for callers.
type Snapshot struct {
	SessionID       string        `json:"session_id"`
	AgentName       string        `json:"agent_name"`
	Status          Status        `json:"status"`
	Budget          budget.Status `json:"budget"`
	CreatedAt       time.Time     `json:"created_at"`
	InvocationCount int           `json:"invocation_count"`
	LastActiveAt    time.Time     `json:"last_active_at"`
	LastError       string        `json:"last_error,omitempty"`
	TranscriptLen   int           `json:"transcript_len"`
}

// Executor runs one agent's lifecycle. All mutation happens on the
// invoking goroutine; the watchdog only flips flags and cancels streams.
type Executor struct {
	cfg     *config.AgentConfig
	deps    Deps
	policy  sandbox.Policy
	session string

	invokeMu sync.Mutex

	mu              sync.Mutex
	status          Status
	budgets         budget.Set
	createdAt       time.Time
	invocationCount int
	lastActiveAt    time.Time
	lastError       string
	streamCancel    context.CancelFunc

	transcript    *Transcript
	watchdog      *time.Timer
	watchdogFired atomic.Bool
}

// NewExecutor validates the configuration and brings the executor to
// ready: budgets allocated, watchdog armed, status event published.
// Validation failures return a structured error and no executor.
func NewExecutor(cfg *config.AgentConfig, deps Deps) (*Executor, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "agent config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if info, err := os.Stat(cfg.WorkDir); err != nil || !info.IsDir() {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "work_dir is not a resolvable directory").
			WithContext("name", cfg.Name).
			WithContext("work_dir", cfg.WorkDir)
	}
	if deps.Tools == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "tool registry is required")
	}
	for _, name := range cfg.Tools {
		if _, ok := deps.Tools.Get(name); !ok {
			return nil, errors.New(errors.ErrCodeConfigInvalid, "declared tool is not registered").
				WithContext("name", cfg.Name).
				WithContext("tool", name)
		}
	}
	if deps.Client == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "stream client is required")
	}

	// Transient stream-open failures are retried with backoff up to
	// retry_attempts times before an invocation fails.
	retryCfg := model.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.RetryAttempts
	deps.Client = model.NewRetryingClient(deps.Client, retryCfg)

	policy := sandbox.Policy{
		WorkDir:         cfg.WorkDir,
		AllowedPrefixes: cfg.Sandbox.AllowedPrefixes,
		DeniedGlobs:     cfg.Sandbox.DeniedGlobs,
		MaxFileSize:     cfg.Sandbox.MaxFileSize,
	}
	if len(policy.DeniedGlobs) == 0 && len(policy.AllowedPrefixes) == 0 && policy.MaxFileSize == 0 {
		policy = sandbox.DefaultPolicy(cfg.WorkDir)
	}

	e := &Executor{
		cfg:        cfg,
		deps:       deps,
		policy:     policy,
		session:    session.NewSessionID(cfg.Name),
		status:     StatusInitializing,
		budgets:    budget.NewSet(cfg.Budgets.TimeSeconds, cfg.Budgets.Tokens, cfg.Budgets.CostCents),
		createdAt:  time.Now(),
		transcript: NewTranscript(cfg.TranscriptCapacity),
	}

	e.setStatus(StatusReady, "")
	if cfg.Budgets.TimeSeconds > 0 {
		e.watchdog = time.AfterFunc(time.Duration(cfg.Budgets.TimeSeconds)*time.Second, e.onWatchdogFire)
	}
	return e, nil
}

// SessionID returns the executor's unique session identifier.
func (e *Executor) SessionID() string {
	return e.session
}

// Status returns a point-in-time snapshot.
func (e *Executor) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		SessionID:       e.session,
		AgentName:       e.cfg.Name,
		Status:          e.status,
		Budget:          e.budgets.Snapshot(),
		CreatedAt:       e.createdAt,
		InvocationCount: e.invocationCount,
		LastActiveAt:    e.lastActiveAt,
		LastError:       e.lastError,
		TranscriptLen:   e.transcript.Len(),
	}
}

// Invoke runs one task to completion. A call while another invocation is
// in flight is rejected with executor_busy, never queued. Exhausted
// budgets reject pre-flight without touching the stream client.
func (e *Executor) Invoke(ctx context.Context, task Task) (*InvokeResult, error) {
	if !e.invokeMu.TryLock() {
		return nil, errors.New(errors.ErrCodeExecutorBusy, "executor has an invocation in flight").
			WithContext("session_id", e.session)
	}
	defer e.invokeMu.Unlock()

	e.mu.Lock()
	switch e.status {
	case StatusReady, StatusCompleted:
	case StatusTerminated:
		e.mu.Unlock()
		return nil, errors.New(errors.ErrCodeExecutorStopped, "executor is terminated").
			WithContext("session_id", e.session)
	case StatusBudgetExceeded:
		snap := e.budgets.Snapshot()
		e.mu.Unlock()
		telemetry.RecordBudgetDenial(exhaustedDimension(snap))
		return nil, budgetExhaustedError(snap)
	default:
		status := e.status
		e.mu.Unlock()
		return nil, errors.New(errors.ErrCodeExecutorStopped, "executor is not accepting invocations").
			WithContext("session_id", e.session).
			WithContext("status", string(status))
	}

	if e.budgets.AnyExceeded() {
		snap := e.budgets.Snapshot()
		e.statusLocked(StatusBudgetExceeded, "budget exhausted before invoke")
		e.mu.Unlock()
		telemetry.RecordBudgetDenial(exhaustedDimension(snap))
		return nil, budgetExhaustedError(snap)
	}

	correlationID := session.NewCorrelationID()
	req := e.buildRequest(task)
	estimated := int64(model.EstimateRequestTokens(req))
	if err := e.budgets.Preflight(0, estimated, 0); err != nil {
		e.mu.Unlock()
		telemetry.RecordBudgetDenial(string(budget.DimensionTokens))
		return nil, err
	}

	e.lastActiveAt = time.Now()
	e.statusLocked(StatusExecuting, "")
	e.mu.Unlock()

	e.log(logging.LevelInfo, "invocation_started", "", map[string]any{
		"correlation_id":   correlationID,
		"estimated_tokens": estimated,
	})
	telemetry.RecordInvocationStarted()
	result, err := e.run(ctx, task, req, correlationID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) run(ctx context.Context, task Task, req model.Request, correlationID string) (*InvokeResult, error) {
	start := time.Now()

	streamCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.streamCancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.streamCancel = nil
		e.mu.Unlock()
	}()

	e.setStatus(StatusStreaming, "")
	stream, err := e.deps.Client.OpenStream(streamCtx, req)
	if err != nil {
		if e.watchdogFired.Load() {
			return nil, e.budgetExceededOutcome()
		}
		return nil, e.fail(errors.Wrap(err, errors.ErrCodeLLMError, "failed to open model stream"))
	}
	defer stream.Close()

	e.transcript.Append(Entry{Type: EntryUserInput, Content: task.Instruction})

	allowed := e.allowedTools(task)
	maxIterations := task.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	var content strings.Builder
	var usage *model.Usage
	toolCalls := 0

	for {
		event, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			if e.watchdogFired.Load() {
				return nil, e.budgetExceededOutcome()
			}
			return nil, e.fail(errors.Wrap(recvErr, errors.ErrCodeLLMError, "model stream failed"))
		}

		switch event.Type {
		case model.EventTextDelta:
			content.WriteString(event.Text)

		case model.EventToolCall:
			call := event.ToolCall
			if call == nil {
				continue
			}
			toolCalls++
			if toolCalls > maxIterations {
				return nil, e.fail(errors.New(errors.ErrCodeExecutionError, "tool call limit reached").
					WithContext("max_iterations", maxIterations))
			}
			if !allowed[call.Name] {
				return nil, e.fail(errors.New(errors.ErrCodeToolNotAllowed, "tool not allowed for this invocation").
					WithContext("tool", call.Name))
			}

			e.setStatus(StatusWaitingForTools, call.Name)
			feedback := e.dispatchTool(call)
			// A watchdog firing mid-tool lets the tool finish, then halts.
			if e.watchdogFired.Load() {
				return nil, e.budgetExceededOutcome()
			}
			if err := stream.SendToolResult(feedback); err != nil {
				return nil, e.fail(errors.Wrap(err, errors.ErrCodeLLMError, "failed to return tool result"))
			}
			e.setStatus(StatusStreaming, "")

		case model.EventCompleted:
			usage = event.Usage
		}
	}

	if e.watchdogFired.Load() {
		return nil, e.budgetExceededOutcome()
	}

	return e.complete(content.String(), usage, start, correlationID)
}

func (e *Executor) dispatchTool(call *model.ToolCallRequest) model.ToolResult {
	params, _ := json.Marshal(call.Params)
	e.transcript.Append(Entry{
		Type:     EntryToolCall,
		Content:  string(params),
		ToolName: call.Name,
		CallID:   call.CallID,
	})

	e.mu.Lock()
	budgetView := e.budgets.Snapshot()
	e.mu.Unlock()

	tctx := &tool.Context{
		SessionID:   e.session,
		WorkDir:     e.cfg.WorkDir,
		Permissions: tool.NewPermissionSet(e.cfg.Permissions...),
		Sandbox:     &e.policy,
		Budget:      budgetView,
	}

	result, err := e.deps.Tools.Dispatch(call.Name, call.Params, tctx)
	feedback := model.ToolResult{CallID: call.CallID}
	if err != nil {
		feedback.Content = err.Error()
		feedback.IsError = true
	} else {
		feedback.Content = result.Content
		feedback.IsError = result.IsError
	}

	e.transcript.Append(Entry{
		Type:     EntryToolResult,
		Content:  feedback.Content,
		ToolName: call.Name,
		CallID:   call.CallID,
	})
	return feedback
}

// complete applies usage to the budgets and cost ledger, checkpoints the
// result and transcript, and transitions to completed.
func (e *Executor) complete(content string, usage *model.Usage, start time.Time, correlationID string) (*InvokeResult, error) {
	elapsed := int64(math.Ceil(time.Since(start).Seconds()))

	var tokensUsed int64
	var warnings []budget.Warning
	e.mu.Lock()
	if usage != nil {
		tokensUsed = int64(usage.InputTokens + usage.OutputTokens)
		warnings = append(warnings, e.budgets.Consume(budget.DimensionTokens, tokensUsed)...)
	}
	warnings = append(warnings, e.budgets.Consume(budget.DimensionTime, elapsed)...)
	e.mu.Unlock()

	var costCents int64
	if usage != nil && e.deps.Ledger != nil {
		record, err := e.deps.Ledger.RecordUsage(cost.ScopeSession, e.session, e.cfg.Model, usage.InputTokens, usage.OutputTokens)
		if err == nil {
			costCents = int64(math.Round(record.Cost * 100))
			e.mu.Lock()
			warnings = append(warnings, e.budgets.Consume(budget.DimensionCost, costCents)...)
			e.mu.Unlock()
		}
	}
	e.reportWarnings(warnings)

	e.transcript.Append(Entry{Type: EntryAssistantOutput, Content: content})
	e.checkpointResult(content)

	e.mu.Lock()
	e.invocationCount++
	e.lastActiveAt = time.Now()
	snap := e.budgets.Snapshot()
	e.statusLocked(StatusCompleted, "")
	e.mu.Unlock()

	e.log(logging.LevelInfo, "invocation_completed", "", map[string]any{
		"correlation_id": correlationID,
		"tokens_used":    tokensUsed,
		"cost_cents":     costCents,
	})
	telemetry.RecordInvocationFinished("completed")
	return &InvokeResult{
		CorrelationID: correlationID,
		Content:       content,
		Transcript:    e.transcript.Entries(),
		Cost:          CostSummary{TokensUsed: tokensUsed, CostUsedCents: costCents},
		BudgetStatus:  snap,
	}, nil
}

func (e *Executor) checkpointResult(content string) {
	if e.deps.Checkpoints == nil {
		return
	}
	if _, err := e.deps.Checkpoints.SaveArtifact(e.session, checkpoint.ArtifactResult, []byte(content), nil); err != nil {
		e.log(logging.LevelWarn, "checkpoint_failed", err.Error(), nil)
	}
	transcriptJSON, err := json.Marshal(e.transcript.Entries())
	if err != nil {
		return
	}
	if _, err := e.deps.Checkpoints.SaveArtifact(e.session, checkpoint.ArtifactTranscript, transcriptJSON, nil); err != nil {
		e.log(logging.LevelWarn, "checkpoint_failed", err.Error(), nil)
	}
}

func (e *Executor) reportWarnings(warnings []budget.Warning) {
	for _, warning := range warnings {
		e.log(logging.LevelWarn, "budget_warning", "budget threshold crossed", map[string]any{
			"dimension":    string(warning.Dimension),
			"threshold":    warning.Threshold,
			"percent_used": warning.PercentUsed,
		})
		event := bus.BudgetWarningEvent{
			AgentID:     e.cfg.Name,
			SessionID:   e.session,
			Dimension:   string(warning.Dimension),
			Threshold:   warning.Threshold,
			PercentUsed: warning.PercentUsed,
		}
		go func() {
			_ = bus.PublishBudgetWarning(context.Background(), e.deps.Bus, event)
		}()
	}
}

// buildRequest assembles the model request from the system prompt, the
// retained transcript, and the new instruction.
func (e *Executor) buildRequest(task Task) model.Request {
	var messages []model.Message
	for _, entry := range e.transcript.Entries() {
		switch entry.Type {
		case EntryUserInput:
			messages = append(messages, model.Message{Role: model.RoleUser, Content: entry.Content})
		case EntryAssistantOutput:
			messages = append(messages, model.Message{Role: model.RoleAssistant, Content: entry.Content})
		case EntryToolResult:
			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				Content:    entry.Content,
				ToolCallID: entry.CallID,
				ToolName:   entry.ToolName,
			})
		}
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: task.Instruction})

	var tools []model.ToolSpec
	for name := range e.allowedTools(task) {
		spec := model.ToolSpec{Name: name}
		if t, ok := e.deps.Tools.Get(name); ok {
			spec.Description = t.Description()
			for _, perm := range t.Permissions() {
				spec.Permissions = append(spec.Permissions, string(perm))
			}
		}
		tools = append(tools, spec)
	}

	return model.Request{
		Model:        e.cfg.Model,
		SystemPrompt: e.cfg.SystemPrompt,
		Messages:     messages,
		Tools:        tools,
	}
}

// allowedTools intersects the configured tools with the task restriction.
func (e *Executor) allowedTools(task Task) map[string]bool {
	allowed := make(map[string]bool, len(e.cfg.Tools))
	if len(task.ToolsAllowed) == 0 {
		for _, name := range e.cfg.Tools {
			allowed[name] = true
		}
		return allowed
	}
	configured := make(map[string]bool, len(e.cfg.Tools))
	for _, name := range e.cfg.Tools {
		configured[name] = true
	}
	for _, name := range task.ToolsAllowed {
		if configured[name] {
			allowed[name] = true
		}
	}
	return allowed
}

// onWatchdogFire pins the time budget at zero and cancels any open
// stream. An in-flight tool dispatch is not interrupted.
func (e *Executor) onWatchdogFire() {
	if e.watchdogFired.Swap(true) {
		return
	}

	e.mu.Lock()
	if remaining := e.budgets.Time.Remaining; remaining > 0 {
		e.budgets.Consume(budget.DimensionTime, remaining)
	}
	cancel := e.streamCancel
	terminal := e.status == StatusTerminated
	if !terminal {
		e.statusLocked(StatusBudgetExceeded, "time budget exhausted")
	}
	e.mu.Unlock()

	telemetry.RecordBudgetDenial(string(budget.DimensionTime))
	if cancel != nil {
		cancel()
	}
}

func (e *Executor) budgetExceededOutcome() error {
	e.mu.Lock()
	snap := e.budgets.Snapshot()
	e.statusLocked(StatusBudgetExceeded, "time budget exhausted")
	e.mu.Unlock()

	telemetry.RecordInvocationFinished("budget_exceeded")
	return budgetExhaustedError(snap)
}

func (e *Executor) fail(err error) error {
	e.mu.Lock()
	e.lastError = err.Error()
	e.statusLocked(StatusFailed, err.Error())
	e.mu.Unlock()

	telemetry.RecordInvocationFinished("failed")
	return err
}

// Stop transitions to terminated from any state, cancelling an open
// stream and disarming the watchdog. Idempotent.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.status == StatusTerminated {
		e.mu.Unlock()
		return
	}
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	cancel := e.streamCancel
	e.statusLocked(StatusTerminated, "")
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// setStatus takes the lock and transitions; statusLocked assumes it.
func (e *Executor) setStatus(status Status, detail string) {
	e.mu.Lock()
	e.statusLocked(status, detail)
	e.mu.Unlock()
}

func (e *Executor) statusLocked(status Status, detail string) {
	e.status = status
	go func() {
		_ = bus.PublishStatus(context.Background(), e.deps.Bus, bus.StatusEvent{
			AgentID:   e.cfg.Name,
			SessionID: e.session,
			Status:    string(status),
			Detail:    detail,
		})
	}()
	e.log(logging.LevelInfo, "status_change", string(status), map[string]any{"detail": detail})
}

func (e *Executor) log(level logging.Level, eventType, message string, details map[string]any) {
	if e.deps.Logger == nil {
		return
	}
	event := logging.Event{
		Level:     level,
		Category:  logging.CategoryAgent,
		EventType: eventType,
		Message:   message,
		Details:   details,
		SessionID: e.session,
	}
	_ = e.deps.Logger.Log(event)
}

func budgetExhaustedError(snap budget.Status) error {
	return errors.New(errors.ErrCodeBudgetExceeded, "budget exhausted").
		WithContext("dimension", exhaustedDimension(snap)).
		WithContext("time_remaining", snap.TimeRemaining).
		WithContext("tokens_remaining", snap.TokensRemain).
		WithContext("cost_remaining_cents", snap.CostRemaining)
}

func exhaustedDimension(snap budget.Status) string {
	switch {
	case snap.TimeLimit > 0 && snap.TimeRemaining == 0:
		return string(budget.DimensionTime)
	case snap.TokenLimit > 0 && snap.TokensRemain == 0:
		return string(budget.DimensionTokens)
	case snap.CostLimit > 0 && snap.CostRemaining == 0:
		return string(budget.DimensionCost)
	default:
		return ""
	}
}
