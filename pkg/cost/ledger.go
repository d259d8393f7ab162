package cost

import (
	"fmt"
	"sync"
	"time"

	"github.com/hearthconnect/otto-sub000/pkg/logging"
	"github.com/hearthconnect/otto-sub000/pkg/session"
)

// ScopeType categorizes the owner of a usage record.
type ScopeType string

const (
	ScopeAgent    ScopeType = "agent"
	ScopeWorkflow ScopeType = "workflow"
	ScopeSession  ScopeType = "session"
)

// UsageRecord is one immutable record of model token consumption.
type UsageRecord struct {
	ID           string    `json:"id"`
	ScopeType    ScopeType `json:"scope_type"`
	ScopeID      string    `json:"scope_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// Usage aggregates records for one scope.
type Usage struct {
	TotalInputTokens  int           `json:"total_input_tokens"`
	TotalOutputTokens int           `json:"total_output_tokens"`
	TotalCost         float64       `json:"total_cost"`
	RecordCount       int           `json:"record_count"`
	Records           []UsageRecord `json:"records,omitempty"`
}

// TimeRange bounds a usage query. Zero values leave that side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (tr *TimeRange) contains(t time.Time) bool {
	if tr == nil {
		return true
	}
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && t.After(tr.End) {
		return false
	}
	return true
}

// BudgetReport describes aggregate spend against the daily budget.
type BudgetReport struct {
	WithinBudget    bool    `json:"within_budget"`
	PercentageUsed  float64 `json:"percentage_used"`
	RemainingBudget float64 `json:"remaining_budget"`
	TotalCost       float64 `json:"total_cost"`
}

// UsageStore persists records behind the ledger. In-memory aggregates
// remain authoritative within a process.
type UsageStore interface {
	SaveUsage(record UsageRecord) error
}

// Ledger accumulates usage records per scope and answers budget queries.
type Ledger struct {
	pricing     *PricingTable
	dailyBudget float64
	logger      *logging.Logger
	store       UsageStore

	mu            sync.RWMutex
	records       map[string][]UsageRecord
	unknownModels map[string]bool
	warned        map[string]bool
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLogger attaches a structured logger for warnings and threshold events.
func WithLogger(logger *logging.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// WithUsageStore attaches a durable store; every record is persisted on append.
func WithUsageStore(store UsageStore) LedgerOption {
	return func(l *Ledger) { l.store = store }
}

// NewLedger creates a ledger with the given pricing table and daily budget
// in dollars. A zero or negative budget means unlimited.
func NewLedger(pricing *PricingTable, dailyBudget float64, opts ...LedgerOption) *Ledger {
	if pricing == nil {
		pricing = NewPricingTable(nil)
	}
	ledger := &Ledger{
		pricing:       pricing,
		dailyBudget:   dailyBudget,
		records:       make(map[string][]UsageRecord),
		unknownModels: make(map[string]bool),
		warned:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(ledger)
	}
	return ledger
}

func scopeKey(scopeType ScopeType, scopeID string) string {
	return string(scopeType) + "/" + scopeID
}

// RecordUsage computes the cost for the call, appends an immutable record,
// and returns it. Unknown models fall back to the default rate.
func (l *Ledger) RecordUsage(scopeType ScopeType, scopeID, model string, inputTokens, outputTokens int) (UsageRecord, error) {
	cost, known := l.pricing.CostFromTokens(model, inputTokens, outputTokens)

	record := UsageRecord{
		ID:           session.NewCallID(),
		ScopeType:    scopeType,
		ScopeID:      scopeID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		Timestamp:    time.Now(),
	}

	l.mu.Lock()
	key := scopeKey(scopeType, scopeID)
	l.records[key] = append(l.records[key], record)
	warnUnknown := !known && !l.unknownModels[model]
	if warnUnknown {
		l.unknownModels[model] = true
	}
	l.mu.Unlock()

	if warnUnknown && l.logger != nil {
		l.logger.Warn(logging.CategoryCost, "unknown_model_pricing",
			fmt.Sprintf("no pricing for model %q, using default rate", model),
			map[string]any{"model": model})
	}

	if l.store != nil {
		if err := l.store.SaveUsage(record); err != nil {
			if l.logger != nil {
				l.logger.Error(logging.CategoryCost, "usage_persist_failed", err.Error(),
					map[string]any{"record_id": record.ID})
			}
			return record, err
		}
	}
	return record, nil
}

// GetUsage aggregates records for a scope, optionally bounded by a time
// range. Unknown scopes yield zero aggregates.
func (l *Ledger) GetUsage(scopeType ScopeType, scopeID string, timeRange *TimeRange) Usage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var usage Usage
	for _, record := range l.records[scopeKey(scopeType, scopeID)] {
		if !timeRange.contains(record.Timestamp) {
			continue
		}
		usage.TotalInputTokens += record.InputTokens
		usage.TotalOutputTokens += record.OutputTokens
		usage.TotalCost += record.Cost
		usage.RecordCount++
		usage.Records = append(usage.Records, record)
	}
	return usage
}

// TotalCost sums the cost of every record under a scope type.
func (l *Ledger) TotalCost(scopeType ScopeType) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prefix := string(scopeType) + "/"
	var total float64
	for key, records := range l.records {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		for _, record := range records {
			total += record.Cost
		}
	}
	return total
}

// CheckBudget compares a scope's aggregate cost against the daily budget.
// The 80% warning and 100% error are each logged at most once per scope
// per accounting day.
func (l *Ledger) CheckBudget(scopeType ScopeType, scopeID string) BudgetReport {
	usage := l.GetUsage(scopeType, scopeID, nil)

	report := BudgetReport{
		WithinBudget: true,
		TotalCost:    usage.TotalCost,
	}
	if l.dailyBudget <= 0 {
		return report
	}

	report.PercentageUsed = usage.TotalCost / l.dailyBudget * 100
	report.RemainingBudget = l.dailyBudget - usage.TotalCost
	if report.RemainingBudget < 0 {
		report.RemainingBudget = 0
	}
	report.WithinBudget = usage.TotalCost < l.dailyBudget

	period := time.Now().Format("2006-01-02")
	key := scopeKey(scopeType, scopeID)
	if report.PercentageUsed >= 100 {
		l.logThresholdOnce(key, "100_percent", period, logging.LevelError, scopeType, scopeID, report)
	} else if report.PercentageUsed >= 80 {
		l.logThresholdOnce(key, "80_percent", period, logging.LevelWarn, scopeType, scopeID, report)
	}
	return report
}

func (l *Ledger) logThresholdOnce(scopeKey, threshold, period string, level logging.Level, scopeType ScopeType, scopeID string, report BudgetReport) {
	warnKey := scopeKey + ":" + threshold + ":" + period

	l.mu.Lock()
	already := l.warned[warnKey]
	if !already {
		l.warned[warnKey] = true
	}
	l.mu.Unlock()

	if already || l.logger == nil {
		return
	}

	details := map[string]any{
		"scope_type":      string(scopeType),
		"scope_id":        scopeID,
		"threshold":       threshold,
		"percentage_used": report.PercentageUsed,
		"total_cost":      report.TotalCost,
	}
	message := fmt.Sprintf("scope %s/%s crossed %s of daily budget ($%.4f)", scopeType, scopeID, threshold, report.TotalCost)
	if level == logging.LevelError {
		l.logger.Error(logging.CategoryCost, "budget_threshold", message, details)
	} else {
		l.logger.Warn(logging.CategoryCost, "budget_threshold", message, details)
	}
}
