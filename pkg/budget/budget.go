// Package budget provides pure accounting of per-dimension resource
// consumption against configured limits. It performs no I/O; the owning
// executor applies updates within its own sequential execution.
package budget

import (
	"github.com/hearthconnect/otto-sub000/pkg/errors"
)

// Dimension identifies one consumable resource limit.
type Dimension string

const (
	DimensionTime   Dimension = "time"   // wall-clock seconds
	DimensionTokens Dimension = "tokens" // prompt+completion tokens
	DimensionCost   Dimension = "cost"   // integer cents
)

// WarningThreshold80 is recorded the first time a dimension crosses 80%.
const WarningThreshold80 = "80_percent"

const warnFraction = 0.8

// Budget is the accounting record for a single dimension. A Limit <= 0
// means the dimension is unlimited and never warns or exceeds.
type Budget struct {
	Limit        int64
	Used         int64
	Remaining    int64
	WarningsSent map[string]bool
	Exceeded     bool
}

// New returns a fresh budget for the given limit.
func New(limit int64) Budget {
	if limit < 0 {
		limit = 0
	}
	return Budget{
		Limit:        limit,
		Remaining:    limit,
		WarningsSent: make(map[string]bool),
	}
}

// Unlimited reports whether the budget has no configured limit.
func (b Budget) Unlimited() bool {
	return b.Limit <= 0
}

// Warning describes a threshold crossing fired by Consume.
type Warning struct {
	Dimension   Dimension
	Threshold   string
	PercentUsed float64
}

// Consume returns an updated record with amount applied. Used is clamped so
// that Used + Remaining == Limit always holds; overconsumption pins Used at
// Limit and Remaining at zero. Warnings fire at most once per threshold for
// the lifetime of the record, since usage never decreases.
func Consume(b Budget, dim Dimension, amount int64) (Budget, []Warning) {
	if amount <= 0 || b.Unlimited() {
		return b, nil
	}

	next := b
	next.WarningsSent = copyWarnings(b.WarningsSent)

	next.Remaining = b.Remaining - amount
	if next.Remaining < 0 {
		next.Remaining = 0
	}
	next.Used = next.Limit - next.Remaining
	next.Exceeded = next.Remaining == 0

	var fired []Warning
	if !next.WarningsSent[WarningThreshold80] &&
		float64(next.Used) >= warnFraction*float64(next.Limit) {
		next.WarningsSent[WarningThreshold80] = true
		fired = append(fired, Warning{
			Dimension:   dim,
			Threshold:   WarningThreshold80,
			PercentUsed: PercentUsed(next),
		})
	}

	return next, fired
}

// CheckPreflight reports whether estimated consumption fits in the budget
// without mutating anything.
func CheckPreflight(b Budget, dim Dimension, estimated int64) error {
	if b.Unlimited() {
		return nil
	}
	if b.Exceeded {
		return errors.Newf(errors.ErrCodeBudgetExceeded, "%s budget exhausted", dim).
			WithContext("requested", estimated).
			WithContext("remaining", int64(0))
	}
	if estimated > b.Remaining {
		return errors.Newf(errors.ErrCodeBudgetExceeded, "%s budget headroom too small", dim).
			WithContext("requested", estimated).
			WithContext("remaining", b.Remaining)
	}
	return nil
}

// PercentUsed returns consumption as a percentage of the limit.
func PercentUsed(b Budget) float64 {
	if b.Unlimited() {
		return 0
	}
	return float64(b.Used) / float64(b.Limit) * 100
}

func copyWarnings(src map[string]bool) map[string]bool {
	dst := make(map[string]bool, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Set holds the three budget dimensions for one executor instance.
type Set struct {
	Time   Budget // seconds
	Tokens Budget
	Cost   Budget // cents
}

// NewSet allocates budgets for all dimensions from configured limits.
// A zero limit leaves that dimension unlimited.
func NewSet(timeSeconds, tokens, costCents int64) Set {
	return Set{
		Time:   New(timeSeconds),
		Tokens: New(tokens),
		Cost:   New(costCents),
	}
}

// Consume applies amount to the named dimension and returns fired warnings.
func (s *Set) Consume(dim Dimension, amount int64) []Warning {
	var fired []Warning
	switch dim {
	case DimensionTime:
		s.Time, fired = Consume(s.Time, dim, amount)
	case DimensionTokens:
		s.Tokens, fired = Consume(s.Tokens, dim, amount)
	case DimensionCost:
		s.Cost, fired = Consume(s.Cost, dim, amount)
	}
	return fired
}

// Preflight checks estimated consumption across all dimensions. A zero
// estimate still rejects dimensions that are already exhausted.
func (s *Set) Preflight(timeSeconds, tokens, costCents int64) error {
	if err := CheckPreflight(s.Time, DimensionTime, timeSeconds); err != nil {
		return err
	}
	if err := CheckPreflight(s.Tokens, DimensionTokens, tokens); err != nil {
		return err
	}
	return CheckPreflight(s.Cost, DimensionCost, costCents)
}

// AnyExceeded reports whether any dimension is exhausted.
func (s *Set) AnyExceeded() bool {
	return s.Time.Exceeded || s.Tokens.Exceeded || s.Cost.Exceeded
}

// Status is a point-in-time snapshot of all dimensions for reporting.
type Status struct {
	TimeLimit      int64 `json:"time_limit"`
	TimeUsed       int64 `json:"time_used"`
	TimeRemaining  int64 `json:"time_remaining"`
	TokenLimit     int64 `json:"token_limit"`
	TokensUsed     int64 `json:"tokens_used"`
	TokensRemain   int64 `json:"tokens_remaining"`
	CostLimit      int64 `json:"cost_limit_cents"`
	CostUsed       int64 `json:"cost_used_cents"`
	CostRemaining  int64 `json:"cost_remaining_cents"`
	BudgetExceeded bool  `json:"budget_exceeded"`
}

// Snapshot returns the current status of the set.
func (s *Set) Snapshot() Status {
	return Status{
		TimeLimit:      s.Time.Limit,
		TimeUsed:       s.Time.Used,
		TimeRemaining:  s.Time.Remaining,
		TokenLimit:     s.Tokens.Limit,
		TokensUsed:     s.Tokens.Used,
		TokensRemain:   s.Tokens.Remaining,
		CostLimit:      s.Cost.Limit,
		CostUsed:       s.Cost.Used,
		CostRemaining:  s.Cost.Remaining,
		BudgetExceeded: s.AnyExceeded(),
	}
}
