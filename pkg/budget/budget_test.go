package budget

import (
	"testing"

	"github.com/hearthconnect/otto-sub000/pkg/errors"
)

func TestConsumeInvariant(t *testing.T) {
	b := New(100)
	amounts := []int64{10, 25, 40, 50, 3}

	for _, amount := range amounts {
		b, _ = Consume(b, DimensionTokens, amount)
		if b.Used+b.Remaining != b.Limit {
			t.Fatalf("invariant broken after consume(%d): used=%d remaining=%d limit=%d",
				amount, b.Used, b.Remaining, b.Limit)
		}
		if b.Exceeded != (b.Remaining == 0) {
			t.Fatalf("exceeded flag out of sync: %+v", b)
		}
	}

	if !b.Exceeded {
		t.Errorf("expected budget exhausted after overconsumption, got %+v", b)
	}
	if b.Used != 100 || b.Remaining != 0 {
		t.Errorf("expected used pinned at limit, got used=%d remaining=%d", b.Used, b.Remaining)
	}
}

func TestWarningFiresOnce(t *testing.T) {
	b := New(100)
	var total []Warning

	for i := 0; i < 10; i++ {
		var fired []Warning
		b, fired = Consume(b, DimensionCost, 10)
		total = append(total, fired...)
	}

	if len(total) != 1 {
		t.Fatalf("expected exactly one 80%% warning, got %d: %+v", len(total), total)
	}
	if total[0].Threshold != WarningThreshold80 || total[0].Dimension != DimensionCost {
		t.Errorf("unexpected warning: %+v", total[0])
	}
	if !b.WarningsSent[WarningThreshold80] {
		t.Error("warning not recorded in WarningsSent")
	}
}

func TestWarningThresholdBoundary(t *testing.T) {
	b := New(10)
	b, fired := Consume(b, DimensionTokens, 7)
	if len(fired) != 0 {
		t.Fatalf("70%% should not warn, got %+v", fired)
	}
	b, fired = Consume(b, DimensionTokens, 1)
	if len(fired) != 1 {
		t.Fatalf("80%% should warn, got %+v", fired)
	}
	_ = b
}

func TestConsumeDoesNotMutateInput(t *testing.T) {
	b := New(100)
	next, _ := Consume(b, DimensionTime, 90)
	if b.Used != 0 || b.Remaining != 100 {
		t.Fatalf("input record mutated: %+v", b)
	}
	// The warning set must not be shared between generations.
	if len(b.WarningsSent) != 0 {
		t.Fatalf("input warning set mutated: %+v", b.WarningsSent)
	}
	if !next.WarningsSent[WarningThreshold80] {
		t.Fatalf("expected warning recorded on result: %+v", next)
	}
}

func TestConsumeZeroAmountNoop(t *testing.T) {
	b := New(50)
	next, fired := Consume(b, DimensionTokens, 0)
	if next.Used != 0 || next.Remaining != 50 {
		t.Errorf("zero consume should be a no-op, got %+v", next)
	}
	if len(fired) != 0 {
		t.Errorf("zero consume fired warnings: %+v", fired)
	}
}

func TestUnlimitedDimension(t *testing.T) {
	b := New(0)
	b, fired := Consume(b, DimensionTime, 1_000_000)
	if b.Exceeded {
		t.Error("unlimited budgets never exceed")
	}
	if len(fired) != 0 {
		t.Errorf("unlimited budgets never warn, got %+v", fired)
	}
	if err := CheckPreflight(b, DimensionTime, 1_000_000); err != nil {
		t.Errorf("unlimited preflight should pass, got %v", err)
	}
}

func TestCheckPreflight(t *testing.T) {
	b := New(100)
	b, _ = Consume(b, DimensionTokens, 60)

	if err := CheckPreflight(b, DimensionTokens, 40); err != nil {
		t.Errorf("exact-fit preflight should pass, got %v", err)
	}

	err := CheckPreflight(b, DimensionTokens, 41)
	if !errors.IsCode(err, errors.ErrCodeBudgetExceeded) {
		t.Fatalf("expected BUDGET_EXCEEDED, got %v", err)
	}
	structured := err.(*errors.Error)
	if structured.Context["requested"] != int64(41) {
		t.Errorf("expected requested in context, got %+v", structured.Context)
	}
	if structured.Context["remaining"] != int64(40) {
		t.Errorf("expected remaining in context, got %+v", structured.Context)
	}

	// Preflight never mutates.
	if b.Used != 60 || b.Remaining != 40 {
		t.Errorf("preflight mutated the record: %+v", b)
	}
}

func TestPreflightExhaustedRejectsZeroEstimate(t *testing.T) {
	b := New(10)
	b, _ = Consume(b, DimensionTime, 10)
	if err := CheckPreflight(b, DimensionTime, 0); !errors.IsCode(err, errors.ErrCodeBudgetExceeded) {
		t.Fatalf("exhausted dimension must reject even a zero estimate, got %v", err)
	}
}

func TestSetConsumeAndSnapshot(t *testing.T) {
	set := NewSet(60, 1000, 500)

	set.Consume(DimensionTokens, 400)
	set.Consume(DimensionCost, 500)

	status := set.Snapshot()
	if status.TokensUsed != 400 || status.TokensRemain != 600 {
		t.Errorf("unexpected token status: %+v", status)
	}
	if status.CostRemaining != 0 {
		t.Errorf("expected cost exhausted, got %+v", status)
	}
	if !status.BudgetExceeded {
		t.Error("expected BudgetExceeded when any dimension is exhausted")
	}
	if !set.AnyExceeded() {
		t.Error("AnyExceeded should report the exhausted cost dimension")
	}
}

func TestSetPreflightChecksEveryDimension(t *testing.T) {
	set := NewSet(10, 100, 100)
	set.Consume(DimensionTime, 10)

	err := set.Preflight(0, 1, 1)
	if !errors.IsCode(err, errors.ErrCodeBudgetExceeded) {
		t.Fatalf("expected time dimension to fail preflight, got %v", err)
	}
}
