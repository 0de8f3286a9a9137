package cogs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/costledger"
	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/money"
)

type fakeRuns struct {
	ids []uuid.UUID
}

func (f *fakeRuns) RunsInPeriod(_ context.Context, _ uuid.UUID, _ domain.Window) ([]uuid.UUID, error) {
	return f.ids, nil
}

func TestCalculatePeriodCOGSGroupsByType(t *testing.T) {
	ledger := costledger.NewMemLedger()
	ctx := context.Background()
	customerID := uuid.New()
	runID := uuid.New()
	period := domain.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	must(t, ledger.Record(ctx, costledger.CostRecord{
		ID: uuid.New(), WorkflowRunID: &runID, CustomerID: customerID,
		TS: period.Start.AddDate(0, 0, 1), CostAmount: money.MustNew("10"), CostType: costledger.LLMAPI,
	}))
	must(t, ledger.Record(ctx, costledger.CostRecord{
		ID: uuid.New(), WorkflowRunID: &runID, CustomerID: customerID,
		TS: period.Start.AddDate(0, 0, 2), CostAmount: money.MustNew("5"), CostType: costledger.Compute,
	}))
	// Outside the period: must not count.
	must(t, ledger.Record(ctx, costledger.CostRecord{
		ID: uuid.New(), WorkflowRunID: &runID, CustomerID: customerID,
		TS: period.End.AddDate(0, 0, 1), CostAmount: money.MustNew("999"), CostType: costledger.Compute,
	}))

	calc := New(ledger, &fakeRuns{ids: []uuid.UUID{runID}})
	result, err := calc.CalculatePeriodCOGS(ctx, customerID, period)
	if err != nil {
		t.Fatalf("CalculatePeriodCOGS: %v", err)
	}
	if want := money.MustNew("15"); !result.Total.Equal(want) {
		t.Fatalf("total: got %s want %s", result.Total, want)
	}
	if want := money.MustNew("10"); !result.ByCostType[costledger.LLMAPI].Equal(want) {
		t.Fatalf("llm_api: got %s want %s", result.ByCostType[costledger.LLMAPI], want)
	}
}

func TestCalculatePeriodCOGSNoRuns(t *testing.T) {
	ledger := costledger.NewMemLedger()
	calc := New(ledger, &fakeRuns{ids: nil})
	result, err := calc.CalculatePeriodCOGS(context.Background(), uuid.New(), domain.Window{
		Start: time.Now(), End: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Total.IsZero() {
		t.Fatalf("expected zero total with no runs, got %s", result.Total)
	}
}

func TestCalculateMeterCOGSAppliesAllowlist(t *testing.T) {
	ledger := costledger.NewMemLedger()
	ctx := context.Background()
	customerID := uuid.New()
	runID := uuid.New()
	period := domain.Window{Start: time.Now().Add(-time.Hour), End: time.Now().Add(time.Hour)}

	must(t, ledger.Record(ctx, costledger.CostRecord{
		ID: uuid.New(), WorkflowRunID: &runID, CustomerID: customerID,
		TS: time.Now(), CostAmount: money.MustNew("8"), CostType: costledger.OpenAI,
	}))
	// Not in the llm. allowlist: must be excluded from llm.tokens attribution.
	must(t, ledger.Record(ctx, costledger.CostRecord{
		ID: uuid.New(), WorkflowRunID: &runID, CustomerID: customerID,
		TS: time.Now(), CostAmount: money.MustNew("100"), CostType: costledger.S3,
	}))

	calc := New(ledger, &fakeRuns{ids: []uuid.UUID{runID}})
	total, err := calc.CalculateMeterCOGS(ctx, customerID, "llm.tokens", period)
	if err != nil {
		t.Fatalf("CalculateMeterCOGS: %v", err)
	}
	if want := money.MustNew("8"); !total.Equal(want) {
		t.Fatalf("got %s want %s", total, want)
	}
}

func TestCalculateMeterCOGSUnrecognizedPrefixAllowsEverything(t *testing.T) {
	ledger := costledger.NewMemLedger()
	ctx := context.Background()
	customerID := uuid.New()
	runID := uuid.New()
	period := domain.Window{Start: time.Now().Add(-time.Hour), End: time.Now().Add(time.Hour)}

	must(t, ledger.Record(ctx, costledger.CostRecord{
		ID: uuid.New(), WorkflowRunID: &runID, CustomerID: customerID,
		TS: time.Now(), CostAmount: money.MustNew("3"), CostType: costledger.S3,
	}))

	calc := New(ledger, &fakeRuns{ids: []uuid.UUID{runID}})
	total, err := calc.CalculateMeterCOGS(ctx, customerID, "custom.metric", period)
	if err != nil {
		t.Fatalf("CalculateMeterCOGS: %v", err)
	}
	if want := money.MustNew("3"); !total.Equal(want) {
		t.Fatalf("got %s want %s", total, want)
	}
}

func TestCalculateMarginAnalysisScoreBoundaries(t *testing.T) {
	cases := []struct {
		revenue, costAmt string
		want             MarginScore
	}{
		{"100", "40", Excellent}, // 60% margin
		{"100", "65", Good},      // 35% margin
		{"100", "80", Fair},      // 20% margin
		{"100", "95", Poor},      // 5% margin
		{"100", "120", Loss},     // -20% margin
	}
	for _, c := range cases {
		analysis := CalculateMarginAnalysis(money.MustNew(c.revenue), money.MustNew(c.costAmt))
		if analysis.Score != c.want {
			t.Errorf("revenue=%s cost=%s: got score %s want %s (margin%%=%.2f)", c.revenue, c.costAmt, analysis.Score, c.want, analysis.MarginPercent)
		}
	}
}

func TestCalculateMarginAnalysisZeroRevenueGuard(t *testing.T) {
	analysis := CalculateMarginAnalysis(money.Zero, money.MustNew("50"))
	if analysis.MarginPercent != 0 {
		t.Fatalf("expected zero-revenue guard to leave MarginPercent at 0, got %f", analysis.MarginPercent)
	}
	if want := money.MustNew("-50"); !analysis.GrossMargin.Equal(want) {
		t.Fatalf("gross margin: got %s want %s", analysis.GrossMargin, want)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
