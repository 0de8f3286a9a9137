// Package cogs is the COGS Calculator (C9): it attributes cost-ledger
// entries to meters and periods and computes margin against a rated
// period.
package cogs

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/costledger"
	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/money"
)

// WorkflowRunFinder locates the WorkflowRuns that ran for a customer in
// a period; v1 associates every run in the period with every meter,
// per the spec's explicitly deferred src_event_ids refinement.
type WorkflowRunFinder interface {
	RunsInPeriod(ctx context.Context, customerID uuid.UUID, period domain.Window) ([]uuid.UUID, error)
}

// Calculator wires the cost ledger and the run finder.
type Calculator struct {
	ledger costledger.Ledger
	runs   WorkflowRunFinder
}

func New(ledger costledger.Ledger, runs WorkflowRunFinder) *Calculator {
	return &Calculator{ledger: ledger, runs: runs}
}

// PeriodCOGS is the period's total cost, grouped by cost type.
type PeriodCOGS struct {
	ByCostType map[costledger.CostType]money.Decimal
	Total      money.Decimal
}

// CalculatePeriodCOGS sums CostRecords joined to the customer's
// WorkflowRuns within [period.Start, period.End), grouped by cost type.
func (c *Calculator) CalculatePeriodCOGS(ctx context.Context, customerID uuid.UUID, period domain.Window) (PeriodCOGS, error) {
	runIDs, err := c.runs.RunsInPeriod(ctx, customerID, period)
	if err != nil {
		return PeriodCOGS{}, err
	}
	if len(runIDs) == 0 {
		return PeriodCOGS{ByCostType: map[costledger.CostType]money.Decimal{}}, nil
	}

	runSet := make(map[uuid.UUID]struct{}, len(runIDs))
	for _, id := range runIDs {
		runSet[id] = struct{}{}
	}

	records, err := c.ledger.List(ctx, customerID, costledger.Filter{
		WorkflowRunIDs: runSet,
		From:           &period.Start,
		To:             &period.End,
	})
	if err != nil {
		return PeriodCOGS{}, err
	}

	result := PeriodCOGS{ByCostType: make(map[costledger.CostType]money.Decimal)}
	for _, r := range records {
		result.ByCostType[r.CostType] = result.ByCostType[r.CostType].Add(r.CostAmount)
		result.Total = result.Total.Add(r.CostAmount)
	}
	return result, nil
}

// costTypeAllowlist maps a meter-key prefix to the cost types that may
// be attributed to it; "all types" is represented by a nil allowlist.
func costTypeAllowlist(meterKey string) map[costledger.CostType]struct{} {
	switch {
	case strings.HasPrefix(meterKey, "llm."):
		return set(costledger.Tokens, costledger.LLMAPI, costledger.OpenAI, costledger.Anthropic)
	case strings.HasPrefix(meterKey, "compute."):
		return set(costledger.Compute, costledger.CPU, costledger.GPU, costledger.Memory)
	case strings.HasPrefix(meterKey, "storage."):
		return set(costledger.Storage, costledger.S3, costledger.Database, costledger.Disk)
	case strings.HasPrefix(meterKey, "api."):
		return set(costledger.API, costledger.VendorAPI, costledger.ExternalService)
	case strings.HasPrefix(meterKey, "workflow."):
		return nil
	default:
		return nil
	}
}

func set(types ...costledger.CostType) map[costledger.CostType]struct{} {
	out := make(map[costledger.CostType]struct{}, len(types))
	for _, t := range types {
		out[t] = struct{}{}
	}
	return out
}

// CalculateMeterCOGS attributes cost to a single meter key for the
// period, filtering CostRecords by the meter's cost-type allowlist.
func (c *Calculator) CalculateMeterCOGS(ctx context.Context, customerID uuid.UUID, meterKey string, period domain.Window) (money.Decimal, error) {
	runIDs, err := c.runs.RunsInPeriod(ctx, customerID, period)
	if err != nil {
		return money.Zero, err
	}
	if len(runIDs) == 0 {
		return money.Zero, nil
	}
	runSet := make(map[uuid.UUID]struct{}, len(runIDs))
	for _, id := range runIDs {
		runSet[id] = struct{}{}
	}

	allowlist := costTypeAllowlist(meterKey)
	records, err := c.ledger.List(ctx, customerID, costledger.Filter{
		WorkflowRunIDs: runSet,
		From:           &period.Start,
		To:             &period.End,
	})
	if err != nil {
		return money.Zero, err
	}

	total := money.Zero
	for _, r := range records {
		if allowlist != nil {
			if _, ok := allowlist[r.CostType]; !ok {
				continue
			}
		}
		total = total.Add(r.CostAmount)
	}
	return total, nil
}

// MarginScore is the qualitative margin-health label.
type MarginScore string

const (
	Excellent MarginScore = "excellent"
	Good      MarginScore = "good"
	Fair      MarginScore = "fair"
	Poor      MarginScore = "poor"
	Loss      MarginScore = "loss"
)

// MarginAnalysis is the revenue/COGS/margin summary for a rated period.
type MarginAnalysis struct {
	Revenue       money.Decimal
	COGS          money.Decimal
	GrossMargin   money.Decimal
	MarginPercent float64
	Score         MarginScore
}

// CalculateMarginAnalysis derives gross margin and a qualitative score
// from revenue and period COGS.
func CalculateMarginAnalysis(revenue, periodCOGS money.Decimal) MarginAnalysis {
	grossMargin := revenue.Sub(periodCOGS)

	var marginPercent float64
	if !revenue.IsZero() && revenue.Sign() > 0 {
		ratio, err := grossMargin.Div(revenue)
		if err == nil {
			var f float64
			if _, scanErr := fmt.Sscan(ratio.String(), &f); scanErr == nil {
				marginPercent = f * 100
			}
		}
	}

	return MarginAnalysis{
		Revenue:       revenue,
		COGS:          periodCOGS,
		GrossMargin:   grossMargin,
		MarginPercent: marginPercent,
		Score:         scoreFor(marginPercent),
	}
}

func scoreFor(marginPercent float64) MarginScore {
	switch {
	case marginPercent >= 50:
		return Excellent
	case marginPercent >= 30:
		return Good
	case marginPercent >= 15:
		return Fair
	case marginPercent >= 0:
		return Poor
	default:
		return Loss
	}
}

