package rating

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/catalog"
	"github.com/dualrail/ratepipe/cogs"
	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/meterstore"
	"github.com/dualrail/ratepipe/money"
	"github.com/dualrail/ratepipe/outcomes"
)

// LineType enumerates the kinds of line a RatingResult can carry.
type LineType string

const (
	WorkLine       LineType = "work"
	EdgeLine       LineType = "edge"
	BaseFeeLine    LineType = "base_fee"
	SuccessFeeLine LineType = "success_fee"
)

// RatedLine is one invoice line.
type RatedLine struct {
	MeterKey         string
	LineType         LineType
	Usage            money.Decimal
	IncludedConsumed money.Decimal
	BillableQuantity money.Decimal
	Amount           money.Decimal
	AvgUnitPrice     *money.Decimal
	Description      string
	SettlementDays   *int
	Conditions       map[string]string
	OutcomeIDs       []uuid.UUID
}

// RatingResult is the full, self-contained output of rating one
// customer's period.
type RatingResult struct {
	CustomerID  uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	Lines       []RatedLine
	Envelopes   map[string]EnvelopeAllocation
	Subtotal    money.Decimal
	Discount    money.Decimal
	Total       money.Decimal
	COGS        money.Decimal
	Margin      money.Decimal
}

// Engine wires the stores C10 reads.
type Engine struct {
	meters   meterstore.Store
	outcomesStore outcomes.Store
	cogsCalc *cogs.Calculator
}

func NewEngine(meters meterstore.Store, outcomesStore outcomes.Store, cogsCalc *cogs.Calculator) *Engine {
	return &Engine{meters: meters, outcomesStore: outcomesStore, cogsCalc: cogsCalc}
}

// Rate computes a RatingResult for (customerID, period) under policy.
// It is a pure function of the readings it loads: given the same
// readings and policy it always produces the same lines.
func (e *Engine) Rate(ctx context.Context, customerID uuid.UUID, period domain.Window, policy RatingPolicy) (RatingResult, error) {
	if !period.Valid() {
		return RatingResult{}, fmt.Errorf("rating: invalid period [%s, %s)", period.Start, period.End)
	}

	readings, err := e.meters.ByMeter(ctx, customerID, period)
	if err != nil {
		return RatingResult{}, fmt.Errorf("rating: load readings: %w", err)
	}

	filtered, _ := ApplyExclusions(readings, policy.Exclusions)
	envelopes := AllocateEnvelopes(filtered, policy)

	result := RatingResult{
		CustomerID:  customerID,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Envelopes:   envelopes,
	}

	workMeters, edgeMeters := splitMeters(filtered)

	switch policy.Precedence {
	case EdgesOverWork:
		e.rateEdgesNoEnvelope(&result, edgeMeters, policy)
		e.rateWork(&result, workMeters, policy)
	case Parallel:
		e.rateWork(&result, workMeters, policy)
		e.rateEdgesWithEnvelope(&result, edgeMeters, policy, envelopes, ParallelEnvelopeReductionFactor)
	default: // WorkOverEdges
		e.rateWork(&result, workMeters, policy)
		e.rateEdgesWithEnvelope(&result, edgeMeters, policy, envelopes, fullEnvelope)
	}

	if policy.BaseFee.GreaterThan(money.Zero) {
		result.Lines = append(result.Lines, RatedLine{
			LineType:    BaseFeeLine,
			Amount:      policy.BaseFee,
			Description: "base fee",
		})
	}

	if err := e.rateSuccessFees(ctx, &result, customerID, period, policy); err != nil {
		return RatingResult{}, err
	}

	subtotal := money.Zero
	for _, l := range result.Lines {
		subtotal = subtotal.Add(l.Amount)
	}
	result.Subtotal = subtotal

	discount := subtotal.Mul(policy.DiscountPercent).Mul(money.MustNew("0.01"))
	total := subtotal.Sub(discount)

	if policy.SpendCap != nil && total.GreaterThan(*policy.SpendCap) {
		overage := total.Sub(*policy.SpendCap)
		discount = discount.Add(overage)
		total = *policy.SpendCap
	}
	result.Discount = discount
	result.Total = total

	periodCOGS, err := e.cogsCalc.CalculatePeriodCOGS(ctx, customerID, period)
	if err != nil {
		return RatingResult{}, fmt.Errorf("rating: cogs: %w", err)
	}
	result.COGS = periodCOGS.Total
	result.Margin = result.Total.Sub(result.COGS)

	return result, nil
}

func splitMeters(readings map[string]money.Decimal) (work, edge map[string]money.Decimal) {
	work = make(map[string]money.Decimal)
	edge = make(map[string]money.Decimal)
	for k, v := range readings {
		switch catalog.Classify(k) {
		case catalog.Work:
			work[k] = v
		case catalog.Edge:
			edge[k] = v
		}
	}
	return work, edge
}

func (e *Engine) rateWork(result *RatingResult, meters map[string]money.Decimal, policy RatingPolicy) {
	for _, k := range sortedKeys(meters) {
		line, ok := rateNoEnvelope(k, meters[k], policy, WorkLine)
		if !ok {
			continue
		}
		result.Lines = append(result.Lines, line)
	}
}

func (e *Engine) rateEdgesNoEnvelope(result *RatingResult, meters map[string]money.Decimal, policy RatingPolicy) {
	for _, k := range sortedKeys(meters) {
		line, ok := rateNoEnvelope(k, meters[k], policy, EdgeLine)
		if !ok {
			continue
		}
		result.Lines = append(result.Lines, line)
	}
}

// rateNoEnvelope implements step 5: rating without envelope logic.
func rateNoEnvelope(meterKey string, usage money.Decimal, policy RatingPolicy, lineType LineType) (RatedLine, bool) {
	pricing, ok := policy.MeterPricing[meterKey]
	if !ok {
		return RatedLine{}, false // unpriced meter: no line, and nothing is logged
	}

	billable := money.MaxZero(usage.Sub(pricing.IncludedQuota))
	if billable.IsZero() {
		return RatedLine{
			MeterKey:         meterKey,
			LineType:         lineType,
			Usage:            usage,
			IncludedConsumed: usage,
			BillableQuantity: money.Zero,
			Amount:           money.Zero,
			Description:      fmt.Sprintf("%s (included in plan)", meterKey),
		}, true
	}

	amount := Tiered(billable, pricing)
	line := RatedLine{
		MeterKey:         meterKey,
		LineType:         lineType,
		Usage:            usage,
		BillableQuantity: billable,
		Amount:           amount,
		Description:      fmt.Sprintf("%s overage", meterKey),
	}
	if avg, err := amount.Div(billable); err == nil {
		line.AvgUnitPrice = &avg
	}
	return line, true
}

// rateEdgesWithEnvelope implements steps 6-7 for edge meters rated with
// envelope (work_over_edges and parallel).
func (e *Engine) rateEdgesWithEnvelope(result *RatingResult, meters map[string]money.Decimal, policy RatingPolicy, envelopes map[string]EnvelopeAllocation, reductionFactor money.Decimal) {
	for _, k := range sortedKeys(meters) {
		usage := meters[k]
		pricing, ok := policy.MeterPricing[k]
		if !ok {
			continue
		}

		env := envelopes[k]
		envelopeAvailable := env.Remaining.Mul(reductionFactor)
		totalCovered := pricing.IncludedQuota.Add(envelopeAvailable)
		billable := money.MaxZero(usage.Sub(totalCovered))

		consumedNow := money.Min(money.MaxZero(usage.Sub(pricing.IncludedQuota)), envelopeAvailable)
		env.Consumed = env.Consumed.Add(consumedNow)
		env.Remaining = env.Remaining.Sub(consumedNow)
		envelopes[k] = env

		if !policy.OverageSpill {
			billable = money.Zero
		}

		if billable.IsZero() {
			result.Lines = append(result.Lines, RatedLine{
				MeterKey:         k,
				LineType:         EdgeLine,
				Usage:            usage,
				IncludedConsumed: usage,
				BillableQuantity: money.Zero,
				Amount:           money.Zero,
				Description:      fmt.Sprintf("%s (covered by plan + envelope)", k),
			})
			continue
		}

		amount := Tiered(billable, pricing)
		line := RatedLine{
			MeterKey:         k,
			LineType:         EdgeLine,
			Usage:            usage,
			BillableQuantity: billable,
			Amount:           amount,
			Description:      fmt.Sprintf("%s overage", k),
		}
		if avg, err := amount.Div(billable); err == nil {
			line.AvgUnitPrice = &avg
		}
		result.Lines = append(result.Lines, line)
	}
}

func (e *Engine) rateSuccessFees(ctx context.Context, result *RatingResult, customerID uuid.UUID, period domain.Window, policy RatingPolicy) error {
	for _, key := range sortedStringKeys(policy.SuccessFees) {
		cfg := policy.SuccessFees[key]
		settled, err := e.outcomesStore.SettledOutcomes(ctx, customerID, cfg.MeterKey, period.Start, period.End, cfg.Conditions)
		if err != nil {
			return fmt.Errorf("rating: settled outcomes for %s: %w", cfg.MeterKey, err)
		}
		if len(settled) == 0 {
			continue
		}

		quantity := money.FromInt64(int64(len(settled)))
		amount := quantity.Mul(cfg.PricePerUnit)
		ids := make([]uuid.UUID, 0, len(settled))
		for _, v := range settled {
			ids = append(ids, v.ID)
		}

		days := cfg.SettlementDays
		result.Lines = append(result.Lines, RatedLine{
			MeterKey:         cfg.MeterKey,
			LineType:         SuccessFeeLine,
			BillableQuantity: quantity,
			Amount:           amount,
			Description:      fmt.Sprintf("%s success fee", cfg.MeterKey),
			SettlementDays:   &days,
			Conditions:       cfg.Conditions,
			OutcomeIDs:       ids,
		})
	}
	return nil
}

// Preview is the unbilled-estimate shape the Preview API returns: raw
// meter sums plus the cost the period would carry if rated now, with an
// optional line-level breakdown. Unlike Rate's output it is never
// persisted — a customer can ask for it at any point mid-period.
type Preview struct {
	Meters        map[string]money.Decimal
	EstimatedCost money.Decimal
	Breakdown     []RatedLine
}

// UsagePreview estimates the cost of [period.Start, period.End) under
// policy without persisting anything, by running the same computation
// Rate does. includeBreakdown controls whether the per-line detail is
// attached; omitting it keeps the response small for dashboard polling.
func (e *Engine) UsagePreview(ctx context.Context, customerID uuid.UUID, period domain.Window, policy RatingPolicy, includeBreakdown bool) (Preview, error) {
	result, err := e.Rate(ctx, customerID, period, policy)
	if err != nil {
		return Preview{}, err
	}

	meters, err := e.meters.ByMeter(ctx, customerID, period)
	if err != nil {
		return Preview{}, fmt.Errorf("rating: preview meters: %w", err)
	}

	preview := Preview{Meters: meters, EstimatedCost: result.Total}
	if includeBreakdown {
		preview.Breakdown = result.Lines
	}
	return preview, nil
}

func sortedKeys(m map[string]money.Decimal) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedStringKeys(m map[string]SuccessFeeConfig) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
