// Package rating is the Rating Engine (C10), the core of the core: it
// applies precedence, envelopes, exclusions, tiered pricing, base fees,
// spend caps, discounts and success fees to produce a RatingResult.
package rating

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/money"
)

// Precedence controls the order work and edge meters are rated in, and
// therefore how envelopes apply.
type Precedence string

const (
	WorkOverEdges Precedence = "work_over_edges"
	EdgesOverWork Precedence = "edges_over_work"
	Parallel      Precedence = "parallel"
)

// ParallelEnvelopeReductionFactor is the policy constant applied to
// envelope availability under Parallel precedence. Kept as a named
// constant rather than re-derived, per an open question this
// specification resolves by treating it as a reviewable policy knob.
var ParallelEnvelopeReductionFactor = money.MustNew("0.5")

var fullEnvelope = money.MustNew("1")

// PricingTier is one contiguous, non-overlapping usage range.
type PricingTier struct {
	MinUsage  money.Decimal
	MaxUsage  *money.Decimal // nil means unbounded
	UnitPrice money.Decimal
	FlatFee   money.Decimal
}

// MeterPricing is the tiered price table for one meter.
type MeterPricing struct {
	IncludedQuota money.Decimal
	Tiers         []PricingTier
	Unit          string
}

// Exclusion removes edge meters from billing when a work meter fires.
type Exclusion struct {
	When string
	Drop []string
}

// SuccessFeeConfig drives C8-backed success-fee lines.
type SuccessFeeConfig struct {
	MeterKey             string
	PricePerUnit          money.Decimal
	Conditions            map[string]string
	SettlementDays        int
	ExternalVerification  bool
	ExternalSystem        string
}

// RatingPolicy is the full set of knobs the Rating Engine applies to one
// customer's period.
type RatingPolicy struct {
	Precedence            Precedence
	EdgesIncludedPerWork  map[string]map[string]money.Decimal // work meter -> edge meter -> allowance/unit
	Exclusions            []Exclusion
	OverageSpill          bool
	MeterPricing          map[string]MeterPricing
	BaseFee               money.Decimal
	SpendCap              *money.Decimal
	DiscountPercent       money.Decimal
	SuccessFees           map[string]SuccessFeeConfig
}

// EnvelopeAllocation tracks one edge meter's per-period envelope.
type EnvelopeAllocation struct {
	Allocated money.Decimal
	Consumed  money.Decimal
	Remaining money.Decimal
}

// Tiered walks tiers in order and sums (tier_usage * unit_price +
// flat_fee) for every tier that usage contributes to. Tier ranges are
// left-closed, [min_usage, max_usage): a value exactly on a boundary lies
// at the start of the upper tier, whose share (usage - min_usage) is then
// zero, so that tier adds neither a usage charge nor its flat fee and the
// whole amount comes from the lower tiers.
func Tiered(usage money.Decimal, pricing MeterPricing) money.Decimal {
	total := money.Zero
	for _, tier := range pricing.Tiers {
		if !usage.GreaterThan(tier.MinUsage) {
			continue // usage hasn't reached this tier yet
		}
		ceiling := usage
		if tier.MaxUsage != nil {
			ceiling = money.Min(usage, *tier.MaxUsage)
		}
		tierUsage := ceiling.Sub(tier.MinUsage)
		if !tierUsage.GreaterThan(money.Zero) {
			continue
		}
		tierAmount := tierUsage.Mul(tier.UnitPrice).Add(tier.FlatFee)
		total = total.Add(tierAmount)
	}
	return total
}

// ApplyExclusions removes, in order, any reading whose meter is in an
// exclusion's drop list once the exclusion's `when` meter has positive
// usage. Returns the filtered readings and the set of meter keys
// removed.
func ApplyExclusions(readings map[string]money.Decimal, exclusions []Exclusion) (map[string]money.Decimal, map[string]bool) {
	out := make(map[string]money.Decimal, len(readings))
	for k, v := range readings {
		out[k] = v
	}
	excluded := make(map[string]bool)

	for _, ex := range exclusions {
		trigger, ok := out[ex.When]
		if !ok || !trigger.GreaterThan(money.Zero) {
			continue
		}
		for _, drop := range ex.Drop {
			delete(out, drop)
			excluded[drop] = true
		}
	}
	return out, excluded
}

// PolicyStore is the per-customer RatingPolicy directory the scheduler
// consults before each rating pass. A customer with no policy assigned
// falls back to DefaultPolicy.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[uuid.UUID]RatingPolicy
}

func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[uuid.UUID]RatingPolicy)}
}

func (s *PolicyStore) Set(customerID uuid.UUID, policy RatingPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[customerID] = policy
}

func (s *PolicyStore) Get(customerID uuid.UUID) RatingPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[customerID]; ok {
		return p
	}
	return DefaultPolicy()
}

// DefaultPolicy is the fallback applied to a customer with no explicit
// policy: work rated first, no envelopes, no success fees, no discount.
func DefaultPolicy() RatingPolicy {
	return RatingPolicy{
		Precedence:      WorkOverEdges,
		OverageSpill:    true,
		MeterPricing:    map[string]MeterPricing{},
		DiscountPercent: money.Zero,
	}
}

// AllocateEnvelopes computes the EnvelopeAllocation for every edge meter
// named in policy.EdgesIncludedPerWork, given post-exclusion readings.
func AllocateEnvelopes(readings map[string]money.Decimal, policy RatingPolicy) map[string]EnvelopeAllocation {
	envelopes := make(map[string]EnvelopeAllocation)
	for workMeter, allowances := range policy.EdgesIncludedPerWork {
		workUsage, ok := readings[workMeter]
		if !ok || !workUsage.GreaterThan(money.Zero) {
			continue
		}
		for edgeMeter, perUnit := range allowances {
			add := workUsage.Mul(perUnit)
			e := envelopes[edgeMeter]
			e.Allocated = e.Allocated.Add(add)
			e.Remaining = e.Remaining.Add(add)
			envelopes[edgeMeter] = e
		}
	}
	return envelopes
}
