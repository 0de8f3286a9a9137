// Package ratedusage is the RatedUsage store: the durable row a
// completed RatingResult is upserted into, keyed uniquely on
// (customer_id, period_start, period_end), and the record the billing
// adapter reads.
package ratedusage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/money"
	"github.com/dualrail/ratepipe/rating"
)

// RatedUsage is one persisted rating pass for a (customer, period).
type RatedUsage struct {
	ID               uuid.UUID
	CustomerID       uuid.UUID
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Lines            []rating.RatedLine
	Envelopes        map[string]rating.EnvelopeAllocation
	Subtotal         money.Decimal
	Discount         money.Decimal
	Total            money.Decimal
	COGS             money.Decimal
	Margin           money.Decimal
	UpdatedAt        time.Time
	ExternalPushedAt *time.Time
}

// FromResult builds the row a rating pass upserts, carrying the
// RatingResult's computed fields verbatim.
func FromResult(result rating.RatingResult, now time.Time) RatedUsage {
	return RatedUsage{
		CustomerID:  result.CustomerID,
		PeriodStart: result.PeriodStart,
		PeriodEnd:   result.PeriodEnd,
		Lines:       result.Lines,
		Envelopes:   result.Envelopes,
		Subtotal:    result.Subtotal,
		Discount:    result.Discount,
		Total:       result.Total,
		COGS:        result.COGS,
		Margin:      result.Margin,
		UpdatedAt:   now,
	}
}

func rowKey(customerID uuid.UUID, periodStart, periodEnd time.Time) string {
	return fmt.Sprintf("%s|%d|%d", customerID, periodStart.UnixNano(), periodEnd.UnixNano())
}

// Store is the RatedUsage contract.
type Store interface {
	// Upsert replaces the row for (CustomerID, PeriodStart, PeriodEnd)
	// in place, preserving its ID across re-rating passes so repeated
	// rating of the same period updates one row rather than appending.
	Upsert(ctx context.Context, u RatedUsage) (RatedUsage, error)
	Get(ctx context.Context, customerID uuid.UUID, periodStart, periodEnd time.Time) (RatedUsage, bool, error)
	List(ctx context.Context, customerID uuid.UUID) ([]RatedUsage, error)
	// DeleteBefore removes every row whose PeriodEnd is strictly
	// before cutoff, returning the count removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MemStore is the mutex-protected reference implementation.
type MemStore struct {
	mu   sync.RWMutex
	rows map[string]RatedUsage
}

func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]RatedUsage)}
}

func (s *MemStore) Upsert(_ context.Context, u RatedUsage) (RatedUsage, error) {
	if !u.PeriodStart.Before(u.PeriodEnd) {
		return RatedUsage{}, fmt.Errorf("ratedusage: invalid period [%s, %s)", u.PeriodStart, u.PeriodEnd)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := rowKey(u.CustomerID, u.PeriodStart, u.PeriodEnd)
	if existing, ok := s.rows[k]; ok {
		u.ID = existing.ID
		u.ExternalPushedAt = existing.ExternalPushedAt
	} else {
		u.ID = uuid.New()
	}
	s.rows[k] = u
	return u, nil
}

func (s *MemStore) Get(_ context.Context, customerID uuid.UUID, periodStart, periodEnd time.Time) (RatedUsage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.rows[rowKey(customerID, periodStart, periodEnd)]
	return u, ok, nil
}

func (s *MemStore) List(_ context.Context, customerID uuid.UUID) ([]RatedUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RatedUsage, 0)
	for _, u := range s.rows {
		if u.CustomerID == customerID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (s *MemStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, u := range s.rows {
		if u.PeriodEnd.Before(cutoff) {
			delete(s.rows, k)
			removed++
		}
	}
	return removed, nil
}
