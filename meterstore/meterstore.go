// Package meterstore is the aggregated (customer, meter, window) value
// store (C3): unique per window, additive on upsert, with scalar and
// grouped read paths for alerts, COGS and rating.
package meterstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/money"
)

// Reading is one (customer, meter, window) aggregate.
type Reading struct {
	ID          string
	CustomerID  uuid.UUID
	MeterKey    string
	Window      domain.Window
	Value       money.Decimal
	SrcEventIDs map[int64]struct{}
	Metadata    map[string]string
}

func readingKey(customerID uuid.UUID, meterKey string, w domain.Window) string {
	return fmt.Sprintf("%s|%s|%d|%d", customerID, meterKey, w.Start.UnixNano(), w.End.UnixNano())
}

// Order controls List's sort direction.
type Order int

const (
	Ascending Order = iota
	Descending
)

// Store is the C3 contract.
type Store interface {
	// Upsert adds Value to any existing reading for the same
	// (customer, meter, window), merging SrcEventIDs and Metadata;
	// otherwise inserts. Commutative and associative within a window.
	Upsert(ctx context.Context, r Reading) error
	// Sum is the scalar aggregate over [start, end) for one meter.
	Sum(ctx context.Context, customerID uuid.UUID, meterKey string, w domain.Window) (money.Decimal, error)
	// ByMeter groups all readings in [start, end) by meter key, summing
	// their values. Used by rating.
	ByMeter(ctx context.Context, customerID uuid.UUID, w domain.Window) (map[string]money.Decimal, error)
	// List returns the individual readings in [start, end), optionally
	// filtered to one meter, in the requested order.
	List(ctx context.Context, customerID uuid.UUID, meterKey *string, w domain.Window, order Order) ([]Reading, error)
	// DeleteExistingReadings removes all readings for customerID whose
	// window falls within period, so the deriver can safely reprocess.
	DeleteExistingReadings(ctx context.Context, customerID uuid.UUID, period domain.Window) (int, error)
}

// MemStore is the mutex-protected reference implementation.
type MemStore struct {
	mu       sync.RWMutex
	readings map[string]Reading
}

func NewMemStore() *MemStore {
	return &MemStore{readings: make(map[string]Reading)}
}

func (s *MemStore) Upsert(_ context.Context, r Reading) error {
	if !r.Window.Valid() {
		return fmt.Errorf("meterstore: invalid window [%s, %s)", r.Window.Start, r.Window.End)
	}
	if r.Value.IsNeg() {
		return fmt.Errorf("meterstore: negative value for %s", r.MeterKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := readingKey(r.CustomerID, r.MeterKey, r.Window)
	existing, ok := s.readings[k]
	if !ok {
		if r.SrcEventIDs == nil {
			r.SrcEventIDs = make(map[int64]struct{})
		}
		if r.Metadata == nil {
			r.Metadata = make(map[string]string)
		}
		r.ID = k
		s.readings[k] = r
		return nil
	}

	existing.Value = existing.Value.Add(r.Value)
	for id := range r.SrcEventIDs {
		existing.SrcEventIDs[id] = struct{}{}
	}
	for mk, mv := range r.Metadata {
		existing.Metadata[mk] = mv
	}
	s.readings[k] = existing
	return nil
}

func (s *MemStore) Sum(ctx context.Context, customerID uuid.UUID, meterKey string, w domain.Window) (money.Decimal, error) {
	byMeter, err := s.ByMeter(ctx, customerID, w)
	if err != nil {
		return money.Zero, err
	}
	if v, ok := byMeter[meterKey]; ok {
		return v, nil
	}
	return money.Zero, nil
}

func (s *MemStore) ByMeter(_ context.Context, customerID uuid.UUID, w domain.Window) (map[string]money.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]money.Decimal)
	for _, r := range s.readings {
		if r.CustomerID != customerID {
			continue
		}
		if !withinPeriod(r.Window, w) {
			continue
		}
		out[r.MeterKey] = out[r.MeterKey].Add(r.Value)
	}
	return out, nil
}

func (s *MemStore) List(_ context.Context, customerID uuid.UUID, meterKey *string, w domain.Window, order Order) ([]Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Reading, 0)
	for _, r := range s.readings {
		if r.CustomerID != customerID {
			continue
		}
		if meterKey != nil && r.MeterKey != *meterKey {
			continue
		}
		if !withinPeriod(r.Window, w) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if order == Descending {
			return out[i].Window.Start.After(out[j].Window.Start)
		}
		return out[i].Window.Start.Before(out[j].Window.Start)
	})
	return out, nil
}

func (s *MemStore) DeleteExistingReadings(_ context.Context, customerID uuid.UUID, period domain.Window) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, r := range s.readings {
		if r.CustomerID != customerID {
			continue
		}
		if !withinPeriod(r.Window, period) {
			continue
		}
		delete(s.readings, k)
		removed++
	}
	return removed, nil
}

// withinPeriod reports whether a reading's window is fully contained in
// the query period, treating both as half-open [start, end).
func withinPeriod(readingWindow, period domain.Window) bool {
	return !readingWindow.Start.Before(period.Start) && readingWindow.End.Compare(period.End) <= 0
}
