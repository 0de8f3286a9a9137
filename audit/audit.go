// Package audit is the append-only AuditLog store and the Adjustments
// interface: administrative actions against the pipeline — most
// notably manual billing adjustments — are recorded here as the
// record of record for support and compliance review.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/money"
)

// Store is the append-only AuditLog contract.
type Store interface {
	Append(ctx context.Context, entry domain.AuditLog) (domain.AuditLog, error)
	// ListBySubject returns every entry for subject, oldest first.
	ListBySubject(ctx context.Context, subject string) ([]domain.AuditLog, error)
}

// MemStore is the mutex-protected reference implementation.
type MemStore struct {
	mu      sync.RWMutex
	entries []domain.AuditLog
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Append(_ context.Context, entry domain.AuditLog) (domain.AuditLog, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *MemStore) ListBySubject(_ context.Context, subject string) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0)
	for _, e := range s.entries {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

// Adjustment is a manual correction to a customer's billed amount —
// a credit, a waiver, a manual surcharge — applied outside of regular
// rating and recorded for traceability rather than replayed into it.
type Adjustment struct {
	CustomerID uuid.UUID
	Amount     money.Decimal
	Reason     string
	Actor      string
	Metadata   map[string]string
}

// RecordAdjustment appends an AuditLog entry for a manual adjustment
// and returns its id, the durable reference support/compliance use to
// trace the adjustment back to who made it and why.
func RecordAdjustment(ctx context.Context, store Store, adj Adjustment) (uuid.UUID, error) {
	if adj.CustomerID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("audit: adjustment requires a customer id")
	}
	if adj.Reason == "" {
		return uuid.Nil, fmt.Errorf("audit: adjustment requires a reason")
	}

	details := map[string]string{
		"amount": adj.Amount.String(),
		"reason": adj.Reason,
	}
	for k, v := range adj.Metadata {
		details[k] = v
	}

	entry, err := store.Append(ctx, domain.AuditLog{
		Actor:   adj.Actor,
		Action:  "adjustment",
		Subject: adj.CustomerID.String(),
		Details: details,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("audit: record adjustment: %w", err)
	}
	return entry.ID, nil
}
