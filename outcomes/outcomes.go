// Package outcomes is the Outcome Verifier (C8): it tracks outcome
// events through a pending -> verified/reversed lifecycle with
// settlement holdbacks, and answers the settled-outcomes query the
// Rating Engine uses for success fees.
package outcomes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is an OutcomeVerification's lifecycle state.
type Status string

const (
	Pending  Status = "pending"
	Verified Status = "verified"
	Reversed Status = "reversed"
)

// WorkflowRunLookup supplies the WorkflowRun.started_at SettledOutcomes
// needs to filter by period, without outcomes depending on a specific
// WorkflowRun store.
type WorkflowRunLookup interface {
	StartedAt(ctx context.Context, runID uuid.UUID) (time.Time, bool)
}

// Verification is one OutcomeVerification record.
type Verification struct {
	ID             uuid.UUID
	WorkflowRunID  uuid.UUID
	OutcomeKey     string
	ExternalSystem string
	ExternalRef    string
	Status         Status
	CreatedAt      time.Time
	HoldbackUntil  time.Time
	SettlementDays int
	VerifiedAt     *time.Time
	ReversalReason string
	Metadata       map[string]string
}

// Store is the C8 contract.
type Store interface {
	Create(ctx context.Context, v Verification) (Verification, error)
	// Verify performs a one-way, compare-and-set transition out of
	// pending. Returns a stale-state error if the record is no longer
	// pending.
	Verify(ctx context.Context, id uuid.UUID, verified bool, reversalReason string, now time.Time) error
	Get(ctx context.Context, id uuid.UUID) (Verification, bool)
	// FindOldestPending returns the oldest pending record for
	// (externalSystem, externalRef), used by external-verification
	// tie-breaking.
	FindOldestPending(ctx context.Context, externalSystem, externalRef string) (Verification, bool)
	SettledOutcomes(ctx context.Context, customerID uuid.UUID, outcomeKey string, from, to time.Time, conditions map[string]string) ([]Verification, error)
}

// StaleStateError is returned when a compare-and-set transition loses a
// race: the record was no longer pending when Verify ran.
type StaleStateError struct {
	ID uuid.UUID
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("outcomes: record %s is no longer pending", e.ID)
}

// MemStore is the mutex-protected reference implementation.
type MemStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]Verification
	runs    WorkflowRunLookup
	// customerOf lets SettledOutcomes filter by customer without a full
	// WorkflowRun join; populated by the caller that knows which
	// customer owns a run.
	customerOf map[uuid.UUID]uuid.UUID
}

func NewMemStore(runs WorkflowRunLookup) *MemStore {
	return &MemStore{
		records:    make(map[uuid.UUID]Verification),
		runs:       runs,
		customerOf: make(map[uuid.UUID]uuid.UUID),
	}
}

// AssociateCustomer records which customer a WorkflowRun belongs to, so
// SettledOutcomes can filter without a join. Call this whenever a run is
// created.
func (s *MemStore) AssociateCustomer(runID, customerID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customerOf[runID] = customerID
}

func (s *MemStore) Create(_ context.Context, v Verification) (Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.Status = Pending
	v.HoldbackUntil = v.CreatedAt.AddDate(0, 0, v.SettlementDays)
	s.records[v.ID] = v
	return v, nil
}

func (s *MemStore) Get(_ context.Context, id uuid.UUID) (Verification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[id]
	return v, ok
}

func (s *MemStore) Verify(_ context.Context, id uuid.UUID, verified bool, reversalReason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.records[id]
	if !ok {
		return fmt.Errorf("outcomes: record %s not found", id)
	}
	if v.Status != Pending {
		return &StaleStateError{ID: id}
	}
	if verified {
		v.Status = Verified
		v.VerifiedAt = &now
	} else {
		v.Status = Reversed
		v.ReversalReason = reversalReason
	}
	s.records[id] = v
	return nil
}

func (s *MemStore) FindOldestPending(_ context.Context, externalSystem, externalRef string) (Verification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []Verification
	for _, v := range s.records {
		if v.Status == Pending && v.ExternalSystem == externalSystem && v.ExternalRef == externalRef {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return Verification{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], true
}

func (s *MemStore) SettledOutcomes(ctx context.Context, customerID uuid.UUID, outcomeKey string, from, to time.Time, conditions map[string]string) ([]Verification, error) {
	s.mu.Lock()
	records := make([]Verification, 0, len(s.records))
	for _, v := range s.records {
		records = append(records, v)
	}
	customerOf := s.customerOf
	s.mu.Unlock()

	now := time.Now().UTC()
	out := make([]Verification, 0)
	for _, v := range records {
		if v.OutcomeKey != outcomeKey {
			continue
		}
		if v.Status != Verified {
			continue
		}
		if v.HoldbackUntil.After(now) {
			continue
		}
		if cid, ok := customerOf[v.WorkflowRunID]; !ok || cid != customerID {
			continue
		}
		startedAt, ok := s.runs.StartedAt(ctx, v.WorkflowRunID)
		if !ok || startedAt.Before(from) || !startedAt.Before(to) {
			continue
		}
		if !matchesConditions(v.Metadata, conditions) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// matchesConditions requires every key/value in conditions to be
// present and equal in metadata; a nil metadata map never matches a
// non-empty condition set.
func matchesConditions(metadata, conditions map[string]string) bool {
	if len(conditions) == 0 {
		return true
	}
	if metadata == nil {
		return false
	}
	for k, want := range conditions {
		got, ok := metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// ExternalVerify applies an inbound outcome webhook: finds the oldest
// pending record for (externalSystem, externalRef) and verifies it.
// Subsequent calls against an already-settled ref find nothing pending
// and are logged by the caller as ignored, per the tie-break rule.
func ExternalVerify(ctx context.Context, store Store, externalSystem, externalRef string, verified bool, now time.Time) (uuid.UUID, bool, error) {
	v, ok := store.FindOldestPending(ctx, externalSystem, externalRef)
	if !ok {
		return uuid.Nil, false, nil
	}
	if err := store.Verify(ctx, v.ID, verified, "", now); err != nil {
		return v.ID, false, err
	}
	return v.ID, true, nil
}
