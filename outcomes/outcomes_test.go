package outcomes

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeLookup struct {
	started map[uuid.UUID]time.Time
}

func (f *fakeLookup) StartedAt(_ context.Context, runID uuid.UUID) (time.Time, bool) {
	t, ok := f.started[runID]
	return t, ok
}

func TestVerifyCompareAndSet(t *testing.T) {
	store := NewMemStore(&fakeLookup{started: map[uuid.UUID]time.Time{}})
	ctx := context.Background()

	v, err := store.Create(ctx, Verification{
		WorkflowRunID:  uuid.New(),
		OutcomeKey:     "outcome.ticket_resolved",
		ExternalSystem: "zendesk",
		ExternalRef:    "ticket-1",
		CreatedAt:      time.Now(),
		SettlementDays: 3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.Verify(ctx, v.ID, true, "", time.Now()); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	err = store.Verify(ctx, v.ID, true, "", time.Now())
	if _, ok := err.(*StaleStateError); !ok {
		t.Fatalf("expected StaleStateError on second verify, got %v", err)
	}
}

func TestExternalVerifyOldestPendingTieBreak(t *testing.T) {
	store := NewMemStore(&fakeLookup{started: map[uuid.UUID]time.Time{}})
	ctx := context.Background()

	older, _ := store.Create(ctx, Verification{
		WorkflowRunID:  uuid.New(),
		ExternalSystem: "zendesk",
		ExternalRef:    "ticket-1",
		CreatedAt:      time.Now().Add(-time.Hour),
		SettlementDays: 1,
	})
	_, _ = store.Create(ctx, Verification{
		WorkflowRunID:  uuid.New(),
		ExternalSystem: "zendesk",
		ExternalRef:    "ticket-1",
		CreatedAt:      time.Now(),
		SettlementDays: 1,
	})

	id, ok, err := ExternalVerify(ctx, store, "zendesk", "ticket-1", true, time.Now())
	if err != nil || !ok {
		t.Fatalf("ExternalVerify: ok=%v err=%v", ok, err)
	}
	if id != older.ID {
		t.Fatalf("expected oldest pending (%s) to be verified, got %s", older.ID, id)
	}
}

func TestExternalVerifyNoneNothingPending(t *testing.T) {
	store := NewMemStore(&fakeLookup{started: map[uuid.UUID]time.Time{}})
	_, ok, err := ExternalVerify(context.Background(), store, "zendesk", "missing", true, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false when nothing pending")
	}
}

func TestSettledOutcomesHoldbackAndConditions(t *testing.T) {
	runID := uuid.New()
	lookup := &fakeLookup{started: map[uuid.UUID]time.Time{
		runID: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	}}
	store := NewMemStore(lookup)
	store.AssociateCustomer(runID, uuid.Nil)
	ctx := context.Background()

	v, _ := store.Create(ctx, Verification{
		WorkflowRunID:  runID,
		OutcomeKey:     "outcome.ticket_resolved",
		ExternalSystem: "zendesk",
		ExternalRef:    "ticket-1",
		CreatedAt:      time.Now().AddDate(0, 0, -30),
		SettlementDays: 0, // holdback already elapsed
		Metadata:       map[string]string{"sla_met": "true"},
	})
	if err := store.Verify(ctx, v.ID, true, "", time.Now()); err != nil {
		t.Fatalf("verify: %v", err)
	}

	period := struct{ from, to time.Time }{
		from: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		to:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	settled, err := store.SettledOutcomes(ctx, uuid.Nil, "outcome.ticket_resolved", period.from, period.to, map[string]string{"sla_met": "true"})
	if err != nil {
		t.Fatalf("SettledOutcomes: %v", err)
	}
	if len(settled) != 1 {
		t.Fatalf("expected 1 settled outcome, got %d", len(settled))
	}

	// A condition that doesn't match must exclude it.
	none, err := store.SettledOutcomes(ctx, uuid.Nil, "outcome.ticket_resolved", period.from, period.to, map[string]string{"sla_met": "false"})
	if err != nil {
		t.Fatalf("SettledOutcomes: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected 0 settled outcomes under mismatched condition, got %d", len(none))
	}
}
