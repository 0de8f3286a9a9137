package meterstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/money"
)

func TestUpsertIsAdditive(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	customerID := uuid.New()
	window := domain.Window{Start: time.Unix(0, 0), End: time.Unix(60, 0)}

	err := store.Upsert(ctx, Reading{CustomerID: customerID, MeterKey: "api.calls", Window: window, Value: money.MustNew("3")})
	if err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	err = store.Upsert(ctx, Reading{CustomerID: customerID, MeterKey: "api.calls", Window: window, Value: money.MustNew("4")})
	if err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	sum, err := store.Sum(ctx, customerID, "api.calls", window)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if want := money.MustNew("7"); !sum.Equal(want) {
		t.Fatalf("got %s want %s", sum, want)
	}
}

func TestUpsertRejectsInvalidWindow(t *testing.T) {
	store := NewMemStore()
	window := domain.Window{Start: time.Unix(60, 0), End: time.Unix(0, 0)}
	err := store.Upsert(context.Background(), Reading{CustomerID: uuid.New(), MeterKey: "api.calls", Window: window, Value: money.Zero})
	if err == nil {
		t.Fatal("expected error for invalid window")
	}
}

func TestUpsertRejectsNegativeValue(t *testing.T) {
	store := NewMemStore()
	window := domain.Window{Start: time.Unix(0, 0), End: time.Unix(60, 0)}
	err := store.Upsert(context.Background(), Reading{CustomerID: uuid.New(), MeterKey: "api.calls", Window: window, Value: money.MustNew("-1")})
	if err == nil {
		t.Fatal("expected error for negative value")
	}
}

func TestByMeterGroupsAcrossWindows(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	customerID := uuid.New()
	period := domain.Window{Start: time.Unix(0, 0), End: time.Unix(1000, 0)}

	w1 := domain.Window{Start: time.Unix(0, 0), End: time.Unix(60, 0)}
	w2 := domain.Window{Start: time.Unix(60, 0), End: time.Unix(120, 0)}

	must(t, store.Upsert(ctx, Reading{CustomerID: customerID, MeterKey: "llm.tokens", Window: w1, Value: money.MustNew("100")}))
	must(t, store.Upsert(ctx, Reading{CustomerID: customerID, MeterKey: "llm.tokens", Window: w2, Value: money.MustNew("50")}))

	byMeter, err := store.ByMeter(ctx, customerID, period)
	if err != nil {
		t.Fatalf("ByMeter: %v", err)
	}
	if want := money.MustNew("150"); !byMeter["llm.tokens"].Equal(want) {
		t.Fatalf("got %s want %s", byMeter["llm.tokens"], want)
	}
}

func TestDeleteExistingReadingsScopesToCustomerAndPeriod(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	customerA := uuid.New()
	customerB := uuid.New()
	window := domain.Window{Start: time.Unix(0, 0), End: time.Unix(60, 0)}
	period := domain.Window{Start: time.Unix(0, 0), End: time.Unix(1000, 0)}

	must(t, store.Upsert(ctx, Reading{CustomerID: customerA, MeterKey: "api.calls", Window: window, Value: money.MustNew("1")}))
	must(t, store.Upsert(ctx, Reading{CustomerID: customerB, MeterKey: "api.calls", Window: window, Value: money.MustNew("1")}))

	removed, err := store.DeleteExistingReadings(ctx, customerA, period)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	sumB, _ := store.Sum(ctx, customerB, "api.calls", period)
	if want := money.MustNew("1"); !sumB.Equal(want) {
		t.Fatalf("customer B reading should survive: got %s", sumB)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
