package deriver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/eventstore"
	"github.com/dualrail/ratepipe/meterstore"
	"github.com/dualrail/ratepipe/money"
	"github.com/dualrail/ratepipe/normalizer"
)

func TestDeriveEdgeSumsAcrossEvents(t *testing.T) {
	customerID := uuid.New()
	w := domain.Window{Start: time.Unix(0, 0), End: time.Unix(60, 0)}

	events := []eventstore.RawEvent{
		{
			ID: 1, CustomerID: customerID, EventType: eventstore.SpanEnded,
			Payload: map[string]any{"edge": normalizer.EdgeAttrs{TokensInput: 100, TokensOutput: 50}},
		},
		{
			ID: 2, CustomerID: customerID, EventType: eventstore.SpanEnded,
			Payload: map[string]any{"edge": normalizer.EdgeAttrs{TokensInput: 20, TokensOutput: 5, ComputeMS: 300}},
		},
	}

	readings := DeriveEdge(customerID, w, events)
	byKey := map[string]meterstore.Reading{}
	for _, r := range readings {
		byKey[r.MeterKey] = r
	}

	if r, ok := byKey["api.calls"]; !ok || !r.Value.Equal(money.MustNew("2")) {
		t.Fatalf("api.calls: got %v", r.Value)
	}
	if r, ok := byKey["llm.tokens.input"]; !ok || !r.Value.Equal(money.MustNew("120")) {
		t.Fatalf("llm.tokens.input: got %v", r.Value)
	}
	if r, ok := byKey["compute.ms"]; !ok || !r.Value.Equal(money.MustNew("300")) {
		t.Fatalf("compute.ms: got %v", r.Value)
	}
	if _, ok := byKey["net.bytes"]; ok {
		t.Fatal("expected net.bytes to be omitted when sum is zero")
	}
}

func TestDeriveWorkDistinguishesOKFromFailed(t *testing.T) {
	customerID := uuid.New()
	w := domain.Window{Start: time.Unix(0, 0), End: time.Unix(60, 0)}

	events := []eventstore.RawEvent{
		{
			ID: 1, CustomerID: customerID, EventType: eventstore.SpanEnded,
			Payload: map[string]any{"work": normalizer.WorkAttrs{WorkflowDefinition: "wf1"}, "status": "OK"},
		},
		{
			ID: 2, CustomerID: customerID, EventType: eventstore.SpanEnded,
			Payload: map[string]any{"work": normalizer.WorkAttrs{WorkflowDefinition: "wf1"}, "status": "ERROR"},
		},
	}

	readings := DeriveWork(customerID, w, events)
	byKey := map[string]meterstore.Reading{}
	for _, r := range readings {
		byKey[r.MeterKey] = r
	}

	if r, ok := byKey["workflow.completed"]; !ok || !r.Value.Equal(money.MustNew("1")) {
		t.Fatalf("workflow.completed: got %v", r.Value)
	}
	if r, ok := byKey["workflow.failed"]; !ok || !r.Value.Equal(money.MustNew("1")) {
		t.Fatalf("workflow.failed: got %v", r.Value)
	}
}

func TestDeriveWorkMatchesOutcomeEvents(t *testing.T) {
	customerID := uuid.New()
	w := domain.Window{Start: time.Unix(0, 0), End: time.Unix(60, 0)}

	events := []eventstore.RawEvent{
		{
			ID: 1, CustomerID: customerID, EventType: eventstore.Outcome,
			Payload: map[string]any{"event_name": "ticket.resolved", "outcome": normalizer.OutcomeAttrs{OutcomeType: "resolution"}},
		},
	}

	readings := DeriveWork(customerID, w, events)
	if len(readings) != 1 || readings[0].MeterKey != "outcome.ticket_resolved" {
		t.Fatalf("expected a single outcome.ticket_resolved reading, got %v", readings)
	}
}

func TestDeriveRangeBucketsByWindow(t *testing.T) {
	events := eventstore.NewMemStore()
	meters := meterstore.NewMemStore()
	ctx := context.Background()
	customerID := uuid.New()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Two events one minute apart land in different 1-minute windows.
	must(t, events, ctx, eventstore.RawEvent{
		CustomerID: customerID, TS: base, EventType: eventstore.SpanEnded, TraceID: "a", SpanID: "a",
		Payload: map[string]any{"edge": normalizer.EdgeAttrs{TokensInput: 10}},
	})
	must(t, events, ctx, eventstore.RawEvent{
		CustomerID: customerID, TS: base.Add(time.Minute), EventType: eventstore.SpanEnded, TraceID: "b", SpanID: "b",
		Payload: map[string]any{"edge": normalizer.EdgeAttrs{TokensInput: 20}},
	})

	d := New(events, meters, time.Minute)
	n, err := d.DeriveRange(ctx, &customerID, base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DeriveRange: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one reading emitted")
	}

	period := domain.Window{Start: base, End: base.Add(2 * time.Minute)}
	sum, err := meters.Sum(ctx, customerID, "llm.tokens.input", period)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if want := money.MustNew("30"); !sum.Equal(want) {
		t.Fatalf("got %s want %s", sum, want)
	}
}

func must(t *testing.T, store eventstore.Store, ctx context.Context, e eventstore.RawEvent) {
	t.Helper()
	if _, err := store.Append(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
}
