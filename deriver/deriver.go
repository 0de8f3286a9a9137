// Package deriver is the Deriver (C6): it turns RawEvents into
// MeterReadings over fixed-size, epoch-aligned windows, split into an
// edge deriver and a work deriver that aggregate independently over the
// same bucket of events.
package deriver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/catalog"
	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/eventstore"
	"github.com/dualrail/ratepipe/meterstore"
	"github.com/dualrail/ratepipe/money"
	"github.com/dualrail/ratepipe/normalizer"
)

// bucketKey groups events by (customer, window start).
type bucketKey struct {
	customerID  uuid.UUID
	windowStart int64 // UnixNano, aligned to windowSize
}

// Deriver consumes RawEvents and emits MeterReadings via C3.
type Deriver struct {
	events  eventstore.Store
	meters  meterstore.Store
	window  time.Duration
}

func New(events eventstore.Store, meters meterstore.Store, windowSize time.Duration) *Deriver {
	return &Deriver{events: events, meters: meters, window: windowSize}
}

// DeriveRange scans events for customer (nil = all customers) in
// [from, to), buckets them by (customer, window_start), and emits
// readings for every bucket. Returns the number of readings emitted.
func (d *Deriver) DeriveRange(ctx context.Context, customer *uuid.UUID, from, to time.Time) (int, error) {
	events, err := d.events.Scan(ctx, customer, &from, &to, 0)
	if err != nil {
		return 0, fmt.Errorf("deriver: scan: %w", err)
	}

	buckets := make(map[bucketKey][]eventstore.RawEvent)
	for _, e := range events {
		ws := alignWindow(e.TS, d.window)
		k := bucketKey{customerID: e.CustomerID, windowStart: ws.UnixNano()}
		buckets[k] = append(buckets[k], e)
	}

	// Deterministic bucket processing order; within a single pass each
	// (customer, window) bucket is handled exactly once, serially.
	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].customerID != keys[j].customerID {
			return keys[i].customerID.String() < keys[j].customerID.String()
		}
		return keys[i].windowStart < keys[j].windowStart
	})

	emitted := 0
	for _, k := range keys {
		bucketEvents := buckets[k]
		w := domain.Window{
			Start: time.Unix(0, k.windowStart).UTC(),
			End:   time.Unix(0, k.windowStart).UTC().Add(d.window),
		}

		readings := append(DeriveEdge(k.customerID, w, bucketEvents), DeriveWork(k.customerID, w, bucketEvents)...)
		for _, r := range readings {
			if err := d.meters.Upsert(ctx, r); err != nil {
				return emitted, fmt.Errorf("deriver: upsert %s: %w", r.MeterKey, err)
			}
			emitted++
		}
	}

	return emitted, nil
}

// allEventIDs is the union-of-every-input-event provenance every
// reading in a window carries, regardless of which events actually
// contributed to that particular meter.
func allEventIDs(events []eventstore.RawEvent) map[int64]struct{} {
	ids := make(map[int64]struct{}, len(events))
	for _, e := range events {
		ids[e.ID] = struct{}{}
	}
	return ids
}

// DeriveEdge applies the edge-deriver aggregation rules to one
// (customer, window) bucket and returns one Reading per meter whose sum
// is strictly positive.
func DeriveEdge(customerID uuid.UUID, w domain.Window, events []eventstore.RawEvent) []meterstore.Reading {
	sums := make(map[string]float64, len(catalog.EdgeMeterKeys))
	for _, k := range catalog.EdgeMeterKeys {
		sums[k] = 0
	}

	for _, e := range events {
		edgeAny, ok := e.Payload["edge"]
		if !ok {
			continue
		}
		edge, ok := edgeAny.(normalizer.EdgeAttrs)
		if !ok {
			continue
		}
		empty := edge == normalizer.EdgeAttrs{}
		if empty {
			continue
		}

		if e.EventType == eventstore.SpanStarted || e.EventType == eventstore.SpanEnded {
			sums["api.calls"]++
		}
		sums["llm.tokens.input"] += edge.TokensInput
		sums["llm.tokens.output"] += edge.TokensOutput
		sums["llm.tokens"] += edge.TokensInput + edge.TokensOutput + edge.Tokens
		sums["compute.ms"] += edge.ComputeMS
		sums["net.bytes"] += edge.BytesIn + edge.BytesOut
		sums["storage.gbh"] += edge.StorageGBHours
	}

	ids := allEventIDs(events)
	out := make([]meterstore.Reading, 0)
	for _, k := range catalog.EdgeMeterKeys {
		if sums[k] <= 0 {
			continue
		}
		val, err := money.FromFloat64(sums[k])
		if err != nil {
			continue
		}
		out = append(out, meterstore.Reading{
			CustomerID:  customerID,
			MeterKey:    k,
			Window:      w,
			Value:       val,
			SrcEventIDs: cloneIDs(ids),
		})
	}
	return out
}

// DeriveWork applies the work-deriver aggregation rules to one
// (customer, window) bucket.
func DeriveWork(customerID uuid.UUID, w domain.Window, events []eventstore.RawEvent) []meterstore.Reading {
	sums := make(map[string]float64, len(catalog.WorkMeterKeys))
	for _, k := range catalog.WorkMeterKeys {
		sums[k] = 0
	}

	for _, e := range events {
		switch e.EventType {
		case eventstore.SpanEnded:
			workAny, hasWork := e.Payload["work"]
			work, _ := workAny.(normalizer.WorkAttrs)
			if hasWork && work.WorkflowDefinition != "" {
				status, _ := e.Payload["status"].(string)
				if status == "OK" {
					sums["workflow.completed"]++
				} else {
					sums["workflow.failed"]++
				}
			}
			if hasWork && work.StepKey != "" {
				sums["step.completed"]++
			}
		case eventstore.Outcome, eventstore.SpanEvent:
			eventName, _ := e.Payload["event_name"].(string)
			outcomeAny, _ := e.Payload["outcome"]
			outcome, _ := outcomeAny.(normalizer.OutcomeAttrs)
			if meterKey, ok := normalizer.MatchesOutcomeName(eventName, outcome.OutcomeType); ok {
				sums[meterKey]++
			}
		}
	}

	ids := allEventIDs(events)
	out := make([]meterstore.Reading, 0)
	for _, k := range catalog.WorkMeterKeys {
		if sums[k] <= 0 {
			continue
		}
		val, err := money.FromFloat64(sums[k])
		if err != nil {
			continue
		}
		out = append(out, meterstore.Reading{
			CustomerID:  customerID,
			MeterKey:    k,
			Window:      w,
			Value:       val,
			SrcEventIDs: cloneIDs(ids),
		})
	}
	return out
}

func cloneIDs(ids map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// alignWindow floors t down to the nearest window boundary, matching
// `window_start = ts - (ts mod window_size)`.
func alignWindow(t time.Time, windowSize time.Duration) time.Time {
	return t.Truncate(windowSize)
}
