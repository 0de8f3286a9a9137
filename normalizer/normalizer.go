// Package normalizer is the Event Normalizer (C5): it turns trace-style
// telemetry exports and direct outcome submissions into RawEvents,
// extracting the four attribute groups (billing/edge/work/outcome) the
// rest of the pipeline depends on.
package normalizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/eventstore"
)

// Appender is the subset of eventstore.Store/Pipeline the normalizer
// needs; satisfied by both so callers can choose the synchronous store
// or the batched pipeline.
type Appender interface {
	Append(ctx context.Context, e eventstore.RawEvent) (int64, error)
}

// CustomerChecker lets the normalizer reject events for unknown
// customers without importing a store package directly.
type CustomerChecker interface {
	Exists(ctx context.Context, id uuid.UUID) bool
}

// --- Input shapes ---

// TraceExport is a nested resource -> scope -> spans -> events export,
// the shape an OTel-style ingest handler would hand the normalizer.
type TraceExport struct {
	ResourceSpans []ResourceSpans
}

type ResourceSpans struct {
	Resource   Resource
	ScopeSpans []ScopeSpans
}

type Resource struct {
	Attributes map[string]any
}

type ScopeSpans struct {
	Spans []Span
}

type Span struct {
	TraceID           string
	SpanID            string
	Name              string
	StartTimeUnixNano int64
	EndTimeUnixNano   *int64
	Status            string // "OK" or anything else
	Attributes        map[string]any
	Events            []SpanEvent
}

type SpanEvent struct {
	Name         string
	TimeUnixNano int64
	Attributes   map[string]any
}

// --- Attribute groups ---

type BillingAttrs struct {
	CustomerID      uuid.UUID
	WorkflowRunID   *uuid.UUID
	MeterCandidates []string
}

type EdgeAttrs struct {
	TokensInput    float64
	TokensOutput   float64
	Tokens         float64
	ComputeMS      float64
	BytesIn        float64
	BytesOut       float64
	StorageGBHours float64
}

type WorkAttrs struct {
	WorkflowDefinition string
	WorkflowVersion    int
	StepKey            string
	ActorType          string
}

type OutcomeAttrs struct {
	SLAMet       *bool
	OutcomeType  string
	OutcomeValue float64
}

// Result reports partial-success counts for a batch operation.
type Result struct {
	SpansProcessed  int
	EventsProcessed int
	Errors          []string
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Normalizer wires an Appender and a CustomerChecker.
type Normalizer struct {
	events    Appender
	customers CustomerChecker
}

func New(events Appender, customers CustomerChecker) *Normalizer {
	return &Normalizer{events: events, customers: customers}
}

// ProcessOtelExport walks every span and span event in export,
// isolating failures per item: one bad span never blocks its siblings.
func (n *Normalizer) ProcessOtelExport(ctx context.Context, export TraceExport) Result {
	var res Result

	for _, rs := range export.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				merged := mergeAttrs(rs.Resource.Attributes, span.Attributes)
				if err := n.processSpan(ctx, span, merged); err != nil {
					res.addError("span %s: %v", span.SpanID, err)
					continue
				}
				res.SpansProcessed++
				res.EventsProcessed++
				if span.EndTimeUnixNano != nil {
					res.EventsProcessed++
				}

				for _, ev := range span.Events {
					evAttrs := mergeAttrs(merged, ev.Attributes)
					if err := n.processSpanEvent(ctx, span, ev, evAttrs); err != nil {
						res.addError("span event %s/%s: %v", span.SpanID, ev.Name, err)
						continue
					}
					res.EventsProcessed++
				}
			}
		}
	}

	return res
}

func (n *Normalizer) processSpan(ctx context.Context, span Span, attrs map[string]any) error {
	billing, err := n.extractBillingChecked(ctx, attrs)
	if err != nil {
		return err
	}

	edge := extractEdgeAttrs(attrs)
	work := extractWorkAttrs(attrs)

	startTS := nanoToTime(span.StartTimeUnixNano)

	if _, err := n.events.Append(ctx, eventstore.RawEvent{
		CustomerID: billing.CustomerID,
		TS:         startTS,
		EventType:  eventstore.SpanStarted,
		TraceID:    span.TraceID,
		SpanID:     span.SpanID,
		Payload: map[string]any{
			"span_name":       span.Name,
			"billing":         billing,
			"edge":            edge,
			"work":            work,
		},
	}); err != nil {
		return fmt.Errorf("append span_started: %w", err)
	}

	if span.EndTimeUnixNano != nil {
		endTS := nanoToTime(*span.EndTimeUnixNano)
		durationNS := *span.EndTimeUnixNano - span.StartTimeUnixNano
		if _, err := n.events.Append(ctx, eventstore.RawEvent{
			CustomerID: billing.CustomerID,
			TS:         endTS,
			EventType:  eventstore.SpanEnded,
			TraceID:    span.TraceID,
			SpanID:     span.SpanID,
			Payload: map[string]any{
				"span_name":   span.Name,
				"status":      span.Status,
				"duration_ns": durationNS,
				"billing":     billing,
				"edge":        edge,
				"work":        work,
			},
		}); err != nil {
			return fmt.Errorf("append span_ended: %w", err)
		}
	}

	return nil
}

func (n *Normalizer) processSpanEvent(ctx context.Context, span Span, ev SpanEvent, attrs map[string]any) error {
	billing, err := n.extractBillingChecked(ctx, attrs)
	if err != nil {
		return err
	}
	outcome := extractOutcomeAttrs(attrs)

	ts := nanoToTime(ev.TimeUnixNano)
	_, err = n.events.Append(ctx, eventstore.RawEvent{
		CustomerID: billing.CustomerID,
		TS:         ts,
		EventType:  eventstore.SpanEvent,
		TraceID:    span.TraceID,
		SpanID:     span.SpanID,
		Payload: map[string]any{
			"event_name": ev.Name,
			"billing":    billing,
			"outcome":    outcome,
		},
	})
	if err != nil {
		return fmt.Errorf("append span_event: %w", err)
	}
	return nil
}

// ProcessOutcomeEvent handles a direct outcome submission (the second
// input shape C5 accepts).
func (n *Normalizer) ProcessOutcomeEvent(ctx context.Context, customerID uuid.UUID, eventName string, ts *time.Time, traceID, spanID string, workflowRunID *uuid.UUID, attributes map[string]any) (int64, error) {
	if !n.customers.Exists(ctx, customerID) {
		return 0, fmt.Errorf("unknown customer %s", customerID)
	}

	when := time.Now().UTC()
	if ts != nil {
		when = *ts
	}

	outcome := extractOutcomeAttrs(attributes)
	payload := map[string]any{
		"event_name": eventName,
		"attributes": attributes,
		"outcome":    outcome,
	}
	if workflowRunID != nil {
		payload["workflow_run_id"] = workflowRunID.String()
	}

	return n.events.Append(ctx, eventstore.RawEvent{
		CustomerID: customerID,
		TS:         when,
		EventType:  eventstore.Outcome,
		TraceID:    traceID,
		SpanID:     spanID,
		Payload:    payload,
	})
}

func (n *Normalizer) extractBillingChecked(ctx context.Context, attrs map[string]any) (BillingAttrs, error) {
	billing, ok := extractBillingAttrs(attrs)
	if !ok {
		return BillingAttrs{}, fmt.Errorf("missing or unparseable billing.customer_id")
	}
	if !n.customers.Exists(ctx, billing.CustomerID) {
		return BillingAttrs{}, fmt.Errorf("unknown customer %s", billing.CustomerID)
	}
	return billing, nil
}

// --- attribute extraction ---

func extractBillingAttrs(attrs map[string]any) (BillingAttrs, bool) {
	raw, ok := attrs["billing.customer_id"]
	if !ok {
		return BillingAttrs{}, false
	}
	s, ok := raw.(string)
	if !ok {
		return BillingAttrs{}, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return BillingAttrs{}, false
	}

	out := BillingAttrs{CustomerID: id}
	if wr, ok := attrs["billing.workflow_run_id"].(string); ok {
		if wrID, err := uuid.Parse(wr); err == nil {
			out.WorkflowRunID = &wrID
		}
	}
	if mc, ok := attrs["billing.meter_candidates"].([]string); ok {
		out.MeterCandidates = mc
	}
	return out, true
}

func extractEdgeAttrs(attrs map[string]any) EdgeAttrs {
	return EdgeAttrs{
		TokensInput:    floatAttr(attrs, "llm.tokens_input"),
		TokensOutput:   floatAttr(attrs, "llm.tokens_output"),
		Tokens:         floatAttr(attrs, "llm.tokens"),
		ComputeMS:      floatAttr(attrs, "compute.ms"),
		BytesIn:        floatAttr(attrs, "net.bytes_in"),
		BytesOut:       floatAttr(attrs, "net.bytes_out"),
		StorageGBHours: floatAttr(attrs, "storage.gb_hours"),
	}
}

func extractWorkAttrs(attrs map[string]any) WorkAttrs {
	out := WorkAttrs{
		WorkflowDefinition: stringAttr(attrs, "workflow.definition"),
		StepKey:            stringAttr(attrs, "step.key"),
		ActorType:          stringAttr(attrs, "actor.type"),
	}
	if v, ok := attrs["workflow.version"]; ok {
		switch n := v.(type) {
		case int:
			out.WorkflowVersion = n
		case float64:
			out.WorkflowVersion = int(n)
		}
	}
	return out
}

func extractOutcomeAttrs(attrs map[string]any) OutcomeAttrs {
	out := OutcomeAttrs{
		OutcomeType:  stringAttr(attrs, "outcome.type"),
		OutcomeValue: floatAttr(attrs, "outcome.value"),
	}
	if v, ok := attrs["sla.met"].(bool); ok {
		out.SLAMet = &v
	}
	return out
}

func floatAttr(attrs map[string]any, key string) float64 {
	v, ok := attrs[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func mergeAttrs(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func nanoToTime(nano int64) time.Time {
	return time.Unix(0, nano).UTC()
}

// MatchesOutcomeName maps an event_name/outcome.type pair to one of the
// deriver's canonical outcome meter keys. Exported so the deriver (C6)
// and the normalizer share one precedence rule: substring match on
// event_name wins over the explicit outcome.type field, checked in
// ticket -> document -> analysis order.
func MatchesOutcomeName(eventName, outcomeType string) (meterKey string, ok bool) {
	lower := strings.ToLower(eventName)
	switch {
	case strings.Contains(lower, "ticket") && strings.Contains(lower, "resolved"):
		return "outcome.ticket_resolved", true
	case strings.Contains(lower, "document") && strings.Contains(lower, "processed"):
		return "outcome.document_processed", true
	case strings.Contains(lower, "analysis") && strings.Contains(lower, "completed"):
		return "outcome.analysis_completed", true
	}
	switch outcomeType {
	case "ticket_resolution":
		return "outcome.ticket_resolved", true
	case "document_processing":
		return "outcome.document_processed", true
	case "analysis_completion":
		return "outcome.analysis_completed", true
	}
	return "", false
}
