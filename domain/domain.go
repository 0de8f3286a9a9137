// Package domain holds the entity types shared across more than one
// pipeline component: customers, workflow definitions and runs, and the
// audit log. Component-specific types (RawEvent, MeterReading,
// CostRecord, OutcomeVerification, RatingResult) live with the
// component that owns them.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Customer is created and mutated only through administrative action;
// every other entity references it by id.
type Customer struct {
	ID               uuid.UUID
	DisplayName      string
	Currency         string
	ExternalBillingID string
	Active           bool
}

// WorkflowStatus enumerates a WorkflowRun's lifecycle.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// WorkflowDefinition is immutable once written; unique by (Key, Version).
type WorkflowDefinition struct {
	Key     string
	Version int
	Schema  []byte
	Active  bool
}

// WorkflowRun is created at span start and finalized at span end.
type WorkflowRun struct {
	ID           uuid.UUID
	CustomerID   uuid.UUID
	DefinitionID uuid.UUID
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       WorkflowStatus
	Metadata     map[string]string
}

// AuditLog is an append-only record of administrative actions
// (adjustments, manual overrides) taken against the pipeline.
type AuditLog struct {
	ID      uuid.UUID
	TS      time.Time
	Actor   string
	Action  string
	Subject string
	Details map[string]string
}

// Window is a half-open time interval [Start, End) used for every
// aggregation and billing period in the system.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies in [w.Start, w.End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Valid reports whether Start < End, the sole structural invariant every
// window in this system must satisfy.
func (w Window) Valid() bool {
	return w.Start.Before(w.End)
}
