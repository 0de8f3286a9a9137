// Package registry is the customer and workflow-run directory every
// other component consults: existence checks for event ingestion,
// period-bounded run lookups for COGS, and start-time lookups for
// holdback computation.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/domain"
)

// Registry is the mutex-protected reference directory.
type Registry struct {
	mu        sync.RWMutex
	customers map[uuid.UUID]domain.Customer
	runs      map[uuid.UUID]domain.WorkflowRun
}

func New() *Registry {
	return &Registry{
		customers: make(map[uuid.UUID]domain.Customer),
		runs:      make(map[uuid.UUID]domain.WorkflowRun),
	}
}

func (r *Registry) PutCustomer(c domain.Customer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[c.ID] = c
}

func (r *Registry) Customer(id uuid.UUID) (domain.Customer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.customers[id]
	return c, ok
}

// Exists satisfies normalizer.CustomerChecker and metrics.CustomerChecker.
func (r *Registry) Exists(_ context.Context, id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.customers[id]
	return ok && c.Active
}

func (r *Registry) PutRun(run domain.WorkflowRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
}

func (r *Registry) Run(id uuid.UUID) (domain.WorkflowRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	return run, ok
}

// RunsInPeriod satisfies cogs.WorkflowRunFinder: every run for customerID
// that started within [period.Start, period.End).
func (r *Registry) RunsInPeriod(_ context.Context, customerID uuid.UUID, period domain.Window) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []uuid.UUID
	for _, run := range r.runs {
		if run.CustomerID != customerID {
			continue
		}
		if !period.Contains(run.StartedAt) {
			continue
		}
		out = append(out, run.ID)
	}
	return out, nil
}

// StartedAt satisfies outcomes.WorkflowRunLookup.
func (r *Registry) StartedAt(_ context.Context, runID uuid.UUID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return time.Time{}, false
	}
	return run.StartedAt, true
}

// AllActiveCustomerIDs returns every active customer, used by the
// scheduler to fan out per-customer duty cycles.
func (r *Registry) AllActiveCustomerIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.customers))
	for id, c := range r.customers {
		if c.Active {
			out = append(out, id)
		}
	}
	return out
}
