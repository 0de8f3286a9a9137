package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/domain"
)

func TestExistsOnlyTrueForActiveCustomers(t *testing.T) {
	reg := New()
	active := domain.Customer{ID: uuid.New(), Active: true}
	inactive := domain.Customer{ID: uuid.New(), Active: false}
	reg.PutCustomer(active)
	reg.PutCustomer(inactive)

	ctx := context.Background()
	if !reg.Exists(ctx, active.ID) {
		t.Fatal("expected active customer to exist")
	}
	if reg.Exists(ctx, inactive.ID) {
		t.Fatal("expected inactive customer to not exist")
	}
	if reg.Exists(ctx, uuid.New()) {
		t.Fatal("expected unknown customer to not exist")
	}
}

func TestRunsInPeriodFiltersByCustomerAndWindow(t *testing.T) {
	reg := New()
	customerID := uuid.New()
	other := uuid.New()
	period := domain.Window{Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}

	inRun := domain.WorkflowRun{ID: uuid.New(), CustomerID: customerID, StartedAt: period.Start.AddDate(0, 0, 1)}
	outOfPeriod := domain.WorkflowRun{ID: uuid.New(), CustomerID: customerID, StartedAt: period.End.AddDate(0, 0, 1)}
	otherCustomer := domain.WorkflowRun{ID: uuid.New(), CustomerID: other, StartedAt: period.Start.AddDate(0, 0, 1)}

	reg.PutRun(inRun)
	reg.PutRun(outOfPeriod)
	reg.PutRun(otherCustomer)

	ids, err := reg.RunsInPeriod(context.Background(), customerID, period)
	if err != nil {
		t.Fatalf("RunsInPeriod: %v", err)
	}
	if len(ids) != 1 || ids[0] != inRun.ID {
		t.Fatalf("expected only inRun, got %v", ids)
	}
}

func TestStartedAtUnknownRun(t *testing.T) {
	reg := New()
	_, ok := reg.StartedAt(context.Background(), uuid.New())
	if ok {
		t.Fatal("expected ok=false for unknown run")
	}
}

func TestAllActiveCustomerIDsExcludesInactive(t *testing.T) {
	reg := New()
	active := domain.Customer{ID: uuid.New(), Active: true}
	inactive := domain.Customer{ID: uuid.New(), Active: false}
	reg.PutCustomer(active)
	reg.PutCustomer(inactive)

	ids := reg.AllActiveCustomerIDs()
	if len(ids) != 1 || ids[0] != active.ID {
		t.Fatalf("expected only the active customer, got %v", ids)
	}
}
