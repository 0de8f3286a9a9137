// Package costledger is the append-only ledger of CostRecords (C4).
// Aggregation is explicitly not this package's job — that belongs to
// the cogs package.
package costledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/money"
)

// CostType enumerates the cost-ledger's allowed tags.
type CostType string

const (
	Tokens         CostType = "tokens"
	LLMAPI         CostType = "llm_api"
	Compute        CostType = "compute"
	CPU            CostType = "cpu"
	GPU            CostType = "gpu"
	Memory         CostType = "memory"
	Storage        CostType = "storage"
	S3             CostType = "s3"
	Database       CostType = "database"
	Disk           CostType = "disk"
	API            CostType = "api"
	VendorAPI      CostType = "vendor_api"
	ExternalService CostType = "external_service"
	OpenAI         CostType = "openai"
	Anthropic      CostType = "anthropic"
)

// CostRecord is one ledger entry.
type CostRecord struct {
	ID            uuid.UUID
	WorkflowRunID *uuid.UUID
	CustomerID    uuid.UUID
	TS            time.Time
	CostAmount    money.Decimal
	CostType      CostType
	Details       map[string]string
}

// Filter narrows Ledger.List: zero-value fields are unconstrained.
type Filter struct {
	WorkflowRunIDs map[uuid.UUID]struct{}
	From, To       *time.Time
	CostTypes      map[CostType]struct{}
}

// Ledger is the C4 contract.
type Ledger interface {
	Record(ctx context.Context, r CostRecord) error
	List(ctx context.Context, customerID uuid.UUID, f Filter) ([]CostRecord, error)
}

// MemLedger is the mutex-protected reference implementation.
type MemLedger struct {
	mu      sync.RWMutex
	records []CostRecord
}

func NewMemLedger() *MemLedger {
	return &MemLedger{}
}

func (l *MemLedger) Record(_ context.Context, r CostRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	return nil
}

func (l *MemLedger) List(_ context.Context, customerID uuid.UUID, f Filter) ([]CostRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]CostRecord, 0)
	for _, r := range l.records {
		if r.CustomerID != customerID {
			continue
		}
		if f.From != nil && r.TS.Before(*f.From) {
			continue
		}
		if f.To != nil && !r.TS.Before(*f.To) {
			continue
		}
		if f.WorkflowRunIDs != nil {
			if r.WorkflowRunID == nil {
				continue
			}
			if _, ok := f.WorkflowRunIDs[*r.WorkflowRunID]; !ok {
				continue
			}
		}
		if f.CostTypes != nil {
			if _, ok := f.CostTypes[r.CostType]; !ok {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// Recorder wraps a Ledger with the three cost shapes recorded most
// often, computing cost_amount from per-unit rates the way the
// source system's cost tracker does, so callers never hand-roll the
// arithmetic.
type Recorder struct {
	ledger Ledger
}

func NewRecorder(ledger Ledger) *Recorder {
	return &Recorder{ledger: ledger}
}

// RecordLLMCost records token cost given per-token input/output rates.
func (r *Recorder) RecordLLMCost(ctx context.Context, customerID uuid.UUID, runID *uuid.UUID, ts time.Time, inputTokens, outputTokens int64, inputRate, outputRate money.Decimal) error {
	inputCost := money.FromInt64(inputTokens).Mul(inputRate)
	outputCost := money.FromInt64(outputTokens).Mul(outputRate)
	total := inputCost.Add(outputCost)
	return r.ledger.Record(ctx, CostRecord{
		ID:            uuid.New(),
		WorkflowRunID: runID,
		CustomerID:    customerID,
		TS:            ts,
		CostAmount:    total,
		CostType:      LLMAPI,
		Details: map[string]string{
			"input_cost":  inputCost.String(),
			"output_cost": outputCost.String(),
		},
	})
}

// RecordComputeCost records CPU + memory cost over a duration, given
// per-core-hour and per-GB-hour rates.
func (r *Recorder) RecordComputeCost(ctx context.Context, customerID uuid.UUID, runID *uuid.UUID, ts time.Time, durationMS int64, cores, gb float64, costPerCoreHour, costPerGBHour money.Decimal) error {
	durationHours := float64(durationMS) / 3_600_000.0
	coreHours, err := money.FromFloat64(cores * durationHours)
	if err != nil {
		return err
	}
	gbHours, err := money.FromFloat64(gb * durationHours)
	if err != nil {
		return err
	}
	cpuCost := coreHours.Mul(costPerCoreHour)
	memCost := gbHours.Mul(costPerGBHour)
	total := cpuCost.Add(memCost)
	return r.ledger.Record(ctx, CostRecord{
		ID:            uuid.New(),
		WorkflowRunID: runID,
		CustomerID:    customerID,
		TS:            ts,
		CostAmount:    total,
		CostType:      Compute,
		Details: map[string]string{
			"cpu_cost":    cpuCost.String(),
			"memory_cost": memCost.String(),
		},
	})
}

// RecordAPICost records external-API cost as calls * cost-per-call.
func (r *Recorder) RecordAPICost(ctx context.Context, customerID uuid.UUID, runID *uuid.UUID, ts time.Time, calls int64, costPerCall money.Decimal) error {
	total := money.FromInt64(calls).Mul(costPerCall)
	return r.ledger.Record(ctx, CostRecord{
		ID:            uuid.New(),
		WorkflowRunID: runID,
		CustomerID:    customerID,
		TS:            ts,
		CostAmount:    total,
		CostType:      VendorAPI,
	})
}
