// Package eventstore is the append-only store of normalized RawEvents
// (C2): idempotent on (trace_id, span_id, event_type, ts), ordered by
// (ts, id) ascending, with a retention sweep.
package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the RawEvent shapes the normalizer produces.
type EventType string

const (
	SpanStarted EventType = "span_started"
	SpanEnded   EventType = "span_ended"
	SpanEvent   EventType = "span_event"
	Outcome     EventType = "outcome"
	Counter     EventType = "counter"
)

// RawEvent is the append-only unit of telemetry every downstream
// component consumes.
type RawEvent struct {
	ID         int64
	CustomerID uuid.UUID
	TS         time.Time
	EventType  EventType
	TraceID    string
	SpanID     string
	Payload    map[string]any
}

type dedupKey struct {
	traceID, spanID string
	eventType       EventType
	ts              int64 // UnixNano
}

func keyOf(e RawEvent) dedupKey {
	return dedupKey{e.TraceID, e.SpanID, e.EventType, e.TS.UnixNano()}
}

// Store is the C2 contract. Storage errors are fatal to the caller;
// there is no retry inside the store itself.
type Store interface {
	// Append inserts exactly once; a duplicate (trace_id, span_id,
	// event_type, ts) tuple is an idempotent no-op, returning the
	// existing event's id and no error.
	Append(ctx context.Context, e RawEvent) (int64, error)
	// Scan returns events ordered by (ts, id) ascending. A nil customer
	// scans all customers; nil from/to are unbounded on that side.
	Scan(ctx context.Context, customer *uuid.UUID, from, to *time.Time, limit int) ([]RawEvent, error)
	// DeleteBefore removes events with ts < cutoff and returns the count
	// removed. Safe against concurrent scans for later timestamps.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MemStore is the reference in-process implementation: a mutex-guarded
// slice plus a dedup index, mirroring the mutex-protected in-memory
// store idiom used throughout this codebase for components that don't
// yet commit to a specific SQL engine.
type MemStore struct {
	mu       sync.RWMutex
	events   []RawEvent
	dedup    map[dedupKey]int64
	nextID   int64
}

func NewMemStore() *MemStore {
	return &MemStore{dedup: make(map[dedupKey]int64)}
}

func (s *MemStore) Append(_ context.Context, e RawEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(e)
	if id, ok := s.dedup[k]; ok {
		return id, nil
	}

	s.nextID++
	e.ID = s.nextID
	s.dedup[k] = e.ID
	s.events = append(s.events, e)
	return e.ID, nil
}

func (s *MemStore) Scan(_ context.Context, customer *uuid.UUID, from, to *time.Time, limit int) ([]RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RawEvent, 0, len(s.events))
	for _, e := range s.events {
		if customer != nil && e.CustomerID != *customer {
			continue
		}
		if from != nil && e.TS.Before(*from) {
			continue
		}
		if to != nil && !e.TS.Before(*to) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TS.Equal(out[j].TS) {
			return out[i].ID < out[j].ID
		}
		return out[i].TS.Before(out[j].TS)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0:0]
	removed := 0
	for _, e := range s.events {
		if e.TS.Before(cutoff) {
			delete(s.dedup, keyOf(e))
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

// --- Batched async append pipeline ---
//
// Producers that process whole export batches (C5) should not block per
// event on the store's mutex; Pipeline buffers appends onto a channel
// and flushes in batches on a ticker, retrying a failed flush with
// exponential backoff before surfacing the error to whoever is waiting
// on the matching ack.

type appendRequest struct {
	event RawEvent
	ack   chan appendResult
}

type appendResult struct {
	id  int64
	err error
}

// PipelineConfig tunes the background flush loop.
type PipelineConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueueSize:     1024,
		BatchSize:     100,
		FlushInterval: 250 * time.Millisecond,
		MaxRetries:    3,
	}
}

// Pipeline wraps a Store with the buffered, batched, retried append
// path described above.
type Pipeline struct {
	store  Store
	cfg    PipelineConfig
	queue  chan appendRequest
	stop   chan struct{}
	done   chan struct{}
}

func NewPipeline(store Store, cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		store: store,
		cfg:   cfg,
		queue: make(chan appendRequest, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Append enqueues e and blocks until it has been durably flushed (or
// flushing has permanently failed).
func (p *Pipeline) Append(ctx context.Context, e RawEvent) (int64, error) {
	ack := make(chan appendResult, 1)
	select {
	case p.queue <- appendRequest{event: e, ack: ack}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-ack:
		return r.id, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop drains and flushes any buffered events, then halts the
// background worker.
func (p *Pipeline) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]appendRequest, 0, p.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case req := <-p.queue:
			batch = append(batch, req)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case req := <-p.queue:
					batch = append(batch, req)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (p *Pipeline) flushBatch(batch []appendRequest) {
	backoff := 10 * time.Millisecond
	for _, req := range batch {
		var id int64
		var err error
		for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
			id, err = p.store.Append(context.Background(), req.event)
			if err == nil {
				break
			}
			if attempt < p.cfg.MaxRetries {
				time.Sleep(backoff)
				backoff *= 2
			}
		}
		if err != nil {
			err = fmt.Errorf("eventstore: flush failed after %d retries: %w", p.cfg.MaxRetries, err)
		}
		req.ack <- appendResult{id: id, err: err}
	}
}
