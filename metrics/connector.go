// Package metrics is the External Metric Importer (C7): a pull-based
// connector that queries a remote PromQL-style time-series backend,
// maps samples onto internal meters, dedups by content hash, and writes
// MeterReadings.
package metrics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/lock"
	"github.com/dualrail/ratepipe/meterstore"
	"github.com/dualrail/ratepipe/money"
)

// TransformFunction is the aggregation applied to samples bucketed into
// the same (customer, minute).
type TransformFunction string

const (
	Sum  TransformFunction = "sum"
	Avg  TransformFunction = "avg"
	Min  TransformFunction = "min"
	Max  TransformFunction = "max"
	Rate TransformFunction = "rate"
	None TransformFunction = "none"
)

// MetricMapping describes how one external metric maps onto an internal
// meter.
type MetricMapping struct {
	ExternalMetricName   string
	MeterKey             string
	TransformFunction    TransformFunction
	CustomerIDLabel      string // default "customer_id"
	ScalingFactor        money.Decimal
	LabelFilters         map[string]string
}

// Sample is one (timestamp, value, labels) point returned by the
// backend.
type Sample struct {
	TS     time.Time
	Value  float64
	Labels map[string]string
}

// Backend is the remote time-series query surface (C7's HTTP client).
type Backend interface {
	// Probe executes a lightweight health query (e.g. "up").
	Probe(ctx context.Context) error
	// InstantQuery executes query at instant `at`.
	InstantQuery(ctx context.Context, query string, at time.Time) ([]Sample, error)
	// RangeQuery executes query over [start, end) at the given step.
	RangeQuery(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error)
}

// CustomerChecker validates a parsed customer id exists.
type CustomerChecker interface {
	Exists(ctx context.Context, id uuid.UUID) bool
}

// SourceConfig is one data source's connection + mapping set.
type SourceConfig struct {
	Name              string
	CollectionInterval time.Duration
	Mappings          []MetricMapping
}

// Importer runs collection ticks against a Backend.
type Importer struct {
	backend   Backend
	meters    meterstore.Store
	customers CustomerChecker
	dedup     lock.Deduper
}

func NewImporter(backend Backend, meters meterstore.Store, customers CustomerChecker, dedup lock.Deduper) *Importer {
	return &Importer{backend: backend, meters: meters, customers: customers, dedup: dedup}
}

// CollectionResult reports a single source's collection-tick outcome.
type CollectionResult struct {
	SourceName      string
	ReadingsWritten int
	Skipped         int
	Warnings        []string
	Healthy         bool
}

// RunCollection executes one collection tick for src: a health probe,
// then every mapping's query->bucket->dedup->upsert pipeline.
func (im *Importer) RunCollection(ctx context.Context, src SourceConfig, now time.Time) CollectionResult {
	result := CollectionResult{SourceName: src.Name}

	if err := im.backend.Probe(ctx); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("health probe failed: %v", err))
		result.Healthy = false
		return result
	}
	result.Healthy = true

	for _, mapping := range src.Mappings {
		im.runMapping(ctx, mapping, src.CollectionInterval, now, &result)
	}
	return result
}

func (im *Importer) runMapping(ctx context.Context, mapping MetricMapping, interval time.Duration, now time.Time, result *CollectionResult) {
	query := buildQuery(mapping)

	var samples []Sample
	var err error
	if mapping.TransformFunction == Rate {
		samples, err = im.backend.RangeQuery(ctx, query, now.Add(-interval), now, time.Minute)
	} else {
		samples, err = im.backend.InstantQuery(ctx, query, now)
	}
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("query %s failed: %v", mapping.ExternalMetricName, err))
		return
	}

	customerIDLabel := mapping.CustomerIDLabel
	if customerIDLabel == "" {
		customerIDLabel = "customer_id"
	}

	type bucketKey struct {
		customerID  uuid.UUID
		windowStart int64
	}
	buckets := make(map[bucketKey][]float64)

	for _, s := range samples {
		if !matchesLabelFilters(s.Labels, mapping.LabelFilters) {
			result.Skipped++
			continue
		}
		rawID, ok := s.Labels[customerIDLabel]
		if !ok {
			result.Skipped++
			continue
		}
		customerID, err := uuid.Parse(rawID)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unparseable customer id %q", rawID))
			result.Skipped++
			continue
		}
		if !im.customers.Exists(ctx, customerID) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unknown customer %s", customerID))
			result.Skipped++
			continue
		}

		windowStart := s.TS.Truncate(time.Minute)
		k := bucketKey{customerID: customerID, windowStart: windowStart.UnixNano()}
		buckets[k] = append(buckets[k], s.Value*asFloat(mapping.ScalingFactor))
	}

	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].windowStart < keys[j].windowStart })

	for _, k := range keys {
		values := buckets[k]
		aggregated := aggregate(mapping.TransformFunction, values)
		windowStart := time.Unix(0, k.windowStart).UTC()

		hash := contentHash(k.customerID, windowStart, mapping.MeterKey, aggregated)
		seen, err := im.dedup.SeenBefore(ctx, hash, 24*time.Hour)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("dedup check failed: %v", err))
			continue
		}
		if seen {
			continue
		}

		value, err := money.FromFloat64(aggregated)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("non-finite value for %s", mapping.MeterKey))
			continue
		}

		err = im.meters.Upsert(ctx, meterstore.Reading{
			CustomerID: k.customerID,
			MeterKey:   mapping.MeterKey,
			Window: domain.Window{
				Start: windowStart,
				End:   windowStart.Add(time.Minute),
			},
			Value: value,
			Metadata: map[string]string{
				"external_metric":      mapping.ExternalMetricName,
				"source_system":        result.SourceName,
				"collection_timestamp": now.Format(time.RFC3339),
				"data_points_count":    fmt.Sprintf("%d", len(values)),
			},
		})
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("upsert failed: %v", err))
			continue
		}
		result.ReadingsWritten++
	}
}

func asFloat(d money.Decimal) float64 {
	var f float64
	fmt.Sscan(d.String(), &f)
	return f
}

func matchesLabelFilters(labels, filters map[string]string) bool {
	for k, want := range filters {
		if got, ok := labels[k]; !ok || got != want {
			return false
		}
	}
	return true
}

func aggregate(fn TransformFunction, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch fn {
	case Avg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case Min:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case Max:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case Sum, Rate:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum
	default: // None
		return values[len(values)-1]
	}
}

// buildQuery assembles a PromQL-like query string from the mapping's
// metric name, label filters and transformation function.
func buildQuery(mapping MetricMapping) string {
	base := mapping.ExternalMetricName
	if len(mapping.LabelFilters) > 0 {
		keys := make([]string, 0, len(mapping.LabelFilters))
		for k := range mapping.LabelFilters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		filterStr := ""
		for i, k := range keys {
			if i > 0 {
				filterStr += ","
			}
			filterStr += fmt.Sprintf("%s=%q", k, mapping.LabelFilters[k])
		}
		base = fmt.Sprintf("%s{%s}", base, filterStr)
	}

	switch mapping.TransformFunction {
	case Rate:
		return fmt.Sprintf("rate(%s[5m])", base)
	case Sum:
		return fmt.Sprintf("sum(%s) by (%s)", base, mapping.CustomerIDLabel)
	case Avg:
		return fmt.Sprintf("avg(%s) by (%s)", base, mapping.CustomerIDLabel)
	case Min:
		return fmt.Sprintf("min(%s) by (%s)", base, mapping.CustomerIDLabel)
	case Max:
		return fmt.Sprintf("max(%s) by (%s)", base, mapping.CustomerIDLabel)
	default:
		return base
	}
}

// contentHash computes the dedup key over (customer, window_start,
// metric_name, value) so an import run never double-writes the same
// sample.
func contentHash(customerID uuid.UUID, windowStart time.Time, meterKey string, value float64) string {
	input := fmt.Sprintf("%s|%s|%s|%v", customerID, windowStart.UTC().Format(time.RFC3339), meterKey, value)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}
