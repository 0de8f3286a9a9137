// Package scheduler is the Scheduler (C11): it owns the six duty
// cycles that drive the pipeline forward without an external caller —
// recent-event derivation, external-metric collection, daily rating,
// monthly rating, anomaly scanning, and retention cleanup — each on its
// own ticker, with bounded concurrency and per-customer advisory
// locking where reprocessing must not race itself.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dualrail/ratepipe/anomaly"
	"github.com/dualrail/ratepipe/catalog"
	"github.com/dualrail/ratepipe/deriver"
	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/eventstore"
	"github.com/dualrail/ratepipe/lock"
	"github.com/dualrail/ratepipe/metrics"
	"github.com/dualrail/ratepipe/obs"
	"github.com/dualrail/ratepipe/ratedusage"
	"github.com/dualrail/ratepipe/rating"
)

// CustomerLister supplies the set of customers each duty cycle fans out
// over.
type CustomerLister interface {
	AllActiveCustomerIDs() []uuid.UUID
}

// Config drives every duty cycle's cadence and bounds.
type Config struct {
	DeriverWindow           time.Duration
	RecentEventsInterval    time.Duration
	ExternalMetricsInterval time.Duration
	AnomalyScanInterval     time.Duration
	CleanupInterval         time.Duration
	EventRetention          time.Duration
	RatedUsageRetention     time.Duration
	RatingWorkerConcurrency int
	MaxRetries              int
}

// DefaultConfig mirrors the interval table this pipeline documents:
// 5-minute event/metric ticks, hourly anomaly scans, daily cleanup and
// rating reconciliation.
func DefaultConfig() Config {
	return Config{
		DeriverWindow:           5 * time.Minute,
		RecentEventsInterval:    5 * time.Minute,
		ExternalMetricsInterval: 5 * time.Minute,
		AnomalyScanInterval:     time.Hour,
		CleanupInterval:         24 * time.Hour,
		EventRetention:          90 * 24 * time.Hour,
		RatedUsageRetention:     365 * 24 * time.Hour,
		RatingWorkerConcurrency: 8,
		MaxRetries:              3,
	}
}

// Scheduler wires every component the duty cycles drive.
type Scheduler struct {
	cfg Config
	log zerolog.Logger

	customers  CustomerLister
	events     eventstore.Store
	deriver    *deriver.Deriver
	ratingEng  *rating.Engine
	policies   *rating.PolicyStore
	ratedUsage ratedusage.Store
	anomalyD   *anomaly.Detector
	importer   *metrics.Importer
	sources    []metrics.SourceConfig
	locker     lock.Locker
	metricsReg *obs.Metrics

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Scheduler. importer and sources may be nil/empty if
// no external metric source is configured.
func New(
	cfg Config,
	log zerolog.Logger,
	customers CustomerLister,
	events eventstore.Store,
	dv *deriver.Deriver,
	ratingEng *rating.Engine,
	policies *rating.PolicyStore,
	ratedUsage ratedusage.Store,
	anomalyD *anomaly.Detector,
	importer *metrics.Importer,
	sources []metrics.SourceConfig,
	locker lock.Locker,
	metricsReg *obs.Metrics,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		log:        log.With().Str("component", "scheduler").Logger(),
		customers:  customers,
		events:     events,
		deriver:    dv,
		ratingEng:  ratingEng,
		policies:   policies,
		ratedUsage: ratedUsage,
		anomalyD:   anomalyD,
		importer:   importer,
		sources:    sources,
		locker:     locker,
		metricsReg: metricsReg,
		stop:       make(chan struct{}),
	}
}

// Start launches every duty cycle's ticker loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.runLoop(ctx, "recent_events", s.cfg.RecentEventsInterval, s.runDerivation)
	s.runLoop(ctx, "external_metrics", s.cfg.ExternalMetricsInterval, s.runExternalMetrics)
	s.runLoop(ctx, "daily_rating", 24*time.Hour, s.runDailyRating)
	s.runLoop(ctx, "monthly_rating", 24*time.Hour, s.runMonthlyRatingIfDue)
	s.runLoop(ctx, "anomaly_scan", s.cfg.AnomalyScanInterval, s.runAnomalyScan)
	s.runLoop(ctx, "cleanup", s.cfg.CleanupInterval, s.runCleanup)
}

// Stop signals every duty-cycle loop to exit and waits for them.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runWithRetry(ctx, name, tick)
			}
		}
	}()
}

// runWithRetry retries an idempotent duty cycle up to MaxRetries times
// with exponential backoff; every cycle here is safe to re-run because
// derivation, rating and import are all upsert/dedup based.
func (s *Scheduler) runWithRetry(ctx context.Context, name string, tick func(context.Context)) {
	backoff := time.Second
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		done := make(chan struct{})
		var panicked any
		go func() {
			defer close(done)
			defer func() { panicked = recover() }()
			tick(ctx)
		}()
		<-done
		if panicked == nil {
			return
		}
		s.log.Error().Str("cycle", name).Int("attempt", attempt).Interface("panic", panicked).Msg("duty cycle failed, retrying")
		select {
		case <-time.After(backoff):
		case <-s.stop:
			return
		}
		backoff *= 2
	}
}

func (s *Scheduler) runDerivation(ctx context.Context) {
	now := time.Now().UTC()
	from := now.Add(-2 * time.Hour)
	start := time.Now()

	for _, customerID := range s.customers.AllActiveCustomerIDs() {
		id := customerID
		n, err := s.deriver.DeriveRange(ctx, &id, from, now)
		if err != nil {
			s.log.Error().Err(err).Str("customer_id", id.String()).Msg("derivation failed")
			if s.metricsReg != nil {
				s.metricsReg.TrackDeriverRun(0, float64(time.Since(start).Milliseconds()), true)
			}
			continue
		}
		if s.metricsReg != nil {
			s.metricsReg.TrackDeriverRun(n, float64(time.Since(start).Milliseconds()), false)
		}
	}
}

func (s *Scheduler) runExternalMetrics(ctx context.Context) {
	if s.importer == nil {
		return
	}
	now := time.Now().UTC()
	for _, src := range s.sources {
		result := s.importer.RunCollection(ctx, src, now)
		if s.metricsReg != nil {
			s.metricsReg.TrackExternalMetricCollection(src.Name, result.ReadingsWritten, result.Skipped, result.Healthy)
		}
		for _, w := range result.Warnings {
			s.log.Warn().Str("source", src.Name).Msg(w)
		}
	}
}

// runDailyRating rates yesterday's [00:00, 24:00) period for every
// active customer, serialized per customer via the advisory lock so a
// retry never double-rates a period concurrently with itself.
func (s *Scheduler) runDailyRating(ctx context.Context) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day()-1, 0, 0, 0, 0, time.UTC)
	period := domain.Window{Start: dayStart, End: dayStart.AddDate(0, 0, 1)}
	s.rateCustomers(ctx, "daily", period)
}

// runMonthlyRatingIfDue rates the prior calendar month once per day, but
// only on the first day of the current month — the "1day-post-month-end"
// cadence — so it does not re-rate the same month on every tick.
func (s *Scheduler) runMonthlyRatingIfDue(ctx context.Context) {
	now := time.Now().UTC()
	if now.Day() != 1 {
		return
	}
	monthStart := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, time.UTC)
	period := domain.Window{Start: monthStart, End: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)}
	s.rateCustomers(ctx, "monthly", period)
}

func (s *Scheduler) rateCustomers(ctx context.Context, label string, period domain.Window) {
	customerIDs := s.customers.AllActiveCustomerIDs()
	sem := make(chan struct{}, maxInt(s.cfg.RatingWorkerConcurrency, 1))
	var wg sync.WaitGroup

	for _, customerID := range customerIDs {
		id := customerID
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.rateOneCustomer(ctx, label, id, period)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) rateOneCustomer(ctx context.Context, label string, customerID uuid.UUID, period domain.Window) {
	lockKey := "rating:" + label + ":" + customerID.String() + ":" + period.Start.Format(time.RFC3339)
	start := time.Now()

	err := lock.WithLock(ctx, s.locker, lockKey, 10*time.Minute, func() error {
		policy := s.policies.Get(customerID)
		result, err := s.ratingEng.Rate(ctx, customerID, period, policy)
		if err != nil {
			return err
		}
		if s.ratedUsage != nil {
			if _, err := s.ratedUsage.Upsert(ctx, ratedusage.FromResult(result, time.Now().UTC())); err != nil {
				return fmt.Errorf("persist rated usage: %w", err)
			}
		}
		s.log.Info().
			Str("customer_id", customerID.String()).
			Str("cycle", label).
			Int("lines", len(result.Lines)).
			Str("total", result.Total.String()).
			Msg("rating pass complete")
		if s.metricsReg != nil {
			s.metricsReg.TrackRatingRun(label, len(result.Lines), float64(time.Since(start).Milliseconds()), false)
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("customer_id", customerID.String()).Str("cycle", label).Msg("rating pass failed or already in progress")
		if s.metricsReg != nil {
			s.metricsReg.TrackRatingRun(label, 0, float64(time.Since(start).Milliseconds()), true)
		}
	}
}

func (s *Scheduler) runAnomalyScan(ctx context.Context) {
	now := time.Now().UTC()
	allMeters := append(append([]string{}, catalog.EdgeMeterKeys...), catalog.WorkMeterKeys...)

	for _, customerID := range s.customers.AllActiveCustomerIDs() {
		found, err := s.anomalyD.ScanMeters(ctx, customerID, allMeters, now, 24*time.Hour)
		if err != nil {
			s.log.Error().Err(err).Str("customer_id", customerID.String()).Msg("anomaly scan failed")
			continue
		}
		for _, a := range found {
			s.log.Warn().
				Str("customer_id", customerID.String()).
				Str("meter_key", a.MeterKey).
				Str("kind", string(a.Kind)).
				Str("details", a.Details).
				Msg("anomaly detected")
			if s.metricsReg != nil {
				s.metricsReg.TrackAnomaly(string(a.Kind), a.MeterKey)
			}
		}
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	eventCutoff := time.Now().UTC().Add(-s.cfg.EventRetention)
	n, err := s.events.DeleteBefore(ctx, eventCutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("event retention cleanup failed")
	} else {
		s.log.Info().Int("deleted", n).Time("cutoff", eventCutoff).Msg("event retention cleanup complete")
	}

	if s.ratedUsage == nil {
		return
	}
	usageCutoff := time.Now().UTC().Add(-s.cfg.RatedUsageRetention)
	removed, err := s.ratedUsage.DeleteBefore(ctx, usageCutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("rated usage retention cleanup failed")
		return
	}
	if removed > 0 {
		s.log.Info().Int("deleted", removed).Time("cutoff", usageCutoff).Msg("rated usage retention cleanup complete")
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
