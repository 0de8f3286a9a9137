package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dualrail/ratepipe/anomaly"
	"github.com/dualrail/ratepipe/config"
	"github.com/dualrail/ratepipe/costledger"
	"github.com/dualrail/ratepipe/cogs"
	"github.com/dualrail/ratepipe/deriver"
	"github.com/dualrail/ratepipe/eventstore"
	"github.com/dualrail/ratepipe/lock"
	"github.com/dualrail/ratepipe/logger"
	"github.com/dualrail/ratepipe/meterstore"
	"github.com/dualrail/ratepipe/metrics"
	"github.com/dualrail/ratepipe/obs"
	"github.com/dualrail/ratepipe/outcomes"
	"github.com/dualrail/ratepipe/ratedusage"
	"github.com/dualrail/ratepipe/rating"
	"github.com/dualrail/ratepipe/registry"
	"github.com/dualrail/ratepipe/router"
	"github.com/dualrail/ratepipe/scheduler"
)

// readiness wraps the lock backend so the ops surface can report
// whether the scheduler's coordination dependency is reachable.
type readiness struct {
	ping func(ctx context.Context) error
}

func (r readiness) Ready() bool {
	if r.ping == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.ping(ctx) == nil
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("ratepipe starting")

	var locker lock.Locker
	var ready readiness
	if cfg.RedisURL != "" {
		backend, err := lock.NewRedisBackend(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis lock backend init failed — falling back to in-memory locking")
			locker = lock.NewMemBackend()
		} else if err := backend.Ping(context.Background()); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — falling back to in-memory locking")
			locker = lock.NewMemBackend()
		} else {
			log.Info().Msg("redis lock backend connected")
			locker = backend
			ready = readiness{ping: backend.Ping}
		}
	} else {
		locker = lock.NewMemBackend()
	}
	dedup, _ := locker.(lock.Deduper)
	if dedup == nil {
		dedup = lock.NewMemBackend()
	}

	reg := registry.New()
	events := eventstore.NewMemStore()
	meters := meterstore.NewMemStore()
	ledger := costledger.NewMemLedger()
	outcomesStore := outcomes.NewMemStore(reg)
	cogsCalc := cogs.New(ledger, reg)
	policies := rating.NewPolicyStore()
	ratedUsageStore := ratedusage.NewMemStore()

	dv := deriver.New(events, meters, time.Duration(cfg.DeriverWindowMinutes)*time.Minute)
	ratingEng := rating.NewEngine(meters, outcomesStore, cogsCalc)
	anomalyDetector := anomaly.New(meters)

	var importer *metrics.Importer
	var sources []metrics.SourceConfig
	if cfg.PrometheusEndpoint != "" {
		backend := metrics.NewPrometheusBackend(cfg.PrometheusEndpoint, 30*time.Second)
		backend.BearerToken = cfg.PrometheusBearerToken
		backend.Username = cfg.PrometheusUsername
		backend.Password = cfg.PrometheusPassword
		importer = metrics.NewImporter(backend, meters, reg, dedup)
		sources = []metrics.SourceConfig{{
			Name:               "prometheus",
			CollectionInterval: time.Duration(cfg.ExternalMetricsIntervalSec) * time.Second,
		}}
		log.Info().Str("endpoint", cfg.PrometheusEndpoint).Msg("external metric source configured")
	}

	metricsReg := obs.NewMetrics(log)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.DeriverWindow = time.Duration(cfg.DeriverWindowMinutes) * time.Minute
	schedCfg.ExternalMetricsInterval = time.Duration(cfg.ExternalMetricsIntervalSec) * time.Second
	schedCfg.EventRetention = time.Duration(cfg.EventRetentionDays) * 24 * time.Hour
	schedCfg.RatedUsageRetention = time.Duration(cfg.RatedUsageRetentionDays) * 24 * time.Hour
	schedCfg.RatingWorkerConcurrency = cfg.RatingWorkerConcurrency

	sched := scheduler.New(schedCfg, log, reg, events, dv, ratingEng, policies, ratedUsageStore, anomalyDetector, importer, sources, locker, metricsReg)

	ctx, cancelSched := context.WithCancel(context.Background())
	sched.Start(ctx)

	r := router.New(log, metricsReg, ready)
	srv := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.OpsAddr).Msg("ops surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ops server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	cancelSched()
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("ratepipe stopped gracefully")
	}
}
