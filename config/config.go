package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting the pipeline needs.
type Config struct {
	// Server / ops
	OpsAddr         string
	Env             string
	GracefulTimeout time.Duration
	LogLevel        string

	// Redis (advisory locks + external-metric dedup)
	RedisURL string

	// Retention
	EventRetentionDays      int
	RatedUsageRetentionDays int

	// Deriver
	DeriverWindowMinutes int

	// External metric importer
	ExternalMetricsIntervalSec int
	MetricsMaxConcurrent       int
	PrometheusEndpoint         string
	PrometheusBearerToken      string
	PrometheusUsername         string
	PrometheusPassword         string

	// Rating
	RatingWorkerConcurrency int
}

// Load reads configuration from environment variables and an optional
// .env file, falling back to sane local defaults.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GRACEFUL_TIMEOUT_SEC", 15)

	return &Config{
		OpsAddr:                    getEnv("OPS_ADDR", ":9090"),
		Env:                        getEnv("ENV", "development"),
		GracefulTimeout:            time.Duration(gracefulSec) * time.Second,
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		RedisURL:                   getEnv("REDIS_URL", "redis://redis:6379"),
		EventRetentionDays:         getEnvInt("EVENT_RETENTION_DAYS", 90),
		RatedUsageRetentionDays:    getEnvInt("RATED_USAGE_RETENTION_DAYS", 365),
		DeriverWindowMinutes:       getEnvInt("DERIVER_WINDOW_MINUTES", 5),
		ExternalMetricsIntervalSec: getEnvInt("EXTERNAL_METRICS_INTERVAL_SEC", 300),
		MetricsMaxConcurrent:       getEnvInt("METRICS_MAX_CONCURRENT", 5),
		PrometheusEndpoint:         getEnv("PROMETHEUS_ENDPOINT", ""),
		PrometheusBearerToken:      getEnv("PROMETHEUS_BEARER_TOKEN", ""),
		PrometheusUsername:         getEnv("PROMETHEUS_USERNAME", ""),
		PrometheusPassword:         getEnv("PROMETHEUS_PASSWORD", ""),
		RatingWorkerConcurrency:    getEnvInt("RATING_WORKER_CONCURRENCY", 8),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
