// Package config loads the process-wide settings bundle from the
// environment, optionally seeded from a .env file. The bundle is
// immutable after Load; components receive the parts they need through
// their constructors.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/JailtonJunior94/busgo/pkg/messaging"

	"github.com/joho/godotenv"
)

// Config is the full settings bundle.
type Config struct {
	// ServiceName identifies this service on envelopes and idempotency
	// records.
	ServiceName string

	// Environment prefixes queue names (local, dev, staging, production).
	Environment string

	// LogLevel selects the minimum log level (debug, info, warn, error).
	LogLevel string

	// Driver is the primary publish driver (managed or legacy).
	Driver string

	// DualWrite publishes every event to both drivers.
	DualWrite bool

	// FallbackToLegacy retries on the legacy driver when the managed
	// publish fails.
	FallbackToLegacy bool

	// FallbackOnMissingQueue routes to the legacy driver when the target
	// queue does not exist on the managed transport yet.
	FallbackOnMissingQueue bool

	// AutoEnsure resolves (and so creates) all configured queues at
	// startup instead of on first publish.
	AutoEnsure bool

	// Queues lists the logical queues this service owns.
	Queues []string

	// TargetQueues maps event types to logical queues (JSON object).
	TargetQueues map[string]string

	// DefaultQueue receives event types absent from TargetQueues.
	DefaultQueue string

	// LongRunningEvents lists event types granted extended visibility.
	LongRunningEvents []string

	// Workers bounds concurrent message processing per cycle.
	Workers int

	AWSRegion   string
	SQSEndpoint string
	AWSAccessKey string
	AWSSecretKey string

	// AMQPURL and AMQPExchange configure the legacy broker.
	AMQPURL      string
	AMQPExchange string

	// RedisAddr is the cache tier address; empty disables the cache tier.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// DatabaseURL is the durable tier connection string.
	DatabaseURL string

	// DLQAlertThreshold is the dead-letter depth that triggers alerts.
	DLQAlertThreshold int

	// ValidationRateThreshold and TransientRateThreshold gate the
	// per-cycle rate alerts.
	ValidationRateThreshold float64
	TransientRateThreshold  float64

	// ProcessingTTL and ProcessedTTL drive the idempotency cache tiers.
	ProcessingTTL time.Duration
	ProcessedTTL  time.Duration

	// CleanupRetentionDays is how long durable idempotency records live.
	CleanupRetentionDays int

	// MetricsEnabled exposes the ops endpoint; MetricsNamespace prefixes
	// metric names; OpsAddr is the listen address.
	MetricsEnabled   bool
	MetricsNamespace string
	OpsAddr          string
}

// Load reads the bundle from the environment. A .env file at the given
// path seeds missing variables; a missing file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		ServiceName:            envString("BUS_SERVICE_NAME", ""),
		Environment:            envString("BUS_ENV", "local"),
		LogLevel:               envString("BUS_LOG_LEVEL", "info"),
		Driver:                 envString("BUS_DRIVER", messaging.DriverManaged),
		DualWrite:              envBool("BUS_DUAL_WRITE", false),
		FallbackToLegacy:       envBool("BUS_FALLBACK_TO_LEGACY", false),
		FallbackOnMissingQueue: envBool("BUS_FALLBACK_ON_MISSING_QUEUE", false),
		AutoEnsure:             envBool("BUS_AUTO_ENSURE", false),
		Queues:                 envList("BUS_QUEUES"),
		DefaultQueue:           envString("BUS_DEFAULT_QUEUE", ""),
		LongRunningEvents:      envList("BUS_LONG_RUNNING_EVENTS"),
		Workers:                envInt("BUS_WORKERS", 4),

		AWSRegion:    envString("AWS_REGION", "us-east-1"),
		SQSEndpoint:  envString("BUS_SQS_ENDPOINT", ""),
		AWSAccessKey: envString("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey: envString("AWS_SECRET_ACCESS_KEY", ""),

		AMQPURL:      envString("BUS_AMQP_URL", ""),
		AMQPExchange: envString("BUS_AMQP_EXCHANGE", "events"),

		RedisAddr:     envString("BUS_REDIS_ADDR", ""),
		RedisPassword: envString("BUS_REDIS_PASSWORD", ""),
		RedisDB:       envInt("BUS_REDIS_DB", 0),

		DatabaseURL: envString("BUS_DATABASE_URL", ""),

		DLQAlertThreshold:       envInt("BUS_DLQ_ALERT_THRESHOLD", 10),
		ValidationRateThreshold: envFloat("BUS_VALIDATION_ERROR_RATE_THRESHOLD", 0.01),
		TransientRateThreshold:  envFloat("BUS_TRANSIENT_ERROR_RATE_THRESHOLD", 0.10),
		ProcessingTTL:           envSeconds("BUS_IDEMPOTENCY_PROCESSING_TTL_SEC", 300),
		ProcessedTTL:            envSeconds("BUS_IDEMPOTENCY_PROCESSED_TTL_SEC", 604800),
		CleanupRetentionDays:    envInt("BUS_CLEANUP_RETENTION_DAYS", 7),

		MetricsEnabled:   envBool("BUS_METRICS_ENABLED", true),
		MetricsNamespace: envString("BUS_METRICS_NAMESPACE", "busgo"),
		OpsAddr:          envString("BUS_OPS_ADDR", ":9090"),
	}

	targets, err := envJSONMap("BUS_TARGET_QUEUES")
	if err != nil {
		return nil, err
	}
	cfg.TargetQueues = targets

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the bundle for contradictions.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("BUS_SERVICE_NAME is required"))
	}
	if c.Environment == "" {
		errs = append(errs, errors.New("BUS_ENV is required"))
	}
	if c.Driver != messaging.DriverManaged && c.Driver != messaging.DriverLegacy {
		errs = append(errs, fmt.Errorf("BUS_DRIVER must be %q or %q, got %q",
			messaging.DriverManaged, messaging.DriverLegacy, c.Driver))
	}
	if (c.DualWrite || c.Driver == messaging.DriverLegacy || c.FallbackToLegacy) && c.AMQPURL == "" {
		errs = append(errs, errors.New("BUS_AMQP_URL is required when the legacy driver is in play"))
	}
	if len(c.TargetQueues) == 0 && c.DefaultQueue == "" {
		errs = append(errs, errors.New("BUS_TARGET_QUEUES or BUS_DEFAULT_QUEUE must be set"))
	}
	if c.DLQAlertThreshold < 1 {
		errs = append(errs, fmt.Errorf("BUS_DLQ_ALERT_THRESHOLD must be positive, got %d", c.DLQAlertThreshold))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("BUS_WORKERS must be positive, got %d", c.Workers))
	}
	return errors.Join(errs...)
}

func envString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envJSONMap(key string) (map[string]string, error) {
	value := os.Getenv(key)
	if value == "" {
		return nil, nil
	}
	out := make(map[string]string)
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object of event type to queue: %w", key, err)
	}
	return out, nil
}
