// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverKafka  = "kafka"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// WorkerID names this process as saga owner. Empty means host and pid.
	WorkerID string `env:"WORKER_ID"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`

	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://enrollment.db"`
	// AuditDBPath is the SQLite file of the saga audit log. Empty disables it.
	AuditDBPath string `env:"AUDIT_DB_PATH" envDefault:"saga_logs.db"`

	Cache CacheConfig
	Queue QueueConfig
	Saga  SagaConfig

	IdempotencyTTL         time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"2h"`
	IdempotencyFailureTTL  time.Duration `env:"IDEMPOTENCY_FAILURE_TTL" envDefault:"1m"`
	IdempotencyInFlightTTL time.Duration `env:"IDEMPOTENCY_INFLIGHT_TTL" envDefault:"5m"`
	TaskTTL                time.Duration `env:"TASK_TTL" envDefault:"24h"`

	// BreakerConfigPath points at a YAML file of per-dependency overrides.
	BreakerConfigPath string `env:"BREAKER_CONFIG"`

	Telemetry TelemetryConfig
}

type CacheConfig struct {
	Driver    string `env:"CACHE_DRIVER" envDefault:"redis"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB" envDefault:"0"`
	Namespace string `env:"CACHE_NAMESPACE" envDefault:"enrollment"`
}

type QueueConfig struct {
	Driver      string   `env:"QUEUE_DRIVER" envDefault:"kafka"`
	Brokers     []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Topic       string   `env:"KAFKA_TOPIC" envDefault:"enrollment-sagas"`
	GroupID     string   `env:"KAFKA_GROUP_ID" envDefault:"enrollment-workers"`
	Concurrency int      `env:"WORKER_CONCURRENCY" envDefault:"4"`
	// HandlerAttempts is how often a worker retries one item in place.
	HandlerAttempts int `env:"WORKER_HANDLER_ATTEMPTS" envDefault:"3"`
	// MaxRequeues caps how often an item that keeps failing is put back.
	MaxRequeues int `env:"WORKER_MAX_REQUEUES" envDefault:"5"`
	// Capacity sizes the in-memory queue.
	Capacity int `env:"QUEUE_CAPACITY" envDefault:"256"`
}

type SagaConfig struct {
	Timeout             time.Duration `env:"SAGA_TIMEOUT" envDefault:"2m"`
	Retention           time.Duration `env:"SAGA_RETENTION" envDefault:"24h"`
	LeaseTTL            time.Duration `env:"SAGA_LEASE_TTL" envDefault:"30s"`
	StepAttempts        int           `env:"STEP_MAX_ATTEMPTS" envDefault:"3"`
	CompensationTimeout time.Duration `env:"COMPENSATION_TIMEOUT" envDefault:"30s"`
	CompensationTries   int           `env:"COMPENSATION_TRIES" envDefault:"5"`
}

type TelemetryConfig struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Environment string  `env:"OTEL_RESOURCE_ATTRIBUTES_ENV" envDefault:"local"`
	SampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Cache.Driver {
	case DriverRedis, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("CACHE_DRIVER must be %q or %q, got %q", DriverRedis, DriverMemory, c.Cache.Driver))
	}
	switch c.Queue.Driver {
	case DriverKafka, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("QUEUE_DRIVER must be %q or %q, got %q", DriverKafka, DriverMemory, c.Queue.Driver))
	}
	if c.Queue.Driver == DriverKafka && len(c.Queue.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required with the kafka queue"))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.Queue.HandlerAttempts < 1 || c.Queue.MaxRequeues < 0 {
		errs = append(errs, errors.New("WORKER_HANDLER_ATTEMPTS must be at least 1 and WORKER_MAX_REQUEUES not negative"))
	}
	if c.Saga.Timeout <= 0 || c.Saga.LeaseTTL <= 0 {
		errs = append(errs, errors.New("SAGA_TIMEOUT and SAGA_LEASE_TTL must be positive"))
	}
	if c.Saga.StepAttempts < 1 || c.Saga.CompensationTries < 1 {
		errs = append(errs, errors.New("STEP_MAX_ATTEMPTS and COMPENSATION_TRIES must be at least 1"))
	}
	if c.IdempotencyFailureTTL > c.IdempotencyTTL {
		errs = append(errs, errors.New("IDEMPOTENCY_FAILURE_TTL must not exceed IDEMPOTENCY_TTL"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLE_RATIO must be within [0, 1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
