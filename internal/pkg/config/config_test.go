package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, DriverRedis, cfg.Cache.Driver)
	assert.Equal(t, DriverKafka, cfg.Queue.Driver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Queue.Brokers)
	assert.Equal(t, 2*time.Minute, cfg.Saga.Timeout)
	assert.Equal(t, 2*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, time.Minute, cfg.IdempotencyFailureTTL)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CACHE_DRIVER", "memory")
	t.Setenv("QUEUE_DRIVER", "memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("SAGA_TIMEOUT", "45s")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Cache.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Queue.Brokers)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Saga.Timeout)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"CACHE_DRIVER":            "memcached",
		"QUEUE_DRIVER":            "sqs",
		"WORKER_CONCURRENCY":      "0",
		"IDEMPOTENCY_FAILURE_TTL": "3h",
		"OTEL_SAMPLE_RATIO":       "1.5",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadRejectsUnparsableDuration(t *testing.T) {
	t.Setenv("SAGA_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
}
