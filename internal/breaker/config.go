package breaker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Dependency names used across the coordination layer.
const (
	Database   = "database"
	Cache      = "cache"
	Downstream = "downstream"
)

// Config holds the per-dependency thresholds.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	SuccessThreshold int           `json:"success_threshold"`
	CallTimeout      time.Duration `json:"call_timeout"`
	// HalfOpenMaxCalls limits concurrent trial calls while HALF_OPEN.
	HalfOpenMaxCalls int `json:"half_open_max_calls"`
}

// DefaultConfig applies to dependencies without an explicit entry.
var DefaultConfig = Config{
	FailureThreshold: 5,
	RecoveryTimeout:  60 * time.Second,
	SuccessThreshold: 3,
	CallTimeout:      10 * time.Second,
}

// DefaultConfigs returns the thresholds tuned per dependency kind.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		Database: {
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
			CallTimeout:      15 * time.Second,
		},
		Cache: {
			FailureThreshold: 5,
			RecoveryTimeout:  10 * time.Second,
			SuccessThreshold: 3,
			CallTimeout:      5 * time.Second,
		},
		Downstream: {
			FailureThreshold: 3,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 2,
			CallTimeout:      30 * time.Second,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultConfig.CallTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = c.SuccessThreshold
	}
	return c
}

type fileEntry struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	SuccessThreshold       int `yaml:"success_threshold"`
	CallTimeoutSeconds     int `yaml:"call_timeout_seconds"`
	HalfOpenMaxCalls       int `yaml:"half_open_max_calls"`
}

// LoadConfigs reads per-dependency overrides from a YAML file and merges
// them over DefaultConfigs. Fields left at zero keep the default.
func LoadConfigs(path string) (map[string]Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("breaker: read config %q: %w", path, err)
	}
	return ParseConfigs(raw)
}

// ParseConfigs is LoadConfigs over an in-memory document.
func ParseConfigs(raw []byte) (map[string]Config, error) {
	var entries map[string]fileEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("breaker: parse config: %w", err)
	}

	out := DefaultConfigs()
	for name, e := range entries {
		c, ok := out[name]
		if !ok {
			c = DefaultConfig
		}
		if e.FailureThreshold > 0 {
			c.FailureThreshold = e.FailureThreshold
		}
		if e.RecoveryTimeoutSeconds > 0 {
			c.RecoveryTimeout = time.Duration(e.RecoveryTimeoutSeconds) * time.Second
		}
		if e.SuccessThreshold > 0 {
			c.SuccessThreshold = e.SuccessThreshold
		}
		if e.CallTimeoutSeconds > 0 {
			c.CallTimeout = time.Duration(e.CallTimeoutSeconds) * time.Second
		}
		if e.HalfOpenMaxCalls > 0 {
			c.HalfOpenMaxCalls = e.HalfOpenMaxCalls
		}
		out[name] = c
	}
	return out, nil
}
