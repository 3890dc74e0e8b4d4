// Package config is the env-var driven configuration surface, loaded once
// at process start in cmd/.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable read at process start. Each field has an
// explicit default so the process runs without any environment set.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	// OrchestrationTimeout bounds a single Start..terminal-state run (C9).
	OrchestrationTimeout time.Duration

	// EmergencyStop, when true, makes killswitch checks fail closed for
	// every tenant regardless of per-tenant kill state.
	EmergencyStop bool

	// SLOSampleRate is the fraction of executions that emit a full SLO
	// trace span (C8 observability); default keeps overhead low in
	// high-volume deployments.
	SLOSampleRate float64

	// BreakerFailureThreshold and BreakerOpenDuration configure the
	// per-connector circuit breaker (C8).
	BreakerFailureThreshold int
	BreakerOpenDuration     time.Duration

	// ConnectorConcurrency caps in-flight calls per connector (C8) when
	// no per-connector override is registered.
	ConnectorConcurrency int

	// OutcomeRetention and DedupeRetention are loaded from the environment
	// but no component reads them: the C6 outcome and C4 dedupe TTLs come
	// from the outcome.Retention (90 days) and idempotency.DedupeRetention
	// (7 days) constants.
	OutcomeRetention time.Duration
	DedupeRetention  time.Duration

	// AttemptTTLBuffer is loaded from the environment but no component
	// reads it: the execution attempt's lock TTL (C5) is padded by the
	// executionlock.AttemptTTLBuffer constant (15 minutes).
	AttemptTTLBuffer time.Duration

	// RegistrySeedPath, if set, is loaded at startup via LoadRegistrySeed
	// and registered into the action-type registry (C3) before serving.
	RegistrySeedPath string

	// ToolGatewayURL is the external tool gateway MapActionToTool addresses
	// (out of scope to implement; see SPEC_FULL.md §1).
	ToolGatewayURL string
}

func Load() *Config {
	return &Config{
		Port:                    getEnv("PORT", "8080"),
		LogLevel:                getEnv("LOG_LEVEL", "INFO"),
		DatabaseURL:             getEnv("DATABASE_URL", "postgres://actionexec@localhost:5432/actionexec?sslmode=disable"),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379/0"),
		OrchestrationTimeout:    getEnvDuration("ORCHESTRATION_TIMEOUT", time.Hour),
		EmergencyStop:           getEnvBool("EMERGENCY_STOP", false),
		SLOSampleRate:           getEnvFloat("SLO_SAMPLE_RATE", 0.01),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenDuration:     getEnvDuration("BREAKER_OPEN_DURATION", 30*time.Second),
		ConnectorConcurrency:    getEnvInt("CONNECTOR_CONCURRENCY", 10),
		OutcomeRetention:        getEnvDuration("OUTCOME_RETENTION", 90*24*time.Hour),
		DedupeRetention:         getEnvDuration("DEDUPE_RETENTION", 7*24*time.Hour),
		AttemptTTLBuffer:        getEnvDuration("ATTEMPT_TTL_BUFFER", 15*time.Minute),
		RegistrySeedPath:        getEnv("REGISTRY_SEED_PATH", ""),
		ToolGatewayURL:          getEnv("TOOL_GATEWAY_URL", "http://localhost:9090"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
