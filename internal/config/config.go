// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Relay: port, KV path, session/queue TTLs, stream timings
//   - RateLimit: per-endpoint request caps and window
//   - Worker: relay base URL, reconnect policy, executor and poster knobs
//
// The environment variables and their defaults are read in Load,
// LoadRateLimit and LoadWorker below.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RelayConfig holds the relay HTTP server's operational parameters.
type RelayConfig struct {
	Port              string
	DBPath            string
	SessionTTL        time.Duration // default 3600s
	QueueTTL          time.Duration // default 3600s, req/res list TTL
	HeartbeatInterval time.Duration // default 30s
	DrainTick         time.Duration // default 1s
	StreamDeadline    time.Duration // default 600s
	ShutdownGrace     time.Duration
}

// RateLimitConfig holds the relay's per-endpoint sliding-window caps.
// All windows share the same duration; only the caps differ per endpoint.
type RateLimitConfig struct {
	Window          time.Duration // default 60s
	SessionsPerIP   int           // default 30
	RequestsPerCode int           // default 60
	ResponsesPerCode int          // default 60
}

// ReconnectConfig controls the Subscriber's backoff and failover policy.
type ReconnectConfig struct {
	BaseDelay         time.Duration // default 500ms
	Factor            float64       // default 2
	CapDelay          time.Duration // default 30s
	Jitter            float64       // default 0.2 (±20%)
	MaxFailures       int           // default 5, before switching to polling
	HeartbeatTimeout  time.Duration // default 60s (2x heartbeat interval)
	PollInterval      time.Duration // default 1s
	StreamRetryPeriod time.Duration // default 30s, how often polling retries /stream
	DedupSetSize      int           // default 512
}

// ExecutorConfig controls the Executor's per-tool invocation timing.
type ExecutorConfig struct {
	InvocationTimeout time.Duration // default 30s
}

// PosterConfig controls the Poster's retry, rate, and batching behavior.
type PosterConfig struct {
	MaxAttempts    int           // default 6
	BaseDelay      time.Duration // default 500ms
	Factor         float64       // default 2
	CapDelay       time.Duration // default 30s
	RateCapPerMin  int           // default 60
	BatchSize      int           // default 10
	BatchWindow    time.Duration // default 50ms
}

// SupervisorConfig controls circuit breaker and status-subscription timing.
type SupervisorConfig struct {
	FailureThreshold int           // default 5
	FailureWindow    time.Duration // default 30s
	OpenCooldown     time.Duration // default 15s
	StatusAddr       string        // coder/websocket status endpoint bind address
	HeartbeatEvery   time.Duration // default 5s
}

// WorkerConfig holds all worker-side configuration.
type WorkerConfig struct {
	RelayBaseURL string
	SessionCode  string
	Debug        bool
	Reconnect    ReconnectConfig
	Executor     ExecutorConfig
	Poster       PosterConfig
	Supervisor   SupervisorConfig
}

// Load reads relay configuration from environment variables.
func Load() (*RelayConfig, error) {
	cfg := &RelayConfig{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/relay.db"),
		SessionTTL:        getEnvDuration("RELAY_SESSION_TTL", 3600*time.Second),
		QueueTTL:          getEnvDuration("RELAY_QUEUE_TTL", 3600*time.Second),
		HeartbeatInterval: getEnvDuration("RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
		DrainTick:         getEnvDuration("RELAY_DRAIN_TICK", time.Second),
		StreamDeadline:    getEnvDuration("RELAY_STREAM_DEADLINE", 600*time.Second),
		ShutdownGrace:     getEnvDuration("RELAY_SHUTDOWN_GRACE", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *RelayConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("RELAY_SESSION_TTL must be > 0")
	}
	if c.StreamDeadline <= 0 {
		return fmt.Errorf("RELAY_STREAM_DEADLINE must be > 0")
	}
	return nil
}

// LoadRateLimit reads rate-limit configuration from environment variables.
func LoadRateLimit() RateLimitConfig {
	return RateLimitConfig{
		Window:           getEnvDuration("RELAY_RATE_LIMIT_WINDOW", 60*time.Second),
		SessionsPerIP:    getEnvInt("RELAY_RATE_LIMIT_SESSIONS", 30),
		RequestsPerCode:  getEnvInt("RELAY_RATE_LIMIT_REQUESTS", 60),
		ResponsesPerCode: getEnvInt("RELAY_RATE_LIMIT_RESPONSES", 60),
	}
}

// LoadWorker reads worker configuration from environment variables.
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		RelayBaseURL: getEnv("WORKER_RELAY_BASE_URL", "http://localhost:8080"),
		SessionCode:  getEnv("WORKER_SESSION_CODE", ""),
		Debug:        getEnvBool("WORKER_DEBUG", false),
		Reconnect: ReconnectConfig{
			BaseDelay:         getEnvDuration("WORKER_RECONNECT_BASE", 500*time.Millisecond),
			Factor:            2,
			CapDelay:          getEnvDuration("WORKER_RECONNECT_CAP", 30*time.Second),
			Jitter:            0.2,
			MaxFailures:       getEnvInt("WORKER_RECONNECT_MAX_FAILURES", 5),
			HeartbeatTimeout:  getEnvDuration("WORKER_HEARTBEAT_TIMEOUT", 60*time.Second),
			PollInterval:      getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
			StreamRetryPeriod: getEnvDuration("WORKER_STREAM_RETRY_PERIOD", 30*time.Second),
			DedupSetSize:      getEnvInt("WORKER_DEDUP_SET_SIZE", 512),
		},
		Executor: ExecutorConfig{
			InvocationTimeout: getEnvDuration("WORKER_INVOCATION_TIMEOUT", 30*time.Second),
		},
		Poster: PosterConfig{
			MaxAttempts:   getEnvInt("WORKER_POSTER_MAX_ATTEMPTS", 6),
			BaseDelay:     500 * time.Millisecond,
			Factor:        2,
			CapDelay:      30 * time.Second,
			RateCapPerMin: getEnvInt("WORKER_POSTER_RATE_CAP", 60),
			BatchSize:     getEnvInt("WORKER_POSTER_BATCH_SIZE", 10),
			BatchWindow:   getEnvDuration("WORKER_POSTER_BATCH_WINDOW", 50*time.Millisecond),
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: getEnvInt("WORKER_CIRCUIT_FAILURE_THRESHOLD", 5),
			FailureWindow:    getEnvDuration("WORKER_CIRCUIT_FAILURE_WINDOW", 30*time.Second),
			OpenCooldown:     getEnvDuration("WORKER_CIRCUIT_OPEN_COOLDOWN", 15*time.Second),
			StatusAddr:       getEnv("WORKER_STATUS_ADDR", ":8081"),
			HeartbeatEvery:   getEnvDuration("WORKER_STATUS_HEARTBEAT", 5*time.Second),
		},
	}

	if cfg.RelayBaseURL == "" {
		return nil, fmt.Errorf("WORKER_RELAY_BASE_URL cannot be empty")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
