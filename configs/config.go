package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds every configuration knob enumerated in the job queue and
// pipeline engine's external interface, plus the ambient infra knobs
// (storage, coordination, auth, observability) that wrap them.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost string
	RedisPort string

	EtcdEndpoints     []string
	LeaderElectionTTL int
	LeaderElectionKey string

	APIPort string

	// Job queue
	ConcurrencyGlobal     int
	ConcurrencyPerType    map[string]int
	ConcurrencyPerSession int
	TimeoutDefaultMs      int64
	TimeoutPerTypeMs      map[string]int64
	RetryMaxAttempts      int
	RetryInitialBackoffMs int64
	RetryMaxBackoffMs     int64
	RetryBackoffMultiplier float64
	CleanupCompletedRetentionHours int
	CleanupFailedRetentionHours    int
	WorkerPollIntervalMs    int64
	WorkerShutdownTimeoutMs int64

	// Auth settings
	JWTSecret   string
	JWTIssuer   string
	AuthEnabled bool

	// Observability
	OTLPEndpoint   string
	TracingEnabled bool

	// Optional large-log archival to S3
	S3LogBucket string
	S3Region    string
}

func LoadConfig() *Config {
	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "orchestrator"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "orchestrator"),

		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnv("REDIS_PORT", "6379"),

		EtcdEndpoints:     splitCSV(getEnv("ETCD_ENDPOINTS", "localhost:2379")),
		LeaderElectionTTL: getEnvAsInt("LEADER_ELECTION_TTL", 15),
		LeaderElectionKey: getEnv("LEADER_ELECTION_KEY", "/orchestrator/leader"),

		APIPort: getEnv("API_PORT", "8080"),

		ConcurrencyGlobal:     getEnvAsInt("CONCURRENCY_GLOBAL", 20),
		ConcurrencyPerType:    getEnvAsIntMap("CONCURRENCY_PER_TYPE"),
		ConcurrencyPerSession: getEnvAsInt("CONCURRENCY_PER_SESSION", 5),
		TimeoutDefaultMs:      getEnvAsInt64("TIMEOUT_DEFAULT_MS", 5*60*1000),
		TimeoutPerTypeMs:      getEnvAsInt64Map("TIMEOUT_PER_TYPE_MS"),
		RetryMaxAttempts:       getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialBackoffMs:  getEnvAsInt64("RETRY_INITIAL_BACKOFF_MS", 1000),
		RetryMaxBackoffMs:      getEnvAsInt64("RETRY_MAX_BACKOFF_MS", 60000),
		RetryBackoffMultiplier: getEnvAsFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
		CleanupCompletedRetentionHours: getEnvAsInt("CLEANUP_COMPLETED_RETENTION_HOURS", 24),
		CleanupFailedRetentionHours:    getEnvAsInt("CLEANUP_FAILED_RETENTION_HOURS", 168),
		WorkerPollIntervalMs:    getEnvAsInt64("WORKER_POLL_INTERVAL_MS", 500),
		WorkerShutdownTimeoutMs: getEnvAsInt64("WORKER_SHUTDOWN_TIMEOUT_MS", 30000),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "orchestrator"),
		AuthEnabled: getEnvAsBool("AUTH_ENABLED", false),

		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", ""),
		TracingEnabled: getEnvAsBool("TRACING_ENABLED", false),

		S3LogBucket: getEnv("S3_LOG_BUCKET", ""),
		S3Region:    getEnv("AWS_REGION", "us-east-1"),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) int64 {
	if value, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// getEnvAsIntMap parses "typeA=3,typeB=1" into {"typeA":3,"typeB":1}; used
// for concurrency.perType.
func getEnvAsIntMap(key string) map[string]int {
	raw := getEnv(key, "")
	if raw == "" {
		return map[string]int{}
	}
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			out[strings.TrimSpace(k)] = n
		}
	}
	return out
}

func getEnvAsInt64Map(key string) map[string]int64 {
	raw := getEnv(key, "")
	if raw == "" {
		return map[string]int64{}
	}
	out := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			out[strings.TrimSpace(k)] = n
		}
	}
	return out
}
