package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures everything the pipeline reads from the environment so
// main stays lean.
type Config struct {
	Addr     string
	LogLevel string

	PostgresDSN string

	Redis RedisConfig

	Queue QueueConfig

	// Workers is the number of concurrent processor goroutines per topic.
	Workers int

	// CompressionThreshold is the serialized payload size, in bytes, above
	// which payloads are compressed.
	CompressionThreshold int

	// IntegritySecret keys the tamper-detection HMAC. Required.
	IntegritySecret string

	Retention RetentionConfig

	// KafkaBrokers enables the Kafka alert publisher when non-empty;
	// otherwise alerts go to the log.
	KafkaBrokers []string
	AlertTopic   string
}

// RedisConfig configures the go-redis client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// QueueConfig bounds queue delivery behavior.
type QueueConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Lease       time.Duration
	MaxBacklog  int
}

// RetentionConfig drives the purge schedule.
type RetentionConfig struct {
	Interval     time.Duration
	RunTimeout   time.Duration
	LowMedium    time.Duration
	HighCritical time.Duration
	ArchiveDir   string
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// FromEnv builds the pipeline configuration from environment variables.
func FromEnv() Config {
	var brokers []string
	if v := os.Getenv("AUDIT_KAFKA_BROKERS"); v != "" {
		brokers = strings.Split(v, ",")
	}

	return Config{
		Addr:        envStr("AUDIT_ADDR", ":8080"),
		LogLevel:    envStr("AUDIT_LOG_LEVEL", "info"),
		PostgresDSN: envStr("AUDIT_POSTGRES_DSN", ""),
		Redis: RedisConfig{
			URL:          envStr("AUDIT_REDIS_URL", ""),
			PoolSize:     envInt("AUDIT_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("AUDIT_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("AUDIT_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("AUDIT_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("AUDIT_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Queue: QueueConfig{
			MaxAttempts: envInt("AUDIT_QUEUE_MAX_ATTEMPTS", 5),
			BackoffBase: envDuration("AUDIT_QUEUE_BACKOFF_BASE", 500*time.Millisecond),
			BackoffMax:  envDuration("AUDIT_QUEUE_BACKOFF_MAX", time.Minute),
			Lease:       envDuration("AUDIT_QUEUE_LEASE", 30*time.Second),
			MaxBacklog:  envInt("AUDIT_QUEUE_MAX_BACKLOG", 100000),
		},
		Workers:              envInt("AUDIT_WORKERS", 4),
		CompressionThreshold: envInt("AUDIT_COMPRESSION_THRESHOLD", 1024),
		IntegritySecret:      envStr("AUDIT_INTEGRITY_SECRET", ""),
		Retention: RetentionConfig{
			Interval:     envDuration("AUDIT_RETENTION_INTERVAL", 24*time.Hour),
			RunTimeout:   envDuration("AUDIT_RETENTION_RUN_TIMEOUT", time.Hour),
			LowMedium:    envDuration("AUDIT_RETENTION_LOW_MEDIUM", 365*24*time.Hour),
			HighCritical: envDuration("AUDIT_RETENTION_HIGH_CRITICAL", 730*24*time.Hour),
			ArchiveDir:   envStr("AUDIT_RETENTION_ARCHIVE_DIR", ""),
		},
		KafkaBrokers: brokers,
		AlertTopic:   envStr("AUDIT_ALERT_TOPIC", "audit.alerts"),
	}
}
