package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env      string
	HTTPPort string
	LogLevel string

	// OpenTelemetry (traces)
	OTELExporterOTLPEndpoint string
	OTELServiceName          string

	RedisURL       string
	StoreOpTimeout time.Duration
	TaskTTL        time.Duration

	NATSURL          string
	NATSStreamName   string
	NATSConsumerName string

	WorkerPollTimeout time.Duration
	WorkerConcurrency int
	WorkerMaxAttempts int
	WorkerMetricsPort int
	WorkerBackoffBase time.Duration
	WorkerBackoffMax  time.Duration

	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookBackoffBase time.Duration
	WebhookWorkers     int
	WebhookQueueSize   int
}

func Load() *Config {
	return &Config{
		Env:      getEnv("ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		OTELExporterOTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELServiceName:          getEnv("OTEL_SERVICE_NAME", ""),

		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		StoreOpTimeout: getEnvAsDuration("STORE_OP_TIMEOUT", 5*time.Second),
		TaskTTL:        getEnvAsDuration("TASK_TTL", 24*time.Hour),

		NATSURL:          getEnv("NATS_URL", "nats://localhost:4222"),
		NATSStreamName:   getEnv("NATS_STREAM_NAME", "TASKPULSE"),
		NATSConsumerName: getEnv("NATS_CONSUMER_NAME", "taskpulse-worker"),

		WorkerPollTimeout: getEnvAsDuration("WORKER_POLL_TIMEOUT", 2*time.Second),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 10),
		WorkerMaxAttempts: getEnvAsInt("WORKER_MAX_ATTEMPTS", 5),
		WorkerMetricsPort: getEnvAsInt("WORKER_METRICS_PORT", 9091),
		WorkerBackoffBase: getEnvAsDuration("WORKER_BACKOFF_BASE", 500*time.Millisecond),
		WorkerBackoffMax:  getEnvAsDuration("WORKER_BACKOFF_MAX", 10*time.Second),

		WebhookTimeout:     getEnvAsDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookMaxAttempts: getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 3),
		WebhookBackoffBase: getEnvAsDuration("WEBHOOK_BACKOFF_BASE", time.Second),
		WebhookWorkers:     getEnvAsInt("WEBHOOK_WORKERS", 4),
		WebhookQueueSize:   getEnvAsInt("WEBHOOK_QUEUE_SIZE", 256),
	}
}

func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.TaskTTL <= 0 {
		return fmt.Errorf("TASK_TTL must be > 0")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required")
	}
	if c.NATSStreamName == "" {
		return fmt.Errorf("NATS_STREAM_NAME is required")
	}
	if c.NATSConsumerName == "" {
		return fmt.Errorf("NATS_CONSUMER_NAME is required")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	if c.WorkerMaxAttempts < 1 || c.WorkerMaxAttempts > 100 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be 1..100")
	}
	if c.WebhookMaxAttempts < 1 || c.WebhookMaxAttempts > 10 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be 1..10")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be > 0")
	}
	if c.WebhookBackoffBase <= 0 {
		return fmt.Errorf("WEBHOOK_BACKOFF_BASE must be > 0")
	}
	if c.WebhookWorkers < 1 {
		return fmt.Errorf("WEBHOOK_WORKERS must be >= 1")
	}

	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
