package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	// DatabaseURL selects the Postgres progress store when set; the service
	// falls back to the in-memory store when empty.
	DatabaseURL string

	WorkerCount   int
	QueueCapacity int
	MaxBatchSize  int

	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	ItemTimeout time.Duration

	// MinSuccessPercent below which a finished batch is reported as failed
	// rather than completed. Zero keeps partial failures on the completed
	// path.
	MinSuccessPercent int

	RetentionTTL  time.Duration
	ReapInterval  time.Duration
	StreamIdle    time.Duration
	StreamMaxAge  time.Duration
	SubscriberBuf int

	ProviderAPIKey  string
	ProviderBaseURL string
	ProviderModel   string
	ProviderPoll    time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		WorkerCount:   getEnvInt("WORKER_COUNT", 8),
		QueueCapacity: getEnvInt("QUEUE_CAPACITY", 1024),
		MaxBatchSize:  getEnvInt("MAX_BATCH_SIZE", 50),

		MaxAttempts: getEnvInt("MAX_ATTEMPTS", 4),
		RetryBase:   time.Millisecond * time.Duration(getEnvInt("RETRY_BASE_MS", 500)),
		RetryMax:    time.Millisecond * time.Duration(getEnvInt("RETRY_MAX_MS", 30000)),
		ItemTimeout: time.Second * time.Duration(getEnvInt("ITEM_TIMEOUT_SECONDS", 180)),

		MinSuccessPercent: getEnvInt("MIN_SUCCESS_PERCENT", 0),

		RetentionTTL:  time.Minute * time.Duration(getEnvInt("RETENTION_TTL_MINUTES", 240)),
		ReapInterval:  time.Minute * time.Duration(getEnvInt("REAP_INTERVAL_MINUTES", 10)),
		StreamIdle:    time.Second * time.Duration(getEnvInt("STREAM_IDLE_SECONDS", 120)),
		StreamMaxAge:  time.Minute * time.Duration(getEnvInt("STREAM_MAX_AGE_MINUTES", 60)),
		SubscriberBuf: getEnvInt("SUBSCRIBER_BUFFER", 256),

		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "https://api.generation.example.com/v1"),
		ProviderModel:   getEnv("PROVIDER_MODEL", "render-large"),
		ProviderPoll:    time.Millisecond * time.Duration(getEnvInt("PROVIDER_POLL_MS", 1500)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
	}

	if cfg.WorkerCount <= 0 {
		return nil, fmt.Errorf("WORKER_COUNT must be positive")
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be positive")
	}
	if cfg.MinSuccessPercent < 0 || cfg.MinSuccessPercent > 100 {
		return nil, fmt.Errorf("MIN_SUCCESS_PERCENT must be within 0..100")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
