// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. Every knob the core subsystems
// treat as tunable lives here; defaults match the documented behavior so a
// zero-env process is fully functional.
type Config struct {
	// HTTP client
	UserAgent      string
	FetchTimeout   time.Duration // per plain-HTTP fetch
	RenderTimeout  time.Duration // ceiling for rendered fetches
	RetryAttempts  int           // total attempts on 5xx / network errors
	RetryBaseDelay time.Duration // first backoff step

	// SSRF
	AllowedHosts []string // hostnames exempt from address checks

	// Rate limiter
	RateLimitEnabled    bool
	RateLimitCapacity   float64       // tokens per bucket
	RateLimitRefillRate float64       // tokens/sec when robots gives no crawl-delay
	RateLimitTick       time.Duration // waiter drain interval

	// Robots
	RobotsTTL       time.Duration
	RobotsUserAgent string

	// Content cache
	CacheTTL     time.Duration
	CacheLRUSize int

	// Shared store (S3-compatible, optional; empty endpoint disables it)
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageRegion    string

	// Distiller
	GuardMinParagraphs    int
	GuardMinContentLength int
	GuardMinWords         int
	ExtractorTimeout      time.Duration // fence for llm / external-library extractors

	// LLM extractor (optional; empty base URL disables it)
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// Pipeline
	MaxNodes int // node events per stream before truncation

	// Crawler
	CrawlMaxDepthCeiling int
	CrawlConcurrency     int
	CrawlMaxPages        int

	// Job queue
	QueueConcurrency    int
	QueueTick           time.Duration
	JobDefaultTimeout   time.Duration
	JobRetentionLimit   int // terminal jobs kept before eviction
	WebhookTimeout      time.Duration
	WebhookRetryDelay   time.Duration
	ShutdownGracePeriod time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		UserAgent:      getEnv("USER_AGENT", "Distil/1.0 (+https://github.com/jmylchreest/distil)"),
		FetchTimeout:   getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		RenderTimeout:  getEnvDuration("RENDER_TIMEOUT", 90*time.Second),
		RetryAttempts:  getEnvInt("FETCH_RETRY_ATTEMPTS", 3),
		RetryBaseDelay: getEnvDuration("FETCH_RETRY_BASE_DELAY", 500*time.Millisecond),

		AllowedHosts: getEnvSlice("SSRF_ALLOWED_HOSTS", nil),

		RateLimitEnabled:    getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitCapacity:   getEnvFloat("RATE_LIMIT_CAPACITY", 1),
		RateLimitRefillRate: getEnvFloat("RATE_LIMIT_REFILL_RATE", 2),
		RateLimitTick:       getEnvDuration("RATE_LIMIT_TICK", 100*time.Millisecond),

		RobotsTTL:       getEnvDuration("ROBOTS_TTL", 1*time.Hour),
		RobotsUserAgent: getEnv("ROBOTS_USER_AGENT", "distil"),

		CacheTTL:     getEnvDuration("CACHE_TTL", 15*time.Minute),
		CacheLRUSize: getEnvInt("CACHE_LRU_SIZE", 256),

		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnv("BUCKET_NAME", ""),
		StorageRegion:    getEnv("AWS_REGION", "auto"),

		GuardMinParagraphs:    getEnvInt("GUARD_MIN_PARAGRAPHS", 3),
		GuardMinContentLength: getEnvInt("GUARD_MIN_CONTENT_LENGTH", 300),
		GuardMinWords:         getEnvInt("GUARD_MIN_WORDS", 80),
		ExtractorTimeout:      getEnvDuration("EXTRACTOR_TIMEOUT", 20*time.Second),

		LLMBaseURL: getEnv("LLM_BASE_URL", ""),
		LLMAPIKey:  getEnv("LLM_API_KEY", ""),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),

		MaxNodes: getEnvInt("PIPELINE_MAX_NODES", 200),

		CrawlMaxDepthCeiling: getEnvInt("CRAWL_MAX_DEPTH_CEILING", 10),
		CrawlConcurrency:     getEnvInt("CRAWL_CONCURRENCY", 3),
		CrawlMaxPages:        getEnvInt("CRAWL_MAX_PAGES", 50),

		QueueConcurrency:    getEnvInt("QUEUE_CONCURRENCY", 3),
		QueueTick:           getEnvDuration("QUEUE_TICK", 250*time.Millisecond),
		JobDefaultTimeout:   getEnvDuration("JOB_DEFAULT_TIMEOUT", 5*time.Minute),
		JobRetentionLimit:   getEnvInt("JOB_RETENTION_LIMIT", 100),
		WebhookTimeout:      getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookRetryDelay:   getEnvDuration("WEBHOOK_RETRY_DELAY", 1*time.Second),
		ShutdownGracePeriod: getEnvDuration("SHUTDOWN_GRACE_PERIOD", 5*time.Minute),
	}

	if cfg.RateLimitCapacity <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_CAPACITY must be positive")
	}
	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("FETCH_RETRY_ATTEMPTS must be at least 1")
	}
	if cfg.CacheLRUSize < 1 {
		return nil, fmt.Errorf("CACHE_LRU_SIZE must be at least 1")
	}

	return cfg, nil
}

// StorageEnabled returns true if the shared store is configured.
func (c *Config) StorageEnabled() bool {
	return c.StorageBucket != "" && c.StorageEndpoint != ""
}

// LLMEnabled returns true if the optional LLM extractor is configured.
func (c *Config) LLMEnabled() bool {
	return c.LLMBaseURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
