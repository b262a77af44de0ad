package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the components take as constructor
// parameters. It is built once at startup and passed by reference; nothing
// reads the environment after Load returns.
type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	UpstreamURL     string
	UpstreamAPIKey  string
	UpstreamModel   string
	UpstreamTimeout time.Duration
	UpstreamRetries int
	UpstreamBackoff time.Duration

	EmbeddingURL        string
	SimilarityThreshold float64
	CacheCapacity       int
	CacheTTL            time.Duration

	RateLimitPerHour int
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),

		UpstreamURL:    getEnv("UPSTREAM_URL", "http://localhost:9000/v1/chat/completions"),
		UpstreamAPIKey: getEnv("UPSTREAM_API_KEY", ""),
		UpstreamModel:  getEnv("UPSTREAM_MODEL", "default"),

		EmbeddingURL: getEnv("EMBEDDING_URL", "http://localhost:5000"),
	}

	var err error
	if cfg.UpstreamTimeout, err = getDuration("UPSTREAM_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.UpstreamRetries, err = getInt("UPSTREAM_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.UpstreamBackoff, err = getDuration("UPSTREAM_BACKOFF", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SimilarityThreshold, err = getFloat("SIMILARITY_THRESHOLD", 0.85); err != nil {
		return nil, err
	}
	if cfg.CacheCapacity, err = getInt("CACHE_CAPACITY", 1000); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerHour, err = getInt("RATE_LIMIT_PER_HOUR", 1000); err != nil {
		return nil, err
	}

	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("SIMILARITY_THRESHOLD must be in (0, 1], got %v", cfg.SimilarityThreshold)
	}
	if cfg.CacheCapacity < 1 {
		return nil, fmt.Errorf("CACHE_CAPACITY must be positive, got %d", cfg.CacheCapacity)
	}
	if cfg.UpstreamRetries < 0 {
		return nil, fmt.Errorf("UPSTREAM_RETRIES must not be negative, got %d", cfg.UpstreamRetries)
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
