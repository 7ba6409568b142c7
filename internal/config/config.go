// Package config provides centralized configuration loaded from environment
// variables. Shared by every beaconctl command.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/albapepper/beacon-scheduler/internal/beacon"
	"github.com/albapepper/beacon-scheduler/internal/push"
)

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// Ops HTTP server
	HTTPHost    string
	HTTPPort    int
	Environment string // development, staging, production
	LogLevel    string

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Scheduling
	CycleInterval   time.Duration
	ExpiryLookahead time.Duration
	Precision       int
	DayTimezone     string
	StageOneDelay   time.Duration
	StageTwoWindow  time.Duration

	// Push provider
	PushEndpoint          string
	PushAccessToken       string
	PushChunkSize         int
	PushRequestsPerSecond float64
	PushTimeout           time.Duration
	PushEnabled           bool

	// Distributed cycle lock
	RedisURL     string
	CycleLockTTL time.Duration

	// Early cycles on beacon activity (LISTEN beacon_activity)
	ListenEnabled  bool
	ListenDebounce time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	dbURL := envOr("DATABASE_URL", "")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	cfg := &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		HTTPHost:    envOr("HTTP_HOST", "0.0.0.0"),
		HTTPPort:    envInt("HTTP_PORT", envInt("PORT", 8080)),
		Environment: envOr("ENVIRONMENT", "development"),
		LogLevel:    envOr("LOG_LEVEL", "info"),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		CycleInterval:   envDuration("CYCLE_INTERVAL", 5*time.Minute),
		ExpiryLookahead: envDuration("EXPIRY_LOOKAHEAD", 5*time.Minute),
		Precision:       envInt("GEOHASH_PRECISION", 8),
		DayTimezone:     envOr("DAY_TIMEZONE", "UTC"),
		StageOneDelay:   envDuration("STAGE_ONE_DELAY", 2*time.Hour),
		StageTwoWindow:  envDuration("STAGE_TWO_WINDOW", 15*time.Minute),

		PushEndpoint:          envOr("PUSH_ENDPOINT", push.DefaultEndpoint),
		PushAccessToken:       envOr("PUSH_ACCESS_TOKEN", ""),
		PushChunkSize:         envInt("PUSH_CHUNK_SIZE", push.MaxMessagesPerRequest),
		PushRequestsPerSecond: envFloat("PUSH_REQUESTS_PER_SECOND", 6),
		PushTimeout:           envDuration("PUSH_TIMEOUT", 30*time.Second),
		PushEnabled:           envBool("PUSH_ENABLED", true),

		RedisURL:     envOr("REDIS_URL", ""),
		CycleLockTTL: envDuration("CYCLE_LOCK_TTL", 10*time.Minute),

		ListenEnabled:  envBool("LISTEN_ENABLED", true),
		ListenDebounce: envDuration("LISTEN_DEBOUNCE", 2*time.Second),
	}

	if cfg.CycleInterval <= 0 {
		return nil, fmt.Errorf("CYCLE_INTERVAL must be positive, got %s", cfg.CycleInterval)
	}
	if cfg.Precision < 1 || cfg.Precision > 12 {
		return nil, fmt.Errorf("GEOHASH_PRECISION must be between 1 and 12, got %d", cfg.Precision)
	}
	if cfg.PushChunkSize < 1 || cfg.PushChunkSize > push.MaxMessagesPerRequest {
		return nil, fmt.Errorf("PUSH_CHUNK_SIZE must be between 1 and %d, got %d", push.MaxMessagesPerRequest, cfg.PushChunkSize)
	}
	if _, err := time.LoadLocation(cfg.DayTimezone); err != nil {
		return nil, fmt.Errorf("DAY_TIMEZONE: %w", err)
	}
	return cfg, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Engine returns the scheduling settings for beacon.NewEngine.
func (c *Config) Engine() beacon.Settings {
	s := beacon.DefaultSettings()
	s.ExpiryLookahead = c.ExpiryLookahead
	s.Precision = c.Precision
	s.StageOneDelay = c.StageOneDelay
	s.StageTwoWindow = c.StageTwoWindow
	s.ChunkSize = c.PushChunkSize
	if loc, err := time.LoadLocation(c.DayTimezone); err == nil {
		s.DayLocation = loc
	}
	return s
}

// Push returns the push client settings.
func (c *Config) Push() push.Config {
	return push.Config{
		Endpoint:          c.PushEndpoint,
		AccessToken:       c.PushAccessToken,
		RequestsPerSecond: c.PushRequestsPerSecond,
		Timeout:           c.PushTimeout,
	}
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s", "2h") or bare seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
