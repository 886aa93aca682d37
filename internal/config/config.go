package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the hordetrack server and CLI.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Horde     HordeConfig
	Limiter   LimiterConfig
	Retention RetentionConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	APIRateLimit      int
	JobStatusCacheTTL time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// HordeConfig configures the remote generation API client.
type HordeConfig struct {
	BaseURL     string
	APIKey      string
	ClientAgent string
	Timeout     time.Duration
}

// LimiterConfig bounds outbound status polling.
type LimiterConfig struct {
	MaxRequests int
	Window      time.Duration
	Cooldown    time.Duration
	MinInterval time.Duration
}

type RetentionConfig struct {
	Window   time.Duration
	Interval time.Duration
}

type LogConfig struct {
	Level slog.Level
	File  string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("HORDETRACK_PORT", 8080),
			Env:               envString("HORDETRACK_ENV", "development"),
			APIRateLimit:      envInt("API_RATE_LIMIT_PER_MIN", 60),
			JobStatusCacheTTL: envDuration("JOB_STATUS_CACHE_TTL", 30*time.Minute),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Horde: HordeConfig{
			BaseURL:     strings.TrimRight(envString("HORDE_BASE_URL", "https://aihorde.net/api/v2"), "/"),
			APIKey:      envString("HORDE_API_KEY", "0000000000"),
			ClientAgent: envString("HORDE_CLIENT_AGENT", "hordetrack:1.0:unknown"),
			Timeout:     envDuration("HORDE_TIMEOUT", 30*time.Second),
		},
		Limiter: LimiterConfig{
			MaxRequests: envInt("LIMITER_MAX_REQUESTS", 8),
			Window:      envDuration("LIMITER_WINDOW", time.Minute),
			Cooldown:    envDuration("LIMITER_COOLDOWN", 60*time.Second),
			MinInterval: envDuration("LIMITER_MIN_INTERVAL", time.Second),
		},
		Retention: RetentionConfig{
			Window:   envDuration("RETENTION_WINDOW", 7*24*time.Hour),
			Interval: envDuration("RETENTION_INTERVAL", time.Hour),
		},
		Log: LogConfig{
			Level: parseLogLevel(envString("LOG_LEVEL", "INFO")),
			File:  os.Getenv("LOG_FILE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Horde.BaseURL, "http://") && !strings.HasPrefix(c.Horde.BaseURL, "https://") {
		return fmt.Errorf("HORDE_BASE_URL must start with http:// or https://, got %q", c.Horde.BaseURL)
	}
	if c.Limiter.MaxRequests <= 0 {
		return fmt.Errorf("LIMITER_MAX_REQUESTS must be positive, got %d", c.Limiter.MaxRequests)
	}
	if c.Limiter.Cooldown <= 0 {
		return fmt.Errorf("LIMITER_COOLDOWN must be positive, got %s", c.Limiter.Cooldown)
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("RETENTION_WINDOW must be positive, got %s", c.Retention.Window)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
