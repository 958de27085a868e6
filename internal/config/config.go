package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the boardsched server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Auth      AuthConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	Env  string
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

// SchedulerConfig tunes the matching engine and its worker pool.
type SchedulerConfig struct {
	Workers          int
	MaxClaimAttempts int
	LogDir           string
	DevicesFile      string
}

type AuthConfig struct {
	RateLimitPerMinute int
	BootstrapAdminKey  string
	BootstrapAgentKey  string
}

type LogConfig struct {
	Level  string
	Format string
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// minKeyLen matches the prefix length used to look keys up.
const minKeyLen = 8

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("BOARDSCHED_PORT", 8080),
			Env:  envString("BOARDSCHED_ENV", "development"),
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
		Scheduler: SchedulerConfig{
			Workers:          envInt("SCHED_WORKERS", 16),
			MaxClaimAttempts: envInt("SCHED_MAX_CLAIM_ATTEMPTS", 64),
			LogDir:           os.Getenv("SCHED_LOG_DIR"),
			DevicesFile:      os.Getenv("SCHED_DEVICES_FILE"),
		},
		Auth: AuthConfig{
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 600),
			BootstrapAdminKey:  os.Getenv("BOOTSTRAP_ADMIN_KEY"),
			BootstrapAgentKey:  os.Getenv("BOOTSTRAP_AGENT_KEY"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(envString("LOG_LEVEL", "info")),
			Format: strings.ToLower(envString("LOG_FORMAT", "json")),
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
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("DATABASE_MAX_OPEN_CONNS must be positive, got %d", c.Database.MaxOpenConns)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Scheduler.LogDir == "" {
		return fmt.Errorf("SCHED_LOG_DIR is required")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("SCHED_WORKERS must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.MaxClaimAttempts <= 0 {
		return fmt.Errorf("SCHED_MAX_CLAIM_ATTEMPTS must be positive, got %d", c.Scheduler.MaxClaimAttempts)
	}

	if k := c.Auth.BootstrapAdminKey; k != "" && len(k) < minKeyLen {
		return fmt.Errorf("BOOTSTRAP_ADMIN_KEY must be at least %d characters", minKeyLen)
	}
	if k := c.Auth.BootstrapAgentKey; k != "" && len(k) < minKeyLen {
		return fmt.Errorf("BOOTSTRAP_AGENT_KEY must be at least %d characters", minKeyLen)
	}

	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of json, text; got %q", c.Log.Format)
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
