package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration.
type Config struct {
	Service     ServiceConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Queue       QueueConfig
	Cache       CacheConfig
	Telemetry   TelemetryConfig
	Features    FeatureFlags
	Coordinator CoordinatorConfig
}

// QueueConfig selects the Components.Queue backend.
type QueueConfig struct {
	Type string // "memory" (default) or "kafka" (not yet implemented)
}

// CacheConfig selects the Components.Cache backend.
type CacheConfig struct {
	Enabled bool
	SizeMB  int
}

// CoordinatorConfig holds the Run Actor's own tunables (spec §9, §10):
// snapshot rate-limiting, fan-out bound, and subscriber back-pressure.
type CoordinatorConfig struct {
	SnapshotMinWrites     int
	SnapshotMinIntervalMs int
	MaxFanout             int
	SubscriberBufferSize  int
}

// ServiceConfig holds service-specific settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings for the Resource
// Service (definitions, runs, events).
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds settings for the optional distributed token counter
// fast-path (spec §4.3); the coordinator runs correctly without Redis, in
// which case the Token Manager falls back to its in-memory count.
type RedisConfig struct {
	Enabled bool
	Addr    string
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	EnablePprof    bool
	PprofPort      int
	EnableTracing  bool
	EnableMetrics  bool
	MetricsPort    int
	TracingBackend string
}

// FeatureFlags for coordinator-level toggles.
type FeatureFlags struct {
	EnableHTTPActions    bool
	EnableCounterFastPath bool
	EnableEventHub       bool
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "wonder_coordinator"),
			User:        getEnv("POSTGRES_USER", "wonder_coordinator"),
			Password:    getEnv("POSTGRES_PASSWORD", "wonder_coordinator"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Enabled: getEnvBool("REDIS_ENABLED", false),
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:    getEnvBool("ENABLE_PPROF", true),
			PprofPort:      getEnvInt("PPROF_PORT", 6060),
			EnableTracing:  getEnvBool("ENABLE_TRACING", false),
			EnableMetrics:  getEnvBool("ENABLE_METRICS", true),
			MetricsPort:    getEnvInt("METRICS_PORT", 9090),
			TracingBackend: getEnv("TRACING_BACKEND", "stdout"),
		},
		Features: FeatureFlags{
			EnableHTTPActions:     getEnvBool("ENABLE_HTTP_ACTIONS", true),
			EnableCounterFastPath: getEnvBool("ENABLE_COUNTER_FAST_PATH", false),
			EnableEventHub:        getEnvBool("ENABLE_EVENT_HUB", true),
		},
		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "memory"),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("CACHE_ENABLED", true),
			SizeMB:  getEnvInt("CACHE_SIZE_MB", 64),
		},
		Coordinator: CoordinatorConfig{
			SnapshotMinWrites:     getEnvInt("SNAPSHOT_MIN_WRITES", 5),
			SnapshotMinIntervalMs: getEnvInt("SNAPSHOT_MIN_INTERVAL_MS", 1000),
			MaxFanout:             getEnvInt("MAX_FANOUT", 1000),
			SubscriberBufferSize:  getEnvInt("SUBSCRIBER_BUFFER_SIZE", 256),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
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
