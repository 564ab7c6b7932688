package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
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

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BrokerConfig holds broker evaluator settings
type BrokerConfig struct {
	// WakeupList is the Redis list the event emitter pushes execution ids onto
	WakeupList string
	// IdlePoll bounds scheduling latency when no wake-up signal arrives
	IdlePoll time.Duration
	// InlineAggregationLimit is the kept-iteration count above which loop
	// aggregation is offloaded to a queue job instead of running inline
	InlineAggregationLimit int
}

// QueueConfig holds work queue settings
type QueueConfig struct {
	DefaultMaxAttempts int
	DefaultLease       time.Duration
	RetryDelay         time.Duration
	// ReapSchedule is a cron expression for the expired-lease sweeper
	ReapSchedule string
}

// WorkerConfig holds worker runtime settings
type WorkerConfig struct {
	ServerURL     string
	LeaseSeconds  int
	PollInterval  time.Duration
	ActionTimeout time.Duration
	Concurrency   int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables.
// A .env file in the working directory is merged first when present.
func Load(serviceName string) (*Config, error) {
	_ = godotenv.Load()

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
			Database:    getEnv("POSTGRES_DB", "noetl"),
			User:        getEnv("POSTGRES_USER", "noetl"),
			Password:    getEnv("POSTGRES_PASSWORD", "noetl"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Broker: BrokerConfig{
			WakeupList:             getEnv("BROKER_WAKEUP_LIST", "broker:evaluations"),
			IdlePoll:               getEnvDuration("BROKER_IDLE_POLL", 5*time.Second),
			InlineAggregationLimit: getEnvInt("BROKER_INLINE_AGGREGATION_LIMIT", 64),
		},
		Queue: QueueConfig{
			DefaultMaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
			DefaultLease:       getEnvDuration("QUEUE_DEFAULT_LEASE", 60*time.Second),
			RetryDelay:         getEnvDuration("QUEUE_RETRY_DELAY", 10*time.Second),
			ReapSchedule:       getEnv("QUEUE_REAP_SCHEDULE", "@every 30s"),
		},
		Worker: WorkerConfig{
			ServerURL:     getEnv("NOETL_SERVER_URL", "http://localhost:8080"),
			LeaseSeconds:  getEnvInt("WORKER_LEASE_SECONDS", 60),
			PollInterval:  getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			ActionTimeout: getEnvDuration("WORKER_ACTION_TIMEOUT", 5*time.Minute),
			Concurrency:   getEnvInt("WORKER_CONCURRENCY", 4),
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
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

	if c.Queue.DefaultMaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
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

// Helper functions

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
