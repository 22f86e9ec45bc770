// Package config provides configuration management for the station recovery service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Telemetry TelemetryConfig
	Device    DeviceConfig
	Recovery  RecoveryConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        string
	Host        string
	MetricsPort string // worker health and metrics listener
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration.
// When disabled, device API calls are not logged.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration.
// When disabled, device tokens live in memory and no tick lease is taken.
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// StorageConfig selects the record store
type StorageConfig struct {
	Backend string // postgres or memory
}

// TelemetryConfig holds the station telemetry feed configuration
type TelemetryConfig struct {
	BaseURL   string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
	PageSize  int
}

// DeviceConfig holds the relay vendor API configuration
type DeviceConfig struct {
	BaseURL           string
	AppID             string
	AccessToken       string
	RefreshToken      string
	Timeout           time.Duration
	RequestsPerSecond float64
	CallAttempts      int           // inner retry attempts per control call (default: 5)
	CallRetryDelay    time.Duration // delay between inner attempts (default: 2s)
	CallBudget        int           // vendor calls per budget window across processes, 0 disables
	CallBudgetReserve int           // share of CallBudget held for automated recovery
	CallBudgetWindow  time.Duration
}

// RecoveryConfig holds the recovery orchestration tuning values
type RecoveryConfig struct {
	TickInterval          time.Duration
	DirectorySyncInterval time.Duration
	OfflineThreshold      time.Duration
	DegradedThreshold     time.Duration
	VerificationWindow    time.Duration
	PowerSettleDelay      time.Duration
	KickHoldDelay         time.Duration
	MaxRetries            int
	FastBackoff           []time.Duration
	SlowBackoff           []time.Duration
	FastFallback          time.Duration
	SlowFallback          time.Duration
	MaxConcurrentJobs     int // 0 means unbounded
	ManualEnqueueDelay    time.Duration
	StaleJobAfter         time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Default backoff tables in minutes
var (
	DefaultFastBackoff = []time.Duration{2 * time.Minute, 2 * time.Minute, 3 * time.Minute, 5 * time.Minute, 10 * time.Minute, 20 * time.Minute}
	DefaultSlowBackoff = []time.Duration{3 * time.Minute, 3 * time.Minute, 5 * time.Minute, 10 * time.Minute, 60 * time.Minute, 120 * time.Minute}
)

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			MetricsPort: getEnv("METRICS_PORT", "9090"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "station_recovery"),
				User:           getEnv("POSTGRES_USER", "recovery"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "station_recovery"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendPostgres)),
		},
		Telemetry: TelemetryConfig{
			BaseURL:   getEnv("TELEMETRY_BASE_URL", ""),
			AccessKey: getEnv("TELEMETRY_ACCESS_KEY", ""),
			SecretKey: getEnv("TELEMETRY_SECRET_KEY", ""),
			Timeout:   getEnvAsDuration("TELEMETRY_TIMEOUT", 15*time.Second),
			PageSize:  getEnvAsInt("TELEMETRY_PAGE_SIZE", 9999),
		},
		Device: DeviceConfig{
			BaseURL:           getEnv("DEVICE_API_BASE_URL", ""),
			AppID:             getEnv("DEVICE_APP_ID", ""),
			AccessToken:       getEnv("DEVICE_ACCESS_TOKEN", ""),
			RefreshToken:      getEnv("DEVICE_REFRESH_TOKEN", ""),
			Timeout:           getEnvAsDuration("DEVICE_TIMEOUT", 15*time.Second),
			RequestsPerSecond: getEnvAsFloat("DEVICE_REQUESTS_PER_SECOND", 5),
			CallAttempts:      getEnvAsInt("DEVICE_CALL_ATTEMPTS", 5),
			CallRetryDelay:    getEnvAsDuration("DEVICE_CALL_RETRY_DELAY", 2*time.Second),
			CallBudget:        getEnvAsInt("DEVICE_CALL_BUDGET", 0),
			CallBudgetReserve: getEnvAsInt("DEVICE_CALL_BUDGET_RESERVE", 0),
			CallBudgetWindow:  getEnvAsDuration("DEVICE_CALL_BUDGET_WINDOW", time.Hour),
		},
		Recovery: RecoveryConfig{
			TickInterval:          getEnvAsDuration("RECOVERY_TICK_INTERVAL", 5*time.Second),
			DirectorySyncInterval: getEnvAsDuration("DIRECTORY_SYNC_INTERVAL", time.Hour),
			OfflineThreshold:      getEnvAsDuration("OFFLINE_THRESHOLD", 30*time.Second),
			DegradedThreshold:     getEnvAsDuration("DEGRADED_THRESHOLD", 300*time.Second),
			VerificationWindow:    getEnvAsDuration("VERIFICATION_WINDOW", 90*time.Second),
			PowerSettleDelay:      getEnvAsDuration("POWER_SETTLE_DELAY", 10*time.Second),
			KickHoldDelay:         getEnvAsDuration("KICK_HOLD_DELAY", 5*time.Second),
			MaxRetries:            getEnvAsInt("MAX_RETRIES", 6),
			FastBackoff:           getEnvAsDurationList("BACKOFF_FAST", DefaultFastBackoff),
			SlowBackoff:           getEnvAsDurationList("BACKOFF_SLOW", DefaultSlowBackoff),
			FastFallback:          getEnvAsDuration("BACKOFF_FAST_FALLBACK", 30*time.Minute),
			SlowFallback:          getEnvAsDuration("BACKOFF_SLOW_FALLBACK", 300*time.Minute),
			MaxConcurrentJobs:     getEnvAsInt("MAX_CONCURRENT_JOBS", 0),
			ManualEnqueueDelay:    getEnvAsDuration("MANUAL_ENQUEUE_DELAY", 2*time.Minute),
			StaleJobAfter:         getEnvAsDuration("STALE_JOB_AFTER", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("API_RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("API_RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would make the dispatcher misbehave
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	r := c.Recovery
	if r.TickInterval <= 0 {
		return fmt.Errorf("RECOVERY_TICK_INTERVAL must be positive")
	}
	if r.DirectorySyncInterval <= 0 {
		return fmt.Errorf("DIRECTORY_SYNC_INTERVAL must be positive")
	}
	if r.OfflineThreshold < 0 || r.DegradedThreshold < 0 {
		return fmt.Errorf("admission thresholds must not be negative")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if len(r.FastBackoff) == 0 || len(r.SlowBackoff) == 0 {
		return fmt.Errorf("backoff tables must not be empty")
	}
	if r.MaxConcurrentJobs < 0 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must not be negative")
	}
	if c.Device.CallAttempts < 1 {
		return fmt.Errorf("DEVICE_CALL_ATTEMPTS must be at least 1")
	}
	if c.Device.CallBudget < 0 || c.Device.CallBudgetReserve < 0 || c.Device.CallBudgetReserve > c.Device.CallBudget {
		return fmt.Errorf("DEVICE_CALL_BUDGET_RESERVE must be between 0 and DEVICE_CALL_BUDGET")
	}
	return nil
}

// PostgresDSN returns the connection URL for the configured Postgres
func (c *PostgresConfig) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDurationList parses a comma-separated duration list such as "2m,2m,3m".
// Any malformed entry falls back to the whole default list.
func getEnvAsDurationList(key string, defaultValue []time.Duration) []time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return append([]time.Duration(nil), defaultValue...)
	}

	parts := strings.Split(valueStr, ",")
	values := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil || d < 0 {
			return append([]time.Duration(nil), defaultValue...)
		}
		values = append(values, d)
	}
	if len(values) == 0 {
		return append([]time.Duration(nil), defaultValue...)
	}
	return values
}
