package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Resilience   ResilienceConfig   `json:"resilience"`
	Fallback     FallbackConfig     `json:"fallback"`
	Coordination CoordinationConfig `json:"coordination"`
	Redis        RedisConfig        `json:"redis"`
	Tracing      TracingConfig      `json:"tracing"`
	Metrics      MetricsConfig      `json:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// ResilienceConfig contains circuit breaker, retry and mode evaluator tuning
type ResilienceConfig struct {
	// Circuit breaker
	FailureThreshold      int           `json:"failure_threshold"`
	FailureRateThreshold  float64       `json:"failure_rate_threshold"`
	SlowCallThreshold     time.Duration `json:"slow_call_threshold"`
	SlowCallRateThreshold float64       `json:"slow_call_rate_threshold"`
	ResetTimeout          time.Duration `json:"reset_timeout"`
	HalfOpenMaxCalls      int           `json:"half_open_max_calls"`

	// Retry policy
	RetryMaxAttempts       int           `json:"retry_max_attempts"`
	RetryBaseDelay         time.Duration `json:"retry_base_delay"`
	RetryMaxDelay          time.Duration `json:"retry_max_delay"`
	RetryBackoffMultiplier float64       `json:"retry_backoff_multiplier"`
	RetryJitter            bool          `json:"retry_jitter"`

	// Global breaker thresholds
	GlobalTripFraction  float64 `json:"global_trip_fraction"`
	GlobalResetFraction float64 `json:"global_reset_fraction"`

	// System mode evaluator
	ModeEvalInterval      time.Duration `json:"mode_eval_interval"`
	EmergencyOpenFraction float64       `json:"emergency_open_fraction"`
	DegradedOpenFraction  float64       `json:"degraded_open_fraction"`
	RecoveryOpenFraction  float64       `json:"recovery_open_fraction"`
	RecoveryErrorRate     float64       `json:"recovery_error_rate"`
}

// FallbackConfig contains degraded-answer configuration
type FallbackConfig struct {
	CacheEnabled      bool          `json:"cache_enabled"`
	SimplifiedEnabled bool          `json:"simplified_enabled"`
	StaticEnabled     bool          `json:"static_enabled"`
	MaxCacheAge       time.Duration `json:"max_cache_age"`
	SweepInterval     time.Duration `json:"sweep_interval"`
}

// CoordinationConfig contains coordinator and worker registry configuration
type CoordinationConfig struct {
	DispatchTimeout    time.Duration `json:"dispatch_timeout"`
	SelectionStrategy  string        `json:"selection_strategy"`
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	StaleWorkerTimeout time.Duration `json:"stale_worker_timeout"`
	DefaultWorkerType  string        `json:"default_worker_type"`
}

// RedisConfig contains Redis connection configuration for the event relay
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:           getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			AllowedOrigins: getEnvStringSlice("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Resilience: ResilienceConfig{
			FailureThreshold:      getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			FailureRateThreshold:  getEnvFloat("BREAKER_FAILURE_RATE_THRESHOLD", 0.5),
			SlowCallThreshold:     getEnvDuration("BREAKER_SLOW_CALL_THRESHOLD", 5*time.Second),
			SlowCallRateThreshold: getEnvFloat("BREAKER_SLOW_CALL_RATE_THRESHOLD", 0.5),
			ResetTimeout:          getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			HalfOpenMaxCalls:      getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 2),

			RetryMaxAttempts:       getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:         getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			RetryMaxDelay:          getEnvDuration("RETRY_MAX_DELAY", 5*time.Second),
			RetryBackoffMultiplier: getEnvFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
			RetryJitter:            getEnvBool("RETRY_JITTER", true),

			GlobalTripFraction:  getEnvFloat("GLOBAL_TRIP_FRACTION", 0.5),
			GlobalResetFraction: getEnvFloat("GLOBAL_RESET_FRACTION", 0.1),

			ModeEvalInterval:      getEnvDuration("MODE_EVAL_INTERVAL", 15*time.Second),
			EmergencyOpenFraction: getEnvFloat("MODE_EMERGENCY_OPEN_FRACTION", 0.8),
			DegradedOpenFraction:  getEnvFloat("MODE_DEGRADED_OPEN_FRACTION", 0.5),
			RecoveryOpenFraction:  getEnvFloat("MODE_RECOVERY_OPEN_FRACTION", 0.1),
			RecoveryErrorRate:     getEnvFloat("MODE_RECOVERY_ERROR_RATE", 0.05),
		},
		Fallback: FallbackConfig{
			CacheEnabled:      getEnvBool("FALLBACK_CACHE_ENABLED", true),
			SimplifiedEnabled: getEnvBool("FALLBACK_SIMPLIFIED_ENABLED", true),
			StaticEnabled:     getEnvBool("FALLBACK_STATIC_ENABLED", true),
			MaxCacheAge:       getEnvDuration("FALLBACK_MAX_CACHE_AGE", 30*time.Minute),
			SweepInterval:     getEnvDuration("FALLBACK_SWEEP_INTERVAL", 5*time.Minute),
		},
		Coordination: CoordinationConfig{
			DispatchTimeout:    getEnvDuration("DISPATCH_TIMEOUT", 10*time.Second),
			SelectionStrategy:  getEnvString("WORKER_SELECTION_STRATEGY", "round_robin"),
			HeartbeatInterval:  getEnvDuration("WORKER_HEARTBEAT_INTERVAL", 30*time.Second),
			StaleWorkerTimeout: getEnvDuration("WORKER_STALE_TIMEOUT", 2*time.Minute),
			DefaultWorkerType:  getEnvString("DEFAULT_WORKER_TYPE", "tutor"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("EVENT_RELAY_ENABLED", false),
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "tutormesh"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if err := validateFraction("breaker failure rate threshold", c.Resilience.FailureRateThreshold); err != nil {
		return err
	}
	if err := validateFraction("breaker slow call rate threshold", c.Resilience.SlowCallRateThreshold); err != nil {
		return err
	}
	if c.Resilience.ResetTimeout <= 0 {
		return fmt.Errorf("breaker reset timeout must be positive")
	}
	if c.Resilience.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("breaker half-open max calls must be at least 1")
	}

	if c.Resilience.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Resilience.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive")
	}
	if c.Resilience.RetryBackoffMultiplier < 1 {
		return fmt.Errorf("retry backoff multiplier must be at least 1")
	}

	if err := validateFraction("global trip fraction", c.Resilience.GlobalTripFraction); err != nil {
		return err
	}
	if err := validateFraction("global reset fraction", c.Resilience.GlobalResetFraction); err != nil {
		return err
	}
	if c.Resilience.GlobalResetFraction >= c.Resilience.GlobalTripFraction {
		return fmt.Errorf("global reset fraction must be below the trip fraction")
	}

	if c.Resilience.ModeEvalInterval <= 0 {
		return fmt.Errorf("mode eval interval must be positive")
	}
	if err := validateFraction("emergency open fraction", c.Resilience.EmergencyOpenFraction); err != nil {
		return err
	}
	if err := validateFraction("degraded open fraction", c.Resilience.DegradedOpenFraction); err != nil {
		return err
	}
	if err := validateFraction("recovery open fraction", c.Resilience.RecoveryOpenFraction); err != nil {
		return err
	}
	if c.Resilience.DegradedOpenFraction >= c.Resilience.EmergencyOpenFraction {
		return fmt.Errorf("degraded open fraction must be below the emergency open fraction")
	}
	if c.Resilience.RecoveryOpenFraction >= c.Resilience.DegradedOpenFraction {
		return fmt.Errorf("recovery open fraction must be below the degraded open fraction")
	}

	if c.Fallback.MaxCacheAge <= 0 {
		return fmt.Errorf("fallback max cache age must be positive")
	}
	if c.Fallback.SweepInterval <= 0 {
		return fmt.Errorf("fallback sweep interval must be positive")
	}

	if c.Coordination.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive")
	}
	switch c.Coordination.SelectionStrategy {
	case "round_robin", "random", "least_busy":
	default:
		return fmt.Errorf("unknown worker selection strategy: %s", c.Coordination.SelectionStrategy)
	}

	if err := validateFraction("tracing sampling rate", c.Tracing.SamplingRate); err != nil {
		return err
	}

	return nil
}

func validateFraction(name string, value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("%s must be between 0 and 1", name)
	}
	return nil
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// RedisAddr returns the host:port address for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := make([]string, 0)
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
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
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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
