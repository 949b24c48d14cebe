// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the gateway's environment-driven configuration.
// Every option is a struct field with an env tag and a default; Load
// parses the environment and validates the result in one step, so a
// process that starts has a coherent configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// SnowflakeConfig is the warehouse connection.
type SnowflakeConfig struct {
	Account              string `env:"ACCOUNT"`
	User                 string `env:"USER"`
	AuthType             string `env:"AUTH_TYPE" envDefault:"private-key" validate:"oneof=private-key external-browser"`
	PrivateKeyPath       string `env:"PRIVATE_KEY_PATH"`
	PrivateKey           string `env:"PRIVATE_KEY"`
	PrivateKeyPassphrase string `env:"PRIVATE_KEY_PASSPHRASE"`
	Warehouse            string `env:"WAREHOUSE"`
	Database             string `env:"DATABASE"`
	Schema               string `env:"SCHEMA"`
	Role                 string `env:"ROLE"`
	// Backend selects the driver backend; "local" swaps in the embedded
	// sqlite backend for development and tests.
	Backend string `env:"BACKEND" envDefault:"snowflake" validate:"oneof=snowflake local"`
	// LocalDSN is the sqlite DSN for the local backend.
	LocalDSN string `env:"LOCAL_DSN" envDefault:"file:snowgate?mode=memory&cache=shared"`
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MinSize             int           `env:"MIN_SIZE" envDefault:"2" validate:"gte=1"`
	MaxSize             int           `env:"MAX_SIZE" envDefault:"10" validate:"gte=1,gtefield=MinSize"`
	MaxInactiveTime     time.Duration `env:"MAX_INACTIVE_TIME" envDefault:"30m"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"5m"`
	AcquireTimeout      time.Duration `env:"ACQUIRE_TIMEOUT" envDefault:"30s"`
	RetryAttempts       int           `env:"RETRY_ATTEMPTS" envDefault:"3" validate:"gte=0"`
}

// HTTPConfig is the listener for the MCP and admin surfaces.
type HTTPConfig struct {
	Host             string        `env:"HOST" envDefault:"127.0.0.1"`
	Port             int           `env:"PORT" envDefault:"8055" validate:"gte=1,lte=65535"`
	CORSOrigins      []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	MaxRequestSizeMB int64         `env:"MAX_REQUEST_SIZE_MB" envDefault:"10" validate:"gte=1"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Format string `env:"FORMAT" envDefault:"json" validate:"oneof=text json"`
}

// SecurityConfig gathers the validator, auth, and isolation knobs.
type SecurityConfig struct {
	ReadOnly             bool     `env:"READONLY" envDefault:"true"`
	StrictValidation     bool     `env:"STRICT_VALIDATION" envDefault:"false"`
	MaxQueryLength       int      `env:"MAX_QUERY_LENGTH" envDefault:"10000" validate:"gte=1"`
	AllowedDatabases     []string `env:"ALLOWED_DATABASES" envSeparator:","`
	AllowedSchemas       []string `env:"ALLOWED_SCHEMAS" envSeparator:","`
	AuthEnabled          bool     `env:"AUTH_ENABLED" envDefault:"false"`
	DefaultAdminAPIKey   string   `env:"DEFAULT_ADMIN_API_KEY"`
	APIKeySalt           string   `env:"API_KEY_SALT"`
	JWTSecret            string   `env:"JWT_SECRET"`
	JWTIssuer            string   `env:"JWT_ISSUER"`
	JWTAudience          string   `env:"JWT_AUDIENCE"`
	MaxAuthPerMinute     int      `env:"MAX_AUTH_ATTEMPTS_PER_MINUTE" envDefault:"10" validate:"gte=1"`
	AuthLockoutThreshold int      `env:"AUTH_LOCKOUT_THRESHOLD" envDefault:"5" validate:"gte=1"`
	AuthLockoutSeconds   int      `env:"AUTH_LOCKOUT_SECONDS" envDefault:"900" validate:"gte=1"`
}

// RateLimitConfig holds one side (client or global) of the limiter.
type RateLimitConfig struct {
	RequestsPerSecond      float64 `env:"REQUESTS_PER_SECOND" envDefault:"10" validate:"gt=0"`
	RequestsPerSecondBurst float64 `env:"REQUESTS_PER_SECOND_BURST" envDefault:"5" validate:"gte=0"`
	RequestsPerMinute      int     `env:"REQUESTS_PER_MINUTE" envDefault:"300" validate:"gte=1"`
	QueriesPerMinute       float64 `env:"QUERIES_PER_MINUTE" envDefault:"100" validate:"gt=0"`
	QueriesPerMinuteBurst  float64 `env:"QUERIES_PER_MINUTE_BURST" envDefault:"20" validate:"gte=0"`
	QueriesPerHour         int     `env:"QUERIES_PER_HOUR" envDefault:"1000" validate:"gte=1"`
	ConcurrentRequests     int     `env:"CONCURRENT_REQUESTS" envDefault:"5" validate:"gte=1"`
}

// QuotaConfig holds one side (client or global) of the quota manager.
type QuotaConfig struct {
	RequestsPerHour       float64 `env:"REQUESTS_PER_HOUR" envDefault:"1000" validate:"gt=0"`
	RequestsPerDay        float64 `env:"REQUESTS_PER_DAY" envDefault:"10000" validate:"gt=0"`
	QueriesPerHour        float64 `env:"QUERIES_PER_HOUR" envDefault:"500" validate:"gt=0"`
	DataTransferMBPerDay  float64 `env:"DATA_TRANSFER_MB_PER_DAY" envDefault:"1000" validate:"gt=0"`
	ConcurrentConnections float64 `env:"CONCURRENT_CONNECTIONS" envDefault:"10" validate:"gt=0"`
}

// BreakerConfig tunes the circuit breakers guarding the warehouse.
type BreakerConfig struct {
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"5" validate:"gte=1"`
	SuccessThreshold int           `env:"SUCCESS_THRESHOLD" envDefault:"2" validate:"gte=1"`
	RecoveryTimeout  time.Duration `env:"RECOVERY_TIMEOUT" envDefault:"30s"`
	CallTimeout      time.Duration `env:"CALL_TIMEOUT" envDefault:"60s"`
	MonitoringWindow time.Duration `env:"MONITORING_WINDOW" envDefault:"5m"`
}

// PerformanceConfig tunes worker dispatch and the multiplexer.
type PerformanceConfig struct {
	MaxWorkers         int           `env:"MAX_WORKERS" envDefault:"10" validate:"gte=1"`
	MaxSessionsPerUser int           `env:"MAX_SESSIONS_PER_USER" envDefault:"5" validate:"gte=1"`
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	LeaseTimeout       time.Duration `env:"LEASE_TIMEOUT" envDefault:"5m"`
	StaleRequestAge    time.Duration `env:"STALE_REQUEST_AGE" envDefault:"10m"`
}

// MonitoringConfig selects the observability surfaces.
type MonitoringConfig struct {
	SlowQueryThreshold time.Duration `env:"SLOW_QUERY_THRESHOLD" envDefault:"2s"`
	SystemInterval     time.Duration `env:"SYSTEM_INTERVAL" envDefault:"15s"`
	AlertInterval      time.Duration `env:"ALERT_INTERVAL" envDefault:"10s"`
	OTLPEndpoint       string        `env:"OTLP_ENDPOINT"`
	OTLPInsecure       bool          `env:"OTLP_INSECURE" envDefault:"false"`
	TracingEnabled     bool          `env:"TRACING_ENABLED" envDefault:"false"`
	TraceSamplingRate  float64       `env:"TRACE_SAMPLING_RATE" envDefault:"0.05" validate:"gte=0,lte=1"`
}

// Config is the full gateway configuration.
type Config struct {
	Snowflake   SnowflakeConfig   `envPrefix:"SNOWFLAKE_"`
	Pool        PoolConfig        `envPrefix:"POOL_"`
	HTTP        HTTPConfig        `envPrefix:"HTTP_"`
	Logging     LoggingConfig     `envPrefix:"LOG_"`
	Security    SecurityConfig    `envPrefix:"SECURITY_"`
	ClientRate  RateLimitConfig   `envPrefix:"RATELIMIT_CLIENT_"`
	GlobalRate  RateLimitConfig   `envPrefix:"RATELIMIT_GLOBAL_"`
	ClientQuota QuotaConfig       `envPrefix:"QUOTA_CLIENT_"`
	GlobalQuota QuotaConfig       `envPrefix:"QUOTA_GLOBAL_"`
	Breakers    BreakerConfig     `envPrefix:"BREAKER_"`
	Performance PerformanceConfig `envPrefix:"PERF_"`
	Monitoring  MonitoringConfig  `envPrefix:"MONITORING_"`
}

// Load parses the environment (all variables under the SNOWGATE_
// prefix) and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "SNOWGATE_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies struct tags plus the cross-field checks tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Snowflake.Backend == "snowflake" {
		if c.Snowflake.Account == "" || c.Snowflake.User == "" {
			return fmt.Errorf("invalid configuration: snowflake backend requires account and user")
		}
		if c.Snowflake.AuthType == "private-key" &&
			c.Snowflake.PrivateKeyPath == "" && c.Snowflake.PrivateKey == "" {
			return fmt.Errorf("invalid configuration: private-key auth requires a key path or inline key")
		}
	}

	// A schema entry may be bare or DB-qualified with a single dot;
	// names containing their own dots cannot be expressed and are
	// rejected rather than silently misparsed.
	for _, entry := range c.Security.AllowedSchemas {
		if strings.Count(entry, ".") > 1 {
			return fmt.Errorf("invalid configuration: allowed schema %q has more than one dot", entry)
		}
	}

	if c.Security.AuthEnabled && c.Security.DefaultAdminAPIKey == "" && c.Security.JWTSecret == "" {
		return fmt.Errorf("invalid configuration: auth enabled but no admin key or JWT secret configured")
	}
	return nil
}

// LockoutDuration converts the configured seconds.
func (s SecurityConfig) LockoutDuration() time.Duration {
	return time.Duration(s.AuthLockoutSeconds) * time.Second
}

// Addr is the HTTP listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}
