// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"time"

	"github.com/snowgate/snowgate/pkg/config"
	"github.com/snowgate/snowgate/pkg/gateway/alloc"
	"github.com/snowgate/snowgate/pkg/gateway/auth"
	"github.com/snowgate/snowgate/pkg/gateway/backoff"
	"github.com/snowgate/snowgate/pkg/gateway/breaker"
	"github.com/snowgate/snowgate/pkg/gateway/driver"
	"github.com/snowgate/snowgate/pkg/gateway/monitoring"
	"github.com/snowgate/snowgate/pkg/gateway/mux"
	"github.com/snowgate/snowgate/pkg/gateway/pool"
	"github.com/snowgate/snowgate/pkg/gateway/quota"
	"github.com/snowgate/snowgate/pkg/gateway/ratelimit"
	"github.com/snowgate/snowgate/pkg/gateway/session"
	"github.com/snowgate/snowgate/pkg/gateway/sqlguard"
)

// The config package speaks environment variables; the gateway
// subpackages speak their own option structs. These conversions are the
// only place the two meet.

func driverConfig(cfg *config.Config) driver.Config {
	return driver.Config{
		Backend:              cfg.Snowflake.Backend,
		Account:              cfg.Snowflake.Account,
		User:                 cfg.Snowflake.User,
		Warehouse:            cfg.Snowflake.Warehouse,
		Database:             cfg.Snowflake.Database,
		Schema:               cfg.Snowflake.Schema,
		Role:                 cfg.Snowflake.Role,
		Authenticator:        cfg.Snowflake.AuthType,
		PrivateKeyPath:       cfg.Snowflake.PrivateKeyPath,
		PrivateKey:           cfg.Snowflake.PrivateKey,
		PrivateKeyPassphrase: cfg.Snowflake.PrivateKeyPassphrase,
		LocalDSN:             cfg.Snowflake.LocalDSN,
		MaxWorkers:           cfg.Performance.MaxWorkers,
		MaxSessions:          cfg.Pool.MaxSize,
	}
}

func poolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		MinSize:             cfg.Pool.MinSize,
		MaxSize:             cfg.Pool.MaxSize,
		MaxInactiveTime:     cfg.Pool.MaxInactiveTime,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		RetryAttempts:       cfg.Pool.RetryAttempts,
	}
}

func rateLimits(rc config.RateLimitConfig) ratelimit.Limits {
	return ratelimit.Limits{
		RequestsPerSecond:      rc.RequestsPerSecond,
		RequestsPerSecondBurst: rc.RequestsPerSecondBurst,
		RequestsPerMinute:      rc.RequestsPerMinute,
		QueriesPerMinute:       rc.QueriesPerMinute,
		QueriesPerMinuteBurst:  rc.QueriesPerMinuteBurst,
		QueriesPerHour:         rc.QueriesPerHour,
		ConcurrentRequests:     rc.ConcurrentRequests,
	}
}

func quotaDefs(qc config.QuotaConfig) []quota.Def {
	return []quota.Def{
		{Type: quota.TypeRequestsPerHour, Limit: qc.RequestsPerHour, Period: quota.PeriodHourly, BurstAllowance: qc.RequestsPerHour / 10},
		{Type: quota.TypeRequestsPerDay, Limit: qc.RequestsPerDay, Period: quota.PeriodDaily, Rollover: true},
		{Type: quota.TypeQueriesPerHour, Limit: qc.QueriesPerHour, Period: quota.PeriodHourly, BurstAllowance: qc.QueriesPerHour / 10},
		{Type: quota.TypeDataTransferMB, Limit: qc.DataTransferMBPerDay, Period: quota.PeriodDaily},
		{Type: quota.TypeConcurrentConnections, Limit: qc.ConcurrentConnections, Period: quota.PeriodDaily},
	}
}

func breakerConfig(cfg *config.Config) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.Breakers.FailureThreshold,
		SuccessThreshold: cfg.Breakers.SuccessThreshold,
		RecoveryTimeout:  cfg.Breakers.RecoveryTimeout,
		CallTimeout:      cfg.Breakers.CallTimeout,
		MonitoringWindow: cfg.Breakers.MonitoringWindow,
	}
}

func guardConfig(cfg *config.Config) sqlguard.Config {
	return sqlguard.Config{
		ReadOnly:       cfg.Security.ReadOnly,
		Strict:         cfg.Security.StrictValidation,
		MaxQueryLength: cfg.Security.MaxQueryLength,
	}
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		Salt:                 cfg.Security.APIKeySalt,
		DefaultAdminKey:      cfg.Security.DefaultAdminAPIKey,
		MaxAttemptsPerMinute: cfg.Security.MaxAuthPerMinute,
		LockoutThreshold:     cfg.Security.AuthLockoutThreshold,
		LockoutDuration:      cfg.Security.LockoutDuration(),
	}
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Secret:   cfg.Security.JWTSecret,
		Issuer:   cfg.Security.JWTIssuer,
		Audience: cfg.Security.JWTAudience,
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		SessionTimeout:       cfg.Performance.SessionIdleTimeout,
		CleanupInterval:      cfg.Performance.SessionIdleTimeout / 6,
		MaxSessionsPerClient: cfg.Performance.MaxSessionsPerUser,
	}
}

func muxConfig(cfg *config.Config) mux.Config {
	c := mux.DefaultConfig()
	c.MaxLeasesPerClient = cfg.Performance.MaxSessionsPerUser
	c.MaxLeaseDuration = cfg.Performance.LeaseTimeout
	return c
}

func trackerConfig(cfg *config.Config) monitoring.TrackerConfig {
	return monitoring.TrackerConfig{
		SlowThreshold: cfg.Monitoring.SlowQueryThreshold,
	}
}

func telemetryConfig(cfg *config.Config, version string) monitoring.TelemetryConfig {
	return monitoring.TelemetryConfig{
		ServiceName:    "snowgate",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Monitoring.OTLPEndpoint,
		Insecure:       cfg.Monitoring.OTLPInsecure,
		TracingEnabled: cfg.Monitoring.TracingEnabled,
		SamplingRate:   cfg.Monitoring.TraceSamplingRate,
	}
}

// allocPools sizes the typed resource pools. Connection slots track the
// connection pool; the memory pool is a coarse cap on concurrent result
// buffering.
func allocPools(cfg *config.Config) []alloc.PoolConfig {
	return []alloc.PoolConfig{
		{
			Resource:         alloc.ResourceConnections,
			Capacity:         int64(cfg.Pool.MaxSize),
			ReservedFraction: 0.1,
		},
		{
			Resource:       alloc.ResourceMemoryMB,
			Capacity:       int64(cfg.Pool.MaxSize) * 256,
			AllocationUnit: 16,
		},
	}
}

// retryPolicy shapes the backoff applied around warehouse execution.
// Short and capped: a tool call should fail fast rather than stack
// retries on top of the pool's own acquire timeout.
func retryPolicy(cfg *config.Config) backoff.Policy {
	return backoff.Policy{
		Strategy:    backoff.StrategyExponential,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		MaxAttempts: cfg.Pool.RetryAttempts,
		Jitter:      backoff.JitterEqual,
	}
}

// staleAge bounds how long an unfinished request record may linger in
// the registry before the sweeper drops it.
func staleAge(cfg *config.Config) time.Duration {
	if cfg.Performance.StaleRequestAge > 0 {
		return cfg.Performance.StaleRequestAge
	}
	return 10 * time.Minute
}
