// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useLocalBackend keeps the warehouse-credential checks out of tests
// that exercise other sections.
func useLocalBackend(t *testing.T) {
	t.Helper()
	t.Setenv("SNOWGATE_SNOWFLAKE_BACKEND", "local")
}

func TestLoadDefaults(t *testing.T) {
	useLocalBackend(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pool.MinSize)
	assert.Equal(t, 10, cfg.Pool.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, "127.0.0.1:8055", cfg.HTTP.Addr())
	assert.True(t, cfg.Security.ReadOnly)
	assert.False(t, cfg.Security.StrictValidation)
	assert.Equal(t, 10000, cfg.Security.MaxQueryLength)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, float64(10), cfg.ClientRate.RequestsPerSecond)
	assert.Equal(t, 15*time.Minute, cfg.Security.LockoutDuration())
}

func TestEnvOverrides(t *testing.T) {
	useLocalBackend(t)
	t.Setenv("SNOWGATE_POOL_MAX_SIZE", "20")
	t.Setenv("SNOWGATE_HTTP_PORT", "9000")
	t.Setenv("SNOWGATE_HTTP_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("SNOWGATE_SECURITY_ALLOWED_DATABASES", "ANALYTICS,REPORTING")
	t.Setenv("SNOWGATE_RATELIMIT_GLOBAL_REQUESTS_PER_SECOND", "250")
	t.Setenv("SNOWGATE_MONITORING_SLOW_QUERY_THRESHOLD", "500ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Pool.MaxSize)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, []string{"ANALYTICS", "REPORTING"}, cfg.Security.AllowedDatabases)
	assert.Equal(t, float64(250), cfg.GlobalRate.RequestsPerSecond)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitoring.SlowQueryThreshold)
	// The client side keeps its own default.
	assert.Equal(t, float64(10), cfg.ClientRate.RequestsPerSecond)
}

func TestPoolSizeOrderingRejected(t *testing.T) {
	useLocalBackend(t)
	t.Setenv("SNOWGATE_POOL_MIN_SIZE", "8")
	t.Setenv("SNOWGATE_POOL_MAX_SIZE", "4")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestPortRangeRejected(t *testing.T) {
	useLocalBackend(t)
	t.Setenv("SNOWGATE_HTTP_PORT", "70000")

	_, err := Load()
	require.Error(t, err)
}

func TestSnowflakeBackendRequiresCredentials(t *testing.T) {
	t.Setenv("SNOWGATE_SNOWFLAKE_BACKEND", "snowflake")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account and user")

	t.Setenv("SNOWGATE_SNOWFLAKE_ACCOUNT", "xy12345")
	t.Setenv("SNOWGATE_SNOWFLAKE_USER", "GATEWAY")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private-key")

	t.Setenv("SNOWGATE_SNOWFLAKE_PRIVATE_KEY_PATH", "/etc/snowgate/key.p8")
	_, err = Load()
	assert.NoError(t, err)
}

func TestExternalBrowserNeedsNoKey(t *testing.T) {
	t.Setenv("SNOWGATE_SNOWFLAKE_BACKEND", "snowflake")
	t.Setenv("SNOWGATE_SNOWFLAKE_ACCOUNT", "xy12345")
	t.Setenv("SNOWGATE_SNOWFLAKE_USER", "GATEWAY")
	t.Setenv("SNOWGATE_SNOWFLAKE_AUTH_TYPE", "external-browser")

	_, err := Load()
	assert.NoError(t, err)
}

func TestDottedSchemaNameRejected(t *testing.T) {
	useLocalBackend(t)
	t.Setenv("SNOWGATE_SECURITY_ALLOWED_SCHEMAS", "DB.PUBLIC.EXTRA")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one dot")
}

func TestAuthEnabledNeedsCredentialSource(t *testing.T) {
	useLocalBackend(t)
	t.Setenv("SNOWGATE_SECURITY_AUTH_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("SNOWGATE_SECURITY_JWT_SECRET", "s3cret")
	_, err = Load()
	assert.NoError(t, err)
}

func TestInvalidAuthTypeRejected(t *testing.T) {
	useLocalBackend(t)
	t.Setenv("SNOWGATE_SNOWFLAKE_AUTH_TYPE", "password")

	_, err := Load()
	require.Error(t, err)
}
