// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowgate/snowgate/pkg/gateway"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock) {
	t.Helper()
	if cfg.Iterations == 0 {
		cfg.Iterations = 1000 // keep PBKDF2 cheap in tests
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	clk := newFakeClock()
	return m.WithClock(clk.now), clk
}

func TestCreateAndAuthenticateKey(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})

	plaintext, info, err := m.CreateKey("alice", "laptop", []string{"read", "write"}, 0, nil)
	require.NoError(t, err)
	assert.Contains(t, plaintext, keyPrefix)
	assert.True(t, info.Active)

	identity, err := m.Authenticate(plaintext, "10.0.0.1", "read")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Subject)
	assert.Equal(t, MethodAPIKey, identity.Method)
	assert.Equal(t, info.KeyID, identity.KeyID)
	assert.True(t, identity.HasScope("write"))

	keys := m.List("alice")
	require.Len(t, keys, 1)
	assert.Equal(t, int64(1), keys[0].UsageCount)
}

func TestBadSecretRejected(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})

	_, info, err := m.CreateKey("bob", "ci", []string{"read"}, 0, nil)
	require.NoError(t, err)

	_, err = m.Authenticate(info.KeyID+".wrong-secret", "10.0.0.1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrAuthFailed)

	var authError *AuthError
	require.ErrorAs(t, err, &authError)
	assert.Equal(t, "INVALID_API_KEY", authError.Code)
}

func TestExpiredKeyRejected(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{})

	plaintext, _, err := m.CreateKey("carol", "temp", []string{"read"}, time.Hour, nil)
	require.NoError(t, err)

	_, err = m.Authenticate(plaintext, "", "")
	require.NoError(t, err)

	clk.advance(2 * time.Hour)
	_, err = m.Authenticate(plaintext, "", "")
	var authError *AuthError
	require.ErrorAs(t, err, &authError)
	assert.Equal(t, "API_KEY_EXPIRED", authError.Code)
}

func TestRevocation(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})

	plaintext, info, err := m.CreateKey("dave", "old", []string{"read"}, 0, nil)
	require.NoError(t, err)

	// Someone else's revoke attempt is refused.
	err = m.Revoke(info.KeyID, "mallory")
	var authError *AuthError
	require.ErrorAs(t, err, &authError)
	assert.Equal(t, "UNAUTHORIZED", authError.Code)

	require.NoError(t, m.Revoke(info.KeyID, "dave"))
	_, err = m.Authenticate(plaintext, "", "")
	require.ErrorAs(t, err, &authError)
	assert.Equal(t, "API_KEY_INACTIVE", authError.Code)
}

func TestScopeEnforcement(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})

	limited, _, err := m.CreateKey("erin", "reader", []string{"read"}, 0, nil)
	require.NoError(t, err)
	wildcard, _, err := m.CreateKey("erin", "admin", []string{"*"}, 0, nil)
	require.NoError(t, err)

	_, err = m.Authenticate(limited, "", "write")
	var authError *AuthError
	require.ErrorAs(t, err, &authError)
	assert.Equal(t, "INSUFFICIENT_SCOPE", authError.Code)

	_, err = m.Authenticate(wildcard, "", "write")
	assert.NoError(t, err)
}

func TestIPAllowlist(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})

	plaintext, _, err := m.CreateKey("frank", "pinned", []string{"read"}, 0, []string{"10.0.0.5"})
	require.NoError(t, err)

	_, err = m.Authenticate(plaintext, "10.0.0.5", "")
	require.NoError(t, err)

	_, err = m.Authenticate(plaintext, "192.168.1.1", "")
	var authError *AuthError
	require.ErrorAs(t, err, &authError)
	assert.Equal(t, "IP_NOT_ALLOWED", authError.Code)
}

func TestAttemptRateLimiting(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{MaxAttemptsPerMinute: 3})

	var authError *AuthError
	for i := 0; i < 3; i++ {
		_, err := m.Authenticate("sgk_nope.bad", "172.16.0.9", "")
		require.ErrorAs(t, err, &authError)
		assert.Equal(t, "INVALID_API_KEY", authError.Code)
	}

	_, err := m.Authenticate("sgk_nope.bad", "172.16.0.9", "")
	require.ErrorAs(t, err, &authError)
	assert.Equal(t, "RATE_LIMITED", authError.Code)
	assert.Equal(t, time.Minute, authError.RetryAfter)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{
		MaxAttemptsPerMinute: 100,
		LockoutThreshold:     2,
		LockoutDuration:      15 * time.Minute,
	})

	plaintext, info, err := m.CreateKey("grace", "phone", []string{"read"}, 0, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = m.Authenticate(info.KeyID+".guess", "", "")
		require.Error(t, err)
	}

	// Even the correct credential is refused while locked.
	_, err = m.Authenticate(plaintext, "", "")
	var authError *AuthError
	require.ErrorAs(t, err, &authError)
	assert.Equal(t, "SUBJECT_LOCKED", authError.Code)
	assert.Equal(t, 15*time.Minute, authError.RetryAfter)
	assert.Equal(t, 1, m.Snapshot().LockedSubjects)

	clk.advance(16 * time.Minute)
	_, err = m.Authenticate(plaintext, "", "")
	assert.NoError(t, err)
}

func TestDefaultAdminKey(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{DefaultAdminKey: "sgk_admin.super-secret-dev"})

	identity, err := m.Authenticate("sgk_admin.super-secret-dev", "", "manage")
	require.NoError(t, err)
	assert.Equal(t, "admin", identity.Subject)
	assert.True(t, identity.HasScope("anything"))
}

func TestMalformedAdminKeyRejected(t *testing.T) {
	t.Parallel()
	_, err := NewManager(Config{DefaultAdminKey: "not-a-key", Iterations: 1000})
	require.Error(t, err)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTVerification(t *testing.T) {
	t.Parallel()
	v, err := NewJWTVerifier(JWTConfig{Secret: "s3cret", Issuer: "idp", Audience: "snowgate"})
	require.NoError(t, err)

	claims := jwt.MapClaims{
		"sub":   "user-42",
		"name":  "Test User",
		"scope": "read write",
		"iss":   "idp",
		"aud":   "snowgate",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	identity, err := v.Verify(signToken(t, "s3cret", claims))
	require.NoError(t, err)
	assert.Equal(t, "user-42", identity.Subject)
	assert.Equal(t, MethodBearer, identity.Method)
	assert.Equal(t, []string{"read", "write"}, identity.Scopes)

	// Wrong secret.
	_, err = v.Verify(signToken(t, "other", claims))
	assert.ErrorIs(t, err, gateway.ErrAuthFailed)

	// Wrong issuer.
	bad := jwt.MapClaims{"sub": "u", "iss": "evil", "aud": "snowgate",
		"exp": time.Now().Add(time.Hour).Unix()}
	_, err = v.Verify(signToken(t, "s3cret", bad))
	assert.Error(t, err)

	// Missing expiry is rejected outright.
	noExp := jwt.MapClaims{"sub": "u", "iss": "idp", "aud": "snowgate"}
	_, err = v.Verify(signToken(t, "s3cret", noExp))
	assert.Error(t, err)
}

func TestJWTIdentityRedactsToken(t *testing.T) {
	t.Parallel()
	v, err := NewJWTVerifier(JWTConfig{Secret: "s3cret"})
	require.NoError(t, err)

	signed := signToken(t, "s3cret", jwt.MapClaims{
		"sub": "user-7", "exp": time.Now().Add(time.Hour).Unix()})
	identity, err := v.Verify(signed)
	require.NoError(t, err)

	out, err := json.Marshal(identity)
	require.NoError(t, err)
	assert.NotContains(t, string(out), signed)
	assert.Contains(t, string(out), "REDACTED")
}

func TestMiddlewareAuthenticatesAPIKey(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	plaintext, _, err := m.CreateKey("alice", "laptop", []string{"read"}, 0, nil)
	require.NoError(t, err)

	var seen *Identity
	handler := Middleware(m, nil, "read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/status", nil)
	req.Header.Set("X-API-Key", plaintext)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.Subject)
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	handler := Middleware(m, nil, "")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NO_CREDENTIALS", body["error"])
}

func TestMiddlewareScopeDenialIsForbidden(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	plaintext, _, err := m.CreateKey("bob", "reader", []string{"read"}, 0, nil)
	require.NoError(t, err)

	handler := Middleware(m, nil, "manage")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddlewareAcceptsBearerJWT(t *testing.T) {
	t.Parallel()
	v, err := NewJWTVerifier(JWTConfig{Secret: "s3cret"})
	require.NoError(t, err)

	handler := Middleware(nil, v, "read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, "user-9", identity.Subject)
		w.WriteHeader(http.StatusOK)
	}))

	signed := signToken(t, "s3cret", jwt.MapClaims{
		"sub": "user-9", "scope": "read",
		"exp": time.Now().Add(time.Hour).Unix()})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnonymousMiddleware(t *testing.T) {
	t.Parallel()
	handler := AnonymousMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, "anonymous", identity.Subject)
		assert.True(t, identity.HasScope("anything"))
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
