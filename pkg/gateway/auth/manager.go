// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/pbkdf2"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/logger"
)

// AuthError carries a machine-readable failure code. It unwraps to
// gateway.ErrAuthFailed.
type AuthError struct {
	Code    string
	Message string
	// RetryAfter is set for rate-limit and lockout failures.
	RetryAfter time.Duration
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error { return gateway.ErrAuthFailed }

func authErr(code, message string) *AuthError {
	return &AuthError{Code: code, Message: message}
}

// Config tunes the key store and the attempt limiter.
type Config struct {
	// Salt feeds the key derivation. Must be set in production; a
	// default keeps development working.
	Salt string
	// Iterations for PBKDF2. Default 100000.
	Iterations int
	// DefaultAdminKey, when set, is registered at startup under the
	// "admin" subject with the wildcard scope.
	DefaultAdminKey string
	// MaxAttemptsPerMinute bounds authentication attempts per
	// identifier (key ID or client address). Default 10.
	MaxAttemptsPerMinute int
	// LockoutThreshold is the consecutive-failure count that locks a
	// subject. Default 5.
	LockoutThreshold int
	// LockoutDuration is how long a locked subject stays locked.
	// Default 15m.
	LockoutDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Salt == "" {
		c.Salt = "snowgate-dev-salt"
	}
	if c.Iterations <= 0 {
		c.Iterations = 100000
	}
	if c.MaxAttemptsPerMinute <= 0 {
		c.MaxAttemptsPerMinute = 10
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = 5
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = 15 * time.Minute
	}
	return c
}

type failureState struct {
	count int
	last  time.Time
}

// Manager is the in-memory API key store and attempt limiter.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	keys      map[string]*APIKey
	bySubject map[string][]string
	limiters  map[string]*rate.Limiter
	failures  map[string]*failureState
	successes int64
	denials   int64

	now func() time.Time
}

// NewManager builds the store. A configured default admin key is
// registered immediately.
func NewManager(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		keys:      make(map[string]*APIKey),
		bySubject: make(map[string][]string),
		limiters:  make(map[string]*rate.Limiter),
		failures:  make(map[string]*failureState),
		now:       time.Now,
	}
	if cfg.DefaultAdminKey != "" {
		if err := m.registerAdminKey(cfg.DefaultAdminKey); err != nil {
			return nil, err
		}
		logger.Infow("registered default admin API key", "subject", "admin")
	}
	return m, nil
}

// WithClock overrides the manager's clock. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// registerAdminKey installs the configured admin credential. The key
// must be in the issued format so it can be located by key ID.
func (m *Manager) registerAdminKey(plaintext string) error {
	keyID, secret, err := splitKey(plaintext)
	if err != nil {
		return fmt.Errorf("default admin key is not in %sID.SECRET form: %w", keyPrefix, err)
	}
	hash, err := m.derive(secret)
	if err != nil {
		return err
	}
	key := &APIKey{
		KeyID:     keyID,
		Subject:   "admin",
		Name:      "Default Admin Key",
		Scopes:    []string{"*"},
		CreatedAt: m.now(),
		Active:    true,
		hash:      hash,
	}
	m.mu.Lock()
	m.keys[keyID] = key
	m.bySubject["admin"] = append(m.bySubject["admin"], keyID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) derive(secret string) ([]byte, error) {
	return pbkdf2.Key(sha256.New, secret, []byte(m.cfg.Salt), m.cfg.Iterations, 32)
}

// splitKey parses "sgk_<key id>.<secret>".
func splitKey(plaintext string) (keyID, secret string, err error) {
	rest, ok := strings.CutPrefix(plaintext, keyPrefix)
	if !ok {
		return "", "", fmt.Errorf("missing %s prefix", keyPrefix)
	}
	keyID, secret, ok = strings.Cut(rest, ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", fmt.Errorf("malformed key")
	}
	return keyPrefix + keyID, secret, nil
}

// CreateKey issues a new credential for subject. The returned
// plaintext is shown exactly once; only its hash is retained. A zero
// ttl means the key never expires.
func (m *Manager) CreateKey(subject, name string, scopes []string, ttl time.Duration, ipAllowlist []string) (string, KeyInfo, error) {
	if subject == "" {
		return "", KeyInfo{}, authErr("INVALID_SUBJECT", "subject is required")
	}
	keyID := keyPrefix + randomToken(8)
	secret := randomToken(24)
	hash, err := m.derive(secret)
	if err != nil {
		return "", KeyInfo{}, err
	}

	now := m.now()
	key := &APIKey{
		KeyID:       keyID,
		Subject:     subject,
		Name:        name,
		Scopes:      append([]string(nil), scopes...),
		CreatedAt:   now,
		Active:      true,
		IPAllowlist: append([]string(nil), ipAllowlist...),
		hash:        hash,
	}
	if ttl > 0 {
		key.ExpiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	m.keys[keyID] = key
	m.bySubject[subject] = append(m.bySubject[subject], keyID)
	m.mu.Unlock()

	logger.Infow("issued API key",
		"subject", subject, "key_id", keyID, "name", name, "scopes", scopes)
	return keyID + "." + secret, key.info(now), nil
}

// Authenticate validates a plaintext key and returns the identity it
// grants. clientIP may be empty; requiredScope empty skips the scope
// check. Failures are typed *AuthError.
func (m *Manager) Authenticate(plaintext, clientIP, requiredScope string) (*Identity, error) {
	now := m.now()

	keyID, secret, parseErr := splitKey(strings.TrimSpace(plaintext))
	identifiers := []string{clientIP}
	if parseErr == nil {
		identifiers = append(identifiers, keyID)
	}
	if err := m.checkAttemptLimit(identifiers, now); err != nil {
		return nil, err
	}
	if parseErr != nil {
		m.recordFailure("", "malformed_key", clientIP, now)
		return nil, authErr("INVALID_API_KEY", "invalid API key")
	}

	m.mu.Lock()
	key, ok := m.keys[keyID]
	m.mu.Unlock()
	if !ok {
		m.recordFailure("", "unknown_key", clientIP, now)
		return nil, authErr("INVALID_API_KEY", "invalid API key")
	}

	hash, err := m.derive(secret)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(hash, key.hash) != 1 {
		m.recordFailure(key.Subject, "bad_secret", clientIP, now)
		return nil, authErr("INVALID_API_KEY", "invalid API key")
	}

	if key.ExpiredAt(now) {
		m.recordFailure(key.Subject, "expired_key", clientIP, now)
		return nil, authErr("API_KEY_EXPIRED", "API key expired")
	}
	if !key.Active {
		m.recordFailure(key.Subject, "inactive_key", clientIP, now)
		return nil, authErr("API_KEY_INACTIVE", "API key revoked")
	}
	if clientIP != "" && !key.AllowsIP(clientIP) {
		m.recordFailure(key.Subject, "ip_not_allowed", clientIP, now)
		return nil, authErr("IP_NOT_ALLOWED", "address not in key allowlist")
	}
	if requiredScope != "" && !key.HasScope(requiredScope) {
		m.recordFailure(key.Subject, "insufficient_scope", clientIP, now)
		return nil, authErr("INSUFFICIENT_SCOPE", "scope "+requiredScope+" not granted")
	}

	m.mu.Lock()
	if st, locked := m.failures[key.Subject]; locked &&
		st.count >= m.cfg.LockoutThreshold && now.Before(st.last.Add(m.cfg.LockoutDuration)) {
		m.mu.Unlock()
		return nil, &AuthError{
			Code:       "SUBJECT_LOCKED",
			Message:    "subject locked after repeated failures",
			RetryAfter: m.cfg.LockoutDuration,
		}
	}
	delete(m.failures, key.Subject)
	key.LastUsedAt = now
	key.UsageCount++
	m.successes++
	m.mu.Unlock()

	logger.Debugw("API key authenticated",
		"subject", key.Subject, "key_id", key.KeyID, "client_ip", clientIP)
	return &Identity{
		Subject: key.Subject,
		Name:    key.Name,
		Method:  MethodAPIKey,
		Scopes:  append([]string(nil), key.Scopes...),
		KeyID:   key.KeyID,
	}, nil
}

// checkAttemptLimit enforces the per-identifier attempt budget.
func (m *Manager) checkAttemptLimit(identifiers []string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		lim, ok := m.limiters[id]
		if !ok {
			per := m.cfg.MaxAttemptsPerMinute
			lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(per)), per)
			m.limiters[id] = lim
		}
		if !lim.AllowN(now, 1) {
			m.denials++
			return &AuthError{
				Code:       "RATE_LIMITED",
				Message:    "too many authentication attempts",
				RetryAfter: time.Minute,
			}
		}
	}
	return nil
}

func (m *Manager) recordFailure(subject, reason, clientIP string, now time.Time) {
	m.mu.Lock()
	m.denials++
	if subject != "" {
		st, ok := m.failures[subject]
		if !ok || now.Sub(st.last) > m.cfg.LockoutDuration {
			st = &failureState{}
			m.failures[subject] = st
		}
		st.count++
		st.last = now
	}
	m.mu.Unlock()

	logger.Warnw("authentication attempt failed",
		"reason", reason, "subject", subject, "client_ip", clientIP)
}

// Revoke deactivates a key. A non-empty requestingSubject must own the
// key; an empty one acts with admin authority.
func (m *Manager) Revoke(keyID, requestingSubject string) error {
	m.mu.Lock()
	key, ok := m.keys[keyID]
	if ok && requestingSubject != "" && key.Subject != requestingSubject {
		m.mu.Unlock()
		return authErr("UNAUTHORIZED", "key belongs to another subject")
	}
	if ok {
		key.Active = false
	}
	m.mu.Unlock()

	if !ok {
		return authErr("KEY_NOT_FOUND", "no such key")
	}
	logger.Infow("revoked API key", "key_id", keyID, "subject", key.Subject)
	return nil
}

// List returns the subject's keys, oldest first.
func (m *Manager) List(subject string) []KeyInfo {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.bySubject[subject]
	out := make([]KeyInfo, 0, len(ids))
	for _, id := range ids {
		if key, ok := m.keys[id]; ok {
			out = append(out, key.info(now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats summarizes the store for the status endpoint.
type Stats struct {
	Keys           int
	ActiveKeys     int
	ExpiredKeys    int
	Successes      int64
	Denials        int64
	LockedSubjects int
}

// Snapshot returns current counters.
func (m *Manager) Snapshot() Stats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Keys: len(m.keys), Successes: m.successes, Denials: m.denials}
	for _, key := range m.keys {
		switch {
		case key.ExpiredAt(now):
			s.ExpiredKeys++
		case key.Active:
			s.ActiveKeys++
		}
	}
	for _, st := range m.failures {
		if st.count >= m.cfg.LockoutThreshold && now.Before(st.last.Add(m.cfg.LockoutDuration)) {
			s.LockedSubjects++
		}
	}
	return s
}
