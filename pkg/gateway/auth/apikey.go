// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// keyPrefix marks gateway-issued API keys. The plaintext form is
// "sgk_<key id>.<secret>"; only the secret's derived hash is stored.
const keyPrefix = "sgk_"

// APIKey is one issued credential. The plaintext secret is returned to
// the caller exactly once, at creation.
type APIKey struct {
	KeyID     string
	Subject   string
	Name      string
	Scopes    []string
	CreatedAt time.Time
	// ExpiresAt zero means the key never expires.
	ExpiresAt  time.Time
	LastUsedAt time.Time
	UsageCount int64
	Active     bool
	// IPAllowlist empty means any address.
	IPAllowlist []string

	hash []byte
}

// ExpiredAt reports whether the key is expired at the given instant.
func (k *APIKey) ExpiredAt(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// UsableAt reports whether the key is active and unexpired.
func (k *APIKey) UsableAt(now time.Time) bool {
	return k.Active && !k.ExpiredAt(now)
}

// HasScope reports whether the key grants scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// AllowsIP reports whether the address passes the key's allowlist.
func (k *APIKey) AllowsIP(ip string) bool {
	if len(k.IPAllowlist) == 0 {
		return true
	}
	for _, allowed := range k.IPAllowlist {
		if allowed == ip {
			return true
		}
	}
	return false
}

// KeyInfo is the listing form of a key, without the hash.
type KeyInfo struct {
	KeyID       string    `json:"key_id"`
	Subject     string    `json:"subject"`
	Name        string    `json:"name"`
	Scopes      []string  `json:"scopes"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	LastUsedAt  time.Time `json:"last_used_at,omitzero"`
	UsageCount  int64     `json:"usage_count"`
	Active      bool      `json:"active"`
	Expired     bool      `json:"expired"`
	IPAllowlist []string  `json:"ip_allowlist,omitempty"`
}

func (k *APIKey) info(now time.Time) KeyInfo {
	return KeyInfo{
		KeyID:       k.KeyID,
		Subject:     k.Subject,
		Name:        k.Name,
		Scopes:      append([]string(nil), k.Scopes...),
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
		UsageCount:  k.UsageCount,
		Active:      k.Active,
		Expired:     k.ExpiredAt(now),
		IPAllowlist: append([]string(nil), k.IPAllowlist...),
	}
}

// randomToken returns n random bytes base64url-encoded without padding.
func randomToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
