// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth authenticates callers of the gateway's HTTP surfaces.
// Two credential forms are accepted: gateway-issued API keys (hashed
// at rest, scoped, revocable) and bearer JWTs from an external issuer.
// Both resolve to an Identity carried on the request context.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
)

// Method is the credential form an identity authenticated with.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodBearer Method = "bearer_token"
	MethodLocal  Method = "local"
)

// Identity is an authenticated principal.
type Identity struct {
	// Subject is the unique identifier of the principal.
	Subject string

	// Name is the human-readable name, when known.
	Name string

	// Email is the principal's email, when known.
	Email string

	// Method records how the principal authenticated.
	Method Method

	// Scopes are the actions this credential may perform. A "*" entry
	// grants everything.
	Scopes []string

	// KeyID identifies the API key used, for API-key identities.
	KeyID string

	// Token is the raw credential for pass-through scenarios. Redacted
	// in String() and MarshalJSON() so it cannot leak through logs.
	Token string

	// Metadata carries additional identity information.
	Metadata map[string]string
}

// HasScope reports whether the identity may perform scope.
func (i *Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// String redacts everything but the subject.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q}", i.Subject)
}

// MarshalJSON redacts the raw credential.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}
	type safeIdentity struct {
		Subject  string            `json:"subject"`
		Name     string            `json:"name,omitempty"`
		Email    string            `json:"email,omitempty"`
		Method   Method            `json:"method"`
		Scopes   []string          `json:"scopes,omitempty"`
		KeyID    string            `json:"key_id,omitempty"`
		Token    string            `json:"token,omitempty"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	token := i.Token
	if token != "" {
		token = "REDACTED"
	}
	return json.Marshal(&safeIdentity{
		Subject:  i.Subject,
		Name:     i.Name,
		Email:    i.Email,
		Method:   i.Method,
		Scopes:   i.Scopes,
		KeyID:    i.KeyID,
		Token:    token,
		Metadata: i.Metadata,
	})
}

// IdentityContextKey keys the Identity on a request context. An empty
// struct type cannot collide with keys from other packages.
type IdentityContextKey struct{}

// WithIdentity stores an Identity in the context. A nil identity
// returns the context unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves the Identity, if one is present.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}
