// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures bearer-token validation against a shared
// secret.
type JWTConfig struct {
	// Secret is the HMAC signing secret. Required.
	Secret string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Audience, when set, must match the token's aud claim.
	Audience string
}

// JWTVerifier validates bearer tokens and maps their claims to an
// Identity.
type JWTVerifier struct {
	cfg JWTConfig
}

// NewJWTVerifier builds a verifier.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{cfg: cfg}, nil
}

// Verify parses and validates a bearer token. Failures are typed
// *AuthError.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.Secret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, authErr("INVALID_TOKEN", "bearer token rejected")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, authErr("INVALID_TOKEN", "unexpected claims shape")
	}
	return claimsToIdentity(claims, tokenString)
}

// claimsToIdentity maps validated claims onto an Identity. The sub
// claim is required.
func claimsToIdentity(claims jwt.MapClaims, token string) (*Identity, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, authErr("INVALID_TOKEN", "missing sub claim")
	}

	identity := &Identity{
		Subject: sub,
		Method:  MethodBearer,
		Scopes:  scopesFromClaims(claims),
		Token:   token,
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	return identity, nil
}

// scopesFromClaims accepts either an OAuth-style space-separated
// "scope" string or a "scopes" array.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		return strings.Fields(scope)
	}
	raw, ok := claims["scopes"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
