// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/snowgate/snowgate/pkg/logger"
)

// Middleware authenticates every request with either an X-API-Key
// header or an Authorization bearer credential. Gateway-issued keys
// (sgk_ prefix) go to the key manager; anything else is treated as a
// JWT when a verifier is configured. The resolved Identity is placed
// on the request context.
func Middleware(keys *Manager, jwts *JWTVerifier, requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := extractCredential(r)
			if credential == "" {
				writeAuthError(w, authErr("NO_CREDENTIALS", "no API key or bearer token provided"))
				return
			}

			identity, err := resolve(keys, jwts, credential, clientIP(r), requiredScope)
			if err != nil {
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func resolve(keys *Manager, jwts *JWTVerifier, credential, ip, requiredScope string) (*Identity, error) {
	if strings.HasPrefix(credential, keyPrefix) {
		if keys == nil {
			return nil, authErr("INVALID_API_KEY", "API key authentication disabled")
		}
		return keys.Authenticate(credential, ip, requiredScope)
	}

	if jwts == nil {
		return nil, authErr("INVALID_TOKEN", "bearer authentication disabled")
	}
	identity, err := jwts.Verify(credential)
	if err != nil {
		return nil, err
	}
	if requiredScope != "" && !identity.HasScope(requiredScope) {
		return nil, authErr("INSUFFICIENT_SCOPE", "scope "+requiredScope+" not granted")
	}
	return identity, nil
}

// extractCredential prefers X-API-Key, then the Authorization header
// with or without a Bearer prefix.
func extractCredential(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(header)
}

// clientIP takes the first X-Forwarded-For hop when present, else the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeAuthError maps an authentication failure to its HTTP shape.
func writeAuthError(w http.ResponseWriter, err error) {
	code := "AUTH_FAILED"
	message := "authentication failed"
	status := http.StatusUnauthorized

	var authError *AuthError
	if errors.As(err, &authError) {
		code = authError.Code
		message = authError.Message
		switch authError.Code {
		case "INSUFFICIENT_SCOPE", "IP_NOT_ALLOWED", "UNAUTHORIZED":
			status = http.StatusForbidden
		case "RATE_LIMITED", "SUBJECT_LOCKED":
			status = http.StatusTooManyRequests
			w.Header().Set("Retry-After", strconv.Itoa(int(authError.RetryAfter.Seconds())))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	}); encodeErr != nil {
		logger.Debugw("failed to write auth error response", "error", encodeErr)
	}
}

// AnonymousMiddleware attaches a wildcard anonymous identity. For
// development only; never enable it on an exposed listener.
func AnonymousMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := &Identity{
			Subject: "anonymous",
			Name:    "Anonymous User",
			Method:  MethodLocal,
			Scopes:  []string{"*"},
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}
