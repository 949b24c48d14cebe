// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/mark3labs/mcp-go/server"

	"github.com/snowgate/snowgate/pkg/gateway/auth"
	"github.com/snowgate/snowgate/pkg/gateway/session"
)

// adminRateLimit bounds unauthenticated hits on the admin surface; the
// MCP path has its own per-client limiter.
const adminRateLimit = 100

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Timeout(s.cfg.HTTP.RequestTimeout),
		middleware.RequestSize(s.cfg.HTTP.MaxRequestSizeMB<<20),
	)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Mcp-Session-Id"},
		MaxAge:         300,
	}))

	authenticate := s.authMiddleware()

	streamable := server.NewStreamableHTTPServer(
		s.mcp,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if identity, ok := auth.IdentityFromContext(r.Context()); ok {
				ctx = auth.WithIdentity(ctx, identity)
			}
			return context.WithValue(ctx, transportKey{}, session.TransportHTTP)
		}),
	)
	r.With(authenticate).Handle("/mcp", streamable)
	r.With(authenticate).Handle("/mcp/*", streamable)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(admin chi.Router) {
		admin.Use(httprate.LimitByIP(adminRateLimit, time.Minute))
		admin.Use(authenticate)

		admin.Get("/status", s.handleStatus)

		admin.Route("/api/monitoring", func(m chi.Router) {
			m.Get("/queries", s.handleQueryStats)
			m.Get("/slow", s.handleSlowQueries)
			m.Get("/clients", s.handleClientStats)
			m.Get("/alerts", s.handleAlerts)
			m.Post("/alerts/{alertID}/acknowledge", s.handleAcknowledgeAlert)
			m.Post("/alerts/{alertID}/silence", s.handleSilenceAlert)
			m.Get("/system", s.handleSystem)
		})

		admin.Route("/api/auth", func(a chi.Router) {
			a.Get("/keys", s.handleListKeys)
			a.Post("/keys", s.handleCreateKey)
			a.Delete("/keys/{keyID}", s.handleRevokeKey)
		})
	})

	return r
}

// authMiddleware picks the credential middleware for the configured
// mode. With auth disabled every caller becomes the anonymous identity.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	if !s.cfg.Security.AuthEnabled {
		return auth.AnonymousMiddleware
	}
	return auth.Middleware(s.keys, s.jwts, "")
}
