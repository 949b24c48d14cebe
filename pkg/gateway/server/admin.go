// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snowgate/snowgate/pkg/gateway/auth"
	"github.com/snowgate/snowgate/pkg/logger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// limitParam reads the ?limit= query parameter, bounded to [1, max].
func limitParam(r *http.Request, fallback, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(s.Uptime().Seconds()),
	})
}

// handleStatus reports a snapshot of every component's counters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(s.Uptime().Seconds()),
		"pool":           s.pool.Stats(),
		"sessions":       s.sessions.Stats(),
		"mux":            s.mux.Stats(),
		"requests":       s.registry.Stats(),
		"allocator":      s.allocator.Stats(),
		"rate_limits":    s.limiter.Stats(),
		"quotas":         s.quotas.Stats(),
		"breakers":       s.breakers.Metrics(),
		"isolation":      s.iso.Stats(),
		"queries":        s.tracker.Stats(),
		"alerts":         s.alerts.Stats(),
	})
}

func (s *Server) handleQueryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":  s.tracker.Stats(),
		"patterns": s.tracker.Patterns(limitParam(r, 20, 200)),
		"hourly":   s.tracker.Hourly(),
	})
}

func (s *Server) handleSlowQueries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.SlowQueries(limitParam(r, 50, 500)))
}

func (s *Server) handleClientStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Clients())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  s.alerts.Active(),
		"history": s.alerts.History(limitParam(r, 50, 500)),
		"stats":   s.alerts.Stats(),
	})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	if !s.alerts.Acknowledge(id) {
		writeError(w, http.StatusNotFound, "no active alert with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleSilenceAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	if !s.alerts.Silence(id) {
		writeError(w, http.StatusNotFound, "no active alert with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "silenced"})
}

func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sample":         s.system.Latest(),
		"uptime_seconds": int64(s.system.Uptime().Seconds()),
	})
}

// subject resolves the authenticated caller for key-management calls.
func subject(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.Subject
	}
	return ""
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeError(w, http.StatusNotImplemented, "API key management is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.keys.List(subject(r)))
}

type createKeyRequest struct {
	Name        string   `json:"name"`
	Scopes      []string `json:"scopes"`
	TTLSeconds  int64    `json:"ttl_seconds"`
	IPAllowlist []string `json:"ip_allowlist"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeError(w, http.StatusNotImplemented, "API key management is not enabled")
		return
	}
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{"read"}
	}

	plaintext, info, err := s.keys.CreateKey(
		subject(r), req.Name, req.Scopes,
		time.Duration(req.TTLSeconds)*time.Second, req.IPAllowlist)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The plaintext key is shown exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":  plaintext,
		"info": info,
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeError(w, http.StatusNotImplemented, "API key management is not enabled")
		return
	}
	keyID := chi.URLParam(r, "keyID")
	if err := s.keys.Revoke(keyID, subject(r)); err != nil {
		var authError *auth.AuthError
		status := http.StatusNotFound
		if errors.As(err, &authError) && authError.Code == "UNAUTHORIZED" {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
