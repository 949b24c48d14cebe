// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks one record per connected client session
// across transports. Records carry activity timestamps and the set of
// in-flight request ids; a background sweep evicts sessions that have
// been idle past the configured timeout, and a per-client cap evicts
// the oldest session when a client opens too many.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snowgate/snowgate/pkg/logger"
)

// Transport names how a session reached the gateway.
type Transport string

const (
	TransportStdio     Transport = "stdio"
	TransportHTTP      Transport = "streamable-http"
	TransportWebSocket Transport = "websocket"
)

// Config tunes session lifetime management.
type Config struct {
	SessionTimeout       time.Duration
	CleanupInterval      time.Duration
	MaxSessionsPerClient int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:       time.Hour,
		CleanupInterval:      5 * time.Minute,
		MaxSessionsPerClient: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.MaxSessionsPerClient <= 0 {
		c.MaxSessionsPerClient = d.MaxSessionsPerClient
	}
	return c
}

// Session is one client session record.
type Session struct {
	id        string
	clientID  string
	transport Transport
	createdAt time.Time

	mu             sync.Mutex
	lastActivity   time.Time
	requestCount   int64
	activeRequests map[string]struct{}
	metadata       map[string]string
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ClientID returns the owning client.
func (s *Session) ClientID() string { return s.clientID }

// Transport returns how the session connected.
func (s *Session) Transport() Transport { return s.transport }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the most recent touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// RequestCount returns how many requests the session has carried.
func (s *Session) RequestCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

// ActiveRequests returns the in-flight request ids.
func (s *Session) ActiveRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.activeRequests))
	for id := range s.activeRequests {
		out = append(out, id)
	}
	return out
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Session) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeRequests)
}

// Stats summarizes the manager's population.
type Stats struct {
	Total          int
	ByTransport    map[Transport]int
	ByClient       map[string]int
	TotalEvictions int64
}

// Manager owns the session records. Map bookkeeping is guarded by a
// single lock; per-record fields are guarded by the record's own lock.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	byClient map[string]map[string]struct{}

	totalEvictions int64
}

// NewManager builds an empty manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
		byClient: make(map[string]map[string]struct{}),
	}
}

// CreateSession registers a session for the client. When the client is
// at its session cap, the oldest session is evicted first.
func (m *Manager) CreateSession(clientID string, transport Transport, metadata map[string]string) *Session {
	now := time.Now()
	s := &Session{
		id:             uuid.NewString(),
		clientID:       clientID,
		transport:      transport,
		createdAt:      now,
		lastActivity:   now,
		activeRequests: make(map[string]struct{}),
		metadata:       make(map[string]string, len(metadata)),
	}
	for k, v := range metadata {
		s.metadata[k] = v
	}

	m.mu.Lock()
	owned := m.byClient[clientID]
	if owned == nil {
		owned = make(map[string]struct{})
		m.byClient[clientID] = owned
	}
	if len(owned) >= m.cfg.MaxSessionsPerClient {
		oldest := m.oldestLocked(owned)
		if oldest != nil {
			m.removeLocked(oldest.id)
			m.totalEvictions++
			logger.Infow("session cap reached, evicted oldest",
				"client_id", clientID, "evicted_session_id", oldest.id)
		}
	}
	m.sessions[s.id] = s
	m.byClient[clientID][s.id] = struct{}{}
	m.mu.Unlock()

	logger.Debugw("session created", "session_id", s.id, "client_id", clientID, "transport", transport)
	return s
}

// Get looks up a session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// AddRequest records an in-flight request on the session and refreshes
// its activity timestamp.
func (m *Manager) AddRequest(sessionID, requestID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.activeRequests[requestID] = struct{}{}
	s.requestCount++
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return true
}

// RemoveRequest clears an in-flight request from the session.
func (m *Manager) RemoveRequest(sessionID, requestID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	delete(s.activeRequests, requestID)
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Touch refreshes the activity timestamp.
func (m *Manager) Touch(sessionID string) {
	if s, ok := m.Get(sessionID); ok {
		s.touch()
	}
}

// CloseSession removes a session explicitly.
func (m *Manager) CloseSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	m.removeLocked(sessionID)
	return true
}

// SessionsForClient returns the client's live sessions.
func (m *Manager) SessionsForClient(clientID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byClient[clientID]))
	for id := range m.byClient[clientID] {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CleanupIdle evicts sessions idle past the timeout that have no
// in-flight requests. It returns how many were removed.
func (m *Manager) CleanupIdle() int {
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.idleFor() > m.cfg.SessionTimeout && s.activeCount() == 0 {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.removeLocked(id)
		m.totalEvictions++
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		logger.Infow("idle sessions evicted", "count", len(expired))
	}
	return len(expired)
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupIdle()
		}
	}
}

// Stats snapshots session counts by transport and client.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Total:          len(m.sessions),
		ByTransport:    make(map[Transport]int),
		ByClient:       make(map[string]int),
		TotalEvictions: m.totalEvictions,
	}
	for _, s := range m.sessions {
		st.ByTransport[s.transport]++
		st.ByClient[s.clientID]++
	}
	return st
}

// oldestLocked returns the oldest of the client's sessions. Callers
// hold m.mu.
func (m *Manager) oldestLocked(owned map[string]struct{}) *Session {
	var oldest *Session
	for id := range owned {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		if oldest == nil || s.createdAt.Before(oldest.createdAt) {
			oldest = s
		}
	}
	return oldest
}

// removeLocked unlinks a session from both maps. Callers hold m.mu.
func (m *Manager) removeLocked(sessionID string) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if owned, ok := m.byClient[s.clientID]; ok {
		delete(owned, sessionID)
		if len(owned) == 0 {
			delete(m.byClient, s.clientID)
		}
	}
}
