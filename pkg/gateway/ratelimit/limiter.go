// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit shapes request and query traffic per client and in
// aggregate. Per-second and per-minute query rates ride token buckets;
// per-minute request and per-hour query rates ride sliding windows;
// concurrent requests are a gauge with explicit acquire and release.
// Global limits are evaluated before per-client ones, and the first
// limit to trip wins. The limiter reads the wall clock; the injectable
// now function exists for tests.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Limit type names carried inside RateLimitError.
const (
	LimitRequestsPerSecond  = "requests_per_second"
	LimitRequestsPerMinute  = "requests_per_minute"
	LimitQueriesPerMinute   = "queries_per_minute"
	LimitQueriesPerHour     = "queries_per_hour"
	LimitConcurrentRequests = "concurrent_requests"
)

// Limits carries the caps for one scope (a client, or the whole
// gateway). Zero disables a dimension.
type Limits struct {
	RequestsPerSecond      float64
	RequestsPerSecondBurst float64
	RequestsPerMinute      int
	QueriesPerMinute       float64
	QueriesPerMinuteBurst  float64
	QueriesPerHour         int
	ConcurrentRequests     int
}

// DefaultClientLimits returns the per-client production defaults.
func DefaultClientLimits() Limits {
	return Limits{
		RequestsPerSecond:      10,
		RequestsPerSecondBurst: 5,
		RequestsPerMinute:      300,
		QueriesPerMinute:       100,
		QueriesPerMinuteBurst:  20,
		QueriesPerHour:         1000,
		ConcurrentRequests:     5,
	}
}

// DefaultGlobalLimits returns the aggregate production defaults.
func DefaultGlobalLimits() Limits {
	return Limits{
		RequestsPerSecond:      100,
		RequestsPerSecondBurst: 50,
		RequestsPerMinute:      3000,
		QueriesPerMinute:       1000,
		QueriesPerMinuteBurst:  200,
		QueriesPerHour:         20000,
		ConcurrentRequests:     50,
	}
}

// scope is the limiter state of one client (or the global aggregate).
type scope struct {
	limits Limits
	rps    *tokenBucket
	rpm    *slidingWindow
	qpm    *tokenBucket
	qph    *slidingWindow

	mu         sync.Mutex
	concurrent int
}

func newScope(l Limits, now time.Time) *scope {
	s := &scope{limits: l}
	if l.RequestsPerSecond > 0 {
		s.rps = newTokenBucket(l.RequestsPerSecond, l.RequestsPerSecondBurst, time.Second, now)
	}
	if l.RequestsPerMinute > 0 {
		s.rpm = newSlidingWindow(l.RequestsPerMinute, time.Minute)
	}
	if l.QueriesPerMinute > 0 {
		s.qpm = newTokenBucket(l.QueriesPerMinute, l.QueriesPerMinuteBurst, time.Minute, now)
	}
	if l.QueriesPerHour > 0 {
		s.qph = newSlidingWindow(l.QueriesPerHour, time.Hour)
	}
	return s
}

// Stats counts limiter activity for the monitoring surface.
type Stats struct {
	Clients          int
	GlobalConcurrent int
	TripsByLimit     map[string]int64
	TotalChecks      int64
	TotalQueryChecks int64
}

// Limiter owns the global scope and one scope per client.
type Limiter struct {
	clientLimits Limits
	globalLimits Limits
	now          func() time.Time

	mu      sync.Mutex
	clients map[string]*scope
	global  *scope

	checks      int64
	queryChecks int64
	trips       map[string]int64
}

// Option tweaks limiter construction.
type Option func(*Limiter)

// WithClock injects the wall clock used for buckets and windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New builds a limiter with the given per-client and global caps.
func New(clientLimits, globalLimits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		clientLimits: clientLimits,
		globalLimits: globalLimits,
		now:          time.Now,
		clients:      make(map[string]*scope),
		trips:        make(map[string]int64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.global = newScope(globalLimits, l.now())
	return l
}

// SetClientLimits installs custom caps for one client, replacing any
// state it had accumulated.
func (l *Limiter) SetClientLimits(clientID string, limits Limits) {
	l.mu.Lock()
	l.clients[clientID] = newScope(limits, l.now())
	l.mu.Unlock()
	logger.Infow("client rate limits set", "client_id", clientID)
}

// CheckRequest admits one tool invocation, consuming the request-rate
// dimensions. Global limits are evaluated first; the first trip wins
// and nothing consumed by an earlier dimension is refunded.
func (l *Limiter) CheckRequest(clientID string) error {
	now := l.now()
	l.mu.Lock()
	l.checks++
	l.mu.Unlock()

	if err := l.checkRequestScope(l.global, now, "global_"); err != nil {
		return err
	}
	return l.checkRequestScope(l.scopeFor(clientID), now, "")
}

// CheckQuery admits one SQL statement, consuming the query-rate
// dimensions.
func (l *Limiter) CheckQuery(clientID string) error {
	now := l.now()
	l.mu.Lock()
	l.queryChecks++
	l.mu.Unlock()

	if err := l.checkQueryScope(l.global, now, "global_"); err != nil {
		return err
	}
	return l.checkQueryScope(l.scopeFor(clientID), now, "")
}

// AcquireRequestSlot books one concurrent-request slot, global then
// client. Callers must release the slot exactly once.
func (l *Limiter) AcquireRequestSlot(clientID string) error {
	if err := l.acquireSlot(l.global, "global_"); err != nil {
		return err
	}
	if err := l.acquireSlot(l.scopeFor(clientID), ""); err != nil {
		l.releaseSlot(l.global)
		return err
	}
	return nil
}

// ReleaseRequestSlot returns a concurrent-request slot.
func (l *Limiter) ReleaseRequestSlot(clientID string) {
	l.releaseSlot(l.scopeFor(clientID))
	l.releaseSlot(l.global)
}

// ConcurrentFor reports a client's live concurrent-request count.
func (l *Limiter) ConcurrentFor(clientID string) int {
	s := l.scopeFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrent
}

// Stats snapshots limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	trips := make(map[string]int64, len(l.trips))
	for k, v := range l.trips {
		trips[k] = v
	}
	l.global.mu.Lock()
	concurrent := l.global.concurrent
	l.global.mu.Unlock()
	return Stats{
		Clients:          len(l.clients),
		GlobalConcurrent: concurrent,
		TripsByLimit:     trips,
		TotalChecks:      l.checks,
		TotalQueryChecks: l.queryChecks,
	}
}

func (l *Limiter) scopeFor(clientID string) *scope {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.clients[clientID]; ok {
		return s
	}
	s := newScope(l.clientLimits, l.now())
	l.clients[clientID] = s
	return s
}

func (l *Limiter) checkRequestScope(s *scope, now time.Time, prefix string) error {
	if s.rps != nil {
		if ok, retry, current := s.rps.take(now, 1); !ok {
			return l.trip(prefix+LimitRequestsPerSecond, retry, current, s.rps.capacity)
		}
	}
	if s.rpm != nil {
		if ok, retry, current := s.rpm.allow(now); !ok {
			return l.trip(prefix+LimitRequestsPerMinute, retry, float64(current), float64(s.rpm.max))
		}
	}
	return nil
}

func (l *Limiter) checkQueryScope(s *scope, now time.Time, prefix string) error {
	if s.qpm != nil {
		if ok, retry, current := s.qpm.take(now, 1); !ok {
			return l.trip(prefix+LimitQueriesPerMinute, retry, current, s.qpm.capacity)
		}
	}
	if s.qph != nil {
		if ok, retry, current := s.qph.allow(now); !ok {
			return l.trip(prefix+LimitQueriesPerHour, retry, float64(current), float64(s.qph.max))
		}
	}
	return nil
}

func (l *Limiter) acquireSlot(s *scope, prefix string) error {
	if s.limits.ConcurrentRequests <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.concurrent >= s.limits.ConcurrentRequests {
		return l.trip(prefix+LimitConcurrentRequests, time.Second,
			float64(s.concurrent), float64(s.limits.ConcurrentRequests))
	}
	s.concurrent++
	return nil
}

// releaseSlot decrements the gauge, clamping at zero.
func (l *Limiter) releaseSlot(s *scope) {
	if s.limits.ConcurrentRequests <= 0 {
		return
	}
	s.mu.Lock()
	if s.concurrent > 0 {
		s.concurrent--
	}
	s.mu.Unlock()
}

func (l *Limiter) trip(limitType string, retry time.Duration, current, limit float64) error {
	l.mu.Lock()
	l.trips[limitType]++
	l.mu.Unlock()

	logger.Debugw("rate limit tripped",
		"limit_type", limitType,
		"current", fmt.Sprintf("%.0f", current),
		"limit", fmt.Sprintf("%.0f", limit),
		"retry_after", retry.Round(time.Millisecond))
	return &gateway.RateLimitError{
		LimitType:  limitType,
		RetryAfter: retry,
		Current:    current,
		Limit:      limit,
	}
}
