// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota enforces period-based usage caps per client and in
// aggregate. Each quota resets on its period boundary (hour, day, week
// starting Monday, month, or a custom interval); unused allowance may
// roll halfway into the next period, and a burst allowance tolerates
// short overruns. Crossing the soft limit warns once per period;
// crossing the effective limit raises QuotaExceededError with the next
// reset time. Check-and-consume is atomic per client, and unlike rate
// tokens, quota consumed by a request that later fails is refunded.
package quota

import (
	"sync"
	"time"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Quota type names used across the gateway.
const (
	TypeRequestsPerHour       = "requests_per_hour"
	TypeRequestsPerDay        = "requests_per_day"
	TypeQueriesPerHour        = "queries_per_hour"
	TypeDataTransferMB        = "data_transfer_mb"
	TypeConcurrentConnections = "concurrent_connections"
)

const defaultSoftLimitFraction = 0.8

// Def declares one quota.
type Def struct {
	Type   string
	Limit  float64
	Period Period
	// CustomPeriod is the interval for PeriodCustom.
	CustomPeriod time.Duration
	// SoftLimitFraction of the base limit triggers a one-shot warning.
	// Zero means 0.8.
	SoftLimitFraction float64
	// BurstAllowance tolerated above the base limit; burst spent clears
	// on reset.
	BurstAllowance float64
	// Rollover carries up to half the unused limit into the next period.
	Rollover bool
}

func (d Def) softLimit() float64 {
	f := d.SoftLimitFraction
	if f <= 0 {
		f = defaultSoftLimitFraction
	}
	return d.Limit * f
}

// DefaultClientDefs returns the per-client production quotas.
func DefaultClientDefs() []Def {
	return []Def{
		{Type: TypeRequestsPerHour, Limit: 1000, Period: PeriodHourly, BurstAllowance: 100},
		{Type: TypeRequestsPerDay, Limit: 10000, Period: PeriodDaily, Rollover: true},
		{Type: TypeQueriesPerHour, Limit: 500, Period: PeriodHourly, BurstAllowance: 50},
		{Type: TypeDataTransferMB, Limit: 1024, Period: PeriodDaily},
		{Type: TypeConcurrentConnections, Limit: 10, Period: PeriodDaily},
	}
}

// DefaultGlobalDefs returns the aggregate production quotas.
func DefaultGlobalDefs() []Def {
	return []Def{
		{Type: TypeRequestsPerHour, Limit: 100000, Period: PeriodHourly},
		{Type: TypeQueriesPerHour, Limit: 50000, Period: PeriodHourly},
		{Type: TypeConcurrentConnections, Limit: 1000, Period: PeriodDaily},
	}
}

// usageRecord is one line of the bounded usage history.
type usageRecord struct {
	At     time.Time
	Amount float64
}

const maxHistory = 500

// usage is the live state of one (scope, quota type) pair.
type usage struct {
	def       Def
	current   float64
	peak      float64
	burstUsed float64
	rollover  float64
	lastReset time.Time
	warned    bool
	exceeded  bool
	history   []usageRecord
}

func (u *usage) effectiveLimit() float64 {
	return u.def.Limit + u.rollover + u.def.BurstAllowance
}

// resetIfDue rolls the usage into a new period when its boundary has
// passed. Idempotent within a period.
func (u *usage) resetIfDue(now time.Time) {
	start := periodStart(u.def.Period, u.def.CustomPeriod, now)
	if !start.After(u.lastReset) {
		return
	}
	if u.def.Rollover {
		unused := u.def.Limit - u.current
		if unused < 0 {
			unused = 0
		}
		if half := u.def.Limit / 2; unused > half {
			unused = half
		}
		u.rollover = unused
	} else {
		u.rollover = 0
	}
	u.current = 0
	u.burstUsed = 0
	u.warned = false
	u.exceeded = false
	u.lastReset = start
}

// Snapshot is a read-only copy of one quota's state.
type Snapshot struct {
	Type           string
	Current        float64
	Peak           float64
	Limit          float64
	EffectiveLimit float64
	BurstUsed      float64
	Rollover       float64
	Warned         bool
	Exceeded       bool
	LastReset      time.Time
	NextReset      time.Time
}

// scope bundles the quotas of one client (or the global aggregate)
// behind one lock, which is what makes check-and-consume atomic per
// client.
type scope struct {
	mu     sync.Mutex
	byType map[string]*usage
}

func newScope(defs []Def, now time.Time) *scope {
	s := &scope{byType: make(map[string]*usage, len(defs))}
	for _, def := range defs {
		s.byType[def.Type] = &usage{
			def:       def,
			lastReset: periodStart(def.Period, def.CustomPeriod, now),
		}
	}
	return s
}

// Manager owns the global scope and one scope per client.
type Manager struct {
	clientDefs []Def
	globalDefs []Def
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]*scope
	global  *scope

	warnings int64
	denials  int64
}

// Option tweaks manager construction.
type Option func(*Manager)

// WithClock injects the wall clock used for period boundaries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a quota manager with the given client and global
// definitions.
func NewManager(clientDefs, globalDefs []Def, opts ...Option) *Manager {
	m := &Manager{
		clientDefs: clientDefs,
		globalDefs: globalDefs,
		now:        time.Now,
		clients:    make(map[string]*scope),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.global = newScope(globalDefs, m.now())
	return m
}

// SetClientDefs installs custom quotas for one client, discarding any
// accumulated usage.
func (m *Manager) SetClientDefs(clientID string, defs []Def) {
	m.mu.Lock()
	m.clients[clientID] = newScope(defs, m.now())
	m.mu.Unlock()
	logger.Infow("client quotas set", "client_id", clientID)
}

// Consume books amount against the client's quota of the given type.
// The global layer is checked and consumed first; a global denial takes
// precedence over any client allowance, and a client denial rolls the
// global consumption back.
func (m *Manager) Consume(clientID, quotaType string, amount float64) error {
	now := m.now()
	if err := m.consumeScope(m.global, quotaType, amount, now, "global"); err != nil {
		return err
	}
	if err := m.consumeScope(m.scopeFor(clientID), quotaType, amount, now, clientID); err != nil {
		m.refundScope(m.global, quotaType, amount, now)
		return err
	}
	return nil
}

// Refund returns previously consumed quota, client and global. Requests
// that fail after consuming get their quota back.
func (m *Manager) Refund(clientID, quotaType string, amount float64) {
	now := m.now()
	m.refundScope(m.scopeFor(clientID), quotaType, amount, now)
	m.refundScope(m.global, quotaType, amount, now)
}

// UsageFor snapshots every quota of one client.
func (m *Manager) UsageFor(clientID string) []Snapshot {
	return m.snapshotScope(m.scopeFor(clientID))
}

// GlobalUsage snapshots the aggregate quotas.
func (m *Manager) GlobalUsage() []Snapshot {
	return m.snapshotScope(m.global)
}

// Stats reports manager-level counters.
type Stats struct {
	Clients  int
	Warnings int64
	Denials  int64
}

// Stats snapshots the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Clients: len(m.clients), Warnings: m.warnings, Denials: m.denials}
}

func (m *Manager) scopeFor(clientID string) *scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.clients[clientID]; ok {
		return s
	}
	s := newScope(m.clientDefs, m.now())
	m.clients[clientID] = s
	return s
}

func (m *Manager) consumeScope(s *scope, quotaType string, amount float64, now time.Time, who string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byType[quotaType]
	if !ok {
		// No quota of this type declared for the scope.
		return nil
	}
	u.resetIfDue(now)

	if u.current+amount > u.effectiveLimit() {
		u.exceeded = true
		m.mu.Lock()
		m.denials++
		m.mu.Unlock()
		nextReset := periodEnd(u.def.Period, u.def.CustomPeriod, u.lastReset)
		logger.Warnw("quota exceeded", "scope", who, "quota_type", quotaType,
			"current", u.current, "requested", amount, "limit", u.effectiveLimit())
		return &gateway.QuotaExceededError{
			QuotaType:    quotaType,
			Requested:    amount,
			CurrentUsage: u.current,
			Limit:        u.effectiveLimit(),
			NextReset:    nextReset,
		}
	}

	u.current += amount
	if u.current > u.peak {
		u.peak = u.current
	}
	if over := u.current - (u.def.Limit + u.rollover); over > u.burstUsed {
		u.burstUsed = over
	}
	u.history = append(u.history, usageRecord{At: now, Amount: amount})
	if len(u.history) > maxHistory {
		u.history = u.history[len(u.history)-maxHistory:]
	}

	if !u.warned && u.current >= u.def.softLimit() {
		u.warned = true
		m.mu.Lock()
		m.warnings++
		m.mu.Unlock()
		logger.Warnw("quota soft limit crossed", "scope", who, "quota_type", quotaType,
			"current", u.current, "soft_limit", u.def.softLimit(), "limit", u.def.Limit)
	}
	return nil
}

func (m *Manager) refundScope(s *scope, quotaType string, amount float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byType[quotaType]
	if !ok {
		return
	}
	u.resetIfDue(now)
	u.current -= amount
	if u.current < 0 {
		u.current = 0
	}
	if over := u.current - (u.def.Limit + u.rollover); over < u.burstUsed {
		if over < 0 {
			over = 0
		}
		u.burstUsed = over
	}
}

func (m *Manager) snapshotScope(s *scope) []Snapshot {
	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.byType))
	for _, u := range s.byType {
		u.resetIfDue(now)
		out = append(out, Snapshot{
			Type:           u.def.Type,
			Current:        u.current,
			Peak:           u.peak,
			Limit:          u.def.Limit,
			EffectiveLimit: u.effectiveLimit(),
			BurstUsed:      u.burstUsed,
			Rollover:       u.rollover,
			Warned:         u.warned,
			Exceeded:       u.exceeded,
			LastReset:      u.lastReset,
			NextReset:      periodEnd(u.def.Period, u.def.CustomPeriod, u.lastReset),
		})
	}
	return out
}
