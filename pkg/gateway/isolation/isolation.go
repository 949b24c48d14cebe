// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package isolation keeps clients inside their lane. Each client gets a
// profile (isolation level, resource caps, database and schema
// allow-lists, scheduling weight) and each request a live context that
// accounts the resources it holds. Checks run against the profile plus
// any registered custom validators; the first failure short-circuits.
// An empty allow-list means no restriction.
package isolation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Level grades how tightly a client is boxed in.
type Level string

const (
	LevelStrict   Level = "strict"
	LevelModerate Level = "moderate"
	LevelRelaxed  Level = "relaxed"
)

// Resource names used by the per-client caps.
const (
	ResourceConnections        = "connections"
	ResourceMemoryMB           = "memory_mb"
	ResourceConcurrentRequests = "concurrent_requests"
)

// Profile is the isolation policy for one client.
type Profile struct {
	ClientID              string
	Level                 Level
	MaxConcurrentRequests int64
	MaxConnections        int64
	MaxQueryDuration      time.Duration
	MaxResultRows         int
	AllowedDatabases      []string
	AllowedSchemas        []string
	RequestsPerMinute     int
	MaxMemoryMB           int64
	Priority              int
	Weight                float64
	Namespace             string
}

// DefaultProfile returns the preset for an isolation level.
func DefaultProfile(clientID string, level Level) Profile {
	p := Profile{
		ClientID:  clientID,
		Level:     level,
		Namespace: "client_" + clientID,
	}
	switch level {
	case LevelStrict:
		p.MaxConcurrentRequests = 2
		p.MaxConnections = 1
		p.MaxQueryDuration = 30 * time.Second
		p.MaxResultRows = 1_000
		p.RequestsPerMinute = 30
		p.MaxMemoryMB = 256
		p.Priority = 1
		p.Weight = 1
	case LevelRelaxed:
		p.MaxConcurrentRequests = 10
		p.MaxConnections = 5
		p.MaxQueryDuration = 5 * time.Minute
		p.MaxResultRows = 100_000
		p.RequestsPerMinute = 300
		p.MaxMemoryMB = 2048
		p.Priority = 8
		p.Weight = 4
	default: // moderate
		p.Level = LevelModerate
		p.MaxConcurrentRequests = 5
		p.MaxConnections = 3
		p.MaxQueryDuration = 2 * time.Minute
		p.MaxResultRows = 10_000
		p.RequestsPerMinute = 120
		p.MaxMemoryMB = 512
		p.Priority = 5
		p.Weight = 2
	}
	return p
}

// Context is the live accounting record for one request.
type Context struct {
	ClientID  string
	RequestID string
	StartTime time.Time

	resources map[string]int64
}

// Held reports the amount of a resource the request currently holds.
func (c *Context) Held(resource string) int64 {
	return c.resources[resource]
}

// DatabaseValidator is a custom database access check. Returning an
// error denies access.
type DatabaseValidator func(clientID, database string) error

// SchemaValidator is a custom schema access check.
type SchemaValidator func(clientID, database, schema string) error

// ResourceLimiter is a custom resource admission check. current is the
// client's usage before the new amount.
type ResourceLimiter func(clientID, resource string, amount, current int64) error

// Stats counts manager activity.
type Stats struct {
	Profiles          int
	ActiveContexts    int
	AccessDenials     int64
	ResourceThrottles int64
}

// Manager stores profiles and enforces them. One lock guards all maps;
// validators run outside it.
type Manager struct {
	defaultLevel Level

	mu       sync.Mutex
	profiles map[string]Profile
	contexts map[string]*Context
	usage    map[string]map[string]int64

	dbValidators     []DatabaseValidator
	schemaValidators []SchemaValidator
	limiters         []ResourceLimiter

	accessDenials     int64
	resourceThrottles int64
}

// NewManager builds a manager that hands unknown clients a default
// profile of the given level.
func NewManager(defaultLevel Level) *Manager {
	if defaultLevel == "" {
		defaultLevel = LevelModerate
	}
	return &Manager{
		defaultLevel: defaultLevel,
		profiles:     make(map[string]Profile),
		contexts:     make(map[string]*Context),
		usage:        make(map[string]map[string]int64),
	}
}

// SetProfile installs or replaces a client's profile. Schema allow-list
// entries are either "SCHEMA" or "DATABASE.SCHEMA"; schema names that
// themselves contain a dot cannot be expressed in this encoding and are
// rejected.
func (m *Manager) SetProfile(p Profile) error {
	if p.ClientID == "" {
		return fmt.Errorf("%w: isolation profile needs a client id", gateway.ErrInvalidConfig)
	}
	for _, entry := range p.AllowedSchemas {
		if strings.Count(entry, ".") > 1 {
			return fmt.Errorf("%w: allowed schema %q: dotted schema names are not supported", gateway.ErrInvalidConfig, entry)
		}
	}
	if p.Namespace == "" {
		p.Namespace = "client_" + p.ClientID
	}
	if p.Weight <= 0 {
		p.Weight = 1
	}

	m.mu.Lock()
	m.profiles[p.ClientID] = p
	m.mu.Unlock()
	logger.Infow("isolation profile set", "client_id", p.ClientID, "level", p.Level)
	return nil
}

// ProfileFor returns the client's profile, creating the default preset
// on first sight.
func (m *Manager) ProfileFor(clientID string) Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileLocked(clientID)
}

func (m *Manager) profileLocked(clientID string) Profile {
	if p, ok := m.profiles[clientID]; ok {
		return p
	}
	p := DefaultProfile(clientID, m.defaultLevel)
	m.profiles[clientID] = p
	return p
}

// BeginRequest opens a live isolation context for the request.
func (m *Manager) BeginRequest(clientID, requestID string) *Context {
	c := &Context{
		ClientID:  clientID,
		RequestID: requestID,
		StartTime: time.Now(),
		resources: make(map[string]int64),
	}
	m.mu.Lock()
	m.contexts[requestID] = c
	m.mu.Unlock()
	return c
}

// EndRequest tears the context down, returning anything it still holds
// to the client's usage counters.
func (m *Manager) EndRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[requestID]
	if !ok {
		return
	}
	delete(m.contexts, requestID)
	for resource, amount := range c.resources {
		m.releaseLocked(c.ClientID, resource, amount)
	}
}

// ValidateDatabaseAccess checks the client may touch the database.
func (m *Manager) ValidateDatabaseAccess(clientID, database string) error {
	m.mu.Lock()
	p := m.profileLocked(clientID)
	validators := m.dbValidators
	m.mu.Unlock()

	if len(p.AllowedDatabases) > 0 && !containsFold(p.AllowedDatabases, database) {
		return m.deny(clientID, fmt.Sprintf("database %q is not in the allow-list", database))
	}
	for _, v := range validators {
		if err := v(clientID, database); err != nil {
			return m.deny(clientID, err.Error())
		}
	}
	return nil
}

// ValidateSchemaAccess checks the client may touch the schema. Entries
// match either bare ("PUBLIC") or qualified ("ANALYTICS.PUBLIC").
func (m *Manager) ValidateSchemaAccess(clientID, database, schema string) error {
	if err := m.ValidateDatabaseAccess(clientID, database); err != nil {
		return err
	}

	m.mu.Lock()
	p := m.profileLocked(clientID)
	validators := m.schemaValidators
	m.mu.Unlock()

	if len(p.AllowedSchemas) > 0 {
		qualified := database + "." + schema
		if !containsFold(p.AllowedSchemas, schema) && !containsFold(p.AllowedSchemas, qualified) {
			return m.deny(clientID, fmt.Sprintf("schema %q is not in the allow-list", qualified))
		}
	}
	for _, v := range validators {
		if err := v(clientID, database, schema); err != nil {
			return m.deny(clientID, err.Error())
		}
	}
	return nil
}

// CheckResourceLimit reports whether the client could take amount more
// of the resource without breaching its caps. It does not consume.
func (m *Manager) CheckResourceLimit(clientID, resource string, amount int64) error {
	m.mu.Lock()
	p := m.profileLocked(clientID)
	current := m.usage[clientID][resource]
	limiters := m.limiters
	m.mu.Unlock()

	if err := m.runLimiters(limiters, clientID, resource, amount, current); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admitLocked(p, clientID, resource, amount)
}

// AcquireResource consumes an amount of the resource for the request,
// after the same admission checks as CheckResourceLimit. The cap check
// and the consume share one critical section so concurrent requests
// cannot race past a cap together.
func (m *Manager) AcquireResource(requestID, clientID, resource string, amount int64) error {
	m.mu.Lock()
	p := m.profileLocked(clientID)
	current := m.usage[clientID][resource]
	limiters := m.limiters
	m.mu.Unlock()

	if err := m.runLimiters(limiters, clientID, resource, amount, current); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admitLocked(p, clientID, resource, amount); err != nil {
		return err
	}

	clientUsage := m.usage[clientID]
	if clientUsage == nil {
		clientUsage = make(map[string]int64)
		m.usage[clientID] = clientUsage
	}
	clientUsage[resource] += amount
	if c, ok := m.contexts[requestID]; ok {
		c.resources[resource] += amount
	}
	return nil
}

// ReleaseResource returns an amount of the resource. Counters never go
// below zero.
func (m *Manager) ReleaseResource(requestID, clientID, resource string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.contexts[requestID]; ok {
		c.resources[resource] -= amount
		if c.resources[resource] <= 0 {
			delete(c.resources, resource)
		}
	}
	m.releaseLocked(clientID, resource, amount)
}

// UsageFor returns a copy of the client's live resource usage.
func (m *Manager) UsageFor(clientID string) map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.usage[clientID]))
	for k, v := range m.usage[clientID] {
		out[k] = v
	}
	return out
}

// RegisterDatabaseValidator adds a custom database check.
func (m *Manager) RegisterDatabaseValidator(v DatabaseValidator) {
	m.mu.Lock()
	m.dbValidators = append(m.dbValidators, v)
	m.mu.Unlock()
}

// RegisterSchemaValidator adds a custom schema check.
func (m *Manager) RegisterSchemaValidator(v SchemaValidator) {
	m.mu.Lock()
	m.schemaValidators = append(m.schemaValidators, v)
	m.mu.Unlock()
}

// RegisterResourceLimiter adds a custom resource admission check.
func (m *Manager) RegisterResourceLimiter(l ResourceLimiter) {
	m.mu.Lock()
	m.limiters = append(m.limiters, l)
	m.mu.Unlock()
}

// Stats snapshots the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Profiles:          len(m.profiles),
		ActiveContexts:    len(m.contexts),
		AccessDenials:     m.accessDenials,
		ResourceThrottles: m.resourceThrottles,
	}
}

// admitLocked applies the profile cap against live usage. Callers hold
// m.mu.
func (m *Manager) admitLocked(p Profile, clientID, resource string, amount int64) error {
	current := m.usage[clientID][resource]
	limit := capFor(p, resource)
	if limit > 0 && current+amount > limit {
		m.resourceThrottles++
		logger.Debugw("resource limit hit", "client_id", clientID, "resource", resource,
			"current", current, "requested", amount, "limit", limit)
		return &gateway.AccessDeniedError{
			ClientID: clientID,
			Reason:   fmt.Sprintf("%s limit reached (%d of %d in use)", resource, current, limit),
		}
	}
	return nil
}

func (m *Manager) runLimiters(limiters []ResourceLimiter, clientID, resource string, amount, current int64) error {
	for _, l := range limiters {
		if err := l(clientID, resource, amount, current); err != nil {
			m.mu.Lock()
			m.resourceThrottles++
			m.mu.Unlock()
			return &gateway.AccessDeniedError{ClientID: clientID, Reason: err.Error()}
		}
	}
	return nil
}

func (m *Manager) deny(clientID, reason string) error {
	m.mu.Lock()
	m.accessDenials++
	m.mu.Unlock()
	logger.Warnw("access denied", "client_id", clientID, "reason", reason)
	return &gateway.AccessDeniedError{ClientID: clientID, Reason: reason}
}

// releaseLocked decrements a usage counter, clamping at zero. Callers
// hold m.mu.
func (m *Manager) releaseLocked(clientID, resource string, amount int64) {
	clientUsage := m.usage[clientID]
	if clientUsage == nil {
		return
	}
	clientUsage[resource] -= amount
	if clientUsage[resource] <= 0 {
		delete(clientUsage, resource)
	}
	if len(clientUsage) == 0 {
		delete(m.usage, clientID)
	}
}

func capFor(p Profile, resource string) int64 {
	switch resource {
	case ResourceConnections:
		return p.MaxConnections
	case ResourceMemoryMB:
		return p.MaxMemoryMB
	case ResourceConcurrentRequests:
		return p.MaxConcurrentRequests
	default:
		return 0
	}
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
