// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"sync"
)

// Well-known breaker names used by the gateway.
const (
	// BreakerConnection guards opening warehouse sessions.
	BreakerConnection = "warehouse_connection"
	// BreakerQuery guards statement execution.
	BreakerQuery = "database_query"
)

// Manager holds the named breakers of the process.
type Manager struct {
	defaults Config

	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
}

// NewManager builds a manager whose unnamed breakers use defaults.
func NewManager(defaults Config) *Manager {
	return &Manager{
		defaults: defaults.withDefaults(),
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]Config),
	}
}

// Configure sets a dedicated config for one breaker name. It only
// affects breakers created after the call.
func (m *Manager) Configure(name string, cfg Config) {
	m.mu.Lock()
	m.configs[name] = cfg.withDefaults()
	m.mu.Unlock()
}

// Get returns the named breaker, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	cfg, ok := m.configs[name]
	if !ok {
		cfg = m.defaults
	}
	b := New(name, cfg)
	m.breakers[name] = b
	return b
}

// ResetAll restores every breaker to a fresh closed state.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()
	for _, b := range breakers {
		b.Reset()
	}
}

// Metrics snapshots every breaker.
func (m *Manager) Metrics() []Metrics {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make([]Metrics, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Metrics())
	}
	return out
}

// OpenCount reports how many breakers are not closed right now.
func (m *Manager) OpenCount() int {
	n := 0
	for _, metrics := range m.Metrics() {
		if metrics.State != StateClosed {
			n++
		}
	}
	return n
}
