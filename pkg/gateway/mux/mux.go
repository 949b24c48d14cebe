// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package mux assigns pool connections to (client, request) pairs
// through leases. A lease released by a request is parked for a short
// reuse window so the client's next request can pick the same warm
// connection up again; a per-client affinity list of recent connection
// ids nudges the pool toward the same warehouse session even after the
// lease itself is gone. Affinity is a hint only, never a correctness
// requirement.
package mux

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/gateway/pool"
	"github.com/snowgate/snowgate/pkg/gateway/reqctx"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Config tunes lease lifetimes and caps.
type Config struct {
	MaxLeasesPerClient int
	MaxLeaseDuration   time.Duration
	ReuseWindow        time.Duration
	AffinitySize       int
	SweepInterval      time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLeasesPerClient: 5,
		MaxLeaseDuration:   5 * time.Minute,
		ReuseWindow:        30 * time.Second,
		AffinitySize:       3,
		SweepInterval:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLeasesPerClient <= 0 {
		c.MaxLeasesPerClient = d.MaxLeasesPerClient
	}
	if c.MaxLeaseDuration <= 0 {
		c.MaxLeaseDuration = d.MaxLeaseDuration
	}
	if c.ReuseWindow <= 0 {
		c.ReuseWindow = d.ReuseWindow
	}
	if c.AffinitySize <= 0 {
		c.AffinitySize = d.AffinitySize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Lease ties a pool connection to a client for a stretch of requests.
// A lease is attached while a request holds it and parked in between.
type Lease struct {
	id        string
	clientID  string
	requestID string
	conn      *pool.PooledConn
	createdAt time.Time
	lastUsed  time.Time
	opCount   int64
	parked    bool
	expired   bool
}

// ID returns the lease identifier.
func (l *Lease) ID() string { return l.id }

// ClientID returns the owning client.
func (l *Lease) ClientID() string { return l.clientID }

// Conn returns the leased pool connection.
func (l *Lease) Conn() *pool.PooledConn { return l.conn }

// ConnectionID returns the leased connection's id.
func (l *Lease) ConnectionID() string { return l.conn.ID() }

// Stats counts multiplexer activity.
type Stats struct {
	Attached    int
	Parked      int
	CacheHits   int64
	CacheMisses int64
	Evictions   int64
	Expired     int64
}

// Mux hands out leases. All lease and affinity bookkeeping is guarded
// by one lock; pool acquire and release happen outside it.
type Mux struct {
	cfg  Config
	pool *pool.Pool

	mu       sync.Mutex
	leases   map[string]*Lease
	byClient map[string]map[string]*Lease
	affinity map[string][]string
	closed   bool

	cacheHits   int64
	cacheMisses int64
	evictions   int64
	expired     int64
}

// New builds a multiplexer over the pool.
func New(cfg Config, p *pool.Pool) *Mux {
	return &Mux{
		cfg:      cfg.withDefaults(),
		pool:     p,
		leases:   make(map[string]*Lease),
		byClient: make(map[string]map[string]*Lease),
		affinity: make(map[string][]string),
	}
}

// Acquire returns a lease for the request, reusing a parked lease of
// the same client when one is fresh enough, otherwise acquiring a new
// connection from the pool (preferring the client's recent connections).
func (m *Mux) Acquire(ctx context.Context, clientID, requestID string) (*Lease, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, gateway.ErrPoolClosed
	}

	if l := m.reusableLocked(clientID); l != nil {
		l.parked = false
		l.requestID = requestID
		l.lastUsed = time.Now()
		l.opCount++
		m.cacheHits++
		m.mu.Unlock()
		l.conn.Touch()
		logger.Debugw("lease reused", "lease_id", l.id, "client_id", clientID, "request_id", requestID)
		return l, nil
	}

	m.cacheMisses++
	var evict *Lease
	if owned := m.byClient[clientID]; len(owned) >= m.cfg.MaxLeasesPerClient {
		evict = m.oldestLocked(owned, true)
		if evict == nil {
			evict = m.oldestLocked(owned, false)
		}
		if evict != nil {
			m.removeLocked(evict)
			m.evictions++
		}
	}
	preferred := append([]string(nil), m.affinity[clientID]...)
	m.mu.Unlock()

	if evict != nil && evict.parked {
		m.pool.Release(evict.conn)
	}

	pc, err := m.pool.Acquire(ctx, preferred...)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	l := &Lease{
		id:        "lease-" + uuid.NewString(),
		clientID:  clientID,
		requestID: requestID,
		conn:      pc,
		createdAt: now,
		lastUsed:  now,
		opCount:   1,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.pool.Release(pc)
		return nil, gateway.ErrPoolClosed
	}
	m.leases[l.id] = l
	owned := m.byClient[clientID]
	if owned == nil {
		owned = make(map[string]*Lease)
		m.byClient[clientID] = owned
	}
	owned[l.id] = l
	m.rememberLocked(clientID, pc.ID())
	m.mu.Unlock()

	logger.Debugw("lease created", "lease_id", l.id, "client_id", clientID, "connection_id", pc.ID())
	return l, nil
}

// Borrow acquires a lease for the ambient request and adapts it to
// the connection-source shape database-operation scopes consume. The
// client and request ids come from the request context.
func (m *Mux) Borrow(ctx context.Context) (*pool.PooledConn, func(), error) {
	l, err := m.Acquire(ctx, reqctx.ClientID(ctx), reqctx.RequestID(ctx))
	if err != nil {
		return nil, nil, err
	}
	return l.Conn(), func() { m.Release(l) }, nil
}

// Release detaches the request from its lease. Healthy leases are
// parked for the reuse window; expired or unhealthy ones return their
// connection to the pool immediately.
func (m *Mux) Release(l *Lease) {
	m.mu.Lock()
	tracked, ok := m.leases[l.id]
	if !ok || m.closed {
		m.mu.Unlock()
		// Evicted or shut down while attached; the connection still goes
		// back exactly once.
		m.pool.Release(l.conn)
		return
	}

	tracked.requestID = ""
	tracked.lastUsed = time.Now()
	if tracked.expired || !tracked.conn.Healthy() {
		m.removeLocked(tracked)
		if tracked.expired {
			m.expired++
		}
		m.mu.Unlock()
		m.pool.Release(tracked.conn)
		return
	}

	tracked.parked = true
	m.rememberLocked(tracked.clientID, tracked.conn.ID())
	m.mu.Unlock()
}

// Sweep ages out parked leases past the reuse window and flags attached
// leases past the maximum lease duration so they retire on release. It
// returns how many parked leases were released.
func (m *Mux) Sweep() int {
	now := time.Now()

	m.mu.Lock()
	var drop []*Lease
	for _, l := range m.leases {
		if l.parked {
			if now.Sub(l.lastUsed) > m.cfg.ReuseWindow ||
				now.Sub(l.createdAt) > m.cfg.MaxLeaseDuration ||
				!l.conn.Healthy() {
				drop = append(drop, l)
			}
			continue
		}
		if now.Sub(l.createdAt) > m.cfg.MaxLeaseDuration {
			l.expired = true
		}
	}
	for _, l := range drop {
		m.removeLocked(l)
		m.expired++
	}
	m.mu.Unlock()

	for _, l := range drop {
		m.pool.Release(l.conn)
	}
	if len(drop) > 0 {
		logger.Debugw("parked leases swept", "count", len(drop))
	}
	return len(drop)
}

// Run sweeps on an interval until ctx is done.
func (m *Mux) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close parks nothing further and releases every parked lease. Attached
// leases drain through Release.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var parked []*Lease
	for _, l := range m.leases {
		if l.parked {
			parked = append(parked, l)
		}
	}
	for _, l := range parked {
		m.removeLocked(l)
	}
	m.mu.Unlock()

	for _, l := range parked {
		m.pool.Release(l.conn)
	}
}

// Affinity returns the client's recent connection ids, most recent
// first.
func (m *Mux) Affinity(clientID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.affinity[clientID]...)
}

// Stats snapshots lease counts and hit rates.
func (m *Mux) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		CacheHits:   m.cacheHits,
		CacheMisses: m.cacheMisses,
		Evictions:   m.evictions,
		Expired:     m.expired,
	}
	for _, l := range m.leases {
		if l.parked {
			s.Parked++
		} else {
			s.Attached++
		}
	}
	return s
}

// reusableLocked finds the most recently used parked lease still inside
// the reuse window. Callers hold m.mu.
func (m *Mux) reusableLocked(clientID string) *Lease {
	now := time.Now()
	var best *Lease
	for _, l := range m.byClient[clientID] {
		if !l.parked || l.expired {
			continue
		}
		if now.Sub(l.lastUsed) > m.cfg.ReuseWindow || now.Sub(l.createdAt) > m.cfg.MaxLeaseDuration {
			continue
		}
		if !l.conn.Healthy() {
			continue
		}
		if best == nil || l.lastUsed.After(best.lastUsed) {
			best = l
		}
	}
	return best
}

// oldestLocked picks the client's oldest lease, optionally only among
// parked ones. Callers hold m.mu.
func (m *Mux) oldestLocked(owned map[string]*Lease, parkedOnly bool) *Lease {
	var oldest *Lease
	for _, l := range owned {
		if parkedOnly && !l.parked {
			continue
		}
		if oldest == nil || l.createdAt.Before(oldest.createdAt) {
			oldest = l
		}
	}
	return oldest
}

// removeLocked unlinks a lease. Callers hold m.mu.
func (m *Mux) removeLocked(l *Lease) {
	delete(m.leases, l.id)
	if owned, ok := m.byClient[l.clientID]; ok {
		delete(owned, l.id)
		if len(owned) == 0 {
			delete(m.byClient, l.clientID)
		}
	}
}

// rememberLocked pushes a connection id to the front of the client's
// affinity list. Callers hold m.mu.
func (m *Mux) rememberLocked(clientID, connID string) {
	list := m.affinity[clientID]
	out := make([]string, 0, m.cfg.AffinitySize)
	out = append(out, connID)
	for _, id := range list {
		if id != connID && len(out) < m.cfg.AffinitySize {
			out = append(out, id)
		}
	}
	m.affinity[clientID] = out
}
