// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package alloc hands out typed resources (connections, memory,
// cpu slots) to clients under a pluggable fairness strategy. Requests
// that do not fit immediately wait in a priority queue; a background
// drain grants them as capacity frees, and requests that outlive their
// max wait are dropped. The sum of grants never exceeds a pool's
// capacity.
package alloc

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Strategy selects the fairness rule applied on top of raw capacity.
type Strategy string

const (
	// StrategyFairShare caps each client at an equal slice of capacity.
	StrategyFairShare Strategy = "fair_share"
	// StrategyPriority lets high-priority requests dip into the reserved
	// fraction; everyone else sees capacity minus the reserve.
	StrategyPriority Strategy = "priority"
	// StrategyWeightedFair sizes each client's slice by its weight.
	StrategyWeightedFair Strategy = "weighted_fair"
	// StrategyRoundRobin refuses clients that dominate recent grants.
	StrategyRoundRobin Strategy = "round_robin"
)

// Resource pool names used across the gateway.
const (
	ResourceConnections = "connections"
	ResourceMemoryMB    = "memory_mb"
	ResourceCPUCores    = "cpu_cores"
)

// PoolConfig sizes one typed resource pool.
type PoolConfig struct {
	Resource         string
	Capacity         int64
	ReservedFraction float64
	MinAllocation    int64
	AllocationUnit   int64
}

// Config tunes the allocator.
type Config struct {
	Strategy              Strategy
	Tolerance             float64
	DrainInterval         time.Duration
	HistorySize           int
	RoundRobinWindow      int
	HighPriorityThreshold int
	// WeightFn reports a client's scheduling weight for the
	// weighted-fair strategy. Unset means every client weighs 1.
	WeightFn func(clientID string) float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:              StrategyFairShare,
		Tolerance:             1.5,
		DrainInterval:         100 * time.Millisecond,
		HistorySize:           1000,
		RoundRobinWindow:      10,
		HighPriorityThreshold: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.RoundRobinWindow <= 0 {
		c.RoundRobinWindow = d.RoundRobinWindow
	}
	if c.HighPriorityThreshold <= 0 {
		c.HighPriorityThreshold = d.HighPriorityThreshold
	}
	return c
}

// Request asks for an amount of one resource.
type Request struct {
	ClientID string
	Resource string
	Amount   int64
	Priority int
	MaxWait  time.Duration
}

// Allocation is a live grant. Callers must Release it exactly once.
type Allocation struct {
	ID        string
	ClientID  string
	Resource  string
	Amount    int64
	Priority  int
	GrantedAt time.Time
}

// historyRecord is one line of the bounded allocation history.
type historyRecord struct {
	ClientID  string
	Resource  string
	Amount    int64
	Priority  int
	GrantedAt time.Time
	Waited    time.Duration
}

// PoolStats describes one pool for the monitoring surface.
type PoolStats struct {
	Resource    string
	Capacity    int64
	Allocated   int64
	Reserved    int64
	Utilization float64
}

// Stats snapshots the allocator.
type Stats struct {
	Pools       []PoolStats
	QueueLength int
	Grants      int64
	Denials     int64
	Expired     int64
}

type resourcePool struct {
	cfg       PoolConfig
	allocated int64
}

func (p *resourcePool) reserved() int64 {
	return int64(float64(p.cfg.Capacity) * p.cfg.ReservedFraction)
}

// pending is a queued request waiting for capacity.
type pending struct {
	req       Request
	amount    int64
	enqueued  time.Time
	expiresAt time.Time
	seq       int64
	index     int
	granted   bool
	dropped   bool
	ch        chan *Allocation
}

// Allocator owns the pools, the wait queue and the grant history. One
// lock guards all of it; strategy checks are pure functions of the
// locked snapshot.
type Allocator struct {
	cfg Config

	mu       sync.Mutex
	pools    map[string]*resourcePool
	queue    pendingHeap
	seq      int64
	byClient map[string]map[string]int64
	recent   []string
	history  []historyRecord

	grants  int64
	denials int64
	expired int64

	poke chan struct{}
}

// New builds an allocator with the given pools.
func New(cfg Config, pools ...PoolConfig) *Allocator {
	a := &Allocator{
		cfg:      cfg.withDefaults(),
		pools:    make(map[string]*resourcePool, len(pools)),
		byClient: make(map[string]map[string]int64),
		poke:     make(chan struct{}, 1),
	}
	for _, pc := range pools {
		if pc.AllocationUnit <= 0 {
			pc.AllocationUnit = 1
		}
		if pc.MinAllocation <= 0 {
			pc.MinAllocation = pc.AllocationUnit
		}
		a.pools[pc.Resource] = &resourcePool{cfg: pc}
	}
	heap.Init(&a.queue)
	return a
}

// Allocate grants the request now or waits up to req.MaxWait for
// capacity. Requests that cannot be admitted and cannot wait are denied
// immediately.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*Allocation, error) {
	a.mu.Lock()
	pool, ok := a.pools[req.Resource]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown resource pool %q", gateway.ErrInvalidConfig, req.Resource)
	}

	amount := normalizeAmount(pool.cfg, req.Amount)
	if grant := a.tryGrantLocked(pool, req, amount, 0); grant != nil {
		a.mu.Unlock()
		return grant, nil
	}

	if req.MaxWait <= 0 {
		a.denials++
		a.mu.Unlock()
		logger.Debugw("allocation denied", "client_id", req.ClientID, "resource", req.Resource, "amount", amount)
		return nil, &gateway.AccessDeniedError{
			ClientID: req.ClientID,
			Reason:   fmt.Sprintf("no %s capacity for %d units", req.Resource, amount),
		}
	}

	p := &pending{
		req:       req,
		amount:    amount,
		enqueued:  time.Now(),
		expiresAt: time.Now().Add(req.MaxWait),
		seq:       a.nextSeqLocked(),
		ch:        make(chan *Allocation, 1),
	}
	heap.Push(&a.queue, p)
	a.mu.Unlock()

	timer := time.NewTimer(req.MaxWait)
	defer timer.Stop()

	select {
	case grant := <-p.ch:
		return grant, nil
	case <-ctx.Done():
		return nil, a.abandon(p, ctx.Err())
	case <-timer.C:
		return nil, a.abandon(p, nil)
	}
}

// Release returns a grant to its pool and pokes the drain loop.
func (a *Allocator) Release(grant *Allocation) {
	if grant == nil {
		return
	}
	a.mu.Lock()
	pool, ok := a.pools[grant.Resource]
	if ok {
		pool.allocated -= grant.Amount
		if pool.allocated < 0 {
			pool.allocated = 0
		}
	}
	a.releaseClientLocked(grant.ClientID, grant.Resource, grant.Amount)
	a.mu.Unlock()

	select {
	case a.poke <- struct{}{}:
	default:
	}
}

// Run drains the wait queue until ctx is done. Grants happen both on a
// steady tick and immediately after releases.
func (a *Allocator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.poke:
		}
		a.drain()
	}
}

// Drain runs one queue pass; exposed for the Run loop and tests.
func (a *Allocator) drain() {
	now := time.Now()

	a.mu.Lock()
	var keep []*pending
	for a.queue.Len() > 0 {
		p := heap.Pop(&a.queue).(*pending)
		if p.dropped {
			continue
		}
		if now.After(p.expiresAt) {
			// The waiter's own timer reports the timeout; the channel
			// stays open and empty so its select can never observe a
			// nil grant.
			p.dropped = true
			a.expired++
			a.denials++
			logger.Debugw("queued allocation expired", "client_id", p.req.ClientID, "resource", p.req.Resource)
			continue
		}
		pool := a.pools[p.req.Resource]
		if grant := a.tryGrantLocked(pool, p.req, p.amount, now.Sub(p.enqueued)); grant != nil {
			p.granted = true
			p.ch <- grant
			continue
		}
		keep = append(keep, p)
	}
	for _, p := range keep {
		heap.Push(&a.queue, p)
	}
	a.mu.Unlock()
}

// Usage reports a client's live allocation of one resource.
func (a *Allocator) Usage(clientID, resource string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byClient[clientID][resource]
}

// History returns a copy of the bounded grant history, oldest first.
func (a *Allocator) History() []historyRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]historyRecord(nil), a.history...)
}

// Stats snapshots pools and counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		QueueLength: a.queue.Len(),
		Grants:      a.grants,
		Denials:     a.denials,
		Expired:     a.expired,
	}
	for _, pool := range a.pools {
		ps := PoolStats{
			Resource:  pool.cfg.Resource,
			Capacity:  pool.cfg.Capacity,
			Allocated: pool.allocated,
			Reserved:  pool.reserved(),
		}
		if pool.cfg.Capacity > 0 {
			ps.Utilization = float64(pool.allocated) / float64(pool.cfg.Capacity) * 100
		}
		s.Pools = append(s.Pools, ps)
	}
	return s
}

// tryGrantLocked admits and books a grant, or returns nil when the
// request does not fit. Callers hold a.mu.
func (a *Allocator) tryGrantLocked(pool *resourcePool, req Request, amount int64, waited time.Duration) *Allocation {
	if !a.admitLocked(pool, req, amount) {
		return nil
	}

	pool.allocated += amount
	clientAlloc := a.byClient[req.ClientID]
	if clientAlloc == nil {
		clientAlloc = make(map[string]int64)
		a.byClient[req.ClientID] = clientAlloc
	}
	clientAlloc[req.Resource] += amount
	a.grants++

	a.recent = append(a.recent, req.ClientID)
	if len(a.recent) > a.cfg.RoundRobinWindow {
		a.recent = a.recent[len(a.recent)-a.cfg.RoundRobinWindow:]
	}
	a.history = append(a.history, historyRecord{
		ClientID:  req.ClientID,
		Resource:  req.Resource,
		Amount:    amount,
		Priority:  req.Priority,
		GrantedAt: time.Now(),
		Waited:    waited,
	})
	if len(a.history) > a.cfg.HistorySize {
		a.history = a.history[len(a.history)-a.cfg.HistorySize:]
	}

	return &Allocation{
		ID:        "alloc-" + uuid.NewString(),
		ClientID:  req.ClientID,
		Resource:  req.Resource,
		Amount:    amount,
		Priority:  req.Priority,
		GrantedAt: time.Now(),
	}
}

// abandon settles a pending request whose caller gave up waiting. A
// grant that raced in after the caller left its select is pulled back
// out of the channel and released, so the capacity it booked returns
// to the pool; the caller still observes the timeout or cancellation.
func (a *Allocator) abandon(p *pending, ctxErr error) error {
	a.mu.Lock()
	switch {
	case p.granted:
		// drain sent the grant under this same lock, so the buffered
		// value is guaranteed present.
		grant := <-p.ch
		a.mu.Unlock()
		a.Release(grant)
	case p.dropped:
		// Already expired and counted by a drain pass.
		a.mu.Unlock()
	default:
		p.dropped = true
		a.denials++
		if ctxErr == nil {
			a.expired++
		}
		a.mu.Unlock()
	}

	if ctxErr != nil {
		return ctxErr
	}
	return &gateway.TimeoutError{Where: "resource_allocation_queue"}
}

func (a *Allocator) nextSeqLocked() int64 {
	a.seq++
	return a.seq
}

func (a *Allocator) releaseClientLocked(clientID, resource string, amount int64) {
	clientAlloc := a.byClient[clientID]
	if clientAlloc == nil {
		return
	}
	clientAlloc[resource] -= amount
	if clientAlloc[resource] <= 0 {
		delete(clientAlloc, resource)
	}
	if len(clientAlloc) == 0 {
		delete(a.byClient, clientID)
	}
}

func normalizeAmount(cfg PoolConfig, amount int64) int64 {
	if amount < cfg.MinAllocation {
		amount = cfg.MinAllocation
	}
	if rem := amount % cfg.AllocationUnit; rem != 0 {
		amount += cfg.AllocationUnit - rem
	}
	return amount
}
