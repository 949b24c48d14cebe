// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool maintains a bounded set of healthy warehouse sessions.
// Acquire hands out an idle session, opens a new one while below the
// cap, or parks the caller in a FIFO wait queue until a release frees
// one. A background maintenance pass health-checks idle sessions,
// retires the unhealthy and the long idle, and refills the pool to its
// minimum size. Waiting is bounded by the acquire timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/gateway/driver"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Config tunes the pool. Zero values fall back to the defaults below.
type Config struct {
	MinSize             int
	MaxSize             int
	MaxInactiveTime     time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	AcquireTimeout      time.Duration
	RetryAttempts       int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinSize:             2,
		MaxSize:             10,
		MaxInactiveTime:     30 * time.Minute,
		HealthCheckInterval: 5 * time.Minute,
		HealthCheckTimeout:  10 * time.Second,
		AcquireTimeout:      30 * time.Second,
		RetryAttempts:       3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinSize <= 0 {
		c.MinSize = d.MinSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.MaxInactiveTime <= 0 {
		c.MaxInactiveTime = d.MaxInactiveTime
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	return c
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Total          int
	InUse          int
	Idle           int
	Checking       int
	Waiters        int
	MaxSize        int
	Utilization    float64
	TotalCreated   int64
	TotalDiscarded int64
	TotalAcquires  int64
	AffinityHits   int64
	Exhaustions    int64
}

// Pool owns the pooled connections. All map bookkeeping happens under
// mu; driver I/O never runs with mu held.
type Pool struct {
	cfg    Config
	driver *driver.Driver

	mu      sync.Mutex
	conns   map[string]*PooledConn
	waiters []chan *PooledConn
	pending int
	closed  bool

	totalCreated   int64
	totalDiscarded int64
	totalAcquires  int64
	affinityHits   int64
	exhaustions    int64
}

// New builds a pool over the driver. Call Initialize before serving.
func New(cfg Config, drv *driver.Driver) *Pool {
	return &Pool{
		cfg:    cfg.withDefaults(),
		driver: drv,
		conns:  make(map[string]*PooledConn),
	}
}

// Initialize opens the minimum number of sessions in parallel.
// Individual warmup failures are logged; initialization only fails when
// not a single session could be opened.
func (p *Pool) Initialize(ctx context.Context) error {
	var (
		warmupMu sync.Mutex
		opened   int
		lastErr  error
	)

	var g errgroup.Group
	g.SetLimit(4)
	for i := 0; i < p.cfg.MinSize; i++ {
		g.Go(func() error {
			sess, err := p.openSession(ctx)
			if err != nil {
				warmupMu.Lock()
				lastErr = err
				warmupMu.Unlock()
				logger.Warnw("pool warmup open failed", "error", err)
				return nil
			}
			pc := newPooledConn(sess)
			p.mu.Lock()
			p.conns[pc.id] = pc
			p.totalCreated++
			p.mu.Unlock()
			warmupMu.Lock()
			opened++
			warmupMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if opened == 0 && p.cfg.MinSize > 0 {
		return fmt.Errorf("pool warmup opened no sessions: %w", lastErr)
	}
	logger.Infow("connection pool initialized", "opened", opened, "min_size", p.cfg.MinSize, "max_size", p.cfg.MaxSize)
	return nil
}

// Acquire returns a healthy connection, preferring any of the caller's
// affinity hints when one is idle. It opens a new session while under
// the cap, otherwise waits for a release; the wait is bounded by the
// configured acquire timeout and fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, preferred ...string) (*PooledConn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		pc, waiter, err := p.tryAcquire(preferred)
		if err != nil {
			return nil, err
		}
		if pc != nil {
			return pc, nil
		}

		if waiter == nil {
			// A creation slot was reserved for us.
			pc, err := p.createBorrowed(waitCtx)
			if err != nil {
				return nil, err
			}
			return pc, nil
		}

		select {
		case pc, ok := <-waiter:
			if !ok {
				return nil, gateway.ErrPoolClosed
			}
			if pc != nil {
				return pc, nil
			}
			// Woken without a connection: capacity may have freed, retry.
		case <-waitCtx.Done():
			p.dropWaiter(waiter)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.mu.Lock()
			p.exhaustions++
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: no connection available within %s", gateway.ErrPoolExhausted, p.cfg.AcquireTimeout)
		}
	}
}

// Borrow acquires a connection and pairs it with its release, the
// shape database-operation scopes consume.
func (p *Pool) Borrow(ctx context.Context) (*PooledConn, func(), error) {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return pc, func() { p.Release(pc) }, nil
}

// tryAcquire picks an idle connection or reserves capacity under the
// pool lock. Exactly one of the returns is meaningful: a connection, a
// nil waiter (meaning "create one yourself"), or a wait channel.
func (p *Pool) tryAcquire(preferred []string) (*PooledConn, chan *PooledConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, gateway.ErrPoolClosed
	}
	p.totalAcquires++

	for _, id := range preferred {
		if pc, ok := p.conns[id]; ok && pc.available() {
			pc.markBorrowed()
			p.affinityHits++
			return pc, nil, nil
		}
	}
	for _, pc := range p.conns {
		if pc.available() {
			pc.markBorrowed()
			return pc, nil, nil
		}
	}

	if len(p.conns)+p.pending < p.cfg.MaxSize {
		p.pending++
		return nil, nil, nil
	}

	w := make(chan *PooledConn, 1)
	p.waiters = append(p.waiters, w)
	return nil, w, nil
}

// createBorrowed opens a session for a reserved slot and registers it
// already marked in-use.
func (p *Pool) createBorrowed(ctx context.Context) (*PooledConn, error) {
	sess, err := p.openSession(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.wakeOneLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		go p.closeSession(sess)
		return nil, gateway.ErrPoolClosed
	}
	pc := newPooledConn(sess)
	pc.markBorrowed()
	p.conns[pc.id] = pc
	p.totalCreated++
	p.mu.Unlock()
	return pc, nil
}

// Release returns a borrowed connection. Healthy connections go back to
// circulation, or straight to the oldest waiter; unhealthy ones are
// retired and a waiter is woken so it can open a replacement.
func (p *Pool) Release(pc *PooledConn) {
	healthy := pc.markReleased()

	p.mu.Lock()
	if p.closed {
		delete(p.conns, pc.id)
		p.mu.Unlock()
		go p.closeSession(pc.session)
		return
	}

	if !healthy {
		delete(p.conns, pc.id)
		p.totalDiscarded++
		p.wakeOneLocked()
		p.mu.Unlock()
		logger.Debugw("unhealthy connection retired on release", "connection_id", pc.id)
		go p.closeSession(pc.session)
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.markBorrowed()
		// The channel is buffered; sending under the lock keeps the
		// pop-and-send atomic so dropWaiter can reason about it.
		w <- pc
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
}

// wakeOneLocked signals one waiter to retry without handing it a
// connection. Callers hold p.mu.
func (p *Pool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w <- nil
}

func (p *Pool) dropWaiter(w chan *PooledConn) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}

	// Not in the list: a handoff already happened under the lock, so
	// whatever was sent is sitting in the buffer. Reclaim it.
	var pc *PooledConn
	select {
	case pc = <-w:
	default:
	}
	p.mu.Unlock()

	if pc != nil {
		p.Release(pc)
	}
}

// Close retires every connection and fails all waiters. Safe to call
// more than once.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*PooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.conns = make(map[string]*PooledConn)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	var errs []error
	for _, pc := range conns {
		if err := pc.session.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Infow("connection pool closed", "retired", len(conns))
	return errors.Join(errs...)
}

// Stats snapshots the pool counters for the monitoring surface.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:          len(p.conns),
		MaxSize:        p.cfg.MaxSize,
		Waiters:        len(p.waiters),
		TotalCreated:   p.totalCreated,
		TotalDiscarded: p.totalDiscarded,
		TotalAcquires:  p.totalAcquires,
		AffinityHits:   p.affinityHits,
		Exhaustions:    p.exhaustions,
	}
	for _, pc := range p.conns {
		inUse, _, checking := pc.snapshotFlags()
		switch {
		case inUse:
			s.InUse++
		case checking:
			s.Checking++
		default:
			s.Idle++
		}
	}
	if p.cfg.MaxSize > 0 {
		s.Utilization = float64(s.InUse) / float64(p.cfg.MaxSize) * 100
	}
	return s
}

// openSession opens one warehouse session, retrying transient failures
// with exponential backoff up to the configured attempt budget.
func (p *Pool) openSession(ctx context.Context) (*driver.Session, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (*driver.Session, error) {
		sess, err := p.driver.OpenSession(ctx)
		if err != nil && !gateway.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return sess, err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(p.cfg.RetryAttempts+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnw("warehouse session open failed, retrying", "error", err, "retry_in", next)
		}),
	)
}

func (p *Pool) closeSession(sess *driver.Session) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Close(closeCtx); err != nil {
		logger.Debugw("session close failed", "session_id", sess.ID(), "error", err)
	}
}
