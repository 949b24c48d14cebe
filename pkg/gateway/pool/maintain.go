// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"time"

	"github.com/snowgate/snowgate/pkg/logger"
)

// Run drives the maintenance loop until ctx is done. Each pass
// health-checks idle connections, retires unhealthy and long-idle ones,
// and refills the pool back to its minimum size.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

// maintain performs one maintenance pass. Health checks run outside the
// pool lock; connections under check are invisible to acquirers, and
// in-use connections are never touched.
func (p *Pool) maintain(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	candidates := make([]*PooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		if pc.beginCheck() {
			candidates = append(candidates, pc)
		}
	}
	p.mu.Unlock()

	var condemned []*PooledConn
	for _, pc := range candidates {
		if pc.IdleFor() > p.cfg.MaxInactiveTime {
			condemned = append(condemned, pc)
			logger.Debugw("retiring idle connection", "connection_id", pc.ID(), "idle_for", pc.IdleFor())
			continue
		}

		hcCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
		err := pc.session.HealthCheck(hcCtx)
		cancel()
		pc.endCheck(err == nil)
		if err != nil {
			condemned = append(condemned, pc)
			logger.Warnw("pooled connection failed health check", "connection_id", pc.ID(), "error", err)
		}
	}

	p.mu.Lock()
	for _, pc := range condemned {
		delete(p.conns, pc.id)
		p.totalDiscarded++
	}
	need := p.cfg.MinSize - (len(p.conns) + p.pending)
	if need > 0 {
		p.pending += need
	}
	p.mu.Unlock()

	for _, pc := range condemned {
		go p.closeSession(pc.session)
	}
	for i := 0; i < need; i++ {
		go p.refillOne(ctx)
	}
}

// refillOne opens a replacement session and either hands it to the
// oldest waiter or parks it idle. The pending slot reserved by maintain
// is released either way.
func (p *Pool) refillOne(ctx context.Context) {
	sess, err := p.openSession(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.wakeOneLocked()
		p.mu.Unlock()
		logger.Warnw("pool refill failed", "error", err)
		return
	}
	if p.closed {
		p.mu.Unlock()
		p.closeSession(sess)
		return
	}

	pc := newPooledConn(sess)
	p.totalCreated++
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.markBorrowed()
		p.conns[pc.id] = pc
		w <- pc
		p.mu.Unlock()
		return
	}
	p.conns[pc.id] = pc
	p.mu.Unlock()
}
