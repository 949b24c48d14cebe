// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"sync"
	"time"

	"github.com/snowgate/snowgate/pkg/gateway/driver"
)

// PooledConn is one warehouse session owned by the pool. Borrowers hold
// it for the duration of an acquire scope and must not retain it after
// release. All flag mutations happen under the connection's own lock;
// the pool lock is never held while touching them.
type PooledConn struct {
	id      string
	session *driver.Session
	created time.Time

	mu          sync.Mutex
	lastUsed    time.Time
	lastChecked time.Time
	inUse       bool
	healthy     bool
	checking    bool
	useCount    int64
}

func newPooledConn(sess *driver.Session) *PooledConn {
	now := time.Now()
	return &PooledConn{
		id:       sess.ID(),
		session:  sess,
		created:  now,
		lastUsed: now,
		healthy:  true,
	}
}

// ID identifies the connection for leases, affinity lists and logs.
func (c *PooledConn) ID() string { return c.id }

// Session exposes the underlying warehouse session to the borrower.
func (c *PooledConn) Session() *driver.Session { return c.session }

// Age reports how long the connection has existed.
func (c *PooledConn) Age() time.Duration { return time.Since(c.created) }

// IdleFor reports time since last use.
func (c *PooledConn) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsed)
}

// Touch refreshes the last-used timestamp.
func (c *PooledConn) Touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// MarkUnhealthy flags the connection for retirement on release. The
// borrower calls this after a transient driver failure so a broken
// session never returns to circulation.
func (c *PooledConn) MarkUnhealthy() {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
}

// Healthy reports the health flag.
func (c *PooledConn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// UseCount reports how many times the connection has been borrowed.
func (c *PooledConn) UseCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

// available reports whether the connection can be handed to a borrower
// right now. Connections under a health check are skipped.
func (c *PooledConn) available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.inUse && !c.checking && c.healthy
}

func (c *PooledConn) markBorrowed() {
	c.mu.Lock()
	c.inUse = true
	c.lastUsed = time.Now()
	c.useCount++
	c.mu.Unlock()
}

func (c *PooledConn) markReleased() (healthy bool) {
	c.mu.Lock()
	c.inUse = false
	c.lastUsed = time.Now()
	healthy = c.healthy
	c.mu.Unlock()
	return healthy
}

func (c *PooledConn) beginCheck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse || c.checking {
		return false
	}
	c.checking = true
	return true
}

func (c *PooledConn) endCheck(healthy bool) {
	c.mu.Lock()
	c.checking = false
	c.healthy = healthy
	c.lastChecked = time.Now()
	c.mu.Unlock()
}

func (c *PooledConn) snapshotFlags() (inUse, healthy, checking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse, c.healthy, c.checking
}
