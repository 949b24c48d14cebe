// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"container/heap"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowgate/snowgate/pkg/gateway"
)

func connPool(capacity int64) PoolConfig {
	return PoolConfig{Resource: ResourceConnections, Capacity: capacity}
}

func TestAllocateAndRelease(t *testing.T) {
	t.Parallel()
	a := New(Config{Tolerance: 10}, connPool(10))

	grant, err := a.Allocate(context.Background(), Request{
		ClientID: "c1", Resource: ResourceConnections, Amount: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), grant.Amount)
	assert.Equal(t, int64(3), a.Usage("c1", ResourceConnections))

	a.Release(grant)
	assert.Equal(t, int64(0), a.Usage("c1", ResourceConnections))
}

func TestCapacityIsNeverExceeded(t *testing.T) {
	t.Parallel()
	a := New(Config{Tolerance: 100}, connPool(5))

	g1, err := a.Allocate(context.Background(), Request{ClientID: "c1", Resource: ResourceConnections, Amount: 4})
	require.NoError(t, err)

	_, err = a.Allocate(context.Background(), Request{ClientID: "c2", Resource: ResourceConnections, Amount: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)

	stats := a.Stats()
	require.Len(t, stats.Pools, 1)
	assert.LessOrEqual(t, stats.Pools[0].Allocated, stats.Pools[0].Capacity)
	a.Release(g1)
}

func TestFairShareCapsPerClient(t *testing.T) {
	t.Parallel()
	// One active client, tolerance 1: share = 10 / (1+1) = 5.
	a := New(Config{Strategy: StrategyFairShare, Tolerance: 1}, connPool(10))

	_, err := a.Allocate(context.Background(), Request{ClientID: "c1", Resource: ResourceConnections, Amount: 5})
	require.NoError(t, err)
	_, err = a.Allocate(context.Background(), Request{ClientID: "c1", Resource: ResourceConnections, Amount: 1})
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)

	// A second client still gets its slice.
	_, err = a.Allocate(context.Background(), Request{ClientID: "c2", Resource: ResourceConnections, Amount: 3})
	require.NoError(t, err)
}

func TestPriorityStrategyReservedFraction(t *testing.T) {
	t.Parallel()
	a := New(
		Config{Strategy: StrategyPriority, HighPriorityThreshold: 8},
		PoolConfig{Resource: ResourceConnections, Capacity: 10, ReservedFraction: 0.2},
	)

	// Low priority sees capacity minus the 20% reserve.
	_, err := a.Allocate(context.Background(), Request{ClientID: "low", Resource: ResourceConnections, Amount: 8, Priority: 1})
	require.NoError(t, err)
	_, err = a.Allocate(context.Background(), Request{ClientID: "low", Resource: ResourceConnections, Amount: 1, Priority: 1})
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)

	// High priority dips into the reserve.
	_, err = a.Allocate(context.Background(), Request{ClientID: "high", Resource: ResourceConnections, Amount: 2, Priority: 9})
	require.NoError(t, err)
}

func TestWeightedFairUsesClientWeights(t *testing.T) {
	t.Parallel()
	weights := map[string]float64{"heavy": 3, "light": 1}
	a := New(Config{
		Strategy:  StrategyWeightedFair,
		Tolerance: 1,
		WeightFn:  func(clientID string) float64 { return weights[clientID] },
	}, connPool(8))

	// heavy's slice with both active: 3/4 * 8 = 6.
	_, err := a.Allocate(context.Background(), Request{ClientID: "light", Resource: ResourceConnections, Amount: 2})
	require.NoError(t, err)
	_, err = a.Allocate(context.Background(), Request{ClientID: "heavy", Resource: ResourceConnections, Amount: 6})
	require.NoError(t, err)
	_, err = a.Allocate(context.Background(), Request{ClientID: "light", Resource: ResourceConnections, Amount: 1})
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)
}

func TestRoundRobinRefusesDominantClient(t *testing.T) {
	t.Parallel()
	a := New(Config{Strategy: StrategyRoundRobin, RoundRobinWindow: 9}, connPool(100))

	// Fill the recent window with alternating grants, three for "hog".
	for i := 0; i < 3; i++ {
		_, err := a.Allocate(context.Background(), Request{ClientID: "hog", Resource: ResourceConnections, Amount: 1})
		require.NoError(t, err)
		for _, c := range []string{"a", "b"} {
			_, err := a.Allocate(context.Background(), Request{ClientID: c, Resource: ResourceConnections, Amount: 1})
			require.NoError(t, err)
		}
	}

	_, err := a.Allocate(context.Background(), Request{ClientID: "hog", Resource: ResourceConnections, Amount: 1})
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)
	_, err = a.Allocate(context.Background(), Request{ClientID: "newcomer", Resource: ResourceConnections, Amount: 1})
	require.NoError(t, err)
}

func TestQueuedRequestGrantedAfterRelease(t *testing.T) {
	t.Parallel()
	a := New(Config{Tolerance: 100}, connPool(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	g1, err := a.Allocate(ctx, Request{ClientID: "c1", Resource: ResourceConnections, Amount: 2})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		g2, err := a.Allocate(ctx, Request{ClientID: "c2", Resource: ResourceConnections, Amount: 1, MaxWait: 5 * time.Second})
		if err == nil {
			a.Release(g2)
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	a.Release(g1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued request never granted")
	}
}

func TestQueuedRequestExpires(t *testing.T) {
	t.Parallel()
	a := New(Config{Tolerance: 100, DrainInterval: 10 * time.Millisecond}, connPool(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	g1, err := a.Allocate(ctx, Request{ClientID: "c1", Resource: ResourceConnections, Amount: 1})
	require.NoError(t, err)
	defer a.Release(g1)

	_, err = a.Allocate(ctx, Request{ClientID: "c2", Resource: ResourceConnections, Amount: 1, MaxWait: 50 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrTimeout)

	stats := a.Stats()
	assert.GreaterOrEqual(t, stats.Denials, int64(1))
}

func TestHigherPriorityDrainsFirst(t *testing.T) {
	t.Parallel()
	a := New(Config{Tolerance: 100}, connPool(1))

	g1, err := a.Allocate(context.Background(), Request{ClientID: "holder", Resource: ResourceConnections, Amount: 1})
	require.NoError(t, err)

	results := make(chan string, 2)
	started := make(chan struct{}, 2)
	enqueue := func(client string, priority int) {
		started <- struct{}{}
		g, err := a.Allocate(context.Background(), Request{
			ClientID: client, Resource: ResourceConnections, Amount: 1,
			Priority: priority, MaxWait: 5 * time.Second,
		})
		if err == nil {
			results <- client
			a.Release(g)
		}
	}
	go enqueue("low", 1)
	<-started
	time.Sleep(20 * time.Millisecond)
	go enqueue("high", 9)
	<-started
	time.Sleep(20 * time.Millisecond)

	a.Release(g1)
	go a.Run(context.Background())

	first := <-results
	assert.Equal(t, "high", first)
	<-results
}

func TestUnknownResourcePool(t *testing.T) {
	t.Parallel()
	a := New(Config{}, connPool(1))
	_, err := a.Allocate(context.Background(), Request{ClientID: "c1", Resource: "gpu", Amount: 1})
	assert.ErrorIs(t, err, gateway.ErrInvalidConfig)
}

func TestNormalizeAmountRoundsToUnit(t *testing.T) {
	t.Parallel()
	a := New(Config{Tolerance: 100}, PoolConfig{
		Resource: ResourceMemoryMB, Capacity: 1000, MinAllocation: 64, AllocationUnit: 32,
	})

	grant, err := a.Allocate(context.Background(), Request{ClientID: "c1", Resource: ResourceMemoryMB, Amount: 65})
	require.NoError(t, err)
	assert.Equal(t, int64(96), grant.Amount)

	grant2, err := a.Allocate(context.Background(), Request{ClientID: "c1", Resource: ResourceMemoryMB, Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(64), grant2.Amount)
}

// enqueueWaiter plants a queued request directly, the state a caller
// sits in between heap.Push and its select.
func enqueueWaiter(a *Allocator, req Request) *pending {
	p := &pending{
		req:       req,
		amount:    req.Amount,
		enqueued:  time.Now(),
		expiresAt: time.Now().Add(req.MaxWait),
		ch:        make(chan *Allocation, 1),
	}
	a.mu.Lock()
	p.seq = a.nextSeqLocked()
	heap.Push(&a.queue, p)
	a.mu.Unlock()
	return p
}

func TestAbandonAfterRacedGrantReturnsCapacity(t *testing.T) {
	t.Parallel()
	a := New(Config{Tolerance: 100}, connPool(1))

	g1, err := a.Allocate(context.Background(), Request{ClientID: "c1", Resource: ResourceConnections, Amount: 1})
	require.NoError(t, err)

	p := enqueueWaiter(a, Request{ClientID: "c2", Resource: ResourceConnections, Amount: 1, MaxWait: time.Minute})

	// Capacity frees and a drain pass grants the waiter just as its
	// caller is giving up on the other select arm.
	a.Release(g1)
	a.drain()
	require.True(t, p.granted)

	err = a.abandon(p, context.Canceled)
	require.ErrorIs(t, err, context.Canceled)

	stats := a.Stats()
	require.Len(t, stats.Pools, 1)
	assert.Equal(t, int64(0), stats.Pools[0].Allocated)
	assert.Equal(t, int64(0), a.Usage("c2", ResourceConnections))

	// The slot the abandoned grant held is immediately usable again.
	g3, err := a.Allocate(context.Background(), Request{ClientID: "c3", Resource: ResourceConnections, Amount: 1})
	require.NoError(t, err)
	a.Release(g3)
}

func TestDrainExpiryLeavesWaiterChannelOpen(t *testing.T) {
	t.Parallel()
	a := New(Config{Tolerance: 100}, connPool(1))

	g1, err := a.Allocate(context.Background(), Request{ClientID: "c1", Resource: ResourceConnections, Amount: 1})
	require.NoError(t, err)
	defer a.Release(g1)

	p := enqueueWaiter(a, Request{ClientID: "c2", Resource: ResourceConnections, Amount: 1, MaxWait: -time.Millisecond})
	a.drain()
	require.True(t, p.dropped)

	// The caller's grant arm must stay silent; a closed channel here
	// would hand it a nil allocation with a nil error.
	select {
	case g := <-p.ch:
		t.Fatalf("expired waiter received from its channel: %+v", g)
	default:
	}

	err = a.abandon(p, nil)
	require.ErrorIs(t, err, gateway.ErrTimeout)

	// The drain pass counted the expiry; the caller's abandon must not
	// count it again.
	stats := a.Stats()
	assert.Equal(t, int64(1), stats.Expired)
	assert.Equal(t, int64(1), stats.Denials)
}

func TestReleaseNilIsHarmless(t *testing.T) {
	t.Parallel()
	a := New(Config{}, connPool(1))
	a.Release(nil)
	var denied *gateway.AccessDeniedError
	_, err := a.Allocate(context.Background(), Request{ClientID: "c1", Resource: ResourceConnections, Amount: 5})
	require.Error(t, err)
	assert.True(t, errors.As(err, &denied))
}
