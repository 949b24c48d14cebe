// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowgate/snowgate/pkg/gateway"
)

// fakeClock drives the limiter's wall clock in tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func unlimited() Limits { return Limits{} }

func TestTokenBucketBurstThenRefill(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	// 10 rps with burst 5: 15 calls at t=0 succeed.
	limits := Limits{RequestsPerSecond: 10, RequestsPerSecondBurst: 5}
	l := New(limits, unlimited(), WithClock(clock.now))

	for i := 0; i < 15; i++ {
		require.NoError(t, l.CheckRequest("c1"), "call %d", i)
	}

	// 400ms in, the window has not rolled over yet.
	clock.advance(400 * time.Millisecond)
	err := l.CheckRequest("c1")
	require.Error(t, err)
	var rl *gateway.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, LimitRequestsPerSecond, rl.LimitType)
	assert.InDelta(t, 0.6, rl.RetryAfter.Seconds(), 0.01)

	// Past the window the refill lands.
	clock.advance(700 * time.Millisecond)
	assert.NoError(t, l.CheckRequest("c1"))
}

func TestSlidingWindowLimit(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	limits := Limits{RequestsPerMinute: 3}
	l := New(limits, unlimited(), WithClock(clock.now))

	for i := 0; i < 3; i++ {
		require.NoError(t, l.CheckRequest("c1"))
		clock.advance(time.Second)
	}
	err := l.CheckRequest("c1")
	require.ErrorIs(t, err, gateway.ErrRateLimited)

	var rl *gateway.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, LimitRequestsPerMinute, rl.LimitType)
	// The oldest event is 3s old; it slides out after another 57s.
	assert.InDelta(t, 57, rl.RetryAfter.Seconds(), 0.01)

	clock.advance(58 * time.Second)
	assert.NoError(t, l.CheckRequest("c1"))
}

func TestGlobalLimitCheckedFirst(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	client := Limits{RequestsPerSecond: 100}
	global := Limits{RequestsPerSecond: 2}
	l := New(client, global, WithClock(clock.now))

	require.NoError(t, l.CheckRequest("c1"))
	require.NoError(t, l.CheckRequest("c2"))

	err := l.CheckRequest("c3")
	require.Error(t, err)
	var rl *gateway.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "global_"+LimitRequestsPerSecond, rl.LimitType)
}

func TestClientsAreIndependent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	l := New(Limits{RequestsPerSecond: 1}, unlimited(), WithClock(clock.now))

	require.NoError(t, l.CheckRequest("c1"))
	require.Error(t, l.CheckRequest("c1"))
	assert.NoError(t, l.CheckRequest("c2"))
}

func TestQueryLimitsSeparateFromRequestLimits(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	limits := Limits{RequestsPerSecond: 1, QueriesPerMinute: 2}
	l := New(limits, unlimited(), WithClock(clock.now))

	require.NoError(t, l.CheckRequest("c1"))
	require.NoError(t, l.CheckQuery("c1"))
	require.NoError(t, l.CheckQuery("c1"))

	err := l.CheckQuery("c1")
	require.Error(t, err)
	var rl *gateway.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, LimitQueriesPerMinute, rl.LimitType)
}

func TestQueriesPerHourWindow(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	l := New(Limits{QueriesPerHour: 2}, unlimited(), WithClock(clock.now))

	require.NoError(t, l.CheckQuery("c1"))
	require.NoError(t, l.CheckQuery("c1"))
	require.ErrorIs(t, l.CheckQuery("c1"), gateway.ErrRateLimited)

	clock.advance(time.Hour + time.Second)
	assert.NoError(t, l.CheckQuery("c1"))
}

func TestConcurrentSlots(t *testing.T) {
	t.Parallel()
	l := New(Limits{ConcurrentRequests: 2}, unlimited())

	require.NoError(t, l.AcquireRequestSlot("c1"))
	require.NoError(t, l.AcquireRequestSlot("c1"))
	err := l.AcquireRequestSlot("c1")
	require.Error(t, err)
	var rl *gateway.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, LimitConcurrentRequests, rl.LimitType)

	l.ReleaseRequestSlot("c1")
	assert.NoError(t, l.AcquireRequestSlot("c1"))
	assert.Equal(t, 2, l.ConcurrentFor("c1"))
}

func TestGlobalConcurrentSlotRolledBackOnClientDenial(t *testing.T) {
	t.Parallel()
	client := Limits{ConcurrentRequests: 1}
	global := Limits{ConcurrentRequests: 10}
	l := New(client, global)

	require.NoError(t, l.AcquireRequestSlot("c1"))
	require.Error(t, l.AcquireRequestSlot("c1"))

	// The denied acquire must not leak a global slot.
	stats := l.Stats()
	assert.Equal(t, 1, stats.GlobalConcurrent)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	t.Parallel()
	l := New(Limits{ConcurrentRequests: 2}, Limits{ConcurrentRequests: 2})
	l.ReleaseRequestSlot("c1")
	l.ReleaseRequestSlot("c1")
	assert.Equal(t, 0, l.ConcurrentFor("c1"))
	require.NoError(t, l.AcquireRequestSlot("c1"))
}

func TestSetClientLimitsOverridesDefaults(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	l := New(DefaultClientLimits(), unlimited(), WithClock(clock.now))
	l.SetClientLimits("vip", Limits{RequestsPerSecond: 1000})

	for i := 0; i < 100; i++ {
		require.NoError(t, l.CheckRequest("vip"))
	}
}

func TestStatsCountTrips(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	l := New(Limits{RequestsPerSecond: 1}, unlimited(), WithClock(clock.now))

	require.NoError(t, l.CheckRequest("c1"))
	require.Error(t, l.CheckRequest("c1"))
	require.Error(t, l.CheckRequest("c1"))

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.TripsByLimit[LimitRequestsPerSecond])
	assert.Equal(t, int64(3), stats.TotalChecks)
}
