// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowgate/snowgate/pkg/gateway"
)

func drain(s *Schedule) []time.Duration {
	var out []time.Duration
	for {
		d, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

func TestFixedSchedule(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{Strategy: StrategyFixed, BaseDelay: time.Second, MaxAttempts: 3})
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, drain(s))
}

func TestLinearSchedule(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{
		Strategy: StrategyLinear, BaseDelay: time.Second,
		Increment: 2 * time.Second, MaxAttempts: 4,
	})
	assert.Equal(t, []time.Duration{
		1 * time.Second, 3 * time.Second, 5 * time.Second, 7 * time.Second,
	}, drain(s))
}

func TestExponentialScheduleCapped(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{
		Strategy: StrategyExponential, BaseDelay: time.Second,
		MaxDelay: 5 * time.Second, MaxAttempts: 5,
	})
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, drain(s))
}

func TestFibonacciSchedule(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{Strategy: StrategyFibonacci, BaseDelay: time.Second, MaxAttempts: 6})
	assert.Equal(t, []time.Duration{
		1 * time.Second, 1 * time.Second, 2 * time.Second,
		3 * time.Second, 5 * time.Second, 8 * time.Second,
	}, drain(s))
}

func TestPolynomialSchedule(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{
		Strategy: StrategyPolynomial, BaseDelay: time.Second, Exponent: 2, MaxAttempts: 3,
	})
	assert.Equal(t, []time.Duration{
		1 * time.Second, 4 * time.Second, 9 * time.Second,
	}, drain(s))
}

func TestCustomSchedule(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{
		Strategy:    StrategyCustom,
		MaxAttempts: 3,
		DelayFn:     func(attempt int) time.Duration { return time.Duration(attempt+10) * time.Millisecond },
	})
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 11 * time.Millisecond, 12 * time.Millisecond,
	}, drain(s))
}

func TestAttemptBudget(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{Strategy: StrategyFixed, BaseDelay: time.Millisecond, MaxAttempts: 7})
	assert.Len(t, drain(s), 7)
}

func TestTotalTimeoutBoundsSum(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{
		Strategy: StrategyFixed, BaseDelay: 400 * time.Millisecond,
		MaxAttempts: 100, TotalTimeout: time.Second,
	})
	delays := drain(s)
	var sum time.Duration
	for _, d := range delays {
		sum += d
	}
	assert.LessOrEqual(t, sum, time.Second)
	// 400ms + 400ms + 200ms (truncated) and then exhausted.
	assert.Len(t, delays, 3)
}

func TestFullJitterStaysInRange(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{
		Strategy: StrategyFixed, BaseDelay: time.Second, MaxAttempts: 50, Jitter: JitterFull,
	})
	for _, d := range drain(s) {
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestEqualJitterStaysInUpperHalf(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{
		Strategy: StrategyFixed, BaseDelay: time.Second, MaxAttempts: 50, Jitter: JitterEqual,
	})
	for _, d := range drain(s) {
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestDecorrelatedJitterRange(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{
		Strategy: StrategyFixed, BaseDelay: time.Second, MaxDelay: 10 * time.Second,
		MaxAttempts: 50, Jitter: JitterDecorrelated,
	})
	for _, d := range drain(s) {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestSymmetricJitterSpread(t *testing.T) {
	t.Parallel()
	s := NewSchedule(Policy{
		Strategy: StrategyFixed, BaseDelay: time.Second, MaxDelay: 2 * time.Second,
		MaxAttempts: 50, Jitter: JitterSymmetric, JitterRatio: 0.1,
	})
	for _, d := range drain(s) {
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestJitterIsDeterministicWithInjectedRand(t *testing.T) {
	t.Parallel()
	p := Policy{
		Strategy: StrategyFixed, BaseDelay: time.Second, MaxAttempts: 1,
		Jitter: JitterFull, randFn: func() float64 { return 0.5 },
	}
	d, ok := NewSchedule(p).Next()
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, d)
}

func TestRetryerSucceedsAfterTransientDriverErrors(t *testing.T) {
	t.Parallel()
	r := NewRetryer(Policy{Strategy: StrategyFixed, BaseDelay: time.Millisecond, MaxAttempts: 5})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &gateway.DriverError{Op: "query", Transient: true, Err: errors.New("reset")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryerNonTransientDriverErrorPropagatesImmediately(t *testing.T) {
	t.Parallel()
	r := NewRetryer(Policy{Strategy: StrategyFixed, BaseDelay: time.Millisecond, MaxAttempts: 5})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	permanent := &gateway.DriverError{Op: "query", Transient: false, Err: errors.New("syntax")}
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, permanent)
}

func TestRetryerExhaustionWrapsLastError(t *testing.T) {
	t.Parallel()
	r := NewRetryer(Policy{Strategy: StrategyFixed, BaseDelay: time.Millisecond, MaxAttempts: 2})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return &gateway.DriverError{Op: "query", Transient: true, Err: errors.New("reset")}
	})
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, gateway.ErrBackoffExhausted)

	var be *gateway.BackoffExhaustedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 3, be.Attempts)
}

func TestRetryerStopOnOverridesRetryOn(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("fatal")
	r := NewRetryer(Policy{Strategy: StrategyFixed, BaseDelay: time.Millisecond, MaxAttempts: 5})
	r.RetryOn = func(error) bool { return true }
	r.StopOn = func(err error) bool { return errors.Is(err, sentinel) }
	r.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, sentinel)
}

func TestRetryerHooksFire(t *testing.T) {
	t.Parallel()
	r := NewRetryer(Policy{Strategy: StrategyFixed, BaseDelay: time.Millisecond, MaxAttempts: 5})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	var before, after int
	r.BeforeRetry = func(int, error, time.Duration) { before++ }
	r.AfterRetry = func(int, error, time.Duration) { after++ }

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &gateway.DriverError{Op: "query", Transient: true, Err: errors.New("reset")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, before)
	assert.Equal(t, 2, after)
}

func TestRetryerHonorsContextCancellation(t *testing.T) {
	t.Parallel()
	r := NewRetryer(Policy{Strategy: StrategyFixed, BaseDelay: time.Hour, MaxAttempts: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Do(ctx, func(context.Context) error {
		return &gateway.DriverError{Op: "query", Transient: true, Err: errors.New("reset")}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
