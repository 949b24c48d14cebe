// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff produces retry delay schedules and the retry loop
// that consumes them. Six strategies shape the base delay curve, four
// jitter modes spread callers apart, and every schedule is bounded by a
// per-delay cap, an attempt budget, and an optional total-time budget.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy names the delay curve.
type Strategy string

const (
	// StrategyFixed repeats the base delay.
	StrategyFixed Strategy = "fixed"
	// StrategyLinear grows by a fixed increment per attempt.
	StrategyLinear Strategy = "linear"
	// StrategyExponential multiplies the base by multiplier^attempt.
	StrategyExponential Strategy = "exponential"
	// StrategyFibonacci scales the base by the fibonacci sequence.
	StrategyFibonacci Strategy = "fibonacci"
	// StrategyPolynomial scales the base by attempt^exponent.
	StrategyPolynomial Strategy = "polynomial"
	// StrategyCustom delegates to Policy.DelayFn.
	StrategyCustom Strategy = "custom"
)

// Jitter names how a raw delay is randomized.
type Jitter string

const (
	// JitterNone leaves delays untouched.
	JitterNone Jitter = "none"
	// JitterFull draws uniformly from [0, d].
	JitterFull Jitter = "full"
	// JitterEqual keeps half the delay and randomizes the rest.
	JitterEqual Jitter = "equal"
	// JitterDecorrelated draws uniformly from [base, 3d].
	JitterDecorrelated Jitter = "decorrelated"
	// JitterSymmetric spreads the delay by ±ratio around its value.
	JitterSymmetric Jitter = "symmetric"
)

// Policy describes one retry schedule.
type Policy struct {
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Multiplier is the exponential growth ratio. Zero means 2.
	Multiplier float64
	// Increment is the linear per-attempt step. Zero means BaseDelay.
	Increment time.Duration
	// Exponent is the polynomial power. Zero means 2.
	Exponent float64
	// DelayFn computes the raw delay for StrategyCustom; attempt starts
	// at zero.
	DelayFn func(attempt int) time.Duration

	Jitter Jitter
	// JitterRatio is the spread for JitterSymmetric. Zero means 0.1.
	JitterRatio float64

	// TotalTimeout bounds the sum of produced delays. Zero means
	// unbounded.
	TotalTimeout time.Duration

	// randFn returns a uniform value in [0, 1). Tests inject it.
	randFn func() float64
}

func (p Policy) multiplier() float64 {
	if p.Multiplier <= 0 {
		return 2
	}
	return p.Multiplier
}

func (p Policy) increment() time.Duration {
	if p.Increment <= 0 {
		return p.BaseDelay
	}
	return p.Increment
}

func (p Policy) exponent() float64 {
	if p.Exponent <= 0 {
		return 2
	}
	return p.Exponent
}

func (p Policy) jitterRatio() float64 {
	if p.JitterRatio <= 0 {
		return 0.1
	}
	return p.JitterRatio
}

// Predefined policies for the gateway's retry sites.

// ConnectionRetry suits reopening warehouse sessions.
func ConnectionRetry() Policy {
	return Policy{
		Strategy: StrategyExponential, BaseDelay: time.Second,
		MaxDelay: time.Minute, MaxAttempts: 5, Jitter: JitterFull,
	}
}

// QueryRetry suits re-running transient query failures.
func QueryRetry() Policy {
	return Policy{
		Strategy: StrategyExponential, BaseDelay: 500 * time.Millisecond,
		MaxDelay: 30 * time.Second, MaxAttempts: 3, Jitter: JitterEqual,
	}
}

// RateLimitRetry suits waiting out rate limits.
func RateLimitRetry() Policy {
	return Policy{
		Strategy: StrategyLinear, BaseDelay: time.Second, Increment: 2 * time.Second,
		MaxDelay: 5 * time.Minute, MaxAttempts: 10, Jitter: JitterNone,
	}
}

// BreakerRecovery suits probing a tripped dependency.
func BreakerRecovery() Policy {
	return Policy{
		Strategy: StrategyFibonacci, BaseDelay: 5 * time.Second,
		MaxDelay: 5 * time.Minute, MaxAttempts: 8, Jitter: JitterDecorrelated,
	}
}

// Schedule iterates the delays of one retry sequence. Not safe for
// concurrent use; each retry loop owns its own schedule.
type Schedule struct {
	policy    Policy
	attempt   int
	elapsed   time.Duration
	fibPrev   time.Duration
	fibCur    time.Duration
	exhausted bool
	randFn    func() float64
}

// NewSchedule starts a fresh iteration of the policy.
func NewSchedule(p Policy) *Schedule {
	randFn := p.randFn
	if randFn == nil {
		randFn = rand.Float64
	}
	return &Schedule{policy: p, randFn: randFn}
}

// Next returns the next delay. ok is false once the attempt budget or
// the total-time budget is spent. The sum of all returned delays never
// exceeds TotalTimeout when it is set.
func (s *Schedule) Next() (delay time.Duration, ok bool) {
	if s.exhausted {
		return 0, false
	}
	if s.policy.MaxAttempts > 0 && s.attempt >= s.policy.MaxAttempts {
		s.exhausted = true
		return 0, false
	}
	if s.policy.TotalTimeout > 0 && s.elapsed >= s.policy.TotalTimeout {
		s.exhausted = true
		return 0, false
	}

	d := s.raw(s.attempt)
	if s.policy.MaxDelay > 0 && d > s.policy.MaxDelay {
		d = s.policy.MaxDelay
	}
	d = s.jitter(d)
	if s.policy.MaxDelay > 0 && d > s.policy.MaxDelay {
		d = s.policy.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	if s.policy.TotalTimeout > 0 && s.elapsed+d > s.policy.TotalTimeout {
		d = s.policy.TotalTimeout - s.elapsed
		s.exhausted = true
	}

	s.attempt++
	s.elapsed += d
	return d, true
}

// Attempt reports how many delays have been produced.
func (s *Schedule) Attempt() int { return s.attempt }

func (s *Schedule) raw(attempt int) time.Duration {
	p := s.policy
	switch p.Strategy {
	case StrategyLinear:
		return p.BaseDelay + time.Duration(attempt)*p.increment()
	case StrategyExponential:
		return time.Duration(float64(p.BaseDelay) * math.Pow(p.multiplier(), float64(attempt)))
	case StrategyFibonacci:
		return p.BaseDelay * s.nextFib()
	case StrategyPolynomial:
		return time.Duration(float64(p.BaseDelay) * math.Pow(float64(attempt+1), p.exponent()))
	case StrategyCustom:
		if p.DelayFn != nil {
			return p.DelayFn(attempt)
		}
		return p.BaseDelay
	default:
		return p.BaseDelay
	}
}

// nextFib advances the fibonacci state: 1, 1, 2, 3, 5, ...
func (s *Schedule) nextFib() time.Duration {
	if s.fibCur == 0 {
		s.fibCur = 1
		return 1
	}
	s.fibPrev, s.fibCur = s.fibCur, s.fibPrev+s.fibCur
	return s.fibCur
}

func (s *Schedule) jitter(d time.Duration) time.Duration {
	switch s.policy.Jitter {
	case JitterFull:
		return time.Duration(s.randFn() * float64(d))
	case JitterEqual:
		half := float64(d) / 2
		return time.Duration(half + s.randFn()*half)
	case JitterDecorrelated:
		lo := float64(s.policy.BaseDelay)
		hi := 3 * float64(d)
		if hi <= lo {
			return s.policy.BaseDelay
		}
		return time.Duration(lo + s.randFn()*(hi-lo))
	case JitterSymmetric:
		ratio := s.policy.jitterRatio()
		spread := (s.randFn()*2 - 1) * ratio
		return time.Duration(float64(d) * (1 + spread))
	default:
		return d
	}
}
