// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker isolates failing dependencies behind a circuit with
// closed, open, and half-open states. Open circuits reject immediately
// with the advised wait; after the recovery timeout a limited number of
// probe calls may pass, and either close the circuit or slam it open
// again with an exponentially grown recovery timeout. Elapsed time is
// measured monotonically, never from the wall clock.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/logger"
)

// State is the circuit's position.
type State string

const (
	// StateClosed passes calls through and counts failures.
	StateClosed State = "closed"
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker. Zero values fall back to the defaults.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	CallTimeout      time.Duration
	MonitoringWindow time.Duration
	HalfOpenMaxCalls int

	// ExponentialRecovery doubles the effective recovery timeout every
	// second reopen, bounded by MaxRecoveryTimeout.
	ExponentialRecovery bool
	MaxRecoveryTimeout  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		RecoveryTimeout:     60 * time.Second,
		SuccessThreshold:    3,
		CallTimeout:         30 * time.Second,
		MonitoringWindow:    60 * time.Second,
		HalfOpenMaxCalls:    5,
		ExponentialRecovery: true,
		MaxRecoveryTimeout:  5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = d.MonitoringWindow
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.MaxRecoveryTimeout <= 0 {
		c.MaxRecoveryTimeout = d.MaxRecoveryTimeout
	}
	return c
}

// event is one line of the bounded recent-calls log.
type event struct {
	at      time.Time
	failure bool
}

const maxEvents = 256

// Metrics snapshots one breaker for the monitoring surface.
type Metrics struct {
	Name            string
	State           State
	Failures        int
	Successes       int
	TotalCalls      int64
	TotalFailures   int64
	TotalSuccesses  int64
	TotalRejections int64
	TotalTimeouts   int64
	OpenTransitions int64
}

// Breaker protects one dependency.
type Breaker struct {
	name string
	cfg  Config

	// clock must return times carrying a monotonic reading; tests swap
	// it for a fake.
	clock func() time.Time

	mu             sync.Mutex
	state          State
	stateChangedAt time.Time
	failures       int
	successes      int
	halfOpenCalls  int
	events         []event

	totalCalls      int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64
	totalTimeouts   int64
	openTransitions int64
}

// New builds a closed breaker named for the dependency it guards.
func New(name string, cfg Config) *Breaker {
	return newBreaker(name, cfg, time.Now)
}

func newBreaker(name string, cfg Config, clock func() time.Time) *Breaker {
	return &Breaker{
		name:           name,
		cfg:            cfg.withDefaults(),
		clock:          clock,
		state:          StateClosed,
		stateChangedAt: clock(),
	}
}

// Name returns the protected dependency's name.
func (b *Breaker) Name() string { return b.name }

// State reports the current state, promoting open to half-open when the
// recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Do runs fn through the circuit. Open circuits reject with
// CircuitOpenError; admitted calls run under the call timeout, and a
// timeout counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		b.record(false, true)
		return &gateway.TimeoutError{Where: "circuit_breaker:" + b.name}
	}
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// The caller went away; neither success nor failure of the
		// dependency was observed. The admission still has to hand its
		// half-open probe slot back or the circuit wedges rejecting.
		b.releaseSlot()
		return err
	}
	b.record(err == nil, false)
	return err
}

// ForceOpen trips the circuit by hand.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.toOpenLocked()
	b.mu.Unlock()
	logger.Warnw("circuit breaker forced open", "breaker", b.name)
}

// ForceClose closes the circuit and clears its counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	b.toClosedLocked()
	b.mu.Unlock()
	logger.Infow("circuit breaker forced closed", "breaker", b.name)
}

// Reset restores the breaker to a fresh closed state, including the
// reopen-growth counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.toClosedLocked()
	b.openTransitions = 0
	b.events = nil
	b.mu.Unlock()
}

// Metrics snapshots the breaker.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return Metrics{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejections: b.totalRejections,
		TotalTimeouts:   b.totalTimeouts,
		OpenTransitions: b.openTransitions,
	}
}

// admit decides whether a call may proceed right now.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()
	switch b.state {
	case StateOpen:
		b.totalRejections++
		retry := b.stateChangedAt.Add(b.effectiveRecoveryLocked()).Sub(b.clock())
		if retry < 0 {
			retry = 0
		}
		return &gateway.CircuitOpenError{Name: b.name, RetryAfter: retry}
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			b.totalRejections++
			return &gateway.CircuitOpenError{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout}
		}
		b.halfOpenCalls++
	}
	b.totalCalls++
	return nil
}

// releaseSlot returns an admitted call's half-open probe slot when the
// call ended without a recordable outcome. A state change since the
// admission already reset the counter, so the decrement is guarded.
func (b *Breaker) releaseSlot() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
	b.mu.Unlock()
}

// record books the outcome of an admitted call.
func (b *Breaker) record(success, timeout bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.events = append(b.events, event{at: now, failure: !success})
	if len(b.events) > maxEvents {
		b.events = b.events[len(b.events)-maxEvents:]
	}
	if timeout {
		b.totalTimeouts++
	}

	if success {
		b.totalSuccesses++
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.toClosedLocked()
				logger.Infow("circuit breaker recovered", "breaker", b.name)
			}
		case StateClosed:
			// A success clears the consecutive-failure streak; the
			// windowed event log keeps its history.
			b.failures = 0
		}
		return
	}

	b.totalFailures++
	switch b.state {
	case StateHalfOpen:
		// First failure while probing slams the circuit shut again.
		b.toOpenLocked()
		logger.Warnw("circuit breaker reopened by probe failure", "breaker", b.name)
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold || b.windowedFailuresLocked(now) >= b.cfg.FailureThreshold {
			b.toOpenLocked()
			logger.Warnw("circuit breaker opened", "breaker", b.name,
				"failures", b.failures, "threshold", b.cfg.FailureThreshold)
		}
	}
}

// maybeHalfOpenLocked promotes an open circuit whose recovery timeout
// has elapsed. Callers hold b.mu.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state != StateOpen {
		return
	}
	if b.clock().Sub(b.stateChangedAt) >= b.effectiveRecoveryLocked() {
		b.state = StateHalfOpen
		b.stateChangedAt = b.clock()
		b.halfOpenCalls = 0
		b.successes = 0
		logger.Infow("circuit breaker half-open", "breaker", b.name)
	}
}

// effectiveRecoveryLocked grows the recovery timeout by a power of two
// every second reopen when exponential recovery is on. Callers hold
// b.mu.
func (b *Breaker) effectiveRecoveryLocked() time.Duration {
	if !b.cfg.ExponentialRecovery || b.openTransitions <= 1 {
		return b.cfg.RecoveryTimeout
	}
	d := b.cfg.RecoveryTimeout
	for i := int64(0); i < (b.openTransitions-1)/2; i++ {
		d *= 2
		if d >= b.cfg.MaxRecoveryTimeout {
			return b.cfg.MaxRecoveryTimeout
		}
	}
	return d
}

func (b *Breaker) windowedFailuresLocked(now time.Time) int {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	n := 0
	for _, e := range b.events {
		if e.failure && e.at.After(cutoff) {
			n++
		}
	}
	return n
}

func (b *Breaker) toOpenLocked() {
	b.state = StateOpen
	b.stateChangedAt = b.clock()
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
	b.openTransitions++
}

func (b *Breaker) toClosedLocked() {
	b.state = StateClosed
	b.stateChangedAt = b.clock()
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
}
