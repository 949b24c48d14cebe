// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Matcher reports whether an error belongs to a retry class.
type Matcher func(error) bool

// Hook observes one retry decision: the attempt that failed (starting
// at 1), the error, and the delay before the next try.
type Hook func(attempt int, err error, delay time.Duration)

// Retryer composes a schedule with a function. Retries happen only for
// errors the RetryOn matcher accepts and the StopOn matcher does not
// claim; everything else propagates immediately.
type Retryer struct {
	Policy  Policy
	RetryOn Matcher
	StopOn  Matcher
	// BeforeRetry and AfterRetry fire around each sleep.
	BeforeRetry Hook
	AfterRetry  Hook

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryer builds a retryer over the policy. The default retry class
// is the gateway's transient errors plus pool exhaustion.
func NewRetryer(p Policy) *Retryer {
	return &Retryer{Policy: p}
}

// Do runs fn until it succeeds, the schedule is spent, or ctx is done.
// A spent schedule wraps the last error in BackoffExhaustedError.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	schedule := NewSchedule(r.Policy)
	start := time.Now()
	attempt := 0

	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.shouldRetry(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay, ok := schedule.Next()
		if !ok {
			return &gateway.BackoffExhaustedError{
				Attempts:  attempt,
				TotalTime: time.Since(start),
				LastErr:   err,
			}
		}

		if r.BeforeRetry != nil {
			r.BeforeRetry(attempt, err, delay)
		}
		logger.Debugw("retrying after failure", "attempt", attempt, "delay", delay, "error", err)
		if err := r.doSleep(ctx, delay); err != nil {
			return err
		}
		if r.AfterRetry != nil {
			r.AfterRetry(attempt, err, delay)
		}
	}
}

func (r *Retryer) shouldRetry(err error) bool {
	if r.StopOn != nil && r.StopOn(err) {
		return false
	}
	if r.RetryOn != nil {
		return r.RetryOn(err)
	}
	return gateway.IsTransient(err) || errors.Is(err, gateway.ErrPoolExhausted)
}

func (r *Retryer) doSleep(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
