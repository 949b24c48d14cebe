// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Common domain errors used across gateway subpackages.
// These should be checked with errors.Is(); errors that carry structured
// retry metadata wrap them via the typed errors below.

var (
	// ErrInvalidConfig indicates invalid configuration was provided.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPoolExhausted indicates no connection became available within the
	// acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed indicates an acquire against a closed pool.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrConnectionFailed indicates the driver could not open a session.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrTransactionAborted indicates a transactional scope exited with a
	// rollback. The original cause is wrapped.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrRateLimited indicates a rate limiter rejected the request.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrQuotaExceeded indicates a quota manager rejected the request.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrCircuitOpen indicates a circuit breaker rejected the call.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrBackoffExhausted indicates a retry schedule ran out of attempts
	// or time.
	ErrBackoffExhausted = errors.New("backoff retries exhausted")

	// ErrSQLRisk indicates the SQL validator blocked a statement.
	ErrSQLRisk = errors.New("sql statement blocked")

	// ErrAccessDenied indicates the isolation manager denied access to a
	// database, schema, or resource.
	ErrAccessDenied = errors.New("access denied")

	// ErrAuthFailed indicates authentication failure.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTimeout indicates an operation timed out. Wrapping errors name the
	// operation that timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled indicates an operation was cancelled by its scope.
	ErrCancelled = errors.New("operation cancelled")
)

// DriverError classifies a raw driver failure. Only transient errors are
// retry candidates.
type DriverError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *DriverError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("driver %s: %s error: %v", e.Op, kind, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a driver error marked transient, or a
// connection failure, both of which retry loops may re-attempt.
func IsTransient(err error) bool {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Transient
	}
	return errors.Is(err, ErrConnectionFailed)
}

// RateLimitError reports which limit tripped and when to retry.
type RateLimitError struct {
	LimitType  string
	RetryAfter time.Duration
	Current    float64
	Limit      float64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %.0f/%.0f, retry after %s",
		e.LimitType, e.Current, e.Limit, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// QuotaExceededError reports which quota was exceeded and when it resets.
type QuotaExceededError struct {
	QuotaType    string
	Requested    float64
	CurrentUsage float64
	Limit        float64
	NextReset    time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: requested %.0f, used %.0f of %.0f, resets at %s",
		e.QuotaType, e.Requested, e.CurrentUsage, e.Limit, e.NextReset.Format(time.RFC3339))
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// CircuitOpenError reports an open breaker and how long until a retry may
// be admitted.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry after %s",
		e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// BackoffExhaustedError wraps the final failure of a retry loop.
type BackoffExhaustedError struct {
	Attempts  int
	TotalTime time.Duration
	LastErr   error
}

func (e *BackoffExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts in %s: %v",
		e.Attempts, e.TotalTime.Round(time.Millisecond), e.LastErr)
}

func (e *BackoffExhaustedError) Unwrap() error { return ErrBackoffExhausted }

// ValidationError reports why the SQL validator blocked a statement.
type ValidationError struct {
	RiskLevel  string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sql statement blocked: risk %s, %d violations",
		e.RiskLevel, len(e.Violations))
}

func (e *ValidationError) Unwrap() error { return ErrSQLRisk }

// AccessDeniedError names the resource the isolation manager refused.
type AccessDeniedError struct {
	ClientID string
	Reason   string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for client %s: %s", e.ClientID, e.Reason)
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// TimeoutError names where a timeout occurred.
type TimeoutError struct {
	Where string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout in %s", e.Where)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RetryAfter extracts the advised wait from retryable gateway errors.
// Returns zero and false for errors that carry no wait hint.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return co.RetryAfter, true
	}
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return time.Until(qe.NextReset), true
	}
	return 0, false
}
