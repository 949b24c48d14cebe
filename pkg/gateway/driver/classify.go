// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	sqldriver "database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/snowgate/snowgate/pkg/gateway"
)

// classify wraps a raw driver failure with the operation that produced
// it and a transient/permanent verdict. Only transient failures are
// retry candidates for the pool and backoff layers.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &gateway.DriverError{Op: op, Transient: isTransient(err), Err: err}
}

// isTransient decides whether a raw driver error is worth retrying.
// Network interruptions, timeouts and connection-class SQL states are
// transient; syntax, permission and schema errors are permanent.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, sqldriver.ErrBadConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var sfErr *sf.SnowflakeError
	if errors.As(err, &sfErr) {
		// SQL state class 08 covers connection exceptions; 57 covers
		// operator intervention such as admin shutdown. Everything else
		// coming back from the warehouse is a statement problem.
		return strings.HasPrefix(sfErr.SQLState, "08") || strings.HasPrefix(sfErr.SQLState, "57")
	}

	return false
}
