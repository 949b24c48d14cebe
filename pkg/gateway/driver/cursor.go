// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

var errCursorClosed = errors.New("cursor is closed")

// Cursor is a one-shot reader over a statement's result set. It is not
// reentrant and must be closed on every path; the operation wrapper
// above tracks open cursors and closes anything a handler forgot.
// Fetches go through the worker gate because result chunks may still
// arrive from the warehouse while iterating.
type Cursor struct {
	rows    *sql.Rows
	gate    *gate
	columns []string

	mu     sync.Mutex
	closed bool
}

func newCursor(rows *sql.Rows, g *gate) (*Cursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	return &Cursor{rows: rows, gate: g, columns: cols}, nil
}

// Columns returns the result column names in select order.
func (c *Cursor) Columns() []string {
	out := make([]string, len(c.columns))
	copy(out, c.columns)
	return out
}

// FetchOne returns the next row, reporting ok=false once the result set
// is exhausted.
func (c *Cursor) FetchOne(ctx context.Context) (row []any, ok bool, err error) {
	err = c.gate.do(ctx, "fetch_one", func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return classify("fetch_one", errCursorClosed)
		}
		r, more, ferr := c.next()
		if ferr != nil {
			return classify("fetch_one", ferr)
		}
		row, ok = r, more
		return nil
	})
	return row, ok, err
}

// FetchMany returns up to n rows. A short result means the set is
// exhausted.
func (c *Cursor) FetchMany(ctx context.Context, n int) ([][]any, error) {
	var out [][]any
	err := c.gate.do(ctx, "fetch_many", func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return classify("fetch_many", errCursorClosed)
		}
		for len(out) < n {
			row, more, ferr := c.next()
			if ferr != nil {
				return classify("fetch_many", ferr)
			}
			if !more {
				break
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchAll drains the remaining rows.
func (c *Cursor) FetchAll(ctx context.Context) ([][]any, error) {
	var out [][]any
	err := c.gate.do(ctx, "fetch_all", func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return classify("fetch_all", errCursorClosed)
		}
		for {
			row, more, ferr := c.next()
			if ferr != nil {
				return classify("fetch_all", ferr)
			}
			if !more {
				return nil
			}
			out = append(out, row)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying result set. Safe to call repeatedly.
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rows.Close()
}

// next advances the scan. Callers hold c.mu.
func (c *Cursor) next() ([]any, bool, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	vals := make([]any, len(c.columns))
	ptrs := make([]any, len(c.columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, false, err
	}
	for i, v := range vals {
		if b, isBytes := v.([]byte); isBytes {
			vals[i] = string(b)
		}
	}
	return vals, true, nil
}
