// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package dbops layers the database-operation wrappers over a borrowed
// warehouse session. The plain wrapper owns cursor lifecycle: every
// call opens a cursor and closes it on all paths, and anything a
// handler leaves open through the streaming API is swept on scope
// exit. The isolated wrapper captures the session's database/schema on
// entry and restores them on exit whenever the scope changed them, so
// the next borrower always sees the state it expects. The
// transactional wrapper adds explicit begin/commit/rollback plus the
// auto-commit save/restore contract around per-call transactions.
// Scope and TransactionScope tie a wrapper to one pooled connection
// and guarantee the connection is released exactly once.
package dbops

import (
	"context"
	"sync"

	"github.com/snowgate/snowgate/pkg/gateway/driver"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Result is a fully fetched result set.
type Result struct {
	Columns []string
	Rows    [][]any
}

// RowCount returns the number of fetched rows.
func (r *Result) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// cursorTracker remembers cursors handed out by the streaming API so
// Cleanup can close what a handler forgot.
type cursorTracker struct {
	mu   sync.Mutex
	open map[*driver.Cursor]struct{}
}

func newCursorTracker() *cursorTracker {
	return &cursorTracker{open: make(map[*driver.Cursor]struct{})}
}

func (t *cursorTracker) track(c *driver.Cursor) {
	t.mu.Lock()
	t.open[c] = struct{}{}
	t.mu.Unlock()
}

// done closes the cursor and forgets it.
func (t *cursorTracker) done(c *driver.Cursor) {
	t.mu.Lock()
	delete(t.open, c)
	t.mu.Unlock()
	_ = c.Close()
}

// closeAll sweeps every cursor still open and reports how many there
// were.
func (t *cursorTracker) closeAll() int {
	t.mu.Lock()
	leftover := make([]*driver.Cursor, 0, len(t.open))
	for c := range t.open {
		leftover = append(leftover, c)
	}
	t.open = make(map[*driver.Cursor]struct{})
	t.mu.Unlock()

	for _, c := range leftover {
		_ = c.Close()
	}
	return len(leftover)
}

// Wrapper is the plain operation layer over one borrowed session.
type Wrapper struct {
	sess    *driver.Session
	cursors *cursorTracker
}

// NewWrapper builds the plain wrapper. Callers normally go through
// Scope instead, which also handles pool acquire/release.
func NewWrapper(sess *driver.Session) *Wrapper {
	return &Wrapper{sess: sess, cursors: newCursorTracker()}
}

// Session exposes the underlying warehouse session.
func (w *Wrapper) Session() *driver.Session { return w.sess }

// Execute runs a statement and fetches the whole result set. The
// cursor lives only for the duration of the call.
func (w *Wrapper) Execute(ctx context.Context, query string) (*Result, error) {
	cur, err := w.sess.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	w.cursors.track(cur)
	defer w.cursors.done(cur)

	rows, err := cur.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Columns: cur.Columns(), Rows: rows}, nil
}

// ExecuteOne runs a statement and returns only the first row; ok is
// false for an empty result set.
func (w *Wrapper) ExecuteOne(ctx context.Context, query string) (row []any, cols []string, ok bool, err error) {
	cur, err := w.sess.Query(ctx, query)
	if err != nil {
		return nil, nil, false, err
	}
	w.cursors.track(cur)
	defer w.cursors.done(cur)

	row, ok, err = cur.FetchOne(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	return row, cur.Columns(), ok, nil
}

// ExecuteLimited runs a statement and fetches at most n rows.
func (w *Wrapper) ExecuteLimited(ctx context.Context, query string, n int) (*Result, error) {
	cur, err := w.sess.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	w.cursors.track(cur)
	defer w.cursors.done(cur)

	rows, err := cur.FetchMany(ctx, n)
	if err != nil {
		return nil, err
	}
	return &Result{Columns: cur.Columns(), Rows: rows}, nil
}

// Query hands the caller a live cursor for streaming large results.
// The cursor is tracked: Cleanup closes it if the caller does not.
func (w *Wrapper) Query(ctx context.Context, query string) (*driver.Cursor, error) {
	cur, err := w.sess.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	w.cursors.track(cur)
	return cur, nil
}

// CloseCursor closes a cursor obtained from Query.
func (w *Wrapper) CloseCursor(cur *driver.Cursor) {
	w.cursors.done(cur)
}

// CurrentContext reports the session's database and schema.
func (w *Wrapper) CurrentContext() (database, schema string) {
	return w.sess.CurrentContext()
}

// UseDatabase switches the session's current database.
func (w *Wrapper) UseDatabase(ctx context.Context, database string) error {
	return w.sess.UseDatabase(ctx, database)
}

// UseSchema switches the session's current schema.
func (w *Wrapper) UseSchema(ctx context.Context, schema string) error {
	return w.sess.UseSchema(ctx, schema)
}

// Cleanup closes any cursor still open. It runs on every scope exit.
func (w *Wrapper) Cleanup() {
	if n := w.cursors.closeAll(); n > 0 {
		logger.Warnw("closed cursors left open by handler",
			"session_id", w.sess.ID(), "count", n)
	}
}
