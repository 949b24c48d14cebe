// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package dbops

import (
	"context"

	"github.com/snowgate/snowgate/pkg/gateway/driver"
	"github.com/snowgate/snowgate/pkg/gateway/pool"
	"github.com/snowgate/snowgate/pkg/gateway/reqctx"
	"github.com/snowgate/snowgate/pkg/gateway/txn"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Transactional is the outermost wrapper layer. It couples the
// isolated wrapper with a transaction manager and keeps the ambient
// request's transaction counters in step with what actually ran on the
// session.
type Transactional struct {
	*Isolated
	tx *txn.Manager
}

// NewTransactional builds the full wrapper stack over one session.
func NewTransactional(sess *driver.Session) *Transactional {
	return &Transactional{Isolated: NewIsolated(sess), tx: txn.NewManager(sess)}
}

// InTransaction reports whether an explicit transaction is open.
func (t *Transactional) InTransaction() bool { return t.tx.InTransaction() }

// Begin opens an explicit transaction and counts the operation on the
// ambient request. Re-entry is a logged no-op.
func (t *Transactional) Begin(ctx context.Context) error {
	if t.tx.InTransaction() {
		return t.tx.Begin(ctx)
	}
	if err := t.tx.Begin(ctx); err != nil {
		return err
	}
	if rc, ok := reqctx.FromContext(ctx); ok {
		rc.IncrementTransactionOperation()
	}
	return nil
}

// Commit terminates the open transaction. The commit counter moves
// only when a transaction was actually committed.
func (t *Transactional) Commit(ctx context.Context) error {
	if !t.tx.InTransaction() {
		return t.tx.Commit(ctx)
	}
	if err := t.tx.Commit(ctx); err != nil {
		return err
	}
	if rc, ok := reqctx.FromContext(ctx); ok {
		rc.IncrementTransactionCommit()
	}
	return nil
}

// Rollback aborts the open transaction, counting it on success.
func (t *Transactional) Rollback(ctx context.Context) error {
	if !t.tx.InTransaction() {
		return t.tx.Rollback(ctx)
	}
	if err := t.tx.Rollback(ctx); err != nil {
		return err
	}
	if rc, ok := reqctx.FromContext(ctx); ok {
		rc.IncrementTransactionRollback()
	}
	return nil
}

// ExecuteWithTransaction runs one statement under the requested
// transaction discipline. With autoCommit the statement is its own
// transaction and the session's saved flag is restored afterwards so
// nested scopes cannot leak it; without it the statement joins (or
// opens) the scope's explicit transaction, which terminates at scope
// exit.
func (t *Transactional) ExecuteWithTransaction(ctx context.Context, query string, autoCommit bool) (*Result, error) {
	if autoCommit {
		saved := t.sess.AutoCommit()
		if !saved {
			if err := t.sess.SetAutoCommit(ctx, true); err != nil {
				return nil, err
			}
		}
		res, err := t.ExecuteIsolated(ctx, query)
		if !saved {
			if rerr := t.sess.SetAutoCommit(ctx, false); rerr != nil {
				logger.Errorw("failed to restore autocommit after statement",
					"session_id", t.sess.ID(), "error", rerr)
			}
		}
		return res, err
	}

	if !t.tx.InTransaction() {
		if err := t.Begin(ctx); err != nil {
			return nil, err
		}
	}
	return t.ExecuteIsolated(ctx, query)
}

// exit settles the scope: terminate any open transaction (commit on
// success, rollback on failure), sweep leftover cursors, and restore
// the session's database/schema. The returned error is non-nil only
// when a success-path commit failed.
func (t *Transactional) exit(ctx context.Context, failed bool) error {
	var exitErr error
	if t.tx.InTransaction() {
		if failed {
			if err := t.Rollback(ctx); err != nil {
				logger.Errorw("rollback failed on scope exit",
					"session_id", t.sess.ID(), "error", err)
			}
		} else {
			exitErr = t.Commit(ctx)
		}
	}
	t.Cleanup()
	t.Restore(ctx)
	return exitErr
}

// ConnSource hands a scope its pooled connection and takes it back
// through the returned closure. The raw pool satisfies it directly;
// the multiplexer satisfies it through leases, which is how tool
// handlers get connection affinity without knowing about leases.
type ConnSource interface {
	Borrow(ctx context.Context) (*pool.PooledConn, func(), error)
}

// Scope borrows a connection from the source, runs fn with the full
// wrapper stack, and returns the connection exactly once on every
// path, including panics. An explicit transaction still open when fn
// returns is committed on success and rolled back on failure.
func Scope(ctx context.Context, src ConnSource, fn func(context.Context, *Transactional) error) (err error) {
	pc, release, err := src.Borrow(ctx)
	if err != nil {
		return err
	}
	if rc, ok := reqctx.FromContext(ctx); ok {
		rc.SetConnectionID(pc.ID())
		rc.IncrementDatabaseOperations()
	}
	t := NewTransactional(pc.Session())

	defer func() {
		if r := recover(); r != nil {
			_ = t.exit(ctx, true)
			release()
			panic(r)
		}
		exitErr := t.exit(ctx, err != nil)
		release()
		if err == nil {
			err = exitErr
		}
	}()
	return fn(ctx, t)
}

// TransactionScope is Scope with an explicit transaction opened up
// front when autoCommit is false. With autoCommit true each statement
// inside commits on its own and the scope adds nothing.
func TransactionScope(ctx context.Context, src ConnSource, autoCommit bool, fn func(context.Context, *Transactional) error) error {
	return Scope(ctx, src, func(ctx context.Context, t *Transactional) error {
		if !autoCommit {
			if err := t.Begin(ctx); err != nil {
				return err
			}
		}
		return fn(ctx, t)
	})
}

// Single runs one statement in its own scope, the shape most tool
// handlers need.
func Single(ctx context.Context, src ConnSource, query string) (*Result, error) {
	var res *Result
	err := Scope(ctx, src, func(ctx context.Context, t *Transactional) error {
		r, execErr := t.ExecuteIsolated(ctx, query)
		if execErr != nil {
			return execErr
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
