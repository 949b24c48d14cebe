// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package txn drives explicit transactions on a single warehouse
// session. The manager is a two-state machine (idle, in transaction)
// that saves the session's autocommit flag when a transaction opens and
// restores it when the transaction terminates, so nested scopes can
// never leak a flipped flag back into the pool.
package txn

import (
	"context"
	"sync"

	"github.com/snowgate/snowgate/pkg/gateway/driver"
	"github.com/snowgate/snowgate/pkg/logger"
)

// State names the manager's position in its lifecycle.
type State string

const (
	// StateIdle means no explicit transaction is open.
	StateIdle State = "idle"
	// StateInTx means BEGIN was issued and neither COMMIT nor ROLLBACK
	// has terminated it yet.
	StateInTx State = "in_tx"
)

// Manager owns the transaction state of one borrowed session. It is
// created per operation scope and discarded with it.
type Manager struct {
	sess *driver.Session

	mu              sync.Mutex
	state           State
	savedAutoCommit *bool
}

// NewManager wraps a session in idle state.
func NewManager(sess *driver.Session) *Manager {
	return &Manager{sess: sess, state: StateIdle}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InTransaction reports whether an explicit transaction is open.
func (m *Manager) InTransaction() bool {
	return m.State() == StateInTx
}

// Begin opens an explicit transaction. The session's autocommit flag is
// saved and switched off first so statements inside the scope cannot
// self-commit. Calling Begin while a transaction is already open is a
// no-op that logs a warning.
func (m *Manager) Begin(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateInTx {
		m.mu.Unlock()
		logger.Warnw("begin ignored, transaction already open", "session_id", m.sess.ID())
		return nil
	}
	m.mu.Unlock()

	saved := m.sess.AutoCommit()
	if saved {
		if err := m.sess.SetAutoCommit(ctx, false); err != nil {
			return err
		}
	}
	if err := m.sess.Begin(ctx); err != nil {
		if saved {
			m.restoreAutoCommit(ctx, saved)
		}
		return err
	}

	m.mu.Lock()
	m.state = StateInTx
	m.savedAutoCommit = &saved
	m.mu.Unlock()
	logger.Debugw("transaction started", "session_id", m.sess.ID())
	return nil
}

// Commit terminates the open transaction and restores autocommit. From
// idle it is a no-op.
func (m *Manager) Commit(ctx context.Context) error {
	return m.terminate(ctx, "commit")
}

// Rollback aborts the open transaction and restores autocommit. From
// idle it is a no-op.
func (m *Manager) Rollback(ctx context.Context) error {
	return m.terminate(ctx, "rollback")
}

func (m *Manager) terminate(ctx context.Context, how string) error {
	m.mu.Lock()
	if m.state != StateInTx {
		m.mu.Unlock()
		logger.Debugw("transaction terminator ignored outside transaction", "op", how, "session_id", m.sess.ID())
		return nil
	}
	saved := m.savedAutoCommit
	m.state = StateIdle
	m.savedAutoCommit = nil
	m.mu.Unlock()

	var err error
	if how == "commit" {
		err = m.sess.Commit(ctx)
	} else {
		err = m.sess.Rollback(ctx)
	}

	// The saved flag is restored on every termination path, even when
	// the terminator itself failed.
	if saved != nil {
		m.restoreAutoCommit(ctx, *saved)
	}
	if err != nil {
		return err
	}
	logger.Debugw("transaction terminated", "op", how, "session_id", m.sess.ID())
	return nil
}

// restoreAutoCommit puts the session flag back. Failures are logged and
// swallowed so they never mask the caller's original error.
func (m *Manager) restoreAutoCommit(ctx context.Context, saved bool) {
	if m.sess.AutoCommit() == saved {
		return
	}
	if err := m.sess.SetAutoCommit(ctx, saved); err != nil {
		logger.Errorw("failed to restore autocommit after transaction", "session_id", m.sess.ID(), "error", err)
	}
}
