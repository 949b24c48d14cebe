// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/snowgate/snowgate/pkg/logger"
)

var errSessionClosed = errors.New("session is closed")

// Session is one pinned warehouse session. It tracks the ambient state
// that sticks to a warehouse connection (current database and schema,
// autocommit flag) so the layers above can capture and restore it. A
// session belongs to exactly one borrower at a time; the internal mutex
// only serializes statements against the pinned connection.
type Session struct {
	id      string
	backend string
	conn    *sql.Conn
	gate    *gate

	mu         sync.Mutex
	database   string
	schema     string
	autocommit bool
	closed     bool
}

// ID returns the stable identifier assigned when the session opened.
func (s *Session) ID() string { return s.id }

// CurrentContext reports the database and schema the session believes
// it is in. The values are maintained locally on every successful USE
// statement, so reading them costs no round trip.
func (s *Session) CurrentContext() (database, schema string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.database, s.schema
}

// AutoCommit reports the session's autocommit flag.
func (s *Session) AutoCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autocommit
}

// UseDatabase switches the session's current database. On the local
// backend the change is tracked in memory only.
func (s *Session) UseDatabase(ctx context.Context, database string) error {
	if s.backend == BackendSnowflake {
		if err := s.exec(ctx, "use_database", "USE DATABASE "+quoteIdent(database)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.database = database
	s.mu.Unlock()
	return nil
}

// UseSchema switches the session's current schema.
func (s *Session) UseSchema(ctx context.Context, schema string) error {
	if s.backend == BackendSnowflake {
		if err := s.exec(ctx, "use_schema", "USE SCHEMA "+quoteIdent(schema)); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.schema = schema
	s.mu.Unlock()
	return nil
}

// SetAutoCommit flips the session-level autocommit flag. Snowflake
// honors it as a session parameter; the local backend only records it.
func (s *Session) SetAutoCommit(ctx context.Context, on bool) error {
	if s.backend == BackendSnowflake {
		stmt := "ALTER SESSION SET AUTOCOMMIT = FALSE"
		if on {
			stmt = "ALTER SESSION SET AUTOCOMMIT = TRUE"
		}
		if err := s.exec(ctx, "set_autocommit", stmt); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.autocommit = on
	s.mu.Unlock()
	return nil
}

// Begin opens an explicit transaction on the session.
func (s *Session) Begin(ctx context.Context) error {
	return s.exec(ctx, "begin", "BEGIN")
}

// Commit commits the open transaction.
func (s *Session) Commit(ctx context.Context) error {
	return s.exec(ctx, "commit", "COMMIT")
}

// Rollback aborts the open transaction.
func (s *Session) Rollback(ctx context.Context) error {
	return s.exec(ctx, "rollback", "ROLLBACK")
}

// Exec runs a statement that produces no result set.
func (s *Session) Exec(ctx context.Context, query string) error {
	return s.exec(ctx, "exec", query)
}

// Query runs a statement and returns a cursor over its result set. The
// cursor must be closed before the next statement runs on this session.
func (s *Session) Query(ctx context.Context, query string) (*Cursor, error) {
	var cur *Cursor
	start := time.Now()
	err := s.gate.do(ctx, "query", func(dctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return classify("query", errSessionClosed)
		}
		rows, err := s.conn.QueryContext(dctx, query)
		if err != nil {
			return classify("query", err)
		}
		c, err := newCursor(rows, s.gate)
		if err != nil {
			return classify("query", err)
		}
		cur = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Debugw("statement executed", "session_id", s.id, "duration_ms", time.Since(start).Milliseconds())
	return cur, nil
}

// HealthCheck verifies the session still answers. A non-nil error marks
// the session unhealthy; the pool retires it.
func (s *Session) HealthCheck(ctx context.Context) error {
	return s.gate.do(ctx, "health_check", func(dctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return classify("health_check", errSessionClosed)
		}
		if err := s.conn.PingContext(dctx); err != nil {
			return classify("health_check", err)
		}
		return nil
	})
}

// Close returns the pinned connection. Closing twice is harmless.
func (s *Session) Close(ctx context.Context) error {
	return s.gate.do(ctx, "close_session", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil
		}
		s.closed = true
		if err := s.conn.Close(); err != nil {
			return classify("close_session", err)
		}
		logger.Debugw("warehouse session closed", "session_id", s.id)
		return nil
	})
}

func (s *Session) exec(ctx context.Context, op, query string) error {
	return s.gate.do(ctx, op, func(dctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return classify(op, errSessionClosed)
		}
		if _, err := s.conn.ExecContext(dctx, query); err != nil {
			return classify(op, err)
		}
		return nil
	})
}

// quoteIdent wraps an identifier in double quotes, doubling any quotes
// inside it, the way the warehouse expects identifiers to be escaped.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
