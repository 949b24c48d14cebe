// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package driver adapts the blocking warehouse driver for cooperative
// use. Every call that can touch the network (opening a session,
// executing a statement, fetching rows, health checks) is dispatched
// through a bounded gate so a saturated warehouse cannot tie up an
// unbounded number of goroutines, and raw driver failures are
// classified into transient and permanent kinds for the retry layers
// above. The package holds no per-request state.
package driver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver for the local backend

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Supported warehouse backends.
const (
	// BackendSnowflake talks to a real Snowflake account.
	BackendSnowflake = "snowflake"
	// BackendLocal runs against an embedded SQLite database and is meant
	// for development and tests. Session state (current database, schema,
	// autocommit) is emulated in memory because SQLite has no notion of it.
	BackendLocal = "local"
)

// Authenticator values accepted by Config.
const (
	AuthPrivateKey      = "private-key"
	AuthExternalBrowser = "external-browser"
)

const (
	defaultMaxWorkers   = 12
	defaultLoginTimeout = 60 * time.Second
	defaultLocalDSN     = "file:snowgate?mode=memory&cache=shared"
)

// Config carries everything needed to reach the warehouse. It is a
// plain value; the process-level configuration layer maps environment
// variables onto it.
type Config struct {
	Backend string

	// Snowflake settings.
	Account              string
	User                 string
	Warehouse            string
	Database             string
	Schema               string
	Role                 string
	Authenticator        string
	PrivateKeyPath       string
	PrivateKey           string
	PrivateKeyPassphrase string
	LoginTimeout         time.Duration

	// Local backend settings.
	LocalDSN string

	// MaxWorkers bounds how many driver calls may run at once. Keep it
	// close to the connection pool's max size so health checks and
	// metrics never starve behind query traffic.
	MaxWorkers int

	// MaxSessions caps open connections at the database/sql layer. Zero
	// means unlimited; the connection pool above enforces its own cap.
	MaxSessions int
}

func (c Config) backend() string {
	if c.Backend == "" {
		return BackendSnowflake
	}
	return c.Backend
}

func (c Config) maxWorkers() int64 {
	if c.MaxWorkers <= 0 {
		return defaultMaxWorkers
	}
	return int64(c.MaxWorkers)
}

// Driver owns the underlying database handle and the worker gate shared
// by every session it opens.
type Driver struct {
	backend         string
	db              *sql.DB
	gate            *gate
	defaultDatabase string
	defaultSchema   string
}

// New validates the configuration, builds the backend DSN and opens the
// database handle. No warehouse round trip happens here; the first
// session open performs the actual login.
func New(cfg Config) (*Driver, error) {
	var (
		dsn        string
		driverName string
		err        error
	)

	switch cfg.backend() {
	case BackendSnowflake:
		driverName = "snowflake"
		dsn, err = buildSnowflakeDSN(cfg)
		if err != nil {
			return nil, err
		}
	case BackendLocal:
		driverName = "sqlite"
		dsn = cfg.LocalDSN
		if dsn == "" {
			dsn = defaultLocalDSN
		}
	default:
		return nil, fmt.Errorf("%w: unknown warehouse backend %q", gateway.ErrInvalidConfig, cfg.Backend)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", gateway.ErrConnectionFailed, err)
	}
	if cfg.MaxSessions > 0 {
		db.SetMaxOpenConns(cfg.MaxSessions)
		db.SetMaxIdleConns(cfg.MaxSessions)
	}

	return &Driver{
		backend:         cfg.backend(),
		db:              db,
		gate:            newGate(cfg.maxWorkers()),
		defaultDatabase: cfg.Database,
		defaultSchema:   cfg.Schema,
	}, nil
}

// Backend reports which backend this driver was built for.
func (d *Driver) Backend() string { return d.backend }

// OpenSession pins a dedicated connection and wraps it in a Session.
// The pin is what makes session state (USE DATABASE, autocommit) stick
// to one warehouse session instead of hopping across the handle's
// internal pool.
func (d *Driver) OpenSession(ctx context.Context) (*Session, error) {
	var conn *sql.Conn
	err := d.gate.do(ctx, "open_session", func(dctx context.Context) error {
		c, err := d.db.Conn(dctx)
		if err != nil {
			return fmt.Errorf("%w: %s", gateway.ErrConnectionFailed, err)
		}
		if err := c.PingContext(dctx); err != nil {
			_ = c.Close()
			return fmt.Errorf("%w: %s", gateway.ErrConnectionFailed, err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         "sess-" + uuid.NewString(),
		backend:    d.backend,
		conn:       conn,
		gate:       d.gate,
		database:   d.defaultDatabase,
		schema:     d.defaultSchema,
		autocommit: true,
	}
	logger.Debugw("warehouse session opened", "session_id", s.id, "backend", d.backend)
	return s, nil
}

// Close releases the underlying database handle. Sessions still open
// keep working until they are closed individually.
func (d *Driver) Close() error {
	return d.db.Close()
}
