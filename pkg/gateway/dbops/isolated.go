// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package dbops

import (
	"context"
	"sync"

	"github.com/snowgate/snowgate/pkg/gateway/driver"
	"github.com/snowgate/snowgate/pkg/gateway/reqctx"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Isolated adds context isolation on top of the plain wrapper: the
// session's database and schema are recorded on entry, every isolated
// USE call marks the scope dirty, and Restore issues the reverse
// statements before the session goes back to the pool.
type Isolated struct {
	*Wrapper

	origDatabase string
	origSchema   string

	mu      sync.Mutex
	changed bool
}

// NewIsolated captures the session's current database/schema as the
// restore point.
func NewIsolated(sess *driver.Session) *Isolated {
	db, schema := sess.CurrentContext()
	return &Isolated{
		Wrapper:      NewWrapper(sess),
		origDatabase: db,
		origSchema:   schema,
	}
}

// UseDatabaseIsolated switches the database, records the new value on
// the ambient request context, and marks the scope changed.
func (i *Isolated) UseDatabaseIsolated(ctx context.Context, database string) error {
	if err := i.sess.UseDatabase(ctx, database); err != nil {
		return err
	}
	i.mu.Lock()
	i.changed = true
	i.mu.Unlock()
	if rc, ok := reqctx.FromContext(ctx); ok {
		rc.SetDatabase(database, "")
	}
	logger.Debugw("database switched",
		"request_id", reqctx.RequestID(ctx), "database", database)
	return nil
}

// UseSchemaIsolated switches the schema under the same contract.
func (i *Isolated) UseSchemaIsolated(ctx context.Context, schema string) error {
	if err := i.sess.UseSchema(ctx, schema); err != nil {
		return err
	}
	i.mu.Lock()
	i.changed = true
	i.mu.Unlock()
	if rc, ok := reqctx.FromContext(ctx); ok {
		rc.SetSchema(schema)
	}
	logger.Debugw("schema switched",
		"request_id", reqctx.RequestID(ctx), "schema", schema)
	return nil
}

// ExecuteIsolated runs a statement, counting it on the ambient request.
func (i *Isolated) ExecuteIsolated(ctx context.Context, query string) (*Result, error) {
	if rc, ok := reqctx.FromContext(ctx); ok {
		rc.IncrementQueryCount()
	}
	res, err := i.Execute(ctx, query)
	if err != nil {
		if rc, ok := reqctx.FromContext(ctx); ok {
			rc.AddError(err, "execute_isolated")
		}
		return nil, err
	}
	logger.Debugw("isolated statement executed",
		"request_id", reqctx.RequestID(ctx), "rows", res.RowCount())
	return res, nil
}

// Changed reports whether the scope altered the session context.
func (i *Isolated) Changed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.changed
}

// Restore puts the session back on the database/schema it entered
// with. Failures are logged, never returned, so they cannot mask the
// error that ended the scope; the session is marked for retirement by
// the pool's next health check if the restore truly failed.
func (i *Isolated) Restore(ctx context.Context) {
	i.mu.Lock()
	changed := i.changed
	i.changed = false
	i.mu.Unlock()
	if !changed {
		return
	}

	if i.origDatabase != "" {
		if err := i.sess.UseDatabase(ctx, i.origDatabase); err != nil {
			logger.Errorw("failed to restore database context",
				"session_id", i.sess.ID(), "database", i.origDatabase, "error", err)
		}
	}
	if i.origSchema != "" {
		if err := i.sess.UseSchema(ctx, i.origSchema); err != nil {
			logger.Errorw("failed to restore schema context",
				"session_id", i.sess.ID(), "schema", i.origSchema, "error", err)
		}
	}
}
