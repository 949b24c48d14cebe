// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package dbops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowgate/snowgate/pkg/gateway/driver"
	"github.com/snowgate/snowgate/pkg/gateway/pool"
	"github.com/snowgate/snowgate/pkg/gateway/reqctx"
)

func newScopePool(t *testing.T, cfg pool.Config) *pool.Pool {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	drv, err := driver.New(driver.Config{
		Backend:  driver.BackendLocal,
		LocalDSN: dsn,
		Database: "DB0",
		Schema:   "S0",
	})
	require.NoError(t, err)

	p := pool.New(cfg, drv)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() {
		_ = p.Close(context.Background())
		_ = drv.Close()
	})
	return p
}

func requestScope(tool string) context.Context {
	rc := reqctx.NewRequestContext("req-1", "client-1", tool, nil)
	return reqctx.WithRequestContext(context.Background(), rc)
}

func TestExecuteFetchesWholeResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newScopePool(t, pool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})

	_, err := Single(ctx, p, "CREATE TABLE parts (id INTEGER, name TEXT)")
	require.NoError(t, err)
	_, err = Single(ctx, p, "INSERT INTO parts VALUES (1, 'gear'), (2, 'cog')")
	require.NoError(t, err)

	res, err := Single(ctx, p, "SELECT id, name FROM parts ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.Columns)
	require.Equal(t, 2, res.RowCount())
	assert.Equal(t, int64(1), res.Rows[0][0])
	assert.Equal(t, "gear", res.Rows[0][1])
}

func TestExecuteLimitedAndOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newScopePool(t, pool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})

	_, err := Single(ctx, p, "CREATE TABLE seq (n INTEGER)")
	require.NoError(t, err)
	_, err = Single(ctx, p, "INSERT INTO seq VALUES (1), (2), (3), (4), (5)")
	require.NoError(t, err)

	err = Scope(ctx, p, func(ctx context.Context, tx *Transactional) error {
		limited, lerr := tx.ExecuteLimited(ctx, "SELECT n FROM seq ORDER BY n", 3)
		require.NoError(t, lerr)
		assert.Equal(t, 3, limited.RowCount())

		row, cols, ok, oerr := tx.ExecuteOne(ctx, "SELECT n FROM seq ORDER BY n")
		require.NoError(t, oerr)
		require.True(t, ok)
		assert.Equal(t, []string{"n"}, cols)
		assert.Equal(t, int64(1), row[0])

		_, _, ok, oerr = tx.ExecuteOne(ctx, "SELECT n FROM seq WHERE n > 99")
		require.NoError(t, oerr)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestScopeReleasesConnectionOnEveryPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newScopePool(t, pool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})

	require.NoError(t, Scope(ctx, p, func(context.Context, *Transactional) error {
		assert.Equal(t, 1, p.Stats().InUse)
		return nil
	}))
	assert.Equal(t, 0, p.Stats().InUse)

	boom := errors.New("handler failed")
	err := Scope(ctx, p, func(context.Context, *Transactional) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Stats().InUse)

	assert.Panics(t, func() {
		_ = Scope(ctx, p, func(context.Context, *Transactional) error { panic("boom") })
	})
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestIsolatedRestoreOnScopeExit(t *testing.T) {
	t.Parallel()
	ctx := requestScope("query_view")
	p := newScopePool(t, pool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})

	err := Scope(ctx, p, func(ctx context.Context, tx *Transactional) error {
		require.NoError(t, tx.UseDatabaseIsolated(ctx, "DB_A"))
		require.NoError(t, tx.UseSchemaIsolated(ctx, "ANALYTICS"))
		db, schema := tx.CurrentContext()
		assert.Equal(t, "DB_A", db)
		assert.Equal(t, "ANALYTICS", schema)
		assert.True(t, tx.Changed())
		return nil
	})
	require.NoError(t, err)

	// The ambient request saw the switches.
	rc, _ := reqctx.FromContext(ctx)
	db, schema := rc.DatabaseContext()
	assert.Equal(t, "DB_A", db)
	assert.Equal(t, "ANALYTICS", schema)

	// The next borrower of the same connection sees the entry state.
	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(pc)
	db, schema = pc.Session().CurrentContext()
	assert.Equal(t, "DB0", db)
	assert.Equal(t, "S0", schema)
}

func TestConcurrentScopesKeepTheirOwnContext(t *testing.T) {
	t.Parallel()
	p := newScopePool(t, pool.Config{MinSize: 2, MaxSize: 2, AcquireTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	for _, database := range []string{"DB_A", "DB_B"} {
		wg.Add(1)
		go func(database string) {
			defer wg.Done()
			ctx := reqctx.WithRequestContext(context.Background(),
				reqctx.NewRequestContext("req-"+database, "client-"+database, "execute_query", nil))
			err := Scope(ctx, p, func(ctx context.Context, tx *Transactional) error {
				if err := tx.UseDatabaseIsolated(ctx, database); err != nil {
					return err
				}
				if _, err := tx.ExecuteIsolated(ctx, "SELECT 1"); err != nil {
					return err
				}
				db, _ := tx.CurrentContext()
				assert.Equal(t, database, db)
				return nil
			})
			assert.NoError(t, err)
		}(database)
	}
	wg.Wait()

	// After both scopes exit every connection is back on the default.
	for i := 0; i < 2; i++ {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		db, _ := pc.Session().CurrentContext()
		assert.Equal(t, "DB0", db)
		defer p.Release(pc)
	}
}

func TestQueryCounterMatchesExecutes(t *testing.T) {
	t.Parallel()
	ctx := requestScope("execute_query")
	p := newScopePool(t, pool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})

	err := Scope(ctx, p, func(ctx context.Context, tx *Transactional) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.ExecuteIsolated(ctx, "SELECT 1"); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	rc, _ := reqctx.FromContext(ctx)
	assert.Equal(t, 3, rc.Snapshot().QueriesExecuted)
}

func TestTransactionCommitsOnCleanExit(t *testing.T) {
	t.Parallel()
	ctx := requestScope("execute_query")
	p := newScopePool(t, pool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})

	_, err := Single(context.Background(), p, "CREATE TABLE audit (id INTEGER)")
	require.NoError(t, err)

	err = TransactionScope(ctx, p, false, func(ctx context.Context, tx *Transactional) error {
		require.True(t, tx.InTransaction())
		_, terr := tx.ExecuteWithTransaction(ctx, "INSERT INTO audit VALUES (1)", false)
		return terr
	})
	require.NoError(t, err)

	res, err := Single(context.Background(), p, "SELECT id FROM audit")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount())

	snap, _ := reqctx.FromContext(ctx)
	s := snap.Snapshot()
	assert.Equal(t, 1, s.TransactionOperations)
	assert.Equal(t, 1, s.TransactionCommits)
	assert.Equal(t, 0, s.TransactionRollbacks)
}

func TestTransactionRollbackRestoresAutoCommit(t *testing.T) {
	t.Parallel()
	ctx := requestScope("execute_query")
	p := newScopePool(t, pool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})

	_, err := Single(context.Background(), p, "CREATE TABLE ledger (id INTEGER)")
	require.NoError(t, err)

	boom := errors.New("handler raised")
	err = TransactionScope(ctx, p, false, func(ctx context.Context, tx *Transactional) error {
		if _, terr := tx.ExecuteWithTransaction(ctx, "INSERT INTO ledger VALUES (1)", false); terr != nil {
			return terr
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Rollback discarded the insert.
	res, err := Single(context.Background(), p, "SELECT id FROM ledger")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowCount())

	// The session returned to the pool with autocommit back on.
	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, pc.Session().AutoCommit())
	p.Release(pc)

	rc, _ := reqctx.FromContext(ctx)
	s := rc.Snapshot()
	assert.Equal(t, 1, s.TransactionRollbacks)
	assert.Equal(t, 0, s.TransactionCommits)
}

func TestAutoCommitStatementRestoresSavedFlag(t *testing.T) {
	t.Parallel()
	ctx := requestScope("execute_query")
	p := newScopePool(t, pool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})

	err := Scope(ctx, p, func(ctx context.Context, tx *Transactional) error {
		require.NoError(t, tx.Session().SetAutoCommit(ctx, false))
		_, terr := tx.ExecuteWithTransaction(ctx, "SELECT 1", true)
		require.NoError(t, terr)
		assert.False(t, tx.Session().AutoCommit())
		return nil
	})
	require.NoError(t, err)
}

func TestBeginReentryIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := requestScope("execute_query")
	p := newScopePool(t, pool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})

	err := Scope(ctx, p, func(ctx context.Context, tx *Transactional) error {
		require.NoError(t, tx.Begin(ctx))
		require.NoError(t, tx.Begin(ctx))
		assert.True(t, tx.InTransaction())
		return nil
	})
	require.NoError(t, err)

	rc, _ := reqctx.FromContext(ctx)
	assert.Equal(t, 1, rc.Snapshot().TransactionOperations)
}

func TestCleanupSweepsForgottenCursors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newScopePool(t, pool.Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second})

	var leaked *driver.Cursor
	err := Scope(ctx, p, func(ctx context.Context, tx *Transactional) error {
		cur, qerr := tx.Query(ctx, "SELECT 1")
		if qerr != nil {
			return qerr
		}
		leaked = cur // deliberately not closed
		return nil
	})
	require.NoError(t, err)

	// The sweep closed it; further fetches fail.
	_, _, err = leaked.FetchOne(ctx)
	require.Error(t, err)
}
