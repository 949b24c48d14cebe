// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/snowgate/snowgate/pkg/logger"
)

// gate bounds how many driver calls run concurrently. Callers wait
// cooperatively for a slot; the blocking work itself runs on its own
// goroutine so a caller whose context expires can return immediately
// while the warehouse call finishes in the background. The driver never
// aborts a statement mid-flight.
type gate struct {
	sem *semaphore.Weighted
}

func newGate(n int64) *gate {
	return &gate{sem: semaphore.NewWeighted(n)}
}

// do acquires a worker slot and runs fn. fn receives a context that
// carries the caller's values but not its cancellation, so an abandoned
// call completes and releases its slot on its own. When the caller's
// context is done first, do returns ctx.Err() and the result of fn is
// discarded.
func (g *gate) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	inner := context.WithoutCancel(ctx)
	go func() {
		defer g.sem.Release(1)
		done <- fn(inner)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Debugw("driver call abandoned by caller", "op", op, "reason", ctx.Err())
		return ctx.Err()
	}
}
