// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package reqctx

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/logger"
)

const (
	// maxCompleted bounds the completed-request history.
	maxCompleted = 1000
	// completedTrim is how many of the oldest completed entries are dropped
	// when the bound is hit.
	completedTrim = 100
)

// Registry tracks active and recently completed request contexts. It is the
// single authority for opening and closing request scopes.
type Registry struct {
	mu        sync.Mutex
	active    map[string]*RequestContext
	completed map[string]*RequestContext

	totalStarted   int64
	totalCompleted int64
	totalStale     int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:    make(map[string]*RequestContext),
		completed: make(map[string]*RequestContext),
	}
}

// Begin opens a request scope: it mints a request id, builds the
// RequestContext, registers it as active, and returns a derived
// context.Context carrying it. callerCtx cancellation propagates into the
// scope.
func (r *Registry) Begin(callerCtx context.Context, clientID, toolName string, args map[string]any) (context.Context, *RequestContext) {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	rc := NewRequestContext(id, clientID, toolName, args)

	r.mu.Lock()
	r.active[id] = rc
	r.totalStarted++
	r.mu.Unlock()

	logger.Debugw("request started",
		"request_id", id, "client_id", clientID, "tool", toolName)

	return WithRequestContext(callerCtx, rc), rc
}

// End closes a request scope. A non-nil err is appended to the context's
// error trail before completion. End is idempotent.
func (r *Registry) End(rc *RequestContext, err error) {
	if rc == nil {
		return
	}
	if err != nil {
		rc.AddError(err, "request_scope")
	}
	rc.Complete()

	r.mu.Lock()
	if _, ok := r.active[rc.RequestID]; ok {
		delete(r.active, rc.RequestID)
		r.completed[rc.RequestID] = rc
		r.totalCompleted++
		r.trimCompletedLocked()
	}
	r.mu.Unlock()

	logger.Debugw("request completed",
		"request_id", rc.RequestID,
		"client_id", rc.ClientID,
		"duration_ms", rc.Duration().Milliseconds(),
		"queries", rc.Snapshot().QueriesExecuted)
}

// Get returns an active or completed request context by id.
func (r *Registry) Get(requestID string) (*RequestContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.active[requestID]; ok {
		return rc, true
	}
	rc, ok := r.completed[requestID]
	return rc, ok
}

// ActiveCount returns the number of open request scopes.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveForClient returns the number of open scopes owned by clientID.
func (r *Registry) ActiveForClient(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rc := range r.active {
		if rc.ClientID == clientID {
			n++
		}
	}
	return n
}

// CleanupStale retires active contexts older than maxAge: each gets a
// synthetic timeout error, is completed, and moves to the completed bin.
// Returns how many contexts were retired.
func (r *Registry) CleanupStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []*RequestContext
	for _, rc := range r.active {
		if rc.StartTime.Before(cutoff) {
			stale = append(stale, rc)
		}
	}
	r.mu.Unlock()

	for _, rc := range stale {
		rc.AddError(&gateway.TimeoutError{Where: "stale_request_cleanup"}, "stale_request_cleanup")
		rc.Complete()

		r.mu.Lock()
		if _, ok := r.active[rc.RequestID]; ok {
			delete(r.active, rc.RequestID)
			r.completed[rc.RequestID] = rc
			r.totalStale++
			r.trimCompletedLocked()
		}
		r.mu.Unlock()

		logger.Warnw("stale request cleaned up",
			"request_id", rc.RequestID,
			"client_id", rc.ClientID,
			"age", time.Since(rc.StartTime).Round(time.Second).String())
	}
	return len(stale)
}

// Run starts the periodic stale sweep and blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.CleanupStale(maxAge)
		case <-ctx.Done():
			return
		}
	}
}

// Stats summarizes registry activity.
type Stats struct {
	Active         int
	Completed      int
	TotalStarted   int64
	TotalCompleted int64
	TotalStale     int64
}

// Stats returns current registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Active:         len(r.active),
		Completed:      len(r.completed),
		TotalStarted:   r.totalStarted,
		TotalCompleted: r.totalCompleted,
		TotalStale:     r.totalStale,
	}
}

// trimCompletedLocked drops the oldest completed entries once the bound is
// exceeded. Caller holds r.mu. Request ids are ULIDs, so lexical order is
// creation order.
func (r *Registry) trimCompletedLocked() {
	if len(r.completed) <= maxCompleted {
		return
	}
	ids := make([]string, 0, len(r.completed))
	for id := range r.completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids[:completedTrim] {
		delete(r.completed, id)
	}
}
