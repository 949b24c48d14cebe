// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package reqctx provides the ambient per-request context: identity, metrics,
// database/schema state, and the error trail of one tool invocation.
//
// A RequestContext is attached to a context.Context at request entry and is
// reachable from any call site inside the request, including driver work that
// hops to the worker pool, without being threaded through every signature.
package reqctx

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// requestContextKey is the key used to store the RequestContext in a
// context.Context. An empty struct type prevents collisions with other
// context keys.
type requestContextKey struct{}

// WithRequestContext attaches rc to ctx. If rc is nil, ctx is returned
// unchanged.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	if rc == nil {
		return ctx
	}
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext retrieves the RequestContext from ctx.
// Returns the context and true if present, nil and false otherwise.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

// RequestID returns the ambient request id, or "" when called outside a
// request scope.
func RequestID(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok {
		return rc.RequestID
	}
	return ""
}

// ClientID returns the ambient client id, or "" when called outside a
// request scope.
func ClientID(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok {
		return rc.ClientID
	}
	return ""
}

// ErrorRecord is one entry in a request's error trail.
type ErrorRecord struct {
	Timestamp time.Time
	Message   string
	Type      string
	Where     string
}

// RequestContext carries the identity and mutable ambient state of one tool
// invocation. Identity fields (RequestID, ClientID, ToolName, Arguments,
// StartTime) are set at creation and never mutated. Mutable state is guarded
// by a mutex because monitoring and the stale cleaner read it from other
// goroutines.
type RequestContext struct {
	RequestID string
	ClientID  string
	ToolName  string
	Arguments map[string]any
	StartTime time.Time

	mu                    sync.Mutex
	database              string
	schema                string
	connectionID          string
	databaseOperations    int
	queriesExecuted       int
	transactionOperations int
	transactionCommits    int
	transactionRollbacks  int
	errors                []ErrorRecord
	endTime               time.Time
}

// NewRequestContext builds a context for one invocation. The argument map is
// referenced, not copied; handlers treat it as read-only.
func NewRequestContext(requestID, clientID, toolName string, args map[string]any) *RequestContext {
	return &RequestContext{
		RequestID: requestID,
		ClientID:  clientID,
		ToolName:  toolName,
		Arguments: args,
		StartTime: time.Now(),
	}
}

// SetDatabase records the current database (and schema, when non-empty) for
// the request.
func (rc *RequestContext) SetDatabase(database, schema string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.database = database
	if schema != "" {
		rc.schema = schema
	}
}

// SetSchema records the current schema for the request.
func (rc *RequestContext) SetSchema(schema string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.schema = schema
}

// DatabaseContext returns the database and schema the request last set.
func (rc *RequestContext) DatabaseContext() (database, schema string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.database, rc.schema
}

// SetConnectionID records which pooled connection served the request.
func (rc *RequestContext) SetConnectionID(id string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.connectionID = id
}

// ConnectionID returns the pooled connection id serving the request.
func (rc *RequestContext) ConnectionID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.connectionID
}

// IncrementDatabaseOperations bumps the database-operation counter.
func (rc *RequestContext) IncrementDatabaseOperations() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.databaseOperations++
}

// IncrementQueryCount bumps the executed-query counter.
func (rc *RequestContext) IncrementQueryCount() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.queriesExecuted++
}

// IncrementTransactionOperation bumps the transaction-operation counter.
func (rc *RequestContext) IncrementTransactionOperation() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.transactionOperations++
}

// IncrementTransactionCommit bumps the commit counter.
func (rc *RequestContext) IncrementTransactionCommit() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.transactionCommits++
}

// IncrementTransactionRollback bumps the rollback counter.
func (rc *RequestContext) IncrementTransactionRollback() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.transactionRollbacks++
}

// AddError appends an entry to the request's error trail. where names the
// call site or phase that observed the error.
func (rc *RequestContext) AddError(err error, where string) {
	if err == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.errors = append(rc.errors, ErrorRecord{
		Timestamp: time.Now(),
		Message:   err.Error(),
		Type:      errorType(err),
		Where:     where,
	})
}

// Errors returns a copy of the error trail.
func (rc *RequestContext) Errors() []ErrorRecord {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]ErrorRecord, len(rc.errors))
	copy(out, rc.errors)
	return out
}

// Complete marks the request as finished. Calling Complete more than once
// keeps the first end time.
func (rc *RequestContext) Complete() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.endTime.IsZero() {
		rc.endTime = time.Now()
	}
}

// Completed reports whether Complete has run.
func (rc *RequestContext) Completed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return !rc.endTime.IsZero()
}

// EndTime returns the completion time, zero if the request is still active.
func (rc *RequestContext) EndTime() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.endTime
}

// Duration returns elapsed time since start, frozen at completion.
func (rc *RequestContext) Duration() time.Duration {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.endTime.IsZero() {
		return time.Since(rc.StartTime)
	}
	return rc.endTime.Sub(rc.StartTime)
}

// Snapshot is a point-in-time copy of a request's counters, safe to read
// without holding the context's lock.
type Snapshot struct {
	RequestID             string
	ClientID              string
	ToolName              string
	Database              string
	Schema                string
	ConnectionID          string
	DatabaseOperations    int
	QueriesExecuted       int
	TransactionOperations int
	TransactionCommits    int
	TransactionRollbacks  int
	ErrorCount            int
	StartTime             time.Time
	EndTime               time.Time
}

// Snapshot copies the current state of the request.
func (rc *RequestContext) Snapshot() Snapshot {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return Snapshot{
		RequestID:             rc.RequestID,
		ClientID:              rc.ClientID,
		ToolName:              rc.ToolName,
		Database:              rc.database,
		Schema:                rc.schema,
		ConnectionID:          rc.connectionID,
		DatabaseOperations:    rc.databaseOperations,
		QueriesExecuted:       rc.queriesExecuted,
		TransactionOperations: rc.transactionOperations,
		TransactionCommits:    rc.transactionCommits,
		TransactionRollbacks:  rc.transactionRollbacks,
		ErrorCount:            len(rc.errors),
		StartTime:             rc.StartTime,
		EndTime:               rc.endTime,
	}
}

func errorType(err error) string {
	return fmt.Sprintf("%T", err)
}
