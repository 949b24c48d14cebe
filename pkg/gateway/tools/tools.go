// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools implements the five MCP tool handlers. Each handler
// receives the raw argument map and the ambient request context,
// borrows a connection through a dbops scope, and renders its result
// as markdown. Statement validation happens before any connection is
// touched; the validator's read-only gate is authoritative and the
// handlers add no write detection of their own.
package tools

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/snowgate/snowgate/pkg/gateway/dbops"
	"github.com/snowgate/snowgate/pkg/gateway/isolation"
	"github.com/snowgate/snowgate/pkg/gateway/monitoring"
	"github.com/snowgate/snowgate/pkg/gateway/reqctx"
	"github.com/snowgate/snowgate/pkg/gateway/sqlguard"
)

// Handler is one tool implementation. It returns rendered markdown;
// errors are converted to a single error content by the transport.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Config wires a handler registry. Conns and Guard are required; the
// rest are optional collaborators. Conns is the multiplexer in the
// assembled gateway and the raw pool in narrower setups.
type Config struct {
	Conns     dbops.ConnSource
	Guard     *sqlguard.Validator
	Isolation *isolation.Manager
	Tracker   *monitoring.Tracker
	Metrics   *monitoring.Metrics

	// QueryViewLimit is the default row cap for query_view. Default 10.
	QueryViewLimit int
	// ExecuteQueryLimit is the default row cap for execute_query.
	// Default 100.
	ExecuteQueryLimit int
}

// Registry holds the tool handlers and their shared collaborators.
type Registry struct {
	conns     dbops.ConnSource
	guard     *sqlguard.Validator
	iso       *isolation.Manager
	tracker   *monitoring.Tracker
	metrics   *monitoring.Metrics
	viewLimit int
	execLimit int
}

// NewRegistry builds the handler set.
func NewRegistry(cfg Config) *Registry {
	if cfg.QueryViewLimit <= 0 {
		cfg.QueryViewLimit = 10
	}
	if cfg.ExecuteQueryLimit <= 0 {
		cfg.ExecuteQueryLimit = 100
	}
	return &Registry{
		conns:     cfg.Conns,
		guard:     cfg.Guard,
		iso:       cfg.Isolation,
		tracker:   cfg.Tracker,
		metrics:   cfg.Metrics,
		viewLimit: cfg.QueryViewLimit,
		execLimit: cfg.ExecuteQueryLimit,
	}
}

// Handlers returns the tool name to handler mapping.
func (r *Registry) Handlers() map[string]Handler {
	return map[string]Handler{
		"list_databases": r.ListDatabases,
		"list_views":     r.ListViews,
		"describe_view":  r.DescribeView,
		"query_view":     r.QueryView,
		"execute_query":  r.ExecuteQuery,
	}
}

// identRe matches a bare warehouse identifier. Tool arguments that
// name databases, schemas, or views are interpolated into statements
// and must stay within this shape.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func checkIdent(kind, name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid %s identifier %q", kind, name)
	}
	return nil
}

// stringArg reads an optional string argument; empty when absent.
func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

// intArg reads an integer argument; JSON transports deliver numbers as
// float64.
func intArg(args map[string]any, key string, fallback int) int {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if args == nil {
		return fallback
	}
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

// checkAccess runs the isolation manager's database/schema gates when
// one is configured.
func (r *Registry) checkAccess(ctx context.Context, database, schema string) error {
	if r.iso == nil {
		return nil
	}
	clientID := reqctx.ClientID(ctx)
	if database != "" {
		if err := r.iso.ValidateDatabaseAccess(clientID, database); err != nil {
			return err
		}
	}
	if schema != "" {
		if err := r.iso.ValidateSchemaAccess(clientID, database, schema); err != nil {
			return err
		}
	}
	return nil
}

// observe feeds the tracker and metrics after a statement ran.
func (r *Registry) observe(ctx context.Context, queryType, query string, started time.Time, rows int, err error) {
	elapsed := time.Since(started)
	status := "success"
	if err != nil {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.RecordQuery(queryType, status, elapsed)
	}
	if r.tracker != nil {
		r.tracker.Record(monitoring.QueryRecord{
			QueryID:   reqctx.RequestID(ctx),
			ClientID:  reqctx.ClientID(ctx),
			QueryType: queryType,
			Query:     query,
			Duration:  elapsed,
			RowCount:  rows,
			Success:   err == nil,
		})
	}
}
