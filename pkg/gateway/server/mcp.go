// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/gateway/alloc"
	"github.com/snowgate/snowgate/pkg/gateway/auth"
	"github.com/snowgate/snowgate/pkg/gateway/quota"
	"github.com/snowgate/snowgate/pkg/gateway/session"
	"github.com/snowgate/snowgate/pkg/gateway/tools"
	"github.com/snowgate/snowgate/pkg/logger"
)

func (s *Server) buildMCPServer() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"snowgate",
		s.version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	registerTools(mcpServer, s)
	return mcpServer
}

// clientID resolves the calling client from the authenticated identity;
// unauthenticated deployments collapse onto one anonymous client.
func clientID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.Subject != "" {
		return identity.Subject
	}
	return "anonymous"
}

// transportKey marks which transport a call arrived over; absent means
// stdio.
type transportKey struct{}

// sessionFor resolves the gateway session backing this call, creating
// one on the transport connection's first request. Transport sessions
// are matched through metadata so a reconnecting client gets a fresh
// record instead of inheriting a stale one.
func (s *Server) sessionFor(ctx context.Context, client string) *session.Session {
	transport := session.TransportStdio
	if tp, ok := ctx.Value(transportKey{}).(session.Transport); ok {
		transport = tp
	}
	transportID := ""
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		transportID = cs.SessionID()
	}

	for _, sess := range s.sessions.SessionsForClient(client) {
		if sess.Transport() == transport && sess.Metadata()["transport_session_id"] == transportID {
			return sess
		}
	}
	return s.sessions.CreateSession(client, transport,
		map[string]string{"transport_session_id": transportID})
}

// wrap turns a tool handler into an MCP handler behind the full
// admission chain: rate limits, quotas, a connection slot from the
// allocator, then session, request-registry, and isolation bookkeeping
// before execution under the warehouse circuit breaker with
// transient-error retries. Tool failures become error results, never
// protocol errors.
func (s *Server) wrap(name string, h tools.Handler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		client := clientID(ctx)
		started := time.Now()

		if err := s.admit(client); err != nil {
			s.metrics.RecordRequest(name, "denied", time.Since(started))
			return mcp.NewToolResultError(err.Error()), nil
		}
		defer s.limiter.ReleaseRequestSlot(client)

		// One connection slot per in-flight call keeps any single client
		// from monopolizing the pool.
		grant, err := s.allocator.Allocate(ctx, alloc.Request{
			ClientID: client,
			Resource: alloc.ResourceConnections,
			Amount:   1,
			MaxWait:  s.cfg.Pool.AcquireTimeout,
		})
		if err != nil {
			s.metrics.RecordRequest(name, "denied", time.Since(started))
			return mcp.NewToolResultError(err.Error()), nil
		}
		defer s.allocator.Release(grant)

		args := req.GetArguments()
		ctx, rc := s.registry.Begin(ctx, client, name, args)
		sess := s.sessionFor(ctx, client)
		s.sessions.AddRequest(sess.ID(), rc.RequestID)
		s.iso.BeginRequest(client, rc.RequestID)
		s.metrics.RequestStarted()

		var out string
		err = s.retry.Do(ctx, func(ctx context.Context) error {
			return s.breakers.Get(breakerWarehouse).Do(ctx, func(ctx context.Context) error {
				var herr error
				out, herr = h(ctx, args)
				return herr
			})
		})

		s.metrics.RequestFinished()
		s.sessions.RemoveRequest(sess.ID(), rc.RequestID)
		s.iso.EndRequest(rc.RequestID)
		s.registry.End(rc, err)

		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordRequest(name, status, time.Since(started))

		if err != nil {
			s.metrics.RecordError(errorKind(err))
			logger.Warnw("tool call failed",
				"tool", name, "client_id", client,
				"request_id", rc.RequestID, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		// Response size counts against the daily transfer quota. The
		// payload already went out, so a breach here only warns.
		if terr := s.quotas.Consume(client, quota.TypeDataTransferMB,
			float64(len(out))/(1<<20)); terr != nil {
			logger.Warnw("data transfer quota exceeded",
				"client_id", client, "error", terr)
		}
		return mcp.NewToolResultText(out), nil
	}
}

// admit runs the pre-execution gates in order: request rate, query
// rate, concurrency slot, then quotas. Quota consumption is undone if a
// later gate refuses.
func (s *Server) admit(client string) error {
	if err := s.limiter.CheckRequest(client); err != nil {
		s.recordDenial(err)
		return err
	}
	if err := s.limiter.CheckQuery(client); err != nil {
		s.recordDenial(err)
		return err
	}
	if err := s.limiter.AcquireRequestSlot(client); err != nil {
		s.recordDenial(err)
		return err
	}

	consumed := make([]string, 0, 3)
	for _, quotaType := range []string{
		quota.TypeRequestsPerHour, quota.TypeRequestsPerDay, quota.TypeQueriesPerHour,
	} {
		if err := s.quotas.Consume(client, quotaType, 1); err != nil {
			for _, undo := range consumed {
				s.quotas.Refund(client, undo, 1)
			}
			s.limiter.ReleaseRequestSlot(client)
			s.recordDenial(err)
			return err
		}
		consumed = append(consumed, quotaType)
	}
	return nil
}

func (s *Server) recordDenial(err error) {
	var rle *gateway.RateLimitError
	if errors.As(err, &rle) {
		s.metrics.RecordRateLimitHit(rle.LimitType)
		return
	}
	var qee *gateway.QuotaExceededError
	if errors.As(err, &qee) {
		s.metrics.RecordQuotaDenial(qee.QuotaType)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, gateway.ErrSQLRisk):
		return "validation"
	case errors.Is(err, gateway.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, gateway.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, gateway.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, gateway.ErrTimeout):
		return "timeout"
	default:
		return "query"
	}
}

func registerTools(mcpServer *server.MCPServer, s *Server) {
	mcpServer.AddTool(mcp.Tool{
		Name:        "list_databases",
		Description: "List all accessible Snowflake databases",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.wrap("list_databases", s.tools.ListDatabases))

	mcpServer.AddTool(mcp.Tool{
		Name:        "list_views",
		Description: "List all views in a specified database and schema",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"database": map[string]any{
					"type":        "string",
					"description": "The database to list views from",
				},
				"schema": map[string]any{
					"type":        "string",
					"description": "Optional schema; defaults to the session's current schema",
				},
			},
			Required: []string{"database"},
		},
	}, s.wrap("list_views", s.tools.ListViews))

	mcpServer.AddTool(mcp.Tool{
		Name:        "describe_view",
		Description: "Show the columns and definition of a view",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"database": map[string]any{
					"type":        "string",
					"description": "The database containing the view",
				},
				"schema": map[string]any{
					"type":        "string",
					"description": "Optional schema; defaults to the session's current schema",
				},
				"view_name": map[string]any{
					"type":        "string",
					"description": "The view to describe",
				},
			},
			Required: []string{"database", "view_name"},
		},
	}, s.wrap("describe_view", s.tools.DescribeView))

	mcpServer.AddTool(mcp.Tool{
		Name:        "query_view",
		Description: "Query data from a view with a row limit",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"database": map[string]any{
					"type":        "string",
					"description": "The database containing the view",
				},
				"schema": map[string]any{
					"type":        "string",
					"description": "Optional schema; defaults to the session's current schema",
				},
				"view_name": map[string]any{
					"type":        "string",
					"description": "The view to query",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum rows to return (default 10)",
				},
			},
			Required: []string{"database", "view_name"},
		},
	}, s.wrap("query_view", s.tools.QueryView))

	mcpServer.AddTool(mcp.Tool{
		Name:        "execute_query",
		Description: "Execute a read-only SQL query (SELECT, SHOW, DESCRIBE, EXPLAIN, WITH)",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The SQL statement to execute",
				},
				"database": map[string]any{
					"type":        "string",
					"description": "Optional database context for the statement",
				},
				"schema": map[string]any{
					"type":        "string",
					"description": "Optional schema context for the statement",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum rows to return when the statement has no LIMIT (default 100)",
				},
				"use_transaction": map[string]any{
					"type":        "boolean",
					"description": "Run the statement under explicit transaction control",
				},
				"auto_commit": map[string]any{
					"type":        "boolean",
					"description": "Commit each statement on its own (default true)",
				},
			},
			Required: []string{"query"},
		},
	}, s.wrap("execute_query", s.tools.ExecuteQuery))
}
