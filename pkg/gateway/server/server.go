// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the gateway: the MCP endpoint, the admin
// API, and every supporting component from driver to alert engine. New
// builds the object graph from a validated configuration; Run starts
// the background loops and serves until the context is canceled.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/snowgate/snowgate/pkg/config"
	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/gateway/alloc"
	"github.com/snowgate/snowgate/pkg/gateway/auth"
	"github.com/snowgate/snowgate/pkg/gateway/backoff"
	"github.com/snowgate/snowgate/pkg/gateway/breaker"
	"github.com/snowgate/snowgate/pkg/gateway/driver"
	"github.com/snowgate/snowgate/pkg/gateway/isolation"
	"github.com/snowgate/snowgate/pkg/gateway/monitoring"
	"github.com/snowgate/snowgate/pkg/gateway/mux"
	"github.com/snowgate/snowgate/pkg/gateway/pool"
	"github.com/snowgate/snowgate/pkg/gateway/quota"
	"github.com/snowgate/snowgate/pkg/gateway/ratelimit"
	"github.com/snowgate/snowgate/pkg/gateway/reqctx"
	"github.com/snowgate/snowgate/pkg/gateway/session"
	"github.com/snowgate/snowgate/pkg/gateway/sqlguard"
	"github.com/snowgate/snowgate/pkg/gateway/tools"
	"github.com/snowgate/snowgate/pkg/logger"
)

// breakerWarehouse is the circuit breaker guarding warehouse calls.
const breakerWarehouse = "warehouse"

// Server is the assembled gateway.
type Server struct {
	cfg     *config.Config
	version string

	drv       *driver.Driver
	pool      *pool.Pool
	guard     *sqlguard.Validator
	allocator *alloc.Allocator
	retry     *backoff.Retryer
	limiter   *ratelimit.Limiter
	quotas    *quota.Manager
	breakers  *breaker.Manager
	iso       *isolation.Manager
	sessions  *session.Manager
	mux       *mux.Mux
	registry  *reqctx.Registry

	metrics   *monitoring.Metrics
	tracker   *monitoring.Tracker
	alerts    *monitoring.Engine
	system    *monitoring.SystemCollector
	telemetry *monitoring.Telemetry

	keys *auth.Manager
	jwts *auth.JWTVerifier

	tools      *tools.Registry
	mcp        *server.MCPServer
	httpServer *http.Server

	started time.Time
}

// New builds the full gateway from a validated configuration. Nothing
// is started; call Run.
func New(ctx context.Context, cfg *config.Config, version string) (*Server, error) {
	s := &Server{cfg: cfg, version: version}

	drv, err := driver.New(driverConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}
	s.drv = drv
	s.pool = pool.New(poolConfig(cfg), drv)

	s.guard = sqlguard.New(guardConfig(cfg))
	s.allocator = alloc.New(alloc.DefaultConfig(), allocPools(cfg)...)
	s.retry = backoff.NewRetryer(retryPolicy(cfg))
	s.retry.StopOn = func(err error) bool {
		// Breaker rejections carry their own retry-after; waiting the
		// backoff schedule out here would just stall the client.
		return errors.Is(err, gateway.ErrCircuitOpen)
	}
	s.limiter = ratelimit.New(rateLimits(cfg.ClientRate), rateLimits(cfg.GlobalRate))
	s.quotas = quota.NewManager(quotaDefs(cfg.ClientQuota), quotaDefs(cfg.GlobalQuota))
	s.breakers = breaker.NewManager(breakerConfig(cfg))
	s.sessions = session.NewManager(sessionConfig(cfg))
	s.mux = mux.New(muxConfig(cfg), s.pool)
	s.registry = reqctx.NewRegistry()

	s.iso = isolation.NewManager(isolation.LevelModerate)
	s.registerAllowlists()

	s.metrics = monitoring.NewMetrics()
	s.tracker = monitoring.NewTracker(trackerConfig(cfg))
	s.alerts = monitoring.NewEngine(s.alertSource())
	for _, rule := range monitoring.DefaultRules() {
		s.alerts.AddRule(rule)
	}

	system, err := monitoring.NewSystemCollector(s.metrics, cfg.Monitoring.SystemInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to create system collector: %w", err)
	}
	s.system = system

	telemetry, err := monitoring.NewTelemetry(ctx, telemetryConfig(cfg, version), s.metrics.Registry())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetry = telemetry

	if cfg.Security.AuthEnabled {
		if cfg.Security.DefaultAdminAPIKey != "" || cfg.Security.APIKeySalt != "" {
			keys, kerr := auth.NewManager(authConfig(cfg))
			if kerr != nil {
				return nil, fmt.Errorf("failed to initialize API key manager: %w", kerr)
			}
			s.keys = keys
		}
		if cfg.Security.JWTSecret != "" {
			jwts, jerr := auth.NewJWTVerifier(jwtConfig(cfg))
			if jerr != nil {
				return nil, fmt.Errorf("failed to initialize JWT verifier: %w", jerr)
			}
			s.jwts = jwts
		}
	}

	s.tools = tools.NewRegistry(tools.Config{
		Conns:     s.mux,
		Guard:     s.guard,
		Isolation: s.iso,
		Tracker:   s.tracker,
		Metrics:   s.metrics,
	})

	s.mcp = s.buildMCPServer()
	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// startBackground initializes the pool and launches the maintenance
// loops. The returned cancel stops them.
func (s *Server) startBackground(ctx context.Context) (context.CancelFunc, error) {
	if err := s.pool.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize connection pool: %w", err)
	}
	s.started = time.Now()

	bg, cancel := context.WithCancel(ctx)
	go s.pool.Run(bg)
	go s.sessions.Run(bg)
	go s.mux.Run(bg)
	go s.registry.Run(bg, time.Minute, staleAge(s.cfg))
	go s.allocator.Run(bg)
	go s.alerts.Run(bg, s.cfg.Monitoring.AlertInterval)
	go s.system.Run(bg)
	go s.pollGauges(bg)
	return cancel, nil
}

// Run starts the background loops and serves HTTP until ctx is
// canceled, then shuts everything down in reverse order.
func (s *Server) Run(ctx context.Context) error {
	cancel, err := s.startBackground(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("gateway listening",
			"addr", s.cfg.HTTP.Addr(),
			"mcp_endpoint", "/mcp",
			"backend", s.cfg.Snowflake.Backend,
			"read_only", s.cfg.Security.ReadOnly,
			"auth_enabled", s.cfg.Security.AuthEnabled)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	return s.Shutdown(shutdownCtx)
}

// RunStdio serves MCP over in/out for desktop assistants that speak
// stdio instead of HTTP. The admin surface is not started; everything
// else (pool, limits, quotas, breaker) behaves exactly as over HTTP.
func (s *Server) RunStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	cancel, err := s.startBackground(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	logger.Infow("gateway serving on stdio",
		"backend", s.cfg.Snowflake.Backend,
		"read_only", s.cfg.Security.ReadOnly)
	serveErr := server.NewStdioServer(s.mcp).Listen(ctx, in, out)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown stops the HTTP listener, drains the pool, and flushes
// telemetry. Safe to call once.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Infow("gateway shutting down")
	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	s.mux.Close()
	if err := s.pool.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.drv.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.telemetry.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// registerAllowlists turns the configured database/schema allow-lists
// into isolation validators. Empty lists allow everything.
func (s *Server) registerAllowlists() {
	if dbs := s.cfg.Security.AllowedDatabases; len(dbs) > 0 {
		s.iso.RegisterDatabaseValidator(func(clientID, database string) error {
			for _, allowed := range dbs {
				if strings.EqualFold(allowed, database) {
					return nil
				}
			}
			return &gateway.AccessDeniedError{
				ClientID: clientID,
				Reason:   fmt.Sprintf("database %s is not in the allowed list", database),
			}
		})
	}
	if schemas := s.cfg.Security.AllowedSchemas; len(schemas) > 0 {
		s.iso.RegisterSchemaValidator(func(clientID, database, schema string) error {
			for _, allowed := range schemas {
				// Entries may be bare ("PUBLIC") or qualified ("DB.PUBLIC").
				if db, sc, ok := strings.Cut(allowed, "."); ok {
					if strings.EqualFold(db, database) && strings.EqualFold(sc, schema) {
						return nil
					}
					continue
				}
				if strings.EqualFold(allowed, schema) {
					return nil
				}
			}
			return &gateway.AccessDeniedError{
				ClientID: clientID,
				Reason:   fmt.Sprintf("schema %s.%s is not in the allowed list", database, schema),
			}
		})
	}
}

// alertSource exposes live component readings to the alert engine under
// the metric names the default rules reference.
func (s *Server) alertSource() monitoring.Source {
	return func(metric string) (float64, bool) {
		switch metric {
		case "pool_utilization_percent":
			return s.pool.Stats().Utilization, true
		case "error_rate_percent":
			return s.tracker.Stats().FailureRate * 100, true
		case "circuit_breaker_open":
			return float64(s.breakers.OpenCount()), true
		case "process_memory_bytes":
			return float64(s.system.Latest().RSSBytes), true
		default:
			return 0, false
		}
	}
}

// pollGauges refreshes the pool and breaker gauges on a short cadence;
// counters are updated inline where the events happen.
func (s *Server) pollGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps := s.pool.Stats()
			s.metrics.SetPoolGauges(ps.InUse, ps.Idle, ps.Total, ps.Utilization)
			for _, bm := range s.breakers.Metrics() {
				s.metrics.SetBreakerState(bm.Name, breakerStateValue(bm.State))
			}
			s.metrics.SetAllocated("sessions", float64(s.sessions.Stats().Total))
			for _, rp := range s.allocator.Stats().Pools {
				s.metrics.SetAllocated(rp.Resource, float64(rp.Allocated))
			}
		}
	}
}

func breakerStateValue(state breaker.State) float64 {
	switch state {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
