// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway holds the domain types and errors shared by the snowgate
// core: the concurrency, isolation, and resource-control substrate that sits
// between MCP tool handlers and the warehouse driver.
//
// Subpackages, leaves first:
//
//   - driver: non-blocking adapter over the blocking warehouse driver
//   - pool: bounded connection pool with health maintenance
//   - reqctx: ambient per-request context and registry
//   - txn: transaction state machine per connection scope
//   - dbops: plain/isolated/transactional operation wrappers
//   - session: per-client session records
//   - mux: connection leases and client affinity
//   - isolation: per-client access policies and resource caps
//   - alloc: typed resource pools under pluggable strategies
//   - ratelimit: token-bucket and sliding-window limiters
//   - breaker: circuit breakers per protected dependency
//   - quota: period-based usage quotas with rollover and burst
//   - backoff: retry schedules with jitter
//   - sqlguard: multi-layer SQL risk validation
//   - monitoring: metrics, query tracking, alert rules
//   - auth: API keys and bearer-token identity
//   - tools: the MCP tool handlers
//   - server: MCP + HTTP wiring
package gateway
