// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package reqctx

import (
	"context"
	"log/slog"
)

// LogHandler decorates a slog.Handler so every record logged inside a
// request scope carries the correlation attributes request_id, client_id,
// and tool. Records logged outside a scope pass through untouched.
type LogHandler struct {
	inner slog.Handler
}

// NewLogHandler wraps inner with request correlation.
func NewLogHandler(inner slog.Handler) *LogHandler {
	return &LogHandler{inner: inner}
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rc, ok := FromContext(ctx); ok {
		rec.AddAttrs(
			slog.String("request_id", rc.RequestID),
			slog.String("client_id", rc.ClientID),
			slog.String("tool", rc.ToolName),
		)
	}
	return h.inner.Handle(ctx, rec)
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{inner: h.inner.WithGroup(name)}
}
