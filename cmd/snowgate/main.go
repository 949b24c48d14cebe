// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the Snowgate gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/snowgate/snowgate/cmd/snowgate/app"
	"github.com/snowgate/snowgate/pkg/logger"
)

func main() {
	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}

	// Convention for processes terminated by an interrupt.
	if ctx.Err() != nil {
		os.Exit(130)
	}
}
