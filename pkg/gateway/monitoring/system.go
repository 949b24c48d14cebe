// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/snowgate/snowgate/pkg/logger"
)

// Sample is one reading of the gateway process.
type Sample struct {
	RSSBytes   uint64
	CPUPercent float64
	Goroutines int
	Threads    int32
	Timestamp  time.Time
}

// SystemCollector samples the gateway's own process on a fixed cadence
// and publishes the readings to the metrics set.
type SystemCollector struct {
	proc     *process.Process
	metrics  *Metrics
	interval time.Duration

	mu     sync.Mutex
	latest Sample

	started time.Time
	now     func() time.Time
}

// NewSystemCollector builds a collector for the current process.
// metrics may be nil when only Latest is wanted.
func NewSystemCollector(metrics *Metrics, interval time.Duration) (*SystemCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemCollector{
		proc:     proc,
		metrics:  metrics,
		interval: interval,
		started:  time.Now(),
		now:      time.Now,
	}, nil
}

// Sample takes one reading immediately.
func (c *SystemCollector) Sample() Sample {
	s := Sample{Goroutines: runtime.NumGoroutine(), Timestamp: c.now()}

	if mem, err := c.proc.MemoryInfo(); err == nil {
		s.RSSBytes = mem.RSS
	} else {
		logger.Debugw("process memory read failed", "error", err)
	}
	if cpu, err := c.proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	} else {
		logger.Debugw("process cpu read failed", "error", err)
	}
	if threads, err := c.proc.NumThreads(); err == nil {
		s.Threads = threads
	}

	c.mu.Lock()
	c.latest = s
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetProcessStats(s.RSSBytes, s.CPUPercent)
	}
	return s
}

// Latest returns the most recent reading.
func (c *SystemCollector) Latest() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Uptime reports how long the collector (and in practice the process)
// has been running.
func (c *SystemCollector) Uptime() time.Duration {
	return c.now().Sub(c.started)
}

// Run samples on the configured cadence until the context ends. One
// reading is taken immediately so Latest is never empty.
func (c *SystemCollector) Run(ctx context.Context) {
	c.Sample()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sample()
		}
	}
}
