// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"
)

// tokenBucket shapes a rate as capacity = limit + burst with refill in
// whole-window steps: tokens only land once a full refill interval has
// passed, so a drained bucket stays empty until the window rolls over
// rather than dribbling tokens back continuously. Each bucket has its
// own lock.
type tokenBucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	interval time.Duration
	tokens   float64
	last     time.Time
}

func newTokenBucket(limit, burst float64, window time.Duration, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity: limit + burst,
		rate:     limit / window.Seconds(),
		interval: window,
		tokens:   limit + burst,
		last:     now,
	}
}

// take consumes n tokens. On refusal it reports the advised wait until
// the next refill lands and the current token count.
func (b *tokenBucket) take(now time.Time, n float64) (ok bool, retryAfter time.Duration, current float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.last); elapsed >= b.interval {
		b.tokens += b.rate * elapsed.Seconds()
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens >= n {
		b.tokens -= n
		return true, 0, b.tokens
	}

	wait := b.last.Add(b.interval).Sub(now)
	if needed := time.Duration((n - b.tokens) / b.rate * float64(time.Second)); needed > wait {
		wait = needed
	}
	return false, wait, b.tokens
}

// level reports the current token count without consuming.
func (b *tokenBucket) level() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
