// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"
)

// slidingWindow counts events whose timestamps fall inside a trailing
// interval. At any instant the number of admitted events in the last
// window is at most max.
type slidingWindow struct {
	mu     sync.Mutex
	span   time.Duration
	max    int
	stamps []time.Time
}

func newSlidingWindow(max int, span time.Duration) *slidingWindow {
	return &slidingWindow{span: span, max: max}
}

// allow admits one event. On refusal it reports how long until the
// oldest counted event slides out of the window.
func (w *slidingWindow) allow(now time.Time) (ok bool, retryAfter time.Duration, current int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked(now)
	if len(w.stamps) < w.max {
		w.stamps = append(w.stamps, now)
		return true, 0, len(w.stamps)
	}
	retry := w.stamps[0].Add(w.span).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return false, retry, len(w.stamps)
}

// count reports the events currently inside the window.
func (w *slidingWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
	return len(w.stamps)
}

// evictLocked drops timestamps that slid out. Callers hold w.mu.
func (w *slidingWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
