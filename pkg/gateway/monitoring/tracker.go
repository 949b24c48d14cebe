// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/snowgate/snowgate/pkg/logger"
)

var (
	stringLiteralRe = regexp.MustCompile(`'[^']*'`)
	numberLiteralRe = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	inListRe        = regexp.MustCompile(`\bIN\s*\([^)]*\)`)
	collapseRe      = regexp.MustCompile(`\s+`)
)

// Normalize reduces a statement to its structural shape: literals
// become placeholders, IN lists collapse to a single placeholder, case
// and whitespace are canonicalized. Two statements with the same shape
// share one pattern.
func Normalize(query string) string {
	q := strings.ToUpper(strings.TrimSpace(query))
	q = stringLiteralRe.ReplaceAllString(q, "?")
	q = numberLiteralRe.ReplaceAllString(q, "?")
	q = collapseRe.ReplaceAllString(q, " ")
	q = inListRe.ReplaceAllString(q, "IN (?)")
	return q
}

// PatternID derives the stable identifier of a normalized statement:
// the first 16 hex characters of its SHA-256 digest.
func PatternID(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// QueryRecord is one finished statement as reported by a handler.
type QueryRecord struct {
	QueryID   string
	ClientID  string
	QueryType string
	Database  string
	Query     string
	Duration  time.Duration
	RowCount  int
	Success   bool
	Error     string
	Timestamp time.Time
}

// PatternStats aggregates every execution sharing one shape.
type PatternStats struct {
	PatternID   string
	Pattern     string
	Count       int64
	Failures    int64
	TotalTime   time.Duration
	MinTime     time.Duration
	MaxTime     time.Duration
	AvgTime     time.Duration
	FailureRate float64
	LastSeen    time.Time
}

// ClientStats aggregates per caller.
type ClientStats struct {
	ClientID  string
	Count     int64
	Failures  int64
	TotalTime time.Duration
	AvgTime   time.Duration
	LastSeen  time.Time
}

// HourlyBucket is query volume for one hour-of-day slot.
type HourlyBucket struct {
	Hour     int
	Count    int64
	Failures int64
}

type patternAgg struct {
	pattern   string
	count     int64
	failures  int64
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	lastSeen  time.Time
}

type clientAgg struct {
	count     int64
	failures  int64
	totalTime time.Duration
	lastSeen  time.Time
}

// recordRing is a fixed-capacity ring of query records, oldest
// overwritten first.
type recordRing struct {
	buf  []QueryRecord
	next int
	full bool
}

func newRecordRing(capacity int) *recordRing {
	return &recordRing{buf: make([]QueryRecord, capacity)}
}

func (r *recordRing) push(rec QueryRecord) {
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *recordRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// newestFirst returns up to n records, most recent first.
func (r *recordRing) newestFirst(n int) []QueryRecord {
	size := r.len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]QueryRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// TrackerConfig sizes the tracker's windows.
type TrackerConfig struct {
	// SlowThreshold marks a statement slow. Default 2s.
	SlowThreshold time.Duration
	// RecentSize bounds the recent-query ring. Default 10000.
	RecentSize int
	// SlowSize bounds the slow-query ring. Default 1000.
	SlowSize int
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 2 * time.Second
	}
	if c.RecentSize <= 0 {
		c.RecentSize = 10000
	}
	if c.SlowSize <= 0 {
		c.SlowSize = 1000
	}
	return c
}

// Tracker aggregates statement executions into pattern, client, and
// hour-of-day statistics, and keeps bounded windows of recent and slow
// statements.
type Tracker struct {
	cfg TrackerConfig

	mu       sync.Mutex
	patterns map[string]*patternAgg
	clients  map[string]*clientAgg
	hourly   [24]HourlyBucket
	recent   *recordRing
	slow     *recordRing
	total    int64
	failures int64

	now func() time.Time
}

// NewTracker builds a tracker with the given windows.
func NewTracker(cfg TrackerConfig) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		cfg:      cfg,
		patterns: make(map[string]*patternAgg),
		clients:  make(map[string]*clientAgg),
		recent:   newRecordRing(cfg.RecentSize),
		slow:     newRecordRing(cfg.SlowSize),
		now:      time.Now,
	}
}

// WithClock overrides the tracker's clock. Test hook.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Record folds one finished statement into every aggregate.
func (t *Tracker) Record(rec QueryRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}
	normalized := Normalize(rec.Query)
	id := PatternID(normalized)
	slow := rec.Duration >= t.cfg.SlowThreshold

	t.mu.Lock()
	t.total++
	if !rec.Success {
		t.failures++
	}

	agg, ok := t.patterns[id]
	if !ok {
		agg = &patternAgg{pattern: normalized, minTime: rec.Duration}
		t.patterns[id] = agg
	}
	agg.count++
	if !rec.Success {
		agg.failures++
	}
	agg.totalTime += rec.Duration
	if rec.Duration < agg.minTime {
		agg.minTime = rec.Duration
	}
	if rec.Duration > agg.maxTime {
		agg.maxTime = rec.Duration
	}
	agg.lastSeen = rec.Timestamp

	if rec.ClientID != "" {
		cl, ok := t.clients[rec.ClientID]
		if !ok {
			cl = &clientAgg{}
			t.clients[rec.ClientID] = cl
		}
		cl.count++
		if !rec.Success {
			cl.failures++
		}
		cl.totalTime += rec.Duration
		cl.lastSeen = rec.Timestamp
	}

	bucket := &t.hourly[rec.Timestamp.Hour()]
	bucket.Hour = rec.Timestamp.Hour()
	bucket.Count++
	if !rec.Success {
		bucket.Failures++
	}

	t.recent.push(rec)
	if slow {
		t.slow.push(rec)
	}
	t.mu.Unlock()

	if slow {
		logger.Warnw("slow statement",
			"query_id", rec.QueryID,
			"client_id", rec.ClientID,
			"duration", rec.Duration,
			"pattern_id", id)
	}
}

// Patterns returns up to n pattern aggregates, busiest first.
func (t *Tracker) Patterns(n int) []PatternStats {
	t.mu.Lock()
	out := make([]PatternStats, 0, len(t.patterns))
	for id, agg := range t.patterns {
		stats := PatternStats{
			PatternID: id,
			Pattern:   agg.pattern,
			Count:     agg.count,
			Failures:  agg.failures,
			TotalTime: agg.totalTime,
			MinTime:   agg.minTime,
			MaxTime:   agg.maxTime,
			LastSeen:  agg.lastSeen,
		}
		if agg.count > 0 {
			stats.AvgTime = agg.totalTime / time.Duration(agg.count)
			stats.FailureRate = float64(agg.failures) / float64(agg.count)
		}
		out = append(out, stats)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].PatternID < out[j].PatternID
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// SlowQueries returns up to n slow statements, most recent first.
func (t *Tracker) SlowQueries(n int) []QueryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slow.newestFirst(n)
}

// Recent returns up to n of the latest statements, most recent first.
func (t *Tracker) Recent(n int) []QueryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recent.newestFirst(n)
}

// Clients returns per-client aggregates, busiest first.
func (t *Tracker) Clients() []ClientStats {
	t.mu.Lock()
	out := make([]ClientStats, 0, len(t.clients))
	for id, cl := range t.clients {
		stats := ClientStats{
			ClientID:  id,
			Count:     cl.count,
			Failures:  cl.failures,
			TotalTime: cl.totalTime,
			LastSeen:  cl.lastSeen,
		}
		if cl.count > 0 {
			stats.AvgTime = cl.totalTime / time.Duration(cl.count)
		}
		out = append(out, stats)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// Hourly returns the 24 hour-of-day buckets.
func (t *Tracker) Hourly() [24]HourlyBucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hourly
}

// TrackerStats is the tracker's own summary.
type TrackerStats struct {
	Total       int64
	Failures    int64
	FailureRate float64
	Patterns    int
	SlowCount   int
}

// Stats snapshots the summary counters.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TrackerStats{
		Total:     t.total,
		Failures:  t.failures,
		Patterns:  len(t.patterns),
		SlowCount: t.slow.len(),
	}
	if t.total > 0 {
		s.FailureRate = float64(t.failures) / float64(t.total)
	}
	return s
}
