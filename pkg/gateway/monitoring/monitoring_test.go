// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestNormalizeCollapsesLiterals(t *testing.T) {
	t.Parallel()
	got := Normalize("select * from orders  where id = 42 and name = 'bob' and region in (1, 2, 3)")
	assert.Equal(t, "SELECT * FROM ORDERS WHERE ID = ? AND NAME = ? AND REGION IN (?)", got)
}

func TestPatternIDStableAcrossLiterals(t *testing.T) {
	t.Parallel()
	a := PatternID(Normalize("SELECT name FROM users WHERE id = 7"))
	b := PatternID(Normalize("select name from users where id = 99999"))
	c := PatternID(Normalize("SELECT email FROM users WHERE id = 7"))

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestTrackerAggregatesPatterns(t *testing.T) {
	t.Parallel()
	tr := NewTracker(TrackerConfig{})

	for i, d := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond} {
		tr.Record(QueryRecord{
			QueryID:  "q",
			ClientID: "client-1",
			Query:    "SELECT name FROM users WHERE id = 1",
			Duration: d,
			Success:  i != 2,
		})
	}

	patterns := tr.Patterns(0)
	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, "SELECT NAME FROM USERS WHERE ID = ?", p.Pattern)
	assert.Equal(t, int64(3), p.Count)
	assert.Equal(t, int64(1), p.Failures)
	assert.Equal(t, 10*time.Millisecond, p.MinTime)
	assert.Equal(t, 30*time.Millisecond, p.MaxTime)
	assert.Equal(t, 20*time.Millisecond, p.AvgTime)
	assert.InDelta(t, 1.0/3.0, p.FailureRate, 1e-9)

	stats := tr.Stats()
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 1, stats.Patterns)
}

func TestSlowQueriesKeptNewestFirst(t *testing.T) {
	t.Parallel()
	tr := NewTracker(TrackerConfig{SlowThreshold: 50 * time.Millisecond})

	tr.Record(QueryRecord{QueryID: "fast", Query: "SELECT 1", Duration: 10 * time.Millisecond, Success: true})
	tr.Record(QueryRecord{QueryID: "slow-1", Query: "SELECT 2", Duration: 100 * time.Millisecond, Success: true})
	tr.Record(QueryRecord{QueryID: "slow-2", Query: "SELECT 3", Duration: 200 * time.Millisecond, Success: true})

	slow := tr.SlowQueries(0)
	require.Len(t, slow, 2)
	assert.Equal(t, "slow-2", slow[0].QueryID)
	assert.Equal(t, "slow-1", slow[1].QueryID)
	assert.Equal(t, 2, tr.Stats().SlowCount)
}

func TestRecentRingIsBounded(t *testing.T) {
	t.Parallel()
	tr := NewTracker(TrackerConfig{RecentSize: 3})

	for _, id := range []string{"q1", "q2", "q3", "q4", "q5"} {
		tr.Record(QueryRecord{QueryID: id, Query: "SELECT 1", Success: true})
	}

	recent := tr.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "q5", recent[0].QueryID)
	assert.Equal(t, "q4", recent[1].QueryID)
	assert.Equal(t, "q3", recent[2].QueryID)
}

func TestClientAndHourlyAggregates(t *testing.T) {
	t.Parallel()
	tr := NewTracker(TrackerConfig{})
	at := time.Date(2026, 3, 11, 14, 5, 0, 0, time.UTC)

	tr.Record(QueryRecord{ClientID: "alpha", Query: "SELECT 1", Success: true, Timestamp: at})
	tr.Record(QueryRecord{ClientID: "alpha", Query: "SELECT 2", Success: false, Timestamp: at})
	tr.Record(QueryRecord{ClientID: "beta", Query: "SELECT 3", Success: true, Timestamp: at})

	clients := tr.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, "alpha", clients[0].ClientID)
	assert.Equal(t, int64(2), clients[0].Count)
	assert.Equal(t, int64(1), clients[0].Failures)

	hourly := tr.Hourly()
	assert.Equal(t, int64(3), hourly[14].Count)
	assert.Equal(t, int64(1), hourly[14].Failures)
	assert.Equal(t, int64(0), hourly[13].Count)
}

type recordNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *recordNotifier) Notify(alert Alert) {
	n.mu.Lock()
	n.alerts = append(n.alerts, alert)
	n.mu.Unlock()
}

func (n *recordNotifier) all() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

type metricTable struct {
	mu     sync.Mutex
	values map[string]float64
}

func (m *metricTable) set(name string, v float64) {
	m.mu.Lock()
	m.values[name] = v
	m.mu.Unlock()
}

func (m *metricTable) source(name string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	return v, ok
}

func newMetricTable() *metricTable {
	return &metricTable{values: make(map[string]float64)}
}

func TestRuleFiresImmediatelyWithoutHold(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	table := newMetricTable()
	table.set("pool_utilization_percent", 95)
	sink := &recordNotifier{}
	e := NewEngine(table.source, sink).WithClock(clk.now)

	e.AddRule(Rule{
		ID: "pool", Name: "pool full", Severity: SeverityWarning,
		Metric: "pool_utilization_percent", Condition: "gt", Threshold: 90,
		Every: time.Second, Enabled: true,
	})
	e.Evaluate()

	active := e.Active()
	require.Len(t, active, 1)
	assert.Equal(t, StatusFiring, active[0].Status)
	assert.Equal(t, float64(95), active[0].Value)

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, StatusFiring, got[0].Status)
}

func TestHoldDurationDelaysFiring(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	table := newMetricTable()
	table.set("error_rate_percent", 25)
	e := NewEngine(table.source, &recordNotifier{}).WithClock(clk.now)

	e.AddRule(Rule{
		ID: "errors", Name: "error rate", Severity: SeverityCritical,
		Metric: "error_rate_percent", Condition: "gt", Threshold: 10,
		For: time.Minute, Every: time.Second, Enabled: true,
	})

	e.Evaluate()
	assert.Empty(t, e.Active())

	clk.advance(30 * time.Second)
	e.Evaluate()
	assert.Empty(t, e.Active())

	clk.advance(31 * time.Second)
	e.Evaluate()
	assert.Len(t, e.Active(), 1)
}

func TestRecoveryResetsHoldTimer(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	table := newMetricTable()
	table.set("error_rate_percent", 25)
	e := NewEngine(table.source, &recordNotifier{}).WithClock(clk.now)

	e.AddRule(Rule{
		ID: "errors", Name: "error rate", Severity: SeverityCritical,
		Metric: "error_rate_percent", Condition: "gt", Threshold: 10,
		For: time.Minute, Every: time.Second, Enabled: true,
	})

	e.Evaluate()
	clk.advance(45 * time.Second)
	table.set("error_rate_percent", 1) // dips below before the hold elapses
	e.Evaluate()

	clk.advance(30 * time.Second)
	table.set("error_rate_percent", 25)
	e.Evaluate()
	assert.Empty(t, e.Active(), "hold timer must restart after recovery")

	clk.advance(61 * time.Second)
	e.Evaluate()
	assert.Len(t, e.Active(), 1)
}

func TestAlertResolvesOnRecovery(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	table := newMetricTable()
	table.set("pool_utilization_percent", 95)
	sink := &recordNotifier{}
	e := NewEngine(table.source, sink).WithClock(clk.now)

	e.AddRule(Rule{
		ID: "pool", Name: "pool full", Severity: SeverityWarning,
		Metric: "pool_utilization_percent", Condition: "gt", Threshold: 90,
		Every: time.Second, Enabled: true,
	})
	e.Evaluate()
	require.Len(t, e.Active(), 1)

	clk.advance(time.Second)
	table.set("pool_utilization_percent", 40)
	e.Evaluate()

	assert.Empty(t, e.Active())
	history := e.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, StatusResolved, history[0].Status)

	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, StatusFiring, got[0].Status)
	assert.Equal(t, StatusResolved, got[1].Status)
}

func TestAcknowledgedAlertStillResolves(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	table := newMetricTable()
	table.set("circuit_breaker_open", 1)
	e := NewEngine(table.source, &recordNotifier{}).WithClock(clk.now)

	e.AddRule(Rule{
		ID: "breaker", Name: "breaker open", Severity: SeverityCritical,
		Metric: "circuit_breaker_open", Condition: "gte", Threshold: 1,
		Every: time.Second, Enabled: true,
	})
	e.Evaluate()
	active := e.Active()
	require.Len(t, active, 1)

	require.True(t, e.Acknowledge(active[0].ID))
	assert.Equal(t, StatusAcknowledged, e.Active()[0].Status)

	clk.advance(time.Second)
	table.set("circuit_breaker_open", 0)
	e.Evaluate()
	assert.Empty(t, e.Active())
	require.Len(t, e.History(0), 1)
}

func TestDisabledRuleNeverFires(t *testing.T) {
	t.Parallel()
	table := newMetricTable()
	table.set("anything", 100)
	e := NewEngine(table.source, &recordNotifier{})

	e.AddRule(Rule{
		ID: "off", Name: "disabled", Severity: SeverityInfo,
		Metric: "anything", Condition: "gt", Threshold: 1,
		Every: time.Second, Enabled: false,
	})
	e.Evaluate()
	assert.Empty(t, e.Active())
}

func TestUnknownMetricIsSkipped(t *testing.T) {
	t.Parallel()
	e := NewEngine(newMetricTable().source, &recordNotifier{})

	e.AddRule(Rule{
		ID: "ghost", Name: "no such metric", Severity: SeverityInfo,
		Metric: "missing", Condition: "gt", Threshold: 1,
		Every: time.Second, Enabled: true,
	})
	e.Evaluate()
	assert.Empty(t, e.Active())
}

func TestEvaluationHonorsCadence(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	var calls int
	source := func(string) (float64, bool) {
		calls++
		return 0, true
	}
	e := NewEngine(source, &recordNotifier{}).WithClock(clk.now)

	e.AddRule(Rule{
		ID: "slow", Name: "slow cadence", Severity: SeverityInfo,
		Metric: "m", Condition: "gt", Threshold: 1,
		Every: time.Minute, Enabled: true,
	})
	e.Evaluate()
	e.Evaluate()
	assert.Equal(t, 1, calls)

	clk.advance(time.Minute)
	e.Evaluate()
	assert.Equal(t, 2, calls)
}

func TestDefaultRulesAreWellFormed(t *testing.T) {
	t.Parallel()
	for _, rule := range DefaultRules() {
		_, err := rule.breached(0)
		assert.NoError(t, err, rule.ID)
		assert.True(t, rule.Enabled, rule.ID)
		assert.NotEmpty(t, rule.Metric, rule.ID)
	}
}

func TestMetricsHandlerServesInstruments(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.RecordRequest("query_view", "success", 20*time.Millisecond)
	m.RecordQuotaDenial("daily")
	m.SetPoolGauges(2, 3, 5, 40)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `snowgate_requests_total{status="success",tool="query_view"} 1`)
	assert.Contains(t, body, `snowgate_quota_denials_total{quota_type="daily"} 1`)
	assert.Contains(t, body, `snowgate_pool_utilization_percent 40`)
}
