// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/snowgate/snowgate/pkg/logger"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// AlertStatus is the lifecycle state of a fired alert.
type AlertStatus string

const (
	StatusFiring       AlertStatus = "firing"
	StatusResolved     AlertStatus = "resolved"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusSilenced     AlertStatus = "silenced"
)

// Rule describes one condition the engine evaluates.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    Severity
	Metric      string
	// Condition is one of gt, lt, gte, lte, eq, ne.
	Condition string
	Threshold float64
	// For is how long the condition must hold before the alert fires.
	// Zero fires on the first breached evaluation.
	For time.Duration
	// Every is the evaluation cadence. Default 30s.
	Every   time.Duration
	Enabled bool
}

// breached evaluates the rule's condition against one metric value.
func (r Rule) breached(value float64) (bool, error) {
	switch r.Condition {
	case "gt":
		return value > r.Threshold, nil
	case "lt":
		return value < r.Threshold, nil
	case "gte":
		return value >= r.Threshold, nil
	case "lte":
		return value <= r.Threshold, nil
	case "eq":
		return value == r.Threshold, nil
	case "ne":
		return value != r.Threshold, nil
	default:
		return false, fmt.Errorf("unknown alert condition %q", r.Condition)
	}
}

// Alert is one firing (or recently settled) rule instance.
type Alert struct {
	ID         string
	RuleID     string
	Name       string
	Severity   Severity
	Status     AlertStatus
	Message    string
	Value      float64
	Threshold  float64
	FiredAt    time.Time
	ResolvedAt time.Time
}

// Notifier receives alert transitions. Implementations must not block;
// the engine calls them on its evaluation goroutine.
type Notifier interface {
	Notify(alert Alert)
}

// LogNotifier writes alert transitions to the structured log.
type LogNotifier struct{}

// Notify logs the transition at a level matching severity.
func (LogNotifier) Notify(alert Alert) {
	fields := []any{
		"alert_id", alert.ID,
		"rule_id", alert.RuleID,
		"status", string(alert.Status),
		"value", alert.Value,
		"threshold", alert.Threshold,
	}
	switch {
	case alert.Status == StatusResolved:
		logger.Infow("alert resolved: "+alert.Name, fields...)
	case alert.Severity == SeverityCritical || alert.Severity == SeverityEmergency:
		logger.Errorw("alert firing: "+alert.Name, fields...)
	default:
		logger.Warnw("alert firing: "+alert.Name, fields...)
	}
}

// Source resolves a metric name to its current value. The second
// return is false when the metric is unknown or has no sample yet.
type Source func(metric string) (float64, bool)

// ruleState is the engine's per-rule bookkeeping.
type ruleState struct {
	rule Rule
	// conditionSince is when the condition first held continuously;
	// zero when the condition does not currently hold.
	conditionSince time.Time
	lastEval       time.Time
	active         *Alert
}

// Engine evaluates rules against a metric source and drives alert
// lifecycle through the registered notifiers.
type Engine struct {
	source    Source
	notifiers []Notifier

	mu      sync.Mutex
	rules   map[string]*ruleState
	history []Alert
	fired   int64

	now func() time.Time
}

// maxHistory bounds the settled-alert history.
const maxHistory = 500

// NewEngine builds an engine over the given metric source.
func NewEngine(source Source, notifiers ...Notifier) *Engine {
	if len(notifiers) == 0 {
		notifiers = []Notifier{LogNotifier{}}
	}
	return &Engine{
		source:    source,
		notifiers: notifiers,
		rules:     make(map[string]*ruleState),
		now:       time.Now,
	}
}

// WithClock overrides the engine's clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// AddRule registers or replaces a rule. Replacing an actively firing
// rule keeps the alert attached so it can still resolve.
func (e *Engine) AddRule(rule Rule) {
	if rule.Every <= 0 {
		rule.Every = 30 * time.Second
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.rules[rule.ID]; ok {
		st.rule = rule
		return
	}
	e.rules[rule.ID] = &ruleState{rule: rule}
}

// RemoveRule drops a rule. A firing alert on it is resolved first.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	st, ok := e.rules[id]
	if ok {
		delete(e.rules, id)
	}
	e.mu.Unlock()
	if ok && st.active != nil {
		e.settle(st, StatusResolved)
	}
}

// Rules lists the registered rules, sorted by ID.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	out := make([]Rule, 0, len(e.rules))
	for _, st := range e.rules {
		out = append(out, st.rule)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evaluate runs one evaluation pass over every rule that is due.
func (e *Engine) Evaluate() {
	now := e.now()

	e.mu.Lock()
	due := make([]*ruleState, 0, len(e.rules))
	for _, st := range e.rules {
		if !st.rule.Enabled {
			continue
		}
		if !st.lastEval.IsZero() && now.Sub(st.lastEval) < st.rule.Every {
			continue
		}
		st.lastEval = now
		due = append(due, st)
	}
	e.mu.Unlock()

	for _, st := range due {
		e.evaluateRule(st, now)
	}
}

func (e *Engine) evaluateRule(st *ruleState, now time.Time) {
	value, ok := e.source(st.rule.Metric)
	if !ok {
		return
	}
	breached, err := st.rule.breached(value)
	if err != nil {
		logger.Errorw("alert rule evaluation failed",
			"rule_id", st.rule.ID, "error", err)
		return
	}

	e.mu.Lock()
	if !breached {
		st.conditionSince = time.Time{}
		active := st.active != nil
		e.mu.Unlock()
		if active {
			e.settle(st, StatusResolved)
		}
		return
	}

	if st.conditionSince.IsZero() {
		st.conditionSince = now
	}
	held := now.Sub(st.conditionSince)
	if st.active != nil || held < st.rule.For {
		if st.active != nil {
			st.active.Value = value
		}
		e.mu.Unlock()
		return
	}

	alert := &Alert{
		ID:        fmt.Sprintf("%s-%d", st.rule.ID, now.UnixNano()),
		RuleID:    st.rule.ID,
		Name:      st.rule.Name,
		Severity:  st.rule.Severity,
		Status:    StatusFiring,
		Message:   st.rule.Description,
		Value:     value,
		Threshold: st.rule.Threshold,
		FiredAt:   now,
	}
	st.active = alert
	e.fired++
	e.mu.Unlock()

	for _, n := range e.notifiers {
		n.Notify(*alert)
	}
}

// settle moves a rule's active alert to a terminal status, records it
// in history, and notifies.
func (e *Engine) settle(st *ruleState, status AlertStatus) {
	e.mu.Lock()
	alert := st.active
	if alert == nil {
		e.mu.Unlock()
		return
	}
	st.active = nil
	alert.Status = status
	alert.ResolvedAt = e.now()
	e.history = append(e.history, *alert)
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
	e.mu.Unlock()

	for _, n := range e.notifiers {
		n.Notify(*alert)
	}
}

// Acknowledge marks a firing alert acknowledged. It stays attached to
// the rule so a later recovery still resolves it.
func (e *Engine) Acknowledge(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.rules {
		if st.active != nil && st.active.ID == alertID {
			st.active.Status = StatusAcknowledged
			return true
		}
	}
	return false
}

// Silence suppresses a firing alert without resolving it.
func (e *Engine) Silence(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.rules {
		if st.active != nil && st.active.ID == alertID {
			st.active.Status = StatusSilenced
			return true
		}
	}
	return false
}

// Active lists alerts currently attached to rules, newest first.
func (e *Engine) Active() []Alert {
	e.mu.Lock()
	out := make([]Alert, 0)
	for _, st := range e.rules {
		if st.active != nil {
			out = append(out, *st.active)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// History lists settled alerts, newest first, up to n.
func (e *Engine) History(n int) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := len(e.history)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Alert, 0, n)
	for i := size - 1; i >= size-n; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// EngineStats is the engine's summary.
type EngineStats struct {
	Rules   int
	Active  int
	Fired   int64
	Settled int
}

// Stats snapshots the engine's counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := EngineStats{Rules: len(e.rules), Fired: e.fired, Settled: len(e.history)}
	for _, st := range e.rules {
		if st.active != nil {
			s.Active++
		}
	}
	return s
}

// Run evaluates on a fixed cadence until the context ends. Individual
// rules still honor their own Every inside each pass.
func (e *Engine) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate()
		}
	}
}

// DefaultRules covers the conditions every deployment should watch.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "pool-utilization-high",
			Name:        "Connection pool nearly exhausted",
			Description: "Pool utilization has stayed above 90% for a minute.",
			Severity:    SeverityWarning,
			Metric:      "pool_utilization_percent",
			Condition:   "gt",
			Threshold:   90,
			For:         time.Minute,
			Every:       30 * time.Second,
			Enabled:     true,
		},
		{
			ID:          "error-rate-high",
			Name:        "Request error rate elevated",
			Description: "More than 10% of requests are failing.",
			Severity:    SeverityCritical,
			Metric:      "error_rate_percent",
			Condition:   "gt",
			Threshold:   10,
			For:         2 * time.Minute,
			Every:       30 * time.Second,
			Enabled:     true,
		},
		{
			ID:          "breaker-open",
			Name:        "Circuit breaker open",
			Description: "A warehouse circuit breaker has opened.",
			Severity:    SeverityCritical,
			Metric:      "circuit_breaker_open",
			Condition:   "gte",
			Threshold:   1,
			Every:       15 * time.Second,
			Enabled:     true,
		},
		{
			ID:          "memory-high",
			Name:        "Process memory elevated",
			Description: "Resident memory has stayed above 1 GiB for five minutes.",
			Severity:    SeverityWarning,
			Metric:      "process_memory_bytes",
			Condition:   "gt",
			Threshold:   1 << 30,
			For:         5 * time.Minute,
			Every:       time.Minute,
			Enabled:     true,
		},
	}
}
