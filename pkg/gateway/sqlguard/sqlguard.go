// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlguard validates SQL statements before they reach the
// warehouse. Three layers each contribute violations and a risk level:
// a regex pattern matcher for known injection shapes, a token analyzer
// that gates write verbs in read-only mode and inspects literals, and
// a structural pass that bounds nesting depth and complexity. The
// highest risk across the layers decides acceptance; critical and high
// always block, and strict mode blocks medium as well. Any panic
// inside validation fails closed as high risk.
package sqlguard

import (
	"fmt"
	"strings"
	"time"

	"github.com/snowgate/snowgate/pkg/gateway"
	"github.com/snowgate/snowgate/pkg/logger"
)

// Risk grades how dangerous a statement looks.
type Risk int

const (
	RiskNone Risk = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "none"
	}
}

// Statement kinds, derived from the first meaningful token.
const (
	QuerySelect   = "select"
	QueryInsert   = "insert"
	QueryUpdate   = "update"
	QueryDelete   = "delete"
	QueryCreate   = "create"
	QueryDrop     = "drop"
	QueryAlter    = "alter"
	QueryTruncate = "truncate"
	QueryGrant    = "grant"
	QueryRevoke   = "revoke"
	QueryExecute  = "execute"
	QueryCall     = "call"
	QueryShow     = "show"
	QueryDescribe = "describe"
	QueryExplain  = "explain"
	QueryUse      = "use"
	QueryUnknown  = "unknown"
)

const defaultMaxQueryLength = 10000

// Config controls validation policy.
type Config struct {
	// ReadOnly rejects statements whose verb is not a read.
	ReadOnly bool
	// Strict additionally blocks medium-risk statements.
	Strict bool
	// MaxQueryLength in bytes. Zero means 10000.
	MaxQueryLength int
}

func (c Config) withDefaults() Config {
	if c.MaxQueryLength <= 0 {
		c.MaxQueryLength = defaultMaxQueryLength
	}
	return c
}

// Result is the structured outcome of one validation. The caller
// decides how to enforce it; Err converts a block into an error.
type Result struct {
	IsValid    bool
	RiskLevel  Risk
	QueryType  string
	Violations []string
	Metadata   map[string]any
}

// Err returns nil for an accepted statement and a ValidationError for
// a blocked one.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	return &gateway.ValidationError{
		RiskLevel:  r.RiskLevel.String(),
		Violations: r.Violations,
	}
}

// Validator is safe for concurrent use.
type Validator struct {
	cfg Config
}

// New builds a validator with the given policy.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// Validate classifies one SQL statement. It never panics: an internal
// failure is reported as a high-risk block.
func (v *Validator) Validate(query string) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("sql validation panicked", "panic", r)
			res = Result{
				IsValid:    false,
				RiskLevel:  RiskHigh,
				QueryType:  QueryUnknown,
				Violations: []string{fmt.Sprintf("validation failed: %v", r)},
			}
		}
	}()

	var violations []string
	risk := RiskNone

	if strings.TrimSpace(query) == "" {
		return v.finish(Result{
			RiskLevel:  RiskHigh,
			QueryType:  QueryUnknown,
			Violations: []string{"empty statement"},
		}, start)
	}
	if len(query) > v.cfg.MaxQueryLength {
		violations = append(violations,
			fmt.Sprintf("statement too long: %d bytes", len(query)))
		risk = RiskMedium
	}

	patRisk, patViolations := matchPatterns(query)
	violations = append(violations, patViolations...)
	if patRisk > risk {
		risk = patRisk
	}

	toks := tokenize(query)
	queryType := classify(toks)
	tokViolations, tokRisk := v.analyzeTokens(toks)
	violations = append(violations, tokViolations...)
	if tokRisk > risk {
		risk = tokRisk
	}

	structViolations := analyzeStructure(toks)
	violations = append(violations, structViolations...)
	if len(structViolations) > 0 && risk < RiskMedium {
		risk = RiskMedium
	}

	return v.finish(Result{
		RiskLevel:  risk,
		QueryType:  queryType,
		Violations: violations,
	}, start)
}

func (v *Validator) finish(res Result, start time.Time) Result {
	res.IsValid = !v.blocked(res.RiskLevel)
	res.Metadata = map[string]any{
		"elapsed":  time.Since(start),
		"readonly": v.cfg.ReadOnly,
		"strict":   v.cfg.Strict,
	}
	if !res.IsValid {
		logger.Warnw("sql statement blocked",
			"risk_level", res.RiskLevel.String(),
			"query_type", res.QueryType,
			"violations", len(res.Violations))
	}
	return res
}

func (v *Validator) blocked(r Risk) bool {
	if r >= RiskHigh {
		return true
	}
	return v.cfg.Strict && r >= RiskMedium
}

// Sanitize strips comments, collapses whitespace, and drops trailing
// semicolons. It is a normalization aid, not a security boundary.
func Sanitize(query string) string {
	query = lineCommentRe.ReplaceAllString(query, "")
	query = blockCommentRe.ReplaceAllString(query, "")
	query = whitespaceRe.ReplaceAllString(query, " ")
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(query), ";"))
}
