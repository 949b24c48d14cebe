// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlguard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowgate/snowgate/pkg/gateway"
)

func TestSafeSelectPasses(t *testing.T) {
	t.Parallel()
	v := New(Config{ReadOnly: true, Strict: true})

	res := v.Validate("SELECT id, name FROM customers WHERE id = 42")
	assert.True(t, res.IsValid)
	assert.Equal(t, RiskNone, res.RiskLevel)
	assert.Equal(t, QuerySelect, res.QueryType)
	assert.Empty(t, res.Violations)
	assert.NoError(t, res.Err())
}

func TestUnionInjectionBlockedAsCritical(t *testing.T) {
	t.Parallel()
	v := New(Config{ReadOnly: true})

	res := v.Validate("SELECT * FROM t WHERE id = 1 UNION SELECT password FROM users")
	assert.False(t, res.IsValid)
	assert.Equal(t, RiskCritical, res.RiskLevel)
	assert.Contains(t, res.Violations, "critical pattern: union select")

	err := res.Err()
	require.Error(t, err)
	require.ErrorIs(t, err, gateway.ErrSQLRisk)
	var ve *gateway.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "critical", ve.RiskLevel)
}

func TestStackedStatementBlocked(t *testing.T) {
	t.Parallel()
	v := New(Config{ReadOnly: true})

	res := v.Validate("SELECT 1; DROP TABLE users")
	assert.False(t, res.IsValid)
	assert.Equal(t, RiskCritical, res.RiskLevel)
	assert.Contains(t, res.Violations, "critical pattern: stacked statement")
}

func TestTimeBlindShapeBlocked(t *testing.T) {
	t.Parallel()
	v := New(Config{})

	res := v.Validate("SELECT sleep(5)")
	assert.False(t, res.IsValid)
	assert.Equal(t, RiskCritical, res.RiskLevel)
}

func TestBooleanBlindShapeBlocked(t *testing.T) {
	t.Parallel()
	v := New(Config{})

	res := v.Validate("SELECT * FROM t WHERE id = 1 OR 1 = 1")
	assert.False(t, res.IsValid)
	assert.Equal(t, RiskCritical, res.RiskLevel)
}

func TestCommentIsHighRisk(t *testing.T) {
	t.Parallel()
	v := New(Config{})

	res := v.Validate("SELECT 1 -- peek")
	assert.False(t, res.IsValid)
	assert.Equal(t, RiskHigh, res.RiskLevel)
	assert.Contains(t, res.Violations, "high-risk pattern: sql comment")
}

func TestWriteVerbBlockedInReadOnlyMode(t *testing.T) {
	t.Parallel()
	// Strict off: the read-only gate must still block on its own.
	v := New(Config{ReadOnly: true})

	res := v.Validate("DELETE FROM orders WHERE id = 1")
	assert.False(t, res.IsValid)
	assert.Equal(t, RiskHigh, res.RiskLevel)
	assert.Equal(t, QueryDelete, res.QueryType)
	assert.Contains(t, res.Violations, "write operation in read-only mode: DELETE")
}

func TestWriteVerbAllowedWhenNotReadOnly(t *testing.T) {
	t.Parallel()
	v := New(Config{ReadOnly: false})

	res := v.Validate("DELETE FROM orders WHERE id = 1")
	assert.True(t, res.IsValid)
	assert.Equal(t, QueryDelete, res.QueryType)
}

func TestStrictModeBlocksMediumRisk(t *testing.T) {
	t.Parallel()
	query := "SELECT * FROM t WHERE a = 1 AND b = 2"

	strict := New(Config{ReadOnly: true, Strict: true}).Validate(query)
	assert.False(t, strict.IsValid)
	assert.Equal(t, RiskMedium, strict.RiskLevel)

	lax := New(Config{ReadOnly: true}).Validate(query)
	assert.True(t, lax.IsValid)
	assert.Equal(t, RiskMedium, lax.RiskLevel)
}

func TestEmptyStatementFailsClosed(t *testing.T) {
	t.Parallel()
	v := New(Config{})

	for _, query := range []string{"", "   ", "\n\t"} {
		res := v.Validate(query)
		assert.False(t, res.IsValid, "query %q", query)
		assert.Equal(t, RiskHigh, res.RiskLevel)
		assert.Contains(t, res.Violations, "empty statement")
	}
}

func TestOverlongStatementIsMediumRisk(t *testing.T) {
	t.Parallel()
	v := New(Config{Strict: true, MaxQueryLength: 50})

	res := v.Validate("SELECT " + strings.Repeat("a", 60))
	assert.False(t, res.IsValid)
	assert.Equal(t, RiskMedium, res.RiskLevel)
	assert.Contains(t, res.Violations, "statement too long: 67 bytes")
}

func TestForbiddenFunctionFlagged(t *testing.T) {
	t.Parallel()
	v := New(Config{ReadOnly: true})

	res := v.Validate("SELECT current_user()")
	assert.Equal(t, RiskMedium, res.RiskLevel)
	assert.Contains(t, res.Violations, "forbidden function: current_user")
}

func TestNestingDepthBounded(t *testing.T) {
	t.Parallel()
	v := New(Config{ReadOnly: true})

	query := "SELECT a FROM t WHERE id IN " +
		strings.Repeat("(SELECT a FROM t WHERE id IN ", 5) +
		"(SELECT 1" + strings.Repeat(")", 6)
	res := v.Validate(query)
	assert.Contains(t, res.Violations, "subquery nesting too deep: 6 levels")
}

func TestComplexityBounded(t *testing.T) {
	t.Parallel()
	v := New(Config{ReadOnly: true})

	query := "SELECT " + strings.Repeat("UPPER(name), ", 95) + "id FROM t"
	res := v.Validate(query)
	assert.Contains(t, res.Violations, "statement too complex: score 105")
}

func TestSuspiciousStringLiteralFlagged(t *testing.T) {
	t.Parallel()
	v := New(Config{ReadOnly: true})

	res := v.Validate("SELECT * FROM t WHERE name = '%27admin'")
	assert.Equal(t, RiskMedium, res.RiskLevel)
	found := false
	for _, violation := range res.Violations {
		if strings.HasPrefix(violation, "suspicious string literal") {
			found = true
		}
	}
	assert.True(t, found, "violations: %v", res.Violations)
}

func TestQueryTypeClassification(t *testing.T) {
	t.Parallel()
	v := New(Config{})

	cases := map[string]string{
		"SELECT 1":                             QuerySelect,
		"WITH x AS (SELECT 1) SELECT * FROM x": QuerySelect,
		"SHOW DATABASES":                       QueryShow,
		"DESCRIBE VIEW v":                      QueryDescribe,
		"EXPLAIN SELECT 1":                     QueryExplain,
		"INSERT INTO t VALUES (1)":             QueryInsert,
		"CALL proc()":                          QueryCall,
		"frobnicate the database":              QueryUnknown,
	}
	for query, want := range cases {
		assert.Equal(t, want, v.Validate(query).QueryType, "query %q", query)
	}
}

func TestExcessiveCommentsFlagged(t *testing.T) {
	t.Parallel()
	v := New(Config{})

	res := v.Validate("SELECT 1 /* a */ /* b */ /* c */ /* d */")
	assert.Contains(t, res.Violations, "excessive comments: 4")
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SELECT 1", Sanitize("SELECT 1 -- trailing"))
	assert.Equal(t, "SELECT 1", Sanitize("SELECT /* c */ 1 ;"))
	assert.Equal(t, "SELECT a FROM t", Sanitize("  SELECT   a\n\tFROM t;;"))
	assert.Equal(t, "", Sanitize(""))
}
