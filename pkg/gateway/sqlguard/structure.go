// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlguard

import (
	"fmt"
	"strings"
)

const (
	maxNestingDepth = 5
	maxComplexity   = 100
)

// Functions that never belong in analytics SQL.
var forbiddenFunctions = map[string]bool{
	"system":        true,
	"exec":          true,
	"execute":       true,
	"xp_cmdshell":   true,
	"sp_execute":    true,
	"load_file":     true,
	"user":          true,
	"current_user":  true,
	"session_user":  true,
	"version":       true,
	"database":      true,
	"schema":        true,
	"connection_id": true,
	"kill":          true,
	"shutdown":      true,
	"create_user":   true,
	"drop_user":     true,
}

// Keywords that precede "(" without being function calls.
var nonFunctionKeywords = map[string]bool{
	"IN":      true,
	"AND":     true,
	"OR":      true,
	"NOT":     true,
	"WHERE":   true,
	"VALUES":  true,
	"EXISTS":  true,
	"ON":      true,
	"AS":      true,
	"FROM":    true,
	"JOIN":    true,
	"SELECT":  true,
	"WHEN":    true,
	"THEN":    true,
	"ELSE":    true,
	"CASE":    true,
	"BETWEEN": true,
	"LIKE":    true,
	"IS":      true,
	"ALL":     true,
	"ANY":     true,
	"SOME":    true,
	"UNION":   true,
	"OVER":    true,
	"BY":      true,
}

// analyzeStructure bounds statement shape: forbidden function calls,
// subquery nesting depth, and an aggregate complexity score built from
// the clause and call counts.
func analyzeStructure(toks []token) []string {
	var violations []string

	complexity := 0
	depth := 0
	maxDepth := 0
	// parens[i] records whether the i-th open paren started a subquery.
	var parens []bool
	seen := map[string]bool{}

	nextMeaningful := func(from int) (token, bool) {
		for j := from; j < len(toks); j++ {
			if toks[j].kind == tokComment {
				continue
			}
			return toks[j], true
		}
		return token{}, false
	}

	for i, t := range toks {
		switch {
		case t.kind == tokPunct && t.text == "(":
			sub := false
			if next, ok := nextMeaningful(i + 1); ok {
				sub = next.kind == tokWord && next.upper() == "SELECT"
			}
			parens = append(parens, sub)
			if sub {
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
			}

		case t.kind == tokPunct && t.text == ")":
			if len(parens) > 0 {
				if parens[len(parens)-1] {
					depth--
				}
				parens = parens[:len(parens)-1]
			}

		case t.kind == tokWord:
			upper := t.upper()
			switch upper {
			case "SELECT":
				complexity += 10
			case "JOIN":
				complexity += 5
			case "WHERE", "HAVING":
				complexity += 3
			case "ORDER", "GROUP":
				complexity += 2
			}

			if next, ok := nextMeaningful(i + 1); ok &&
				next.kind == tokPunct && next.text == "(" &&
				!nonFunctionKeywords[upper] {
				complexity++
				name := strings.ToLower(t.text)
				if forbiddenFunctions[name] && !seen[name] {
					seen[name] = true
					violations = append(violations, "forbidden function: "+name)
				}
			}
		}
	}

	if maxDepth > maxNestingDepth {
		violations = append(violations,
			fmt.Sprintf("subquery nesting too deep: %d levels", maxDepth))
	}
	if complexity > maxComplexity {
		violations = append(violations,
			fmt.Sprintf("statement too complex: score %d", complexity))
	}
	return violations
}
