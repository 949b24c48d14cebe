// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokNumber
	tokString
	tokComment
	tokOperator
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

// upper returns the uppercased text for word tokens, used for keyword
// comparison.
func (t token) upper() string { return strings.ToUpper(t.text) }

// tokenize splits a statement into a flat token stream. It understands
// single-quoted strings with doubled-quote escapes, double-quoted
// identifiers, line and block comments, numbers, and words. It never
// fails: unexpected bytes come back as punctuation.
func tokenize(query string) []token {
	var toks []token
	runes := []rune(query)
	i := 0
	n := len(runes)

	for i < n {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '-' && i+1 < n && runes[i+1] == '-':
			start := i
			for i < n && runes[i] != '\n' {
				i++
			}
			toks = append(toks, token{kind: tokComment, text: string(runes[start:i])})

		case r == '/' && i+1 < n && runes[i+1] == '*':
			start := i
			i += 2
			for i+1 < n && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			if i+1 < n {
				i += 2
			} else {
				i = n
			}
			toks = append(toks, token{kind: tokComment, text: string(runes[start:i])})

		case r == '\'':
			start := i
			i++
			for i < n {
				if runes[i] == '\'' {
					if i+1 < n && runes[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			toks = append(toks, token{kind: tokString, text: string(runes[start:i])})

		case r == '"':
			start := i
			i++
			for i < n && runes[i] != '"' {
				i++
			}
			if i < n {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: string(runes[start:i])})

		case unicode.IsDigit(r):
			start := i
			for i < n && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: string(runes[start:i])})

		case unicode.IsLetter(r) || r == '_' || r == '@' || r == '$':
			start := i
			for i < n && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) ||
				runes[i] == '_' || runes[i] == '@' || runes[i] == '$') {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: string(runes[start:i])})

		case strings.ContainsRune("=<>!+-*/%|&", r):
			start := i
			for i < n && strings.ContainsRune("=<>!+-*/%|&", runes[i]) {
				i++
			}
			toks = append(toks, token{kind: tokOperator, text: string(runes[start:i])})

		default:
			toks = append(toks, token{kind: tokPunct, text: string(r)})
			i++
		}
	}
	return toks
}

// Verbs allowed as the leading keyword in read-only mode.
var readVerbs = map[string]bool{
	"SELECT":   true,
	"SHOW":     true,
	"DESCRIBE": true,
	"DESC":     true,
	"EXPLAIN":  true,
	"WITH":     true,
}

var verbTypes = map[string]string{
	"SELECT":   QuerySelect,
	"WITH":     QuerySelect,
	"INSERT":   QueryInsert,
	"UPDATE":   QueryUpdate,
	"DELETE":   QueryDelete,
	"CREATE":   QueryCreate,
	"DROP":     QueryDrop,
	"ALTER":    QueryAlter,
	"TRUNCATE": QueryTruncate,
	"GRANT":    QueryGrant,
	"REVOKE":   QueryRevoke,
	"EXECUTE":  QueryExecute,
	"EXEC":     QueryExecute,
	"CALL":     QueryCall,
	"SHOW":     QueryShow,
	"DESCRIBE": QueryDescribe,
	"DESC":     QueryDescribe,
	"EXPLAIN":  QueryExplain,
	"USE":      QueryUse,
}

// classify derives the statement kind from the first word token.
func classify(toks []token) string {
	for _, t := range toks {
		if t.kind == tokWord {
			if qt, ok := verbTypes[t.upper()]; ok {
				return qt
			}
			return QueryUnknown
		}
	}
	return QueryUnknown
}

var (
	embeddedKeywordRe = regexp.MustCompile(`(?i)\b(?:select|union|insert|update|delete|drop|exec)\b`)
	controlByteRe     = regexp.MustCompile(`[;\x00-\x1f\x7f]`)
	encodedContentRe  = regexp.MustCompile(`(?i)(?:&#x?[0-9a-f]+;|%[0-9a-f]{2}|\\x[0-9a-f]{2})`)
)

const maxComments = 3

// analyzeTokens applies the token-level checks: the read-only verb
// gate, suspicious keyword sequences, comment volume, and string
// literal contents. The returned risk is a floor; a write verb in
// read-only mode is always high so it blocks regardless of strict
// mode.
func (v *Validator) analyzeTokens(toks []token) ([]string, Risk) {
	var violations []string
	risk := RiskNone

	if v.cfg.ReadOnly {
		for _, t := range toks {
			if t.kind != tokWord {
				continue
			}
			if !readVerbs[t.upper()] {
				violations = append(violations,
					fmt.Sprintf("write operation in read-only mode: %s", t.upper()))
				risk = RiskHigh
			}
			break
		}
	}

	// Keyword sequences that survive obfuscation the regexes miss.
	words := make([]string, 0, len(toks))
	for _, t := range toks {
		if t.kind == tokWord {
			words = append(words, t.upper())
		}
	}
	for i := 0; i+1 < len(words); i++ {
		if words[i] != "UNION" {
			continue
		}
		next := words[i+1]
		if next == "SELECT" || ((next == "ALL" || next == "DISTINCT") &&
			i+2 < len(words) && words[i+2] == "SELECT") {
			violations = append(violations, "union select token sequence")
			break
		}
	}

	comments := 0
	for _, t := range toks {
		if t.kind == tokComment {
			comments++
		}
	}
	if comments > maxComments {
		violations = append(violations,
			fmt.Sprintf("excessive comments: %d", comments))
	}

	for _, t := range toks {
		if t.kind != tokString {
			continue
		}
		content := strings.Trim(t.text, "'")
		if embeddedKeywordRe.MatchString(content) ||
			controlByteRe.MatchString(content) ||
			encodedContentRe.MatchString(content) {
			preview := content
			if len(preview) > 50 {
				preview = preview[:50] + "..."
			}
			violations = append(violations,
				fmt.Sprintf("suspicious string literal: %q", preview))
		}
	}

	if len(violations) > 0 && risk < RiskMedium {
		risk = RiskMedium
	}
	return violations, risk
}
