// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package sqlguard

import "regexp"

// riskPattern couples one compiled pattern with a human-readable name
// used in violation messages.
type riskPattern struct {
	name string
	re   *regexp.Regexp
}

func compileAll(raw map[string]string) []riskPattern {
	out := make([]riskPattern, 0, len(raw))
	for name, expr := range raw {
		out = append(out, riskPattern{name: name, re: regexp.MustCompile(`(?i)` + expr)})
	}
	return out
}

// Pattern families by risk. Critical shapes are unambiguous injection
// attempts; lower tiers are increasingly likely to appear in
// legitimate analytics SQL.
var (
	criticalPatterns = compileAll(map[string]string{
		"union select":       `\bunion\s+(?:all\s+|distinct\s+)?select\b`,
		"boolean blind":      `\b(?:and|or)\s+\d+\s*[=<>]\s*\d+`,
		"quoted boolean":     `\b(?:and|or)\s+['"]\w+['"]?\s*[=<>]\s*['"]\w+['"]?`,
		"waitfor delay":      `\bwaitfor\s+delay\b`,
		"sleep call":         `\bsleep\s*\(`,
		"pg_sleep call":      `\bpg_sleep\s*\(`,
		"benchmark call":     `\bbenchmark\s*\(`,
		"stacked statement":  `;\s*(?:insert|update|delete|drop|create|alter|grant|revoke)\b`,
		"information schema": `\binformation_schema\.`,
		"system catalog":     `\b(?:sys|mysql)\.`,
		"command execution":  `\b(?:xp_cmdshell|sp_execute)\b`,
		"dynamic execution":  `\b(?:exec|execute)\s*\(`,
		"file read":          `\bload_file\s*\(`,
		"file write":         `\binto\s+(?:outfile|dumpfile)\b`,
	})

	highPatterns = compileAll(map[string]string{
		"sql comment":      `(?:--|#|/\*)`,
		"hex literal":      `\b0x[0-9a-f]+\b`,
		"char encoding":    `\b(?:char|chr|ascii)\s*\(`,
		"concatenation":    `\b(?:concat|group_concat)\s*\(`,
		"version variable": `@@(?:version|global)`,
		"fingerprint call": `\b(?:version|user|database|schema)\s*\(`,
	})

	mediumPatterns = compileAll(map[string]string{
		"nested quotes":   `'[^']*'[^']*'`,
		"condition chain": `\b(?:and|or)\s+[\w\s]*(?:=|<>|!=|\blike\b)`,
		"subquery":        `\(\s*select\s`,
		"case expression": `\bcase\s+when\b`,
		"type coercion":   `\b(?:cast|convert)\s*\(`,
	})

	lowPatterns = compileAll(map[string]string{
		"stacked operators": `[=<>!]{2,}`,
		"whitespace run":    `\s{5,}`,
		"wildcard run":      `[%_*]{3,}`,
	})
)

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// matchPatterns runs the pattern families in descending risk order and
// stops collecting from lower tiers once a higher one has hit, so the
// violations list stays focused on the decisive findings.
func matchPatterns(query string) (Risk, []string) {
	var violations []string
	risk := RiskNone

	for _, p := range criticalPatterns {
		if p.re.MatchString(query) {
			violations = append(violations, "critical pattern: "+p.name)
			risk = RiskCritical
		}
	}
	if risk < RiskCritical {
		for _, p := range highPatterns {
			if p.re.MatchString(query) {
				violations = append(violations, "high-risk pattern: "+p.name)
				risk = RiskHigh
			}
		}
	}
	if risk < RiskHigh {
		for _, p := range mediumPatterns {
			if p.re.MatchString(query) {
				violations = append(violations, "medium-risk pattern: "+p.name)
				risk = RiskMedium
			}
		}
	}
	if risk == RiskNone {
		for _, p := range lowPatterns {
			if p.re.MatchString(query) {
				violations = append(violations, "low-risk pattern: "+p.name)
				risk = RiskLow
			}
		}
	}
	return risk, violations
}
