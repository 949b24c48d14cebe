// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"fmt"
	"strings"
)

// maxCellLen bounds a rendered table cell; longer values are cut to
// 197 characters plus an ellipsis.
const maxCellLen = 200

// formatCell renders one result value for a markdown table. NULLs are
// spelled out, pipes escaped so they cannot break the table.
func formatCell(val any) string {
	if val == nil {
		return "NULL"
	}
	s := fmt.Sprint(val)
	s = strings.ReplaceAll(s, "|", "\\|")
	if len(s) > maxCellLen {
		s = s[:197] + "..."
	}
	return s
}

// renderTable writes columns and rows as a markdown table.
func renderTable(sb *strings.Builder, columns []string, rows [][]any) {
	sb.WriteString("| " + strings.Join(columns, " | ") + " |\n")

	separators := make([]string, len(columns))
	for i := range separators {
		separators[i] = "---"
	}
	sb.WriteString("| " + strings.Join(separators, " | ") + " |\n")

	for _, row := range rows {
		cells := make([]string, len(row))
		for i, val := range row {
			cells[i] = formatCell(val)
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
}

// plural returns "s" for any count but one.
func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
