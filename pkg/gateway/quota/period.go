// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import "time"

// Period names how often a quota resets.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodCustom  Period = "custom"
)

// periodStart returns the boundary at or before now for the period.
// Anchoring resets to the boundary rather than the reset instant is
// what makes reset idempotent: two resets inside one period land on the
// same start.
func periodStart(p Period, custom time.Duration, now time.Time) time.Time {
	switch p {
	case PeriodHourly:
		return now.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case PeriodWeekly:
		// Weeks begin on Monday.
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		offset := (int(now.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		if custom <= 0 {
			custom = time.Hour
		}
		return now.Truncate(custom)
	}
}

// periodEnd returns the next boundary strictly after start.
func periodEnd(p Period, custom time.Duration, start time.Time) time.Time {
	switch p {
	case PeriodHourly:
		return start.Add(time.Hour)
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	default:
		if custom <= 0 {
			custom = time.Hour
		}
		return start.Add(custom)
	}
}
