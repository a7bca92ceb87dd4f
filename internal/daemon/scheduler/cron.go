// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// CronExpr represents a parsed cron expression, always held internally
// in its 6-field (seconds-first) form regardless of the field count the
// caller originally wrote.
type CronExpr struct {
	second     []int // 0-59
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6 (0 = Sunday)
}

var everyNRegex = regexp.MustCompile(`^every\s+(\d+)\s+(second|seconds|minute|minutes|hour|hours)$`)
var everyAtRegex = regexp.MustCompile(`^every\s+day\s+at\s+([0-1]?[0-9]|2[0-3]):([0-5][0-9])$`)

// NormalizeSchedule turns a schedule string into canonical 6-field cron
// (`second minute hour day-of-month month day-of-week`). It accepts:
//
//   - standard 5-field cron, canonicalized by prepending a "0" seconds
//     field;
//   - 6-field cron, passed through unchanged (after validation);
//   - the human-readable grammar: `every N {seconds|minutes|hours}`,
//     `every minute`, `every hour`, `every day`, `every day at HH:MM`,
//     `hourly`, `daily`, `minutely`.
//
// A zero or negative interval in the `every N ...` form is rejected as
// an invalid schedule rather than silently clamped.
func NormalizeSchedule(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)

	switch lower {
	case "@hourly", "hourly":
		return "0 0 * * * *", nil
	case "@daily", "@midnight", "daily":
		return "0 0 0 * * *", nil
	case "@weekly":
		return "0 0 0 * * 0", nil
	case "@monthly":
		return "0 0 0 1 * *", nil
	case "@yearly", "@annually":
		return "0 0 0 1 1 *", nil
	case "minutely", "every minute":
		return "0 * * * * *", nil
	case "every hour":
		return "0 0 * * * *", nil
	case "every day":
		return "0 0 0 * * *", nil
	}

	if m := everyNRegex.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return "", &conductorerrors.SchedulerError{Schedule: raw, Reason: "interval must be a positive integer"}
		}
		switch {
		case strings.HasPrefix(m[2], "second"):
			return fmt.Sprintf("*/%d * * * * *", n), nil
		case strings.HasPrefix(m[2], "minute"):
			return fmt.Sprintf("0 */%d * * * *", n), nil
		default: // hour(s)
			return fmt.Sprintf("0 0 */%d * * *", n), nil
		}
	}

	if m := everyAtRegex.FindStringSubmatch(lower); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("0 %d %d * * *", minute, hour), nil
	}

	fields := strings.Fields(trimmed)
	switch len(fields) {
	case 5:
		fields = append([]string{"0"}, fields...)
	case 6:
	default:
		return "", &conductorerrors.SchedulerError{Schedule: raw, Reason: fmt.Sprintf("expected 5 or 6 fields or a recognized human-readable form, got %d fields", len(fields))}
	}
	bounds := [6][2]int{{0, 59}, {0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	for i, f := range fields {
		if _, err := parseField(f, bounds[i][0], bounds[i][1]); err != nil {
			return "", &conductorerrors.SchedulerError{Schedule: raw, Reason: err.Error()}
		}
	}
	return strings.Join(fields, " "), nil
}

// ParseCron normalizes expr via NormalizeSchedule and parses the result
// into a CronExpr.
// Canonical format: second minute hour day-of-month month day-of-week
// Examples:
//   - "0 0 * * * *" - every hour at minute 0
//   - "0 */15 * * * *" - every 15 minutes
//   - "0 0 9 * * 1-5" - 9 AM on weekdays
//   - "every 5 minutes" - "0 */5 * * * *"
func ParseCron(expr string) (*CronExpr, error) {
	normalized, err := NormalizeSchedule(expr)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(normalized)
	if len(fields) != 6 {
		return nil, &conductorerrors.SchedulerError{Schedule: expr, Reason: fmt.Sprintf("normalized to %d fields, expected 6", len(fields))}
	}

	c := &CronExpr{}

	c.second, err = parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid second field: %w", err)
	}

	c.minute, err = parseField(fields[1], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}

	c.hour, err = parseField(fields[2], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}

	c.dayOfMonth, err = parseField(fields[3], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}

	c.month, err = parseField(fields[4], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}

	c.dayOfWeek, err = parseField(fields[5], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}

	return c, nil
}

// parseField parses a single cron field.
func parseField(field string, min, max int) ([]int, error) {
	// Handle wildcard
	if field == "*" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int

	// Handle comma-separated values
	parts := strings.Split(field, ",")
	for _, part := range parts {
		values, err := parseFieldPart(part, min, max)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}

	// Remove duplicates and sort
	result = unique(result)
	return result, nil
}

// parseFieldPart parses a single part of a cron field (handles ranges and steps).
func parseFieldPart(part string, min, max int) ([]int, error) {
	// Handle step values (*/5 or 1-10/2)
	var step int = 1
	if idx := strings.Index(part, "/"); idx != -1 {
		stepStr := part[idx+1:]
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step: %s", stepStr)
		}
		part = part[:idx]
	}

	var start, end int

	if part == "*" {
		start = min
		end = max
	} else if idx := strings.Index(part, "-"); idx != -1 {
		// Range
		var err error
		start, err = strconv.Atoi(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", part[:idx])
		}
		end, err = strconv.Atoi(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", part[idx+1:])
		}
	} else {
		// Single value
		var err error
		start, err = strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		end = start
	}

	// Validate range
	if start < min || start > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", start, min, max)
	}
	if end < min || end > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", end, min, max)
	}
	if start > end {
		return nil, fmt.Errorf("invalid range: %d > %d", start, end)
	}

	// Generate values
	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}

	return result, nil
}

// Next returns the next time that matches the cron expression strictly
// after from, at second granularity so that a 6-field schedule with a
// restricted seconds field (e.g. "every 5 seconds") is honored rather
// than only ever landing on whole minutes.
func (c *CronExpr) Next(from time.Time) time.Time {
	t := from.Truncate(time.Second).Add(time.Second)

	// Search for up to 4 years
	maxTime := from.Add(4 * 365 * 24 * time.Hour)

	for t.Before(maxTime) {
		// Check month
		if !contains(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}

		// Check day of month and day of week
		dayOfMonthMatch := contains(c.dayOfMonth, t.Day())
		dayOfWeekMatch := contains(c.dayOfWeek, int(t.Weekday()))

		// Both day constraints must be satisfied if they're both restricted
		// (If one is *, only the other matters)
		isDayMatch := dayOfMonthMatch && dayOfWeekMatch

		if !isDayMatch {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}

		// Check hour
		if !contains(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}

		// Check minute
		if !contains(c.minute, t.Minute()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()+1, 0, 0, t.Location())
			continue
		}

		// Check second
		if !contains(c.second, t.Second()) {
			t = t.Add(time.Second)
			continue
		}

		// Found a match
		return t
	}

	// No match found within 4 years
	return time.Time{}
}

// contains checks if a slice contains a value.
func contains(slice []int, val int) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// unique removes duplicates from a slice.
func unique(slice []int) []int {
	seen := make(map[int]bool)
	var result []int
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
