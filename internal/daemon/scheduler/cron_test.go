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
	"testing"
	"time"
)

func TestNormalizeSchedule(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"every 5 minutes", "every 5 minutes", "0 */5 * * * *", false},
		{"every day at 09:30", "every day at 09:30", "0 30 9 * * *", false},
		{"every 10 seconds", "every 10 seconds", "*/10 * * * * *", false},
		{"every 2 hours", "every 2 hours", "0 0 */2 * * *", false},
		{"every minute keyword", "every minute", "0 * * * * *", false},
		{"minutely", "minutely", "0 * * * * *", false},
		{"every hour keyword", "every hour", "0 0 * * * *", false},
		{"hourly", "hourly", "0 0 * * * *", false},
		{"every day keyword", "every day", "0 0 0 * * *", false},
		{"daily", "daily", "0 0 0 * * *", false},
		{"5-field canonicalized", "*/15 * * * *", "0 */15 * * * *", false},
		{"6-field passthrough", "0 */15 * * * *", "0 */15 * * * *", false},
		{"@hourly", "@hourly", "0 0 * * * *", false},
		{"zero interval rejected", "every 0 minutes", "", true},
		{"negative interval rejected", "every -5 minutes", "", true},
		{"garbage", "whenever it feels like it", "", true},
		{"too few fields", "* * *", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeSchedule(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeSchedule(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("NormalizeSchedule(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every minute (5-field)", "* * * * *", false},
		{"every minute (6-field)", "* * * * * *", false},
		{"every hour", "0 * * * *", false},
		{"every day at midnight", "0 0 * * *", false},
		{"every weekday at 9am", "0 9 * * 1-5", false},
		{"every 15 minutes", "*/15 * * * *", false},
		{"specific minutes", "0,15,30,45 * * * *", false},
		{"human readable every N minutes", "every 5 minutes", false},
		{"human readable every day at", "every day at 09:30", false},
		{"@hourly", "@hourly", false},
		{"@daily", "@daily", false},
		{"@weekly", "@weekly", false},
		{"@monthly", "@monthly", false},
		{"@yearly", "@yearly", false},
		{"invalid - too few fields", "* * *", true},
		{"invalid - too many fields", "* * * * * * *", true},
		{"invalid - bad minute", "60 * * * *", true},
		{"invalid - bad hour", "0 25 * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCron(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestCronExpr_Next(t *testing.T) {
	// Fixed reference time: 2025-01-15 10:30:00 UTC (Wednesday)
	ref := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expr     string
		from     time.Time
		expected time.Time
	}{
		{
			name:     "every minute - next minute",
			expr:     "* * * * *",
			from:     ref,
			expected: time.Date(2025, 1, 15, 10, 31, 0, 0, time.UTC),
		},
		{
			name:     "every hour at 0 - next hour",
			expr:     "0 * * * *",
			from:     ref,
			expected: time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC),
		},
		{
			name:     "midnight - next midnight",
			expr:     "0 0 * * *",
			from:     ref,
			expected: time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "every 15 minutes - next 15 minute mark",
			expr:     "*/15 * * * *",
			from:     ref,
			expected: time.Date(2025, 1, 15, 10, 45, 0, 0, time.UTC),
		},
		{
			name:     "weekdays at 9am - next weekday (today is Wednesday)",
			expr:     "0 9 * * 1-5",
			from:     ref,
			expected: time.Date(2025, 1, 16, 9, 0, 0, 0, time.UTC),
		},
		{
			name:     "every 5 seconds",
			expr:     "*/5 * * * * *",
			from:     time.Date(2025, 1, 15, 10, 30, 1, 0, time.UTC),
			expected: time.Date(2025, 1, 15, 10, 30, 5, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := ParseCron(tt.expr)
			if err != nil {
				t.Fatalf("ParseCron failed: %v", err)
			}

			got := expr.Next(tt.from)
			if !got.Equal(tt.expected) {
				t.Errorf("Next() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseField(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		min, max int
		expected []int
		wantErr  bool
	}{
		{"wildcard", "*", 0, 5, []int{0, 1, 2, 3, 4, 5}, false},
		{"single value", "3", 0, 5, []int{3}, false},
		{"range", "1-3", 0, 5, []int{1, 2, 3}, false},
		{"step", "*/2", 0, 5, []int{0, 2, 4}, false},
		{"comma list", "1,3,5", 0, 5, []int{1, 3, 5}, false},
		{"range with step", "0-4/2", 0, 5, []int{0, 2, 4}, false},
		{"out of range", "10", 0, 5, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseField(tt.field, tt.min, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseField() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !sliceEqual(got, tt.expected) {
				t.Errorf("parseField() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func sliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
