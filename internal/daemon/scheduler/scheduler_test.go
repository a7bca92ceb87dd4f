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
	"context"
	"testing"
	"time"
)

type noopLauncher struct{}

func (noopLauncher) Launch(ctx context.Context, workflowName string, triggerType string, payload interface{}) (string, error) {
	return "run-1", nil
}

func TestSchedulerAddScheduleAcceptsHumanReadableForm(t *testing.T) {
	s, err := New(Config{}, noopLauncher{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.AddSchedule(Schedule{Name: "every-five", Cron: "every 5 minutes", Workflow: "wf", Enabled: true}); err != nil {
		t.Fatalf("AddSchedule failed: %v", err)
	}

	sched, ok := s.GetSchedule("every-five")
	if !ok {
		t.Fatal("expected schedule to be registered")
	}
	if sched.cronExpr == nil {
		t.Fatal("expected cronExpr to be set")
	}
}

func TestCheckMissedRuns(t *testing.T) {
	s, err := New(Config{}, noopLauncher{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.AddSchedule(Schedule{Name: "every-minute", Cron: "every minute", Workflow: "wf", Enabled: true}); err != nil {
		t.Fatalf("AddSchedule failed: %v", err)
	}

	lastFired := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.RecordFire("every-minute", lastFired)

	now := time.Date(2026, 1, 1, 0, 9, 30, 0, time.UTC)
	missed := s.CheckMissedRuns(now)

	occurrences, ok := missed["every-minute"]
	if !ok {
		t.Fatal("expected missed occurrences for every-minute")
	}
	if len(occurrences) != 9 {
		t.Fatalf("expected 9 missed occurrences, got %d: %v", len(occurrences), occurrences)
	}
	for i, occ := range occurrences {
		want := lastFired.Add(time.Duration(i+1) * time.Minute)
		if !occ.Equal(want) {
			t.Errorf("occurrence %d = %v, want %v", i, occ, want)
		}
	}
}

func TestCheckMissedRunsSkipsScheduleWithNoRecordedFire(t *testing.T) {
	s, err := New(Config{}, noopLauncher{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.AddSchedule(Schedule{Name: "fresh", Cron: "every minute", Workflow: "wf", Enabled: true}); err != nil {
		t.Fatalf("AddSchedule failed: %v", err)
	}

	missed := s.CheckMissedRuns(time.Now())
	if _, ok := missed["fresh"]; ok {
		t.Fatal("expected a schedule with no recorded fire to be omitted")
	}
}

func TestCheckMissedRunsSkipsDisabledSchedule(t *testing.T) {
	s, err := New(Config{}, noopLauncher{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.AddSchedule(Schedule{Name: "disabled", Cron: "every minute", Workflow: "wf", Enabled: false}); err != nil {
		t.Fatalf("AddSchedule failed: %v", err)
	}
	s.RecordFire("disabled", time.Now().Add(-time.Hour))

	missed := s.CheckMissedRuns(time.Now())
	if _, ok := missed["disabled"]; ok {
		t.Fatal("expected a disabled schedule to be omitted from missed-run detection")
	}
}
