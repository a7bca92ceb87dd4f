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

// Package scheduler provides cron-based workflow scheduling (§4.6).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/conductor/internal/log"
)

// Launcher starts a workflow run on the caller's behalf. pkg/workflow's
// Executor satisfies this directly; the daemon passes it in as-is.
type Launcher interface {
	Launch(ctx context.Context, workflowName string, triggerType string, payload interface{}) (runID string, err error)
}

// Schedule defines a scheduled workflow execution.
type Schedule struct {
	Name     string         `yaml:"name" json:"name"`
	Cron     string         `yaml:"cron" json:"cron"`
	Workflow string         `yaml:"workflow" json:"workflow"`
	Inputs   map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	Timezone string         `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	cronExpr *CronExpr
	nextRun  time.Time
	// lastRun is this schedule's entry in the scheduler's
	// (workflow_id -> last_fired) table (§4.6). RecordFire is the only
	// writer other than tick itself.
	lastRun    *time.Time
	runCount   int64
	errorCount int64
}

// Config contains scheduler configuration.
type Config struct {
	Schedules []Schedule `yaml:"schedules" json:"schedules"`
	// CheckMissedRuns enumerates, for every enabled schedule, every
	// cron occurrence strictly between its last recorded fire and the
	// moment the scheduler starts, and launches a catch-up run for
	// each one, so a daemon restart doesn't silently skip fires that
	// should have happened while it was down (§4.6, §5).
	CheckMissedRuns bool `yaml:"check_missed_runs" json:"check_missed_runs"`
}

// Scheduler manages scheduled workflow execution.
type Scheduler struct {
	mu          sync.RWMutex
	schedules   map[string]*Schedule
	launcher    Launcher
	checkMissed bool
	draining    func() bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	logger      *slog.Logger
}

// New creates a new scheduler bound to launcher. draining, if non-nil,
// lets the daemon veto new fires while it is shutting down.
func New(cfg Config, launcher Launcher, draining func() bool) (*Scheduler, error) {
	if draining == nil {
		draining = func() bool { return false }
	}
	s := &Scheduler{
		schedules:   make(map[string]*Schedule),
		launcher:    launcher,
		checkMissed: cfg.CheckMissedRuns,
		draining:    draining,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      slog.Default().With(slog.String("component", "scheduler")),
	}

	for _, sched := range cfg.Schedules {
		if err := s.AddSchedule(sched); err != nil {
			return nil, fmt.Errorf("invalid schedule %s: %w", sched.Name, err)
		}
	}
	return s, nil
}

// AddSchedule parses sched.Cron and registers it.
func (s *Scheduler) AddSchedule(sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expr, err := ParseCron(sched.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	sched.cronExpr = expr

	loc := time.UTC
	if sched.Timezone != "" {
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}
	sched.nextRun = expr.Next(time.Now().In(loc))

	s.schedules[sched.Name] = &sched
	return nil
}

// RemoveSchedule removes a schedule.
func (s *Scheduler) RemoveSchedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, name)
}

// GetSchedule returns a schedule by name.
func (s *Scheduler) GetSchedule(name string) (*Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[name]
	return sched, ok
}

// ListSchedules returns all schedules.
func (s *Scheduler) ListSchedules() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		result = append(result, *sched)
	}
	return result
}

// SetEnabled enables or disables a schedule.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("schedule not found: %s", name)
	}
	sched.Enabled = enabled
	return nil
}

// Start begins the scheduler loop. If CheckMissedRuns was set, it first
// launches one run for every occurrence CheckMissedRuns reports (each
// enabled schedule's occurrences since its recorded last fire) before
// the loop settles into its normal one-second tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if s.checkMissed {
		s.fireMissedRuns(ctx)
	}
	go s.run(ctx)
}

// CheckMissedRuns enumerates, for every enabled schedule with a
// recorded last fire, all cron occurrences strictly between that last
// fire and now. A schedule that has never fired has nothing to catch
// up on and is omitted from the result (§4.6, §8 #14).
func (s *Scheduler) CheckMissedRuns(now time.Time) map[string][]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missed := make(map[string][]time.Time)
	for name, sched := range s.schedules {
		if !sched.Enabled || sched.lastRun == nil {
			continue
		}
		var occurrences []time.Time
		cursor := *sched.lastRun
		for {
			next := sched.cronExpr.Next(cursor)
			if next.IsZero() || !next.Before(now) {
				break
			}
			occurrences = append(occurrences, next)
			cursor = next
		}
		if len(occurrences) > 0 {
			missed[name] = occurrences
		}
	}
	return missed
}

// RecordFire updates name's entry in the (workflow_id -> last_fired)
// table. Callers that trigger a run outside of the normal tick loop
// (catch-up launches from CheckMissedRuns) must call this so the next
// restart's catch-up window starts from the right place.
func (s *Scheduler) RecordFire(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.schedules[name]; ok {
		fired := at
		sched.lastRun = &fired
	}
}

func (s *Scheduler) fireMissedRuns(ctx context.Context) {
	now := time.Now()
	for name, occurrences := range s.CheckMissedRuns(now) {
		s.mu.RLock()
		sched, ok := s.schedules[name]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		s.logger.Info("firing missed schedule occurrences on startup",
			slog.String("schedule", sched.Name), slog.Int("count", len(occurrences)))
		for _, fireTime := range occurrences {
			go s.triggerSchedule(ctx, sched)
			s.RecordFire(name, fireTime)
		}
	}
}

// Stop halts the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sched := range s.schedules {
		if !sched.Enabled {
			continue
		}
		if now.After(sched.nextRun) || now.Equal(sched.nextRun) {
			go s.triggerSchedule(ctx, sched)

			loc := time.UTC
			if sched.Timezone != "" {
				if l, err := time.LoadLocation(sched.Timezone); err == nil {
					loc = l
				}
			}
			sched.nextRun = sched.cronExpr.Next(now.In(loc))
			lastRun := now
			sched.lastRun = &lastRun
			sched.runCount++
		}
	}
}

func (s *Scheduler) triggerSchedule(ctx context.Context, sched *Schedule) {
	schedLogger := s.logger.With(slog.String("schedule", sched.Name), slog.String(log.WorkflowKey, sched.Workflow))

	if s.draining() {
		schedLogger.Info("skipping scheduled execution during graceful shutdown")
		return
	}

	payload := make(map[string]any, len(sched.Inputs)+2)
	for k, v := range sched.Inputs {
		payload[k] = v
	}
	payload["_scheduled"] = true
	payload["_schedule_name"] = sched.Name

	runID, err := s.launcher.Launch(ctx, sched.Workflow, "cron", payload)
	if err != nil {
		schedLogger.Error("failed to launch scheduled workflow", slog.Any("error", err))
		s.mu.Lock()
		sched.errorCount++
		s.mu.Unlock()
		return
	}

	schedLogger.Info("started scheduled workflow run", slog.String(log.RunIDKey, runID))
}

// ScheduleStatus is a snapshot of one schedule's run history.
type ScheduleStatus struct {
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	Workflow   string     `json:"workflow"`
	Enabled    bool       `json:"enabled"`
	NextRun    time.Time  `json:"next_run"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
}

// GetStatus returns the status of all schedules.
func (s *Scheduler) GetStatus() []ScheduleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]ScheduleStatus, 0, len(s.schedules))
	for _, sched := range s.schedules {
		result = append(result, ScheduleStatus{
			Name: sched.Name, Cron: sched.Cron, Workflow: sched.Workflow, Enabled: sched.Enabled,
			NextRun: sched.nextRun, LastRun: sched.lastRun, RunCount: sched.runCount, ErrorCount: sched.errorCount,
		})
	}
	return result
}

// GetScheduleCount returns the total number of schedules.
func (s *Scheduler) GetScheduleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.schedules)
}

// GetEnabledScheduleCount returns the number of enabled schedules.
func (s *Scheduler) GetEnabledScheduleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sched := range s.schedules {
		if sched.Enabled {
			count++
		}
	}
	return count
}
