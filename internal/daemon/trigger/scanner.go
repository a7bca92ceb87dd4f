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

// Package trigger implements the Trigger Manager (§4.7): it scans a
// workflows directory for definitions that declare inline triggers and
// hands each one to the subsystem that owns its kind — the Cron
// Scheduler, the Webhook Registry, or the File Watcher.
package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/conductor/pkg/workflow"
)

// WorkflowTrigger pairs a trigger declared in a workflow file with the
// workflow that declared it.
type WorkflowTrigger struct {
	WorkflowPath string
	WorkflowName string
	Trigger      workflow.TriggerConfig
}

// ScanResult buckets every discovered trigger by kind. Event triggers
// are collected too but have no dedicated subsystem yet (§9 Open
// Question); Manual triggers are intentionally not collected, since
// "manual" means no automatic registration.
type ScanResult struct {
	CronTriggers      []WorkflowTrigger
	WebhookTriggers   []WorkflowTrigger
	FileWatchTriggers []WorkflowTrigger
	EventTriggers     []WorkflowTrigger
	Errors            []error
}

// Scanner scans workflow definition files for declared triggers.
type Scanner struct {
	workflowsDir string
}

// NewScanner creates a scanner rooted at workflowsDir.
func NewScanner(workflowsDir string) *Scanner {
	return &Scanner{workflowsDir: workflowsDir}
}

// Scan walks the workflows directory and categorizes every trigger
// found in every valid workflow file. A file that fails to parse is
// recorded in Errors and skipped, not fatal to the scan.
func (s *Scanner) Scan() (*ScanResult, error) {
	result := &ScanResult{}

	err := filepath.Walk(s.workflowsDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			result.Errors = append(result.Errors, fmt.Errorf("accessing %s: %w", path, walkErr))
			return nil
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		triggers, err := s.scanWorkflow(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("scanning %s: %w", path, err))
			return nil
		}

		for _, t := range triggers {
			switch t.Trigger.Type {
			case workflow.TriggerTypeCron:
				result.CronTriggers = append(result.CronTriggers, t)
			case workflow.TriggerTypeWebhook:
				result.WebhookTriggers = append(result.WebhookTriggers, t)
			case workflow.TriggerTypeFileWatch:
				result.FileWatchTriggers = append(result.FileWatchTriggers, t)
			case workflow.TriggerTypeEvent:
				result.EventTriggers = append(result.EventTriggers, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking workflows directory: %w", err)
	}

	return result, nil
}

func (s *Scanner) scanWorkflow(path string) ([]WorkflowTrigger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if len(def.Triggers) == 0 {
		return nil, nil
	}

	triggers := make([]WorkflowTrigger, 0, len(def.Triggers))
	for _, t := range def.Triggers {
		triggers = append(triggers, WorkflowTrigger{
			WorkflowPath: path,
			WorkflowName: def.Name,
			Trigger:      t,
		})
	}
	return triggers, nil
}

// ExpandSecret expands a ${VAR_NAME}-style environment variable
// reference in a secret string. Any other value passes through
// unchanged.
func ExpandSecret(secret string) string {
	if !strings.HasPrefix(secret, "${") || !strings.HasSuffix(secret, "}") {
		return secret
	}
	envVar := strings.TrimSuffix(strings.TrimPrefix(secret, "${"), "}")
	return os.Getenv(envVar)
}
