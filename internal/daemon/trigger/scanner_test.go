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

package trigger

import (
	"os"
	"path/filepath"
	"testing"
)

const agentStep = `
steps:
  - id: run
    type: agent
    agent:
      prompt: "run the task"
`

func writeWorkflow(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("writing workflow fixture: %v", err)
	}
}

func TestNewScanner(t *testing.T) {
	s := NewScanner("/path/to/workflows")
	if s == nil {
		t.Fatal("NewScanner() returned nil")
	}
	if s.workflowsDir != "/path/to/workflows" {
		t.Errorf("workflowsDir = %v, want /path/to/workflows", s.workflowsDir)
	}
}

func TestScannerScanEmptyDir(t *testing.T) {
	tmpDir := t.TempDir()

	s := NewScanner(tmpDir)
	result, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(result.WebhookTriggers) != 0 || len(result.CronTriggers) != 0 || len(result.Errors) != 0 {
		t.Fatalf("expected an empty result, got %+v", result)
	}
}

func TestScannerScanWorkflowWithWebhook(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkflow(t, tmpDir, "webhook.yaml", `
name: webhook-handler

triggers:
  - type: webhook
    webhook:
      path: /webhooks/test
      auth:
        type: hmac
        secret: ${WEBHOOK_SECRET}
`+agentStep)

	s := NewScanner(tmpDir)
	result, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if len(result.WebhookTriggers) != 1 {
		t.Fatalf("WebhookTriggers = %d, want 1", len(result.WebhookTriggers))
	}
	trigger := result.WebhookTriggers[0]
	if trigger.WorkflowName != "webhook-handler" {
		t.Errorf("WorkflowName = %v, want webhook-handler", trigger.WorkflowName)
	}
	if trigger.Trigger.Webhook == nil || trigger.Trigger.Webhook.Path != "/webhooks/test" {
		t.Errorf("Webhook = %+v, want path /webhooks/test", trigger.Trigger.Webhook)
	}
}

func TestScannerScanWorkflowWithCron(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkflow(t, tmpDir, "scheduled.yaml", `
name: scheduled-task

triggers:
  - type: cron
    cron:
      schedule: "0 * * * *"
      timezone: UTC
`+agentStep)

	s := NewScanner(tmpDir)
	result, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if len(result.CronTriggers) != 1 {
		t.Fatalf("CronTriggers = %d, want 1", len(result.CronTriggers))
	}
	trigger := result.CronTriggers[0]
	if trigger.WorkflowName != "scheduled-task" {
		t.Errorf("WorkflowName = %v, want scheduled-task", trigger.WorkflowName)
	}
	if trigger.Trigger.Cron == nil || trigger.Trigger.Cron.Schedule != "0 * * * *" {
		t.Errorf("Cron = %+v, want schedule 0 * * * *", trigger.Trigger.Cron)
	}
}

func TestScannerScanMultipleTriggers(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkflow(t, tmpDir, "multi.yaml", `
name: multi-trigger

triggers:
  - type: webhook
    webhook:
      path: /webhooks/multi
      auth:
        type: none
  - type: cron
    cron:
      schedule: "0 0 * * *"
`+agentStep)

	s := NewScanner(tmpDir)
	result, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if len(result.WebhookTriggers) != 1 {
		t.Errorf("WebhookTriggers = %d, want 1", len(result.WebhookTriggers))
	}
	if len(result.CronTriggers) != 1 {
		t.Errorf("CronTriggers = %d, want 1", len(result.CronTriggers))
	}
}

func TestScannerScanFileWatchTrigger(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkflow(t, tmpDir, "watch.yaml", `
name: watch-inbox

triggers:
  - type: file_watch
    file_watch:
      paths:
        - /tmp/inbox
      patterns:
        - "*.pdf"
`+agentStep)

	s := NewScanner(tmpDir)
	result, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if len(result.FileWatchTriggers) != 1 {
		t.Fatalf("FileWatchTriggers = %d, want 1", len(result.FileWatchTriggers))
	}
}

func TestScannerScanNoTriggers(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkflow(t, tmpDir, "no-trigger.yaml", `
name: no-trigger
`+agentStep)

	s := NewScanner(tmpDir)
	result, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(result.WebhookTriggers) != 0 || len(result.CronTriggers) != 0 {
		t.Fatalf("expected no triggers, got %+v", result)
	}
}

func TestScannerScanInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkflow(t, tmpDir, "invalid.yaml", "invalid: yaml: syntax:")

	s := NewScanner(tmpDir)
	result, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v (should not fail the whole scan)", err)
	}
	if len(result.Errors) == 0 {
		t.Error("expected an error recorded for invalid YAML")
	}
}

func TestScannerScanNonYAMLFiles(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkflow(t, tmpDir, "readme.txt", "text file")
	writeWorkflow(t, tmpDir, "script.sh", "#!/bin/bash")
	writeWorkflow(t, tmpDir, "workflow.yaml", "name: test\n"+agentStep)

	s := NewScanner(tmpDir)
	result, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no errors for non-YAML files: %v", result.Errors)
	}
}

func TestScannerScanNestedDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	nestedDir := filepath.Join(tmpDir, "subdir", "nested")
	if err := os.MkdirAll(nestedDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeWorkflow(t, nestedDir, "workflow.yaml", `
name: nested-workflow
triggers:
  - type: webhook
    webhook:
      path: /webhooks/nested
      auth:
        type: none
`+agentStep)

	s := NewScanner(tmpDir)
	result, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(result.WebhookTriggers) != 1 {
		t.Fatalf("WebhookTriggers = %d, want 1", len(result.WebhookTriggers))
	}
}

func TestScannerScanYMLExtension(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkflow(t, tmpDir, "workflow.yml", `
name: yml-workflow
triggers:
  - type: cron
    cron:
      schedule: "0 0 * * *"
`+agentStep)

	s := NewScanner(tmpDir)
	result, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(result.CronTriggers) != 1 {
		t.Fatalf("CronTriggers = %d, want 1", len(result.CronTriggers))
	}
}

func TestScannerScanNonExistentDir(t *testing.T) {
	s := NewScanner("/non/existent/directory")
	result, err := s.Scan()
	if err == nil && len(result.Errors) == 0 {
		t.Error("Scan() should fail or record an error for a non-existent directory")
	}
}

func TestExpandSecret(t *testing.T) {
	saved, wasSet := os.LookupEnv("TEST_SECRET")
	defer func() {
		if wasSet {
			os.Setenv("TEST_SECRET", saved)
		} else {
			os.Unsetenv("TEST_SECRET")
		}
	}()
	os.Setenv("TEST_SECRET", "my-secret-value")

	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{"env var reference", "${TEST_SECRET}", "my-secret-value"},
		{"plain string", "plain-secret", "plain-secret"},
		{"no prefix", "TEST_SECRET}", "TEST_SECRET}"},
		{"no suffix", "${TEST_SECRET", "${TEST_SECRET"},
		{"empty string", "", ""},
		{"unset env var", "${UNSET_VAR}", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandSecret(tt.secret); got != tt.want {
				t.Errorf("ExpandSecret(%q) = %q, want %q", tt.secret, got, tt.want)
			}
		})
	}
}

func TestWorkflowTriggerFields(t *testing.T) {
	trigger := WorkflowTrigger{
		WorkflowPath: "/path/to/workflow.yaml",
		WorkflowName: "test-workflow",
	}
	if trigger.WorkflowPath != "/path/to/workflow.yaml" {
		t.Errorf("WorkflowPath = %v, want /path/to/workflow.yaml", trigger.WorkflowPath)
	}
	if trigger.WorkflowName != "test-workflow" {
		t.Errorf("WorkflowName = %v, want test-workflow", trigger.WorkflowName)
	}
}
