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

package filewatcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launches []string
}

func (f *fakeLauncher) Launch(ctx context.Context, workflowName string, triggerType string, payload interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, workflowName)
	return "run-1", nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func TestServiceAddWatcherValidation(t *testing.T) {
	svc := NewService(&fakeLauncher{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	if err := svc.AddWatcher(WatchConfig{Workflow: "w", Paths: []string{"/tmp"}}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if err := svc.AddWatcher(WatchConfig{Name: "n"}); err == nil {
		t.Fatal("expected error for missing workflow and path")
	}
}

func TestServiceTriggersLaunchOnFileEvent(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filewatcher-service-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	launcher := &fakeLauncher{}
	svc := NewService(launcher)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	if err := svc.AddWatcher(WatchConfig{
		Name:     "docs",
		Workflow: "ingest-doc",
		Paths:    []string{tmpDir},
		Events:   []string{"created"},
	}); err != nil {
		t.Fatalf("AddWatcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "note.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if launcher.count() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for launcher to be invoked")
}

func TestServiceRemoveWatcherUnknown(t *testing.T) {
	svc := NewService(&fakeLauncher{})
	if err := svc.RemoveWatcher("missing"); err == nil {
		t.Fatal("expected error removing unknown watcher")
	}
}
