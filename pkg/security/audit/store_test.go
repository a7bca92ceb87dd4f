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

package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

func TestLogInvocationAndCount(t *testing.T) {
	store := NewInvocationStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := store.LogInvocation(ctx, InvocationEntry{
			InvocationID: "inv-" + string(rune('a'+i)),
			SkillName:    "summarize",
			BotID:        "bot-1",
			Timestamp:    time.Now().Add(time.Duration(i) * time.Second),
			Success:      true,
		})
		if err != nil {
			t.Fatalf("LogInvocation: %v", err)
		}
	}

	count, err := store.CountInvocations(ctx, "summarize")
	if err != nil {
		t.Fatalf("CountInvocations: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 invocations, got %d", count)
	}
}

func TestGetInvocationsForSkillMostRecentFirst(t *testing.T) {
	store := NewInvocationStore()
	ctx := context.Background()
	base := time.Now()

	store.LogInvocation(ctx, InvocationEntry{InvocationID: "1", SkillName: "fetch", Timestamp: base})
	store.LogInvocation(ctx, InvocationEntry{InvocationID: "2", SkillName: "fetch", Timestamp: base.Add(time.Minute)})
	store.LogInvocation(ctx, InvocationEntry{InvocationID: "3", SkillName: "other", Timestamp: base.Add(2 * time.Minute)})

	entries, err := store.GetInvocationsForSkill(ctx, "fetch", 0)
	if err != nil {
		t.Fatalf("GetInvocationsForSkill: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].InvocationID != "2" {
		t.Fatalf("expected most recent entry first, got %s", entries[0].InvocationID)
	}
}

func TestGetInvocationsForBotRespectsLimit(t *testing.T) {
	store := NewInvocationStore()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		store.LogInvocation(ctx, InvocationEntry{
			InvocationID: string(rune('a' + i)),
			BotID:        "bot-2",
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		})
	}

	entries, err := store.GetInvocationsForBot(ctx, "bot-2", 2)
	if err != nil {
		t.Fatalf("GetInvocationsForBot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestDigestsNotRawPayload(t *testing.T) {
	sum := sha256.Sum256([]byte(`{"secret":"value"}`))
	entry := InvocationEntry{
		SkillName:   "redact-check",
		SHA256Input: hex.EncodeToString(sum[:]),
	}
	if entry.SHA256Input == `{"secret":"value"}` {
		t.Fatal("expected digest, not raw payload")
	}
	if len(entry.SHA256Input) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars", len(entry.SHA256Input))
	}
}
