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
	"sort"
	"sync"
	"time"
)

// InvocationLog is the queryable skill-invocation audit surface
// (get_invocations_for_skill, get_invocations_for_bot,
// count_invocations). InvocationStore and SQLiteInvocationStore both
// satisfy it: the in-memory form for tests and ephemeral runs, the
// sqlite form for a daemon configured with a durable backend, sharing
// the same database file as the workflow Store (§6, SPEC_FULL.md §5).
type InvocationLog interface {
	LogInvocation(ctx context.Context, entry InvocationEntry) error
	GetInvocationsForSkill(ctx context.Context, name string, limit int) ([]InvocationEntry, error)
	GetInvocationsForBot(ctx context.Context, botID string, limit int) ([]InvocationEntry, error)
	CountInvocations(ctx context.Context, name string) (int, error)
}

// InvocationEntry is one append-only audit record for a single skill
// invocation. Raw input/output is never retained, only its digest, so
// the audit log itself can't leak what a skill processed (§4.14).
type InvocationEntry struct {
	InvocationID     string
	SkillName        string
	SkillVersion     string
	TrustTier        string
	CapabilitiesUsed []string
	SHA256Input      string
	SHA256Output     string
	PeakMemoryBytes  uint32
	FuelConsumed     uint64
	Duration         time.Duration
	Success          bool
	Error            string
	BotID            string
	Timestamp        time.Time
}

// InvocationStore is a synchronous, queryable log of skill
// invocations. Writes never drop an entry and never happen
// out-of-band of the call that produced them. Entries are held in
// memory only and do not survive a process exit; SQLiteInvocationStore
// is the durable form.
type InvocationStore struct {
	mu      sync.Mutex
	entries []InvocationEntry
}

// NewInvocationStore returns an empty in-memory store.
func NewInvocationStore() *InvocationStore {
	return &InvocationStore{}
}

// LogInvocation appends entry synchronously. The caller should invoke
// this before returning control to the workflow step that triggered
// the invocation, regardless of whether it succeeded.
func (s *InvocationStore) LogInvocation(ctx context.Context, entry InvocationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// GetInvocationsForSkill returns up to limit entries for name, most
// recent first. limit <= 0 means unbounded.
func (s *InvocationStore) GetInvocationsForSkill(ctx context.Context, name string, limit int) ([]InvocationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []InvocationEntry
	for _, e := range s.entries {
		if e.SkillName == name {
			matches = append(matches, e)
		}
	}
	return mostRecentFirst(matches, limit), nil
}

// GetInvocationsForBot returns up to limit entries triggered by botID,
// most recent first. limit <= 0 means unbounded.
func (s *InvocationStore) GetInvocationsForBot(ctx context.Context, botID string, limit int) ([]InvocationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []InvocationEntry
	for _, e := range s.entries {
		if e.BotID == botID {
			matches = append(matches, e)
		}
	}
	return mostRecentFirst(matches, limit), nil
}

// CountInvocations reports how many entries exist for name.
func (s *InvocationStore) CountInvocations(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.SkillName == name {
			count++
		}
	}
	return count, nil
}

func mostRecentFirst(entries []InvocationEntry, limit int) []InvocationEntry {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
