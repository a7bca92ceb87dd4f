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
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteInvocationStore is the durable counterpart to InvocationStore:
// same InvocationLog contract, backed by a sqlite database file rather
// than an in-memory slice, so the audit trail survives a daemon
// restart the same way the workflow Store does.
type SQLiteInvocationStore struct {
	db *sql.DB
}

// NewSQLiteInvocationStore opens (creating if necessary) the sqlite
// database at path and runs its migration. Passing the same path the
// workflow Store uses puts both tables in one database file; passing
// a distinct path keeps the audit trail in its own file instead.
func NewSQLiteInvocationStore(path string) (*SQLiteInvocationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteInvocationStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteInvocationStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteInvocationStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS skill_invocations (
		invocation_id VARCHAR(64) PRIMARY KEY,
		skill_name VARCHAR(255) NOT NULL,
		skill_version VARCHAR(64),
		trust_tier VARCHAR(32),
		capabilities_used TEXT,
		sha256_input VARCHAR(64),
		sha256_output VARCHAR(64),
		peak_memory_bytes INTEGER,
		fuel_consumed INTEGER,
		duration_ns INTEGER,
		success BOOLEAN NOT NULL,
		error TEXT,
		bot_id VARCHAR(255),
		timestamp DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_skill_invocations_skill ON skill_invocations(skill_name, timestamp)`); err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_skill_invocations_bot ON skill_invocations(bot_id, timestamp)`)
	return err
}

// LogInvocation appends entry to the database. Like InvocationStore,
// it never drops: a write error propagates to the caller instead of
// being swallowed, so a failure to persist an audit record is visible
// rather than silent.
func (s *SQLiteInvocationStore) LogInvocation(ctx context.Context, entry InvocationEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_invocations (
			invocation_id, skill_name, skill_version, trust_tier, capabilities_used,
			sha256_input, sha256_output, peak_memory_bytes, fuel_consumed, duration_ns, success,
			error, bot_id, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.InvocationID, entry.SkillName, entry.SkillVersion, entry.TrustTier,
		strings.Join(entry.CapabilitiesUsed, ","), entry.SHA256Input, entry.SHA256Output,
		entry.PeakMemoryBytes, entry.FuelConsumed, entry.Duration.Nanoseconds(), entry.Success,
		entry.Error, entry.BotID, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("logging invocation: %w", err)
	}
	return nil
}

// GetInvocationsForSkill returns up to limit entries for name, most
// recent first. limit <= 0 means unbounded.
func (s *SQLiteInvocationStore) GetInvocationsForSkill(ctx context.Context, name string, limit int) ([]InvocationEntry, error) {
	return s.query(ctx, "skill_name = ?", name, limit)
}

// GetInvocationsForBot returns up to limit entries triggered by
// botID, most recent first. limit <= 0 means unbounded.
func (s *SQLiteInvocationStore) GetInvocationsForBot(ctx context.Context, botID string, limit int) ([]InvocationEntry, error) {
	return s.query(ctx, "bot_id = ?", botID, limit)
}

// CountInvocations reports how many entries exist for name.
func (s *SQLiteInvocationStore) CountInvocations(ctx context.Context, name string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM skill_invocations WHERE skill_name = ?`, name).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting invocations: %w", err)
	}
	return count, nil
}

func (s *SQLiteInvocationStore) query(ctx context.Context, where, value string, limit int) ([]InvocationEntry, error) {
	q := fmt.Sprintf(`SELECT invocation_id, skill_name, skill_version, trust_tier, capabilities_used,
		sha256_input, sha256_output, peak_memory_bytes, fuel_consumed, duration_ns, success, error, bot_id, timestamp
		FROM skill_invocations WHERE %s ORDER BY timestamp DESC`, where)
	args := []interface{}{value}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer rows.Close()

	var out []InvocationEntry
	for rows.Next() {
		var e InvocationEntry
		var capabilities string
		var durationNS int64
		if err := rows.Scan(
			&e.InvocationID, &e.SkillName, &e.SkillVersion, &e.TrustTier, &capabilities,
			&e.SHA256Input, &e.SHA256Output, &e.PeakMemoryBytes, &e.FuelConsumed, &durationNS, &e.Success,
			&e.Error, &e.BotID, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}
		e.Duration = time.Duration(durationNS)
		if capabilities != "" {
			e.CapabilitiesUsed = strings.Split(capabilities, ",")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
