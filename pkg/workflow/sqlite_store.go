package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/conductor/pkg/errors"
)

// SQLiteStore is a durable Store implementation backed by a single
// sqlite database file. It is the persistent counterpart to
// MemoryStore: same contract, same semantics, survives a daemon
// restart (§6, §9 "Crash reconnection").
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the sqlite database at
// path and runs its migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS definitions (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			document TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_definitions_name ON definitions(name, created_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(64) PRIMARY KEY,
			definition_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			trigger_type VARCHAR(64) NOT NULL,
			trigger_payload TEXT,
			context TEXT,
			concurrency_key VARCHAR(255),
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_definition ON runs(definition_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS step_logs (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			step_id VARCHAR(255) NOT NULL,
			step_name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			attempt INTEGER NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_logs_run ON step_logs(run_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *Definition) error {
	if def == nil || def.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "definition id cannot be empty"}
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, name, document, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, document = excluded.document
	`, def.ID, def.Name, string(doc), time.Now())
	if err != nil {
		return fmt.Errorf("saving definition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM definitions WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "definition", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("getting definition: %w", err)
	}
	return unmarshalDefinition(doc)
}

func (s *SQLiteStore) GetDefinitionByName(ctx context.Context, name string) (*Definition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT document FROM definitions WHERE name = ? ORDER BY created_at DESC LIMIT 1
	`, name).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "definition", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("getting definition by name: %w", err)
	}
	return unmarshalDefinition(doc)
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM definitions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing definitions: %w", err)
	}
	defer rows.Close()

	var out []*Definition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning definition: %w", err)
		}
		def, err := unmarshalDefinition(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting definition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "definition", ID: id}
	}
	return nil
}

func unmarshalDefinition(doc string) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return nil, fmt.Errorf("unmarshaling definition: %w", err)
	}
	return &def, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil {
		return &errors.ValidationError{Field: "run", Message: "run cannot be nil"}
	}
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating run id: %w", err)
		}
		run.ID = id.String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.UpdatedAt = run.StartedAt

	payload, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshaling trigger payload: %w", err)
	}
	runCtx, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("marshaling run context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, definition_id, name, status, trigger_type, trigger_payload,
			context, concurrency_key, error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.DefinitionID, run.Name, string(run.Status), run.TriggerType, string(payload),
		string(runCtx), run.ConcurrencyKey, run.Error, run.StartedAt, run.CompletedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status Status, errMsg string, runContext map[string]interface{}) error {
	now := time.Now()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	var runCtx []byte
	var err error
	if runContext != nil {
		runCtx, err = json.Marshal(runContext)
		if err != nil {
			return fmt.Errorf("marshaling run context: %w", err)
		}
	}

	query := `UPDATE runs SET status = ?, error = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)`
	args := []interface{}{string(status), errMsg, now, completedAt}
	if runContext != nil {
		query += `, context = ?`
		args = append(args, string(runCtx))
	}
	query += ` WHERE id = ?`
	args = append(args, runID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, definition_id, name, status, trigger_type, trigger_payload, context,
			concurrency_key, error, started_at, completed_at, updated_at
		FROM runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, query *RunQuery) ([]*Run, error) {
	sqlQuery := `
		SELECT id, definition_id, name, status, trigger_type, trigger_payload, context,
			concurrency_key, error, started_at, completed_at, updated_at
		FROM runs WHERE 1=1
	`
	var args []interface{}
	if query != nil {
		if query.DefinitionID != "" {
			sqlQuery += ` AND definition_id = ?`
			args = append(args, query.DefinitionID)
		}
		if query.Status != nil {
			sqlQuery += ` AND status = ?`
			args = append(args, string(*query.Status))
		}
	}
	sqlQuery += ` ORDER BY started_at`
	if query != nil && query.Limit > 0 {
		sqlQuery += ` LIMIT ? OFFSET ?`
		args = append(args, query.Limit, query.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListCrashedRuns(ctx context.Context, activityThreshold time.Duration) ([]*Run, error) {
	cutoff := time.Now().Add(-activityThreshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, definition_id, name, status, trigger_type, trigger_payload, context,
			concurrency_key, error, started_at, completed_at, updated_at
		FROM runs WHERE status = ? AND updated_at < ?
	`, string(StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing crashed runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status, payload, runCtx string
	var completedAt sql.NullTime

	if err := row.Scan(&run.ID, &run.DefinitionID, &run.Name, &status, &run.TriggerType,
		&payload, &runCtx, &run.ConcurrencyKey, &run.Error, &run.StartedAt, &completedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &run.TriggerPayload); err != nil {
			return nil, fmt.Errorf("unmarshaling trigger payload: %w", err)
		}
	}
	if runCtx != "" {
		if err := json.Unmarshal([]byte(runCtx), &run.Context); err != nil {
			return nil, fmt.Errorf("unmarshaling run context: %w", err)
		}
	}
	return &run, nil
}

func (s *SQLiteStore) CreateStepLog(ctx context.Context, log *StepLog) (string, error) {
	if log == nil {
		return "", &errors.ValidationError{Field: "log", Message: "step log cannot be nil"}
	}
	if log.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generating step log id: %w", err)
		}
		log.ID = id.String()
	}
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now()
	}

	input, err := json.Marshal(log.Input)
	if err != nil {
		return "", fmt.Errorf("marshaling step input: %w", err)
	}
	output, err := json.Marshal(log.Output)
	if err != nil {
		return "", fmt.Errorf("marshaling step output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_logs (id, run_id, step_id, step_name, status, attempt,
			idempotency_key, input, output, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.RunID, log.StepID, log.StepName, string(log.Status), log.Attempt,
		log.IdempotencyKey, string(input), string(output), log.Error, log.StartedAt, log.CompletedAt)
	if err != nil {
		return "", fmt.Errorf("creating step log: %w", err)
	}
	return log.ID, nil
}

func (s *SQLiteStore) UpdateStepStatus(ctx context.Context, logID string, status StepStatus, output *StepOutput, errMsg string) error {
	var completedAt *time.Time
	switch status {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		now := time.Now()
		completedAt = &now
	}

	query := `UPDATE step_logs SET status = ?, error = ?, completed_at = COALESCE(?, completed_at)`
	args := []interface{}{string(status), errMsg, completedAt}
	if output != nil {
		outputJSON, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("marshaling step output: %w", err)
		}
		query += `, output = ?`
		args = append(args, string(outputJSON))
	}
	query += ` WHERE id = ?`
	args = append(args, logID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating step status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "step_log", ID: logID}
	}
	return nil
}

func (s *SQLiteStore) ListStepLogs(ctx context.Context, runID string) ([]*StepLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, step_name, status, attempt, idempotency_key,
			input, output, error, started_at, completed_at
		FROM step_logs WHERE run_id = ? ORDER BY started_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing step logs: %w", err)
	}
	defer rows.Close()

	var out []*StepLog
	for rows.Next() {
		log, err := scanStepLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCompletedStepIDs(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT step_id FROM step_logs WHERE run_id = ? AND status = ?
	`, runID, string(StepStatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("listing completed step ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning step id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanStepLog(rows *sql.Rows) (*StepLog, error) {
	var log StepLog
	var status, input, output string
	var completedAt sql.NullTime

	if err := rows.Scan(&log.ID, &log.RunID, &log.StepID, &log.StepName, &status, &log.Attempt,
		&log.IdempotencyKey, &input, &output, &log.Error, &log.StartedAt, &completedAt); err != nil {
		return nil, fmt.Errorf("scanning step log: %w", err)
	}
	log.Status = StepStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		log.CompletedAt = &t
	}
	if input != "" {
		if err := json.Unmarshal([]byte(input), &log.Input); err != nil {
			return nil, fmt.Errorf("unmarshaling step input: %w", err)
		}
	}
	if output != "" && output != "null" {
		var out StepOutput
		if err := json.Unmarshal([]byte(output), &out); err != nil {
			return nil, fmt.Errorf("unmarshaling step output: %w", err)
		}
		log.Output = &out
	}
	return &log, nil
}
