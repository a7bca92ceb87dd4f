package workflow

import (
	"context"
	"time"
)

// CheckpointManager wraps a workflow repository and provides the
// durable, atomic step-status and run-status transitions the executor
// writes before and after each step (§4.3). Every side-effecting step
// writes a Running checkpoint before invoking the effect and the
// corresponding terminal checkpoint after.
type CheckpointManager struct {
	store Store
}

// NewCheckpointManager wraps store with the checkpoint operations.
func NewCheckpointManager(store Store) *CheckpointManager {
	return &CheckpointManager{store: store}
}

// CheckpointStepStart writes a Running row and returns its log id.
func (m *CheckpointManager) CheckpointStepStart(ctx context.Context, runID, stepID, stepName string, attempt int) (string, error) {
	log := &StepLog{
		RunID:          runID,
		StepID:         stepID,
		StepName:       stepName,
		Status:         StepStatusRunning,
		Attempt:        attempt,
		IdempotencyKey: IdempotencyKey(runID, stepID, attempt),
		StartedAt:      time.Now(),
	}
	return m.store.CreateStepLog(ctx, log)
}

// CheckpointStepComplete transitions Running -> Completed with the
// step's output snapshot.
func (m *CheckpointManager) CheckpointStepComplete(ctx context.Context, logID string, output StepOutput) error {
	return m.store.UpdateStepStatus(ctx, logID, StepStatusCompleted, &output, "")
}

// CheckpointStepFailed transitions Running -> Failed.
func (m *CheckpointManager) CheckpointStepFailed(ctx context.Context, logID string, stepErr error) error {
	msg := ""
	if stepErr != nil {
		msg = stepErr.Error()
	}
	return m.store.UpdateStepStatus(ctx, logID, StepStatusFailed, nil, msg)
}

// CheckpointStepSkipped writes a Skipped row directly, with no prior
// Running row — used when a step's condition evaluates false.
func (m *CheckpointManager) CheckpointStepSkipped(ctx context.Context, runID, stepID, stepName string) (string, error) {
	log := &StepLog{
		RunID:     runID,
		StepID:    stepID,
		StepName:  stepName,
		Status:    StepStatusSkipped,
		StartedAt: time.Now(),
	}
	id, err := m.store.CreateStepLog(ctx, log)
	if err != nil {
		return "", err
	}
	now := time.Now()
	log.CompletedAt = &now
	return id, m.store.UpdateStepStatus(ctx, id, StepStatusSkipped, nil, "")
}

// CheckpointStepWaitingApproval transitions Running -> WaitingApproval:
// non-terminal for the step, but pauses the enclosing run.
func (m *CheckpointManager) CheckpointStepWaitingApproval(ctx context.Context, logID string) error {
	return m.store.UpdateStepStatus(ctx, logID, StepStatusWaitingApproval, nil, "")
}

// CheckpointRunStatus updates the run row; on terminal statuses,
// completion time is stamped atomically with the status by the store.
func (m *CheckpointManager) CheckpointRunStatus(ctx context.Context, runID string, status Status, runErr error, runContext map[string]interface{}) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return m.store.UpdateRunStatus(ctx, runID, status, msg, runContext)
}

// GetCompletedSteps returns the set of step ids with any Completed log,
// used to build the resume set.
func (m *CheckpointManager) GetCompletedSteps(ctx context.Context, runID string) (map[string]bool, error) {
	ids, err := m.store.GetCompletedStepIDs(ctx, runID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// RestoreContext returns the last persisted accumulated context for a run.
func (m *CheckpointManager) RestoreContext(ctx context.Context, runID string) (map[string]interface{}, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Context, nil
}
