package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
	"github.com/tombee/conductor/pkg/workflow/expression"
)

// MaxSubWorkflowDepth is the recursion cap on SubWorkflow steps (§4.5, §9).
const MaxSubWorkflowDepth = 5

// AgentInvoker packages a call to the external LLM collaborator. The
// collaborator's request/response shape is deliberately out of scope
// (§1); the executor only needs a resolved prompt and inputs in, text
// out.
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, prompt string, inputs map[string]interface{}) (interface{}, error)
}

// CodeExecutor submits a resolved source snippet to the external
// code-exec collaborator.
type CodeExecutor interface {
	ExecuteCode(ctx context.Context, language, source string, inputs map[string]interface{}) (interface{}, error)
}

// SkillInvoker runs an installed skill through the capability-gated
// sandbox (§4.10-4.13).
type SkillInvoker interface {
	InvokeSkill(ctx context.Context, name string, inputs map[string]interface{}) (interface{}, error)
}

// Branch is the output of a Conditional step.
type Branch struct {
	ConditionMet    bool     `json:"condition_met"`
	SelectedStepIDs []string `json:"selected_step_ids"`
}

// LoopOutput is the output of a Loop step.
type LoopOutput struct {
	Iterations int  `json:"iterations"`
	Completed  bool `json:"completed"`
}

// ExecutionResult is returned by Execute and Resume once a run reaches
// a suspend or terminal state.
type ExecutionResult struct {
	RunID   string
	Status  Status
	Context map[string]interface{}
}

// Executor is the DAG Executor (§4.4): it plans a definition into
// waves, checkpoints every transition, merges step outputs into the
// accumulated context wave by wave, and recognises ApprovalRequired as
// a pause rather than a failure. One Executor serves every workflow in
// a process; per-workflow concurrency and per-run cancellation are
// tracked in its internal tables (§9 "Global state").
type Executor struct {
	store       Store
	checkpoints *CheckpointManager
	events      *EventEmitter
	evaluator   *expression.Evaluator

	agent AgentInvoker
	code  CodeExecutor
	skill SkillInvoker

	mu         sync.Mutex
	semaphores map[string]chan struct{}
	cancels    map[string]context.CancelFunc
}

// NewExecutor wires a store and event emitter into a ready executor.
// Any collaborator may be nil; dispatching a step kind with no
// collaborator configured fails that step.
func NewExecutor(store Store, events *EventEmitter, agent AgentInvoker, code CodeExecutor, skill SkillInvoker) *Executor {
	return &Executor{
		store:       store,
		checkpoints: NewCheckpointManager(store),
		events:      events,
		evaluator:   expression.New(),
		agent:       agent,
		code:        code,
		skill:       skill,
		semaphores:  make(map[string]chan struct{}),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Execute launches a new run of def for the given trigger (§4.4 entry point 1).
func (e *Executor) Execute(ctx context.Context, def *Definition, triggerType string, payload interface{}) (*ExecutionResult, error) {
	return e.executeInternal(ctx, def, triggerType, payload, 0)
}

// Launch resolves workflowName against the definition store and starts
// a run for it in the background, returning as soon as the run is
// persisted rather than waiting for it to finish. This is the seam the
// Cron Scheduler and Webhook Registry launch through (§4.6, §4.8):
// both need to fire-and-forget a trigger without blocking their own
// loop on a run that may take minutes or pause for approval.
func (e *Executor) Launch(ctx context.Context, workflowName string, triggerType string, payload interface{}) (string, error) {
	def, err := e.store.GetDefinitionByName(ctx, workflowName)
	if err != nil {
		return "", err
	}
	if err := def.Validate(); err != nil {
		return "", err
	}
	if _, err := Plan(def.Steps); err != nil {
		return "", err
	}

	release, err := e.acquirePermit(def.Name, def.ConcurrencyCap)
	if err != nil {
		return "", err
	}

	runID, err := newRunID()
	if err != nil {
		release()
		return "", err
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(context.WithoutCancel(ctx), def.EffectiveTimeout())
	runCtx, cancelRun := context.WithCancel(timeoutCtx)
	e.setCancel(runID, cancelRun)

	wfCtx := NewWorkflowContext(nil)
	wfCtx.SetEvent(payload)
	wfCtx.SetTrigger(map[string]any{
		"type":        triggerType,
		"workflow_id": def.ID,
		"fired_at":    time.Now(),
	})
	wfCtx.SetWorkflowMeta(def.Name, runID)

	run := &Run{
		ID:             runID,
		DefinitionID:   def.ID,
		Name:           def.Name,
		Status:         StatusRunning,
		TriggerType:    triggerType,
		TriggerPayload: payload,
		Context:        wfCtx.ToMap(),
		ConcurrencyKey: def.Name,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		cancelTimeout()
		e.clearCancel(runID)
		release()
		return "", err
	}
	e.events.EmitRunStarted(ctx, runID, def.Name)

	go func() {
		defer cancelTimeout()
		defer e.clearCancel(runID)
		defer release()
		e.runWaves(runCtx, runID, def, wfCtx, map[string]bool{}, 0)
	}()

	return runID, nil
}

func (e *Executor) executeInternal(ctx context.Context, def *Definition, triggerType string, payload interface{}, depth int) (*ExecutionResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if _, err := Plan(def.Steps); err != nil {
		return nil, err
	}

	release, err := e.acquirePermit(def.Name, def.ConcurrencyCap)
	if err != nil {
		return nil, err
	}
	defer release()

	runID, err := newRunID()
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, def.EffectiveTimeout())
	defer cancelTimeout()
	runCtx, cancelRun := context.WithCancel(timeoutCtx)
	e.setCancel(runID, cancelRun)
	defer e.clearCancel(runID)

	wfCtx := NewWorkflowContext(nil)
	wfCtx.SetEvent(payload)
	wfCtx.SetTrigger(map[string]any{
		"type":        triggerType,
		"workflow_id": def.ID,
		"fired_at":    time.Now(),
	})
	wfCtx.SetWorkflowMeta(def.Name, runID)

	run := &Run{
		ID:             runID,
		DefinitionID:   def.ID,
		Name:           def.Name,
		Status:         StatusRunning,
		TriggerType:    triggerType,
		TriggerPayload: payload,
		Context:        wfCtx.ToMap(),
		ConcurrencyKey: def.Name,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.events.EmitRunStarted(ctx, runID, def.Name)

	return e.runWaves(runCtx, runID, def, wfCtx, map[string]bool{}, depth)
}

// Resume continues a Paused or Crashed run from its last persisted
// checkpoint (§4.4 entry point 2). Steps already in
// get_completed_steps are not re-executed (invariant 6).
func (e *Executor) Resume(ctx context.Context, runID string, def *Definition) (*ExecutionResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	release, err := e.acquirePermit(def.Name, def.ConcurrencyCap)
	if err != nil {
		return nil, err
	}
	defer release()

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, def.EffectiveTimeout())
	defer cancelTimeout()
	runCtx, cancelRun := context.WithCancel(timeoutCtx)
	e.setCancel(runID, cancelRun)
	defer e.clearCancel(runID)

	wfCtx := contextFromMap(run.Context)
	wfCtx.SetWorkflowMeta(def.Name, runID)

	completed, err := e.checkpoints.GetCompletedSteps(ctx, runID)
	if err != nil {
		return nil, err
	}

	if err := e.checkpoints.CheckpointRunStatus(ctx, runID, StatusRunning, nil, wfCtx.ToMap()); err != nil {
		return nil, err
	}

	return e.runWaves(runCtx, runID, def, wfCtx, completed, 0)
}

// Cancel trips runID's cancellation token and writes Cancelled (§4.4
// entry point 3). Running steps observe the token at the next
// suspension boundary (§5).
func (e *Executor) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if !ok {
		return &conductorerrors.NotFoundError{Resource: "run", ID: runID}
	}
	cancel()
	return e.checkpoints.CheckpointRunStatus(ctx, runID, StatusCancelled, &conductorerrors.CancelledError{RunID: runID}, nil)
}

// runWaves drives the wave loop shared by Execute and Resume.
func (e *Executor) runWaves(ctx context.Context, runID string, def *Definition, wfCtx *WorkflowContext, completed map[string]bool, depth int) (*ExecutionResult, error) {
	waves, err := Plan(def.Steps)
	if err != nil {
		e.finishRun(ctx, runID, def.Name, StatusFailed, err, wfCtx)
		return &ExecutionResult{RunID: runID, Status: StatusFailed, Context: wfCtx.ToMap()}, err
	}

	byID := make(map[string]*StepDefinition, len(def.Steps))
	for i := range def.Steps {
		byID[def.Steps[i].ID] = &def.Steps[i]
	}

	for _, wave := range waves {
		select {
		case <-ctx.Done():
			return e.finishOnDone(ctx, runID, wfCtx)
		default:
		}

		var pending []string
		for _, stepID := range wave {
			if completed[stepID] {
				continue
			}
			step := byID[stepID]
			if step.Condition != "" {
				truthy, cerr := e.evaluator.Evaluate(step.Condition, wfCtx.ToMap())
				if cerr != nil {
					e.finishRun(ctx, runID, def.Name, StatusFailed, cerr, wfCtx)
					return &ExecutionResult{RunID: runID, Status: StatusFailed, Context: wfCtx.ToMap()}, cerr
				}
				if !truthy {
					if _, err := e.checkpoints.CheckpointStepSkipped(ctx, runID, step.ID, step.Name); err != nil {
						e.finishRun(ctx, runID, def.Name, StatusFailed, err, wfCtx)
						return &ExecutionResult{RunID: runID, Status: StatusFailed, Context: wfCtx.ToMap()}, err
					}
					continue
				}
			}
			pending = append(pending, stepID)
		}

		results := make([]stepOutcome, len(pending))
		var wg sync.WaitGroup
		for i, stepID := range pending {
			wg.Add(1)
			go func(i int, step *StepDefinition) {
				defer wg.Done()
				results[i] = e.runStep(ctx, runID, def.Name, step, wfCtx, depth)
			}(i, byID[stepID])
		}
		wg.Wait()

		var paused *conductorerrors.ApprovalRequiredError
		var failure error
		for _, r := range results {
			if r.approval != nil && paused == nil {
				paused = r.approval
			}
			if r.err != nil && r.approval == nil && failure == nil {
				failure = r.err
			}
		}

		if paused != nil {
			e.checkpoints.CheckpointRunStatus(ctx, runID, StatusPaused, nil, wfCtx.ToMap())
			e.events.EmitRunPaused(ctx, runID, def.Name)
			return &ExecutionResult{RunID: runID, Status: StatusPaused, Context: wfCtx.ToMap()}, nil
		}
		if failure != nil {
			e.finishRun(ctx, runID, def.Name, StatusFailed, failure, wfCtx)
			return &ExecutionResult{RunID: runID, Status: StatusFailed, Context: wfCtx.ToMap()}, failure
		}

		for _, r := range results {
			if r.skipped {
				continue
			}
			wfCtx.SetOutput(r.stepID, StepOutput{
				Output:   r.output,
				Metadata: OutputMetadata{Duration: r.duration, Attempt: 1},
			})
		}
		if err := e.checkpoints.CheckpointRunStatus(ctx, runID, StatusRunning, nil, wfCtx.ToMap()); err != nil {
			return nil, err
		}
	}

	e.finishRun(ctx, runID, def.Name, StatusCompleted, nil, wfCtx)
	e.events.EmitRunCompleted(ctx, runID, def.Name)
	return &ExecutionResult{RunID: runID, Status: StatusCompleted, Context: wfCtx.ToMap()}, nil
}

func (e *Executor) finishOnDone(ctx context.Context, runID string, wfCtx *WorkflowContext) (*ExecutionResult, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err := &conductorerrors.WorkflowTimeoutError{RunID: runID}
		e.checkpoints.CheckpointRunStatus(context.Background(), runID, StatusFailed, err, wfCtx.ToMap())
		return &ExecutionResult{RunID: runID, Status: StatusFailed, Context: wfCtx.ToMap()}, err
	}
	err := &conductorerrors.CancelledError{RunID: runID}
	e.checkpoints.CheckpointRunStatus(context.Background(), runID, StatusCancelled, err, wfCtx.ToMap())
	return &ExecutionResult{RunID: runID, Status: StatusCancelled, Context: wfCtx.ToMap()}, err
}

func (e *Executor) finishRun(ctx context.Context, runID, workflowName string, status Status, runErr error, wfCtx *WorkflowContext) {
	if cpErr := e.checkpoints.CheckpointRunStatus(ctx, runID, status, runErr, wfCtx.ToMap()); cpErr != nil {
		return
	}
	if status == StatusFailed {
		e.events.EmitRunFailed(ctx, runID, workflowName, runErr)
	}
}

type stepOutcome struct {
	stepID   string
	output   interface{}
	duration time.Duration
	skipped  bool
	err      error
	approval *conductorerrors.ApprovalRequiredError
}

// runStep checkpoints and invokes one step, classifying its outcome
// into Completed / WaitingApproval / Failed per §4.4 step 4.
func (e *Executor) runStep(ctx context.Context, runID, workflowName string, step *StepDefinition, wfCtx *WorkflowContext, depth int) stepOutcome {
	e.events.EmitStepStarted(ctx, runID, workflowName, step.ID, step.Name)

	logID, err := e.checkpoints.CheckpointStepStart(ctx, runID, step.ID, step.Name, 1)
	if err != nil {
		return stepOutcome{stepID: step.ID, err: err}
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.EffectiveTimeout())
	defer cancel()

	start := time.Now()
	output, err := e.dispatchStep(stepCtx, step, wfCtx, depth)
	duration := time.Since(start)

	var approvalErr *conductorerrors.ApprovalRequiredError
	if errors.As(err, &approvalErr) {
		if cpErr := e.checkpoints.CheckpointStepWaitingApproval(ctx, logID); cpErr != nil {
			return stepOutcome{stepID: step.ID, err: cpErr}
		}
		return stepOutcome{stepID: step.ID, duration: duration, approval: approvalErr}
	}

	if err != nil {
		var finalErr error
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			finalErr = &conductorerrors.StepError{StepID: step.ID, Timeout: true}
		} else {
			finalErr = &conductorerrors.StepError{StepID: step.ID, Cause: err}
		}
		if cpErr := e.checkpoints.CheckpointStepFailed(ctx, logID, finalErr); cpErr != nil {
			finalErr = cpErr
		}
		e.events.EmitStepFailed(ctx, runID, workflowName, step.ID, step.Name, duration, finalErr)
		return stepOutcome{stepID: step.ID, duration: duration, err: finalErr}
	}

	if cpErr := e.checkpoints.CheckpointStepComplete(ctx, logID, StepOutput{Output: output, Metadata: OutputMetadata{Duration: duration, Attempt: 1}}); cpErr != nil {
		return stepOutcome{stepID: step.ID, duration: duration, err: cpErr}
	}
	e.events.EmitStepCompleted(ctx, runID, workflowName, step.ID, step.Name, duration)
	return stepOutcome{stepID: step.ID, output: output, duration: duration}
}

// dispatchStep is the closed polymorphic dispatch on step kind (§4.5).
// Before any kind-specific work, string fields are resolved against the
// accumulated context.
func (e *Executor) dispatchStep(ctx context.Context, step *StepDefinition, wfCtx *WorkflowContext, depth int) (interface{}, error) {
	switch step.Type {
	case StepTypeAgent:
		return e.dispatchAgent(ctx, step.Agent, wfCtx)
	case StepTypeSkill:
		return e.dispatchSkill(ctx, step.Skill, wfCtx)
	case StepTypeCode:
		return e.dispatchCode(ctx, step.Code, wfCtx)
	case StepTypeHTTP:
		return e.dispatchHTTP(step.HTTP, wfCtx)
	case StepTypeConditional:
		return e.dispatchConditional(step.Conditional, wfCtx)
	case StepTypeLoop:
		return e.dispatchLoop(ctx, step, wfCtx, depth)
	case StepTypeApproval:
		return e.dispatchApproval(step.Approval, wfCtx)
	case StepTypeSubWorkflow:
		return e.dispatchSubWorkflow(ctx, step.SubWorkflow, wfCtx, depth)
	default:
		return nil, fmt.Errorf("unhandled step type %q", step.Type)
	}
}

func (e *Executor) dispatchAgent(ctx context.Context, cfg *AgentStepConfig, wfCtx *WorkflowContext) (interface{}, error) {
	if e.agent == nil {
		return nil, fmt.Errorf("agent step requires an AgentInvoker collaborator")
	}
	prompt, err := ResolveTemplate(cfg.Prompt, wfCtx)
	if err != nil {
		return nil, err
	}
	inputs, err := ResolveInputs(cfg.Inputs, wfCtx)
	if err != nil {
		return nil, err
	}
	return e.agent.InvokeAgent(ctx, prompt, inputs)
}

func (e *Executor) dispatchSkill(ctx context.Context, cfg *SkillStepConfig, wfCtx *WorkflowContext) (interface{}, error) {
	if e.skill == nil {
		return nil, fmt.Errorf("skill step requires a SkillInvoker collaborator")
	}
	inputs, err := ResolveInputs(cfg.Inputs, wfCtx)
	if err != nil {
		return nil, err
	}
	return e.skill.InvokeSkill(ctx, cfg.Name, inputs)
}

func (e *Executor) dispatchCode(ctx context.Context, cfg *CodeStepConfig, wfCtx *WorkflowContext) (interface{}, error) {
	if e.code == nil {
		return nil, fmt.Errorf("code step requires a CodeExecutor collaborator")
	}
	source, err := ResolveTemplate(cfg.Source, wfCtx)
	if err != nil {
		return nil, err
	}
	inputs, err := ResolveInputs(cfg.Inputs, wfCtx)
	if err != nil {
		return nil, err
	}
	return e.code.ExecuteCode(ctx, cfg.Language, source, inputs)
}

func (e *Executor) dispatchHTTP(cfg *HTTPStepConfig, wfCtx *WorkflowContext) (interface{}, error) {
	url, err := ResolveTemplate(cfg.URL, wfCtx)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		resolved, err := ResolveTemplate(v, wfCtx)
		if err != nil {
			return nil, err
		}
		headers[k] = resolved
	}
	body, err := resolveBody(cfg.Body, wfCtx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"method":  cfg.Method,
		"url":     url,
		"headers": headers,
		"body":    body,
	}, nil
}

func resolveBody(body interface{}, wfCtx *WorkflowContext) (interface{}, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case string:
		return ResolveTemplate(v, wfCtx)
	case map[string]interface{}:
		return ResolveInputs(v, wfCtx)
	default:
		return v, nil
	}
}

func (e *Executor) dispatchConditional(cfg *ConditionalStepConfig, wfCtx *WorkflowContext) (interface{}, error) {
	truthy, err := e.evaluator.Evaluate(cfg.Expression, wfCtx.ToMap())
	if err != nil {
		return nil, err
	}
	if truthy {
		return Branch{ConditionMet: true, SelectedStepIDs: cfg.ThenSteps}, nil
	}
	return Branch{ConditionMet: false, SelectedStepIDs: cfg.ElseSteps}, nil
}

func (e *Executor) dispatchLoop(ctx context.Context, step *StepDefinition, wfCtx *WorkflowContext, depth int) (interface{}, error) {
	cfg := step.Loop
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxLoopIterations
	}

	byID := make(map[string]*StepDefinition, len(cfg.Steps))
	for i := range cfg.Steps {
		byID[cfg.Steps[i].ID] = &cfg.Steps[i]
	}
	waves, err := Plan(cfg.Steps)
	if err != nil {
		return nil, err
	}

	iterations := 0
	completed := false
	for iterations < maxIter {
		truthy, err := e.evaluator.Evaluate(cfg.Condition, wfCtx.ToMap())
		if err != nil {
			return nil, err
		}
		if !truthy {
			completed = true
			break
		}
		for _, wave := range waves {
			for _, stepID := range wave {
				nested := byID[stepID]
				out, err := e.dispatchStep(ctx, nested, wfCtx, depth)
				if err != nil {
					return nil, err
				}
				wfCtx.SetOutput(fmt.Sprintf("%s.%d.%s", step.ID, iterations, stepID), StepOutput{Output: out})
			}
		}
		iterations++
	}

	return LoopOutput{Iterations: iterations, Completed: completed}, nil
}

func (e *Executor) dispatchApproval(cfg *ApprovalStepConfig, wfCtx *WorkflowContext) (interface{}, error) {
	prompt, err := ResolveTemplate(cfg.Prompt, wfCtx)
	if err != nil {
		return nil, err
	}
	return nil, &conductorerrors.ApprovalRequiredError{Prompt: prompt}
}

func (e *Executor) dispatchSubWorkflow(ctx context.Context, cfg *SubWorkflowStepConfig, wfCtx *WorkflowContext, depth int) (interface{}, error) {
	if depth >= MaxSubWorkflowDepth {
		return nil, &conductorerrors.SubWorkflowDepthError{Depth: depth, MaxDepth: MaxSubWorkflowDepth}
	}
	inputs, err := ResolveInputs(cfg.Inputs, wfCtx)
	if err != nil {
		return nil, err
	}
	child, err := e.store.GetDefinitionByName(ctx, cfg.DefinitionName)
	if err != nil {
		return nil, err
	}
	result, err := e.executeInternal(ctx, child, "sub_workflow", inputs, depth+1)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"run_id": result.RunID,
		"status": string(result.Status),
	}, nil
}

// acquirePermit acquires the named semaphore for workflow, creating it
// lazily at cap size the first time the workflow is launched. cap<=0
// means unlimited concurrency.
func (e *Executor) acquirePermit(workflow string, cap int) (func(), error) {
	if cap <= 0 {
		return func() {}, nil
	}

	e.mu.Lock()
	ch, ok := e.semaphores[workflow]
	if !ok {
		ch = make(chan struct{}, cap)
		e.semaphores[workflow] = ch
	}
	e.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	default:
		return nil, &conductorerrors.ConcurrencyLimitError{Workflow: workflow, Cap: cap}
	}
}

func (e *Executor) setCancel(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[runID] = cancel
}

func (e *Executor) clearCancel(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, runID)
}

func newRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating run id: %w", err)
	}
	return id.String(), nil
}

// contextFromMap rehydrates a WorkflowContext from the flattened shape
// produced by ToMap — the form persisted as Run.Context and returned by
// RestoreContext.
func contextFromMap(m map[string]interface{}) *WorkflowContext {
	variables, _ := m["variables"].(map[string]any)
	ctx := NewWorkflowContext(variables)

	if trigger, ok := m["trigger"].(map[string]any); ok {
		ctx.SetTrigger(trigger)
	}
	if event, ok := m["event"]; ok {
		ctx.SetEvent(event)
	}
	if steps, ok := m["steps"].(map[string]interface{}); ok {
		for id, raw := range steps {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			out := StepOutput{Output: entry["output"]}
			if errMsg, ok := entry["error"].(string); ok {
				out.Error = errMsg
			}
			ctx.SetOutput(id, out)
		}
	}
	return ctx
}
