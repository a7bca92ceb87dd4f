package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventType identifies one of the engine's lifecycle notifications.
// Delivery is best-effort fire-and-forget; no core behaviour depends on
// subscribers.
type EventType string

const (
	EventWorkflowRunStarted   EventType = "workflow_run_started"
	EventWorkflowRunCompleted EventType = "workflow_run_completed"
	EventWorkflowRunFailed    EventType = "workflow_run_failed"
	EventWorkflowRunPaused    EventType = "workflow_run_paused"
	EventWorkflowStepStarted  EventType = "workflow_step_started"
	EventWorkflowStepCompleted EventType = "workflow_step_completed"
	EventWorkflowStepFailed   EventType = "workflow_step_failed"
)

// Event is a single published notification. RunID and Workflow identify
// the run. Data is nil for run started, completed and paused events and
// holds error for a failed run; step events carry step_id and step_name,
// plus duration_ms when completed and duration_ms and error when failed.
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id"`
	Workflow  string                 `json:"workflow"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// EventListener is a function that handles workflow events.
type EventListener func(ctx context.Context, event *Event) error

// EventEmitter manages event listeners and dispatches events.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventListener
	async     bool // If true, listeners are called asynchronously
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter(async bool) *EventEmitter {
	return &EventEmitter{
		listeners: make(map[EventType][]EventListener),
		async:     async,
	}
}

// On registers an event listener for the specified event type.
func (e *EventEmitter) On(eventType EventType, listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners[eventType] = append(e.listeners[eventType], listener)
}

// Off removes all listeners for the event type.
func (e *EventEmitter) Off(eventType EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.listeners, eventType)
}

// Emit dispatches an event to all registered listeners. Never blocks the
// caller on listener failure: errors are collected and the last one
// returned, but every listener still runs.
func (e *EventEmitter) Emit(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	listeners := make([]EventListener, len(e.listeners[event.Type]))
	copy(listeners, e.listeners[event.Type])
	e.mu.RUnlock()

	if e.async {
		return e.emitAsync(ctx, event, listeners)
	}
	return e.emitSync(ctx, event, listeners)
}

func (e *EventEmitter) emitSync(ctx context.Context, event *Event, listeners []EventListener) error {
	var lastError error
	for _, listener := range listeners {
		if err := listener(ctx, event); err != nil {
			lastError = err
		}
	}
	return lastError
}

func (e *EventEmitter) emitAsync(ctx context.Context, event *Event, listeners []EventListener) error {
	var wg sync.WaitGroup
	errChan := make(chan error, len(listeners))

	for _, listener := range listeners {
		wg.Add(1)
		go func(l EventListener) {
			defer wg.Done()
			if err := l(ctx, event); err != nil {
				errChan <- err
			}
		}(listener)
	}

	wg.Wait()
	close(errChan)

	var lastError error
	for err := range errChan {
		lastError = err
	}
	return lastError
}

// EmitRunStarted publishes WorkflowRunStarted.
func (e *EventEmitter) EmitRunStarted(ctx context.Context, runID, workflow string) error {
	return e.Emit(ctx, &Event{Type: EventWorkflowRunStarted, RunID: runID, Workflow: workflow})
}

// EmitRunCompleted publishes WorkflowRunCompleted.
func (e *EventEmitter) EmitRunCompleted(ctx context.Context, runID, workflow string) error {
	return e.Emit(ctx, &Event{Type: EventWorkflowRunCompleted, RunID: runID, Workflow: workflow})
}

// EmitRunFailed publishes WorkflowRunFailed with the terminal error.
func (e *EventEmitter) EmitRunFailed(ctx context.Context, runID, workflow string, err error) error {
	data := map[string]interface{}{}
	if err != nil {
		data["error"] = err.Error()
	}
	return e.Emit(ctx, &Event{Type: EventWorkflowRunFailed, RunID: runID, Workflow: workflow, Data: data})
}

// EmitRunPaused publishes WorkflowRunPaused.
func (e *EventEmitter) EmitRunPaused(ctx context.Context, runID, workflow string) error {
	return e.Emit(ctx, &Event{Type: EventWorkflowRunPaused, RunID: runID, Workflow: workflow})
}

// EmitStepStarted publishes WorkflowStepStarted.
func (e *EventEmitter) EmitStepStarted(ctx context.Context, runID, workflow, stepID, stepName string) error {
	return e.Emit(ctx, &Event{
		Type:     EventWorkflowStepStarted,
		RunID:    runID,
		Workflow: workflow,
		Data: map[string]interface{}{
			"step_id":   stepID,
			"step_name": stepName,
		},
	})
}

// EmitStepCompleted publishes WorkflowStepCompleted.
func (e *EventEmitter) EmitStepCompleted(ctx context.Context, runID, workflow, stepID, stepName string, duration time.Duration) error {
	return e.Emit(ctx, &Event{
		Type:     EventWorkflowStepCompleted,
		RunID:    runID,
		Workflow: workflow,
		Data: map[string]interface{}{
			"step_id":     stepID,
			"step_name":   stepName,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// EmitStepFailed publishes WorkflowStepFailed.
func (e *EventEmitter) EmitStepFailed(ctx context.Context, runID, workflow, stepID, stepName string, duration time.Duration, err error) error {
	data := map[string]interface{}{
		"step_id":     stepID,
		"step_name":   stepName,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return e.Emit(ctx, &Event{Type: EventWorkflowStepFailed, RunID: runID, Workflow: workflow, Data: data})
}

// ListenerCount returns the number of listeners for a given event type.
func (e *EventEmitter) ListenerCount(eventType EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.listeners[eventType])
}

// RemoveAllListeners removes all listeners for all event types.
func (e *EventEmitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = make(map[EventType][]EventListener)
}
