package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// Default timeouts per §4.4: overall workflow timeout and per-step timeout.
const (
	DefaultWorkflowTimeout = 1800 * time.Second
	DefaultStepTimeout     = 300 * time.Second

	// DefaultMaxLoopIterations bounds a Loop step body per §4.5.
	DefaultMaxLoopIterations = 100

	// DefaultRetryMaxAttempts, DefaultRetryBackoffBase, and
	// DefaultRetryBackoffMultiplier are the extension-point defaults
	// adopted for RetryDefinition (§9 Open Question (b)): retry
	// semantics are under-specified in the source, so the engine ships
	// a conservative default rather than guessing a richer policy.
	DefaultRetryMaxAttempts       = 2
	DefaultRetryBackoffBase       = 1 * time.Second
	DefaultRetryBackoffMultiplier = 2.0
)

// StepType is the closed tagged variant dispatched by the step runner.
type StepType string

const (
	StepTypeAgent       StepType = "agent"
	StepTypeSkill       StepType = "skill"
	StepTypeCode        StepType = "code"
	StepTypeHTTP        StepType = "http"
	StepTypeConditional StepType = "conditional"
	StepTypeLoop        StepType = "loop"
	StepTypeApproval    StepType = "approval"
	StepTypeSubWorkflow StepType = "sub_workflow"
)

func (t StepType) valid() bool {
	switch t {
	case StepTypeAgent, StepTypeSkill, StepTypeCode, StepTypeHTTP,
		StepTypeConditional, StepTypeLoop, StepTypeApproval, StepTypeSubWorkflow:
		return true
	default:
		return false
	}
}

// RetryDefinition declares an attempt count and backoff for a failed
// step. The executor does not read it: each step runs a single attempt
// (attempt 1), and no failed step is retried.
type RetryDefinition struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultRetry returns the engine's default retry policy.
func DefaultRetry() *RetryDefinition {
	return &RetryDefinition{
		MaxAttempts:       DefaultRetryMaxAttempts,
		BackoffBase:       DefaultRetryBackoffBase,
		BackoffMultiplier: DefaultRetryBackoffMultiplier,
	}
}

// AgentStepConfig packages a call to the external LLM collaborator.
// The collaborator's request/response shape is out of scope (§1); the
// runner only needs a resolved prompt and arbitrary inputs to hand off.
type AgentStepConfig struct {
	Prompt string                 `yaml:"prompt" json:"prompt"`
	Inputs map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// SkillStepConfig invokes an installed skill through the sandbox (§4.10-4.13).
type SkillStepConfig struct {
	Name   string                 `yaml:"name" json:"name"`
	Inputs map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// CodeStepConfig submits a snippet to the external code-exec collaborator.
type CodeStepConfig struct {
	Language string                 `yaml:"language" json:"language"`
	Source   string                 `yaml:"source" json:"source"`
	Inputs   map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// HTTPStepConfig produces a fully resolved HTTP request descriptor.
// Issuance is the transport layer's responsibility; the runner never
// blocks on network (§4.5).
type HTTPStepConfig struct {
	Method  string            `yaml:"method" json:"method"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    interface{}       `yaml:"body,omitempty" json:"body,omitempty"`
}

// ConditionalStepConfig branches the DAG based on an expression.
type ConditionalStepConfig struct {
	Expression string   `yaml:"expression" json:"expression"`
	ThenSteps  []string `yaml:"then_steps,omitempty" json:"then_steps,omitempty"`
	ElseSteps  []string `yaml:"else_steps,omitempty" json:"else_steps,omitempty"`
}

// LoopStepConfig repeats a nested set of step definitions against the
// shared context while Condition evaluates truthy, capped at
// MaxIterations.
type LoopStepConfig struct {
	Condition     string           `yaml:"condition" json:"condition"`
	MaxIterations int              `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Steps         []StepDefinition `yaml:"steps" json:"steps"`
}

// ApprovalStepConfig always fails with ApprovalRequired after template
// resolution of Prompt — the mechanism for pausing a run (§4.5, §9).
type ApprovalStepConfig struct {
	Prompt string `yaml:"prompt" json:"prompt"`
}

// SubWorkflowStepConfig queues a child run via the executor, subject to
// the nesting depth cap (§4.5).
type SubWorkflowStepConfig struct {
	DefinitionName string                 `yaml:"definition_name" json:"definition_name"`
	Inputs         map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// StepDefinition is one immutable node of a Workflow Definition's DAG.
type StepDefinition struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	Type      StepType `yaml:"type" json:"type"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Condition, when non-empty, is evaluated against the accumulated
	// context before the step runs; false produces a Skipped checkpoint.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Timeout overrides DefaultStepTimeout when non-zero.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retry records a per-step retry policy; EffectiveRetry falls back to
	// DefaultRetry() when it is nil. The executor does not read either.
	Retry *RetryDefinition `yaml:"retry,omitempty" json:"retry,omitempty"`

	Agent       *AgentStepConfig       `yaml:"agent,omitempty" json:"agent,omitempty"`
	Skill       *SkillStepConfig       `yaml:"skill,omitempty" json:"skill,omitempty"`
	Code        *CodeStepConfig        `yaml:"code,omitempty" json:"code,omitempty"`
	HTTP        *HTTPStepConfig        `yaml:"http,omitempty" json:"http,omitempty"`
	Conditional *ConditionalStepConfig `yaml:"conditional,omitempty" json:"conditional,omitempty"`
	Loop        *LoopStepConfig        `yaml:"loop,omitempty" json:"loop,omitempty"`
	Approval    *ApprovalStepConfig    `yaml:"approval,omitempty" json:"approval,omitempty"`
	SubWorkflow *SubWorkflowStepConfig `yaml:"sub_workflow,omitempty" json:"sub_workflow,omitempty"`
}

// EffectiveTimeout returns Timeout if set, else DefaultStepTimeout.
func (s *StepDefinition) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultStepTimeout
}

// EffectiveRetry returns Retry if set, else the engine default.
func (s *StepDefinition) EffectiveRetry() *RetryDefinition {
	if s.Retry != nil {
		return s.Retry
	}
	return DefaultRetry()
}

// validateKindConfig checks that the step carries configuration for its
// declared Type and no other kind-specific config block.
func (s *StepDefinition) validateKindConfig() error {
	if !s.Type.valid() {
		return &conductorerrors.ValidationError{
			Field:   fmt.Sprintf("steps[%s].type", s.ID),
			Message: fmt.Sprintf("unknown step type %q", s.Type),
		}
	}

	present := map[StepType]bool{
		StepTypeAgent:       s.Agent != nil,
		StepTypeSkill:       s.Skill != nil,
		StepTypeCode:        s.Code != nil,
		StepTypeHTTP:        s.HTTP != nil,
		StepTypeConditional: s.Conditional != nil,
		StepTypeLoop:        s.Loop != nil,
		StepTypeApproval:    s.Approval != nil,
		StepTypeSubWorkflow: s.SubWorkflow != nil,
	}

	if !present[s.Type] {
		return &conductorerrors.ValidationError{
			Field:   fmt.Sprintf("steps[%s]", s.ID),
			Message: fmt.Sprintf("step type %q requires its matching config block", s.Type),
		}
	}
	return nil
}

// TriggerType is the discriminant of a TriggerConfig union (§3).
type TriggerType string

const (
	TriggerTypeCron      TriggerType = "cron"
	TriggerTypeWebhook   TriggerType = "webhook"
	TriggerTypeEvent     TriggerType = "event"
	TriggerTypeFileWatch TriggerType = "file_watch"
	TriggerTypeManual    TriggerType = "manual"
)

// CronTriggerConfig fires on a normalized schedule (§4.6).
type CronTriggerConfig struct {
	Schedule string `yaml:"schedule" json:"schedule"`
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// WebhookAuthType is the closed set of webhook authentication variants (§4.8).
type WebhookAuthType string

const (
	WebhookAuthHMAC   WebhookAuthType = "hmac"
	WebhookAuthBearer WebhookAuthType = "bearer"
	WebhookAuthNone   WebhookAuthType = "none"
)

// WebhookAuthConfig declares how a webhook route verifies delivery.
type WebhookAuthConfig struct {
	Type   WebhookAuthType `yaml:"type" json:"type"`
	Secret string          `yaml:"secret,omitempty" json:"secret,omitempty"`
	Token  string          `yaml:"token,omitempty" json:"token,omitempty"`
}

// WebhookTriggerConfig maps a normalized path to an auth variant and an
// optional when-clause filter.
type WebhookTriggerConfig struct {
	Path string            `yaml:"path" json:"path"`
	Auth WebhookAuthConfig `yaml:"auth" json:"auth"`
	When string            `yaml:"when,omitempty" json:"when,omitempty"`
}

// EventTriggerConfig fires on a named internal event.
type EventTriggerConfig struct {
	Source    string `yaml:"source" json:"source"`
	EventType string `yaml:"event_type" json:"event_type"`
	When      string `yaml:"when,omitempty" json:"when,omitempty"`
}

// FileWatchTriggerConfig fires on debounced, glob-filtered filesystem changes.
type FileWatchTriggerConfig struct {
	Paths    []string `yaml:"paths" json:"paths"`
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	When     string   `yaml:"when,omitempty" json:"when,omitempty"`
}

// TriggerConfig is a discriminated union over the five trigger kinds.
type TriggerConfig struct {
	Type      TriggerType             `yaml:"type" json:"type"`
	Cron      *CronTriggerConfig      `yaml:"cron,omitempty" json:"cron,omitempty"`
	Webhook   *WebhookTriggerConfig   `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	Event     *EventTriggerConfig     `yaml:"event,omitempty" json:"event,omitempty"`
	FileWatch *FileWatchTriggerConfig `yaml:"file_watch,omitempty" json:"file_watch,omitempty"`
}

func (t *TriggerConfig) validate(index int) error {
	field := fmt.Sprintf("triggers[%d]", index)
	switch t.Type {
	case TriggerTypeCron:
		if t.Cron == nil || t.Cron.Schedule == "" {
			return &conductorerrors.ValidationError{Field: field, Message: "cron trigger requires a schedule"}
		}
	case TriggerTypeWebhook:
		if t.Webhook == nil || t.Webhook.Path == "" || t.Webhook.Path[0] != '/' {
			return &conductorerrors.ValidationError{Field: field, Message: "webhook trigger requires a path starting with '/'"}
		}
	case TriggerTypeEvent:
		if t.Event == nil || t.Event.Source == "" || t.Event.EventType == "" {
			return &conductorerrors.ValidationError{Field: field, Message: "event trigger requires source and event_type"}
		}
	case TriggerTypeFileWatch:
		if t.FileWatch == nil || len(t.FileWatch.Paths) == 0 {
			return &conductorerrors.ValidationError{Field: field, Message: "file_watch trigger requires at least one path"}
		}
	case TriggerTypeManual:
		// no configuration required
	default:
		return &conductorerrors.ValidationError{Field: field, Message: fmt.Sprintf("unknown trigger type %q", t.Type)}
	}
	return nil
}

// Definition is a Workflow Definition: a DAG of steps plus the triggers
// that launch it. Created/updated by an operator; never destroyed by
// the engine itself (§3).
type Definition struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	// Owner scopes the definition to a single bot, or is empty for global.
	Owner string `yaml:"owner,omitempty" json:"owner,omitempty"`

	// ConcurrencyCap bounds simultaneous Running runs of this workflow;
	// zero means unlimited.
	ConcurrencyCap int `yaml:"concurrency_cap,omitempty" json:"concurrency_cap,omitempty"`

	// Timeout overrides DefaultWorkflowTimeout when non-zero.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Triggers []TriggerConfig  `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Steps    []StepDefinition `yaml:"steps" json:"steps"`

	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// ParseDefinition decodes a workflow definition from its YAML source
// and validates it. This is how the Definition Store and the Trigger
// Manager both load a workflow file from the workflows directory.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &conductorerrors.ValidationError{Field: "yaml", Message: err.Error()}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// EffectiveTimeout returns Timeout if set, else DefaultWorkflowTimeout.
func (d *Definition) EffectiveTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultWorkflowTimeout
}

// Validate enforces invariant (i): step ids are unique within a
// definition, and every kind-specific config block matches its step's
// declared type. depends_on forming a DAG is the planner's concern
// (§4.1), not the definition's.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &conductorerrors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(d.Steps) == 0 {
		return &conductorerrors.ValidationError{Field: "steps", Message: "workflow must declare at least one step"}
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return &conductorerrors.ValidationError{Field: "steps[].id", Message: "step id is required"}
		}
		if seen[step.ID] {
			return &conductorerrors.ValidationError{
				Field:   "steps[].id",
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		seen[step.ID] = true

		if err := step.validateKindConfig(); err != nil {
			return err
		}
	}

	for i := range d.Triggers {
		if err := d.Triggers[i].validate(i); err != nil {
			return err
		}
	}

	return nil
}
