package schema

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// WorkflowDefinition is an immutable, versioned graph of steps.
// Once published it is never mutated; edits produce version N+1.
type WorkflowDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Version     int            `json:"version" yaml:"version"`
	Name        string         `json:"name" yaml:"name"`
	Module      string         `json:"module" yaml:"module"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     Trigger        `json:"trigger" yaml:"trigger"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
	Active      bool           `json:"active" yaml:"active"`
	CreatedBy   string         `json:"created_by,omitempty" yaml:"createdBy,omitempty"`
	PublishedAt time.Time      `json:"published_at" yaml:"-"`
}

// DefinitionRef identifies a published definition version.
type DefinitionRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func (r DefinitionRef) String() string {
	return r.ID + "@v" + strconv.Itoa(r.Version)
}

// Ref returns the definition's id+version pair.
func (d *WorkflowDefinition) Ref() DefinitionRef {
	return DefinitionRef{ID: d.ID, Version: d.Version}
}

// Step looks up a step by id.
func (d *WorkflowDefinition) Step(id string) (*WorkflowStep, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// FirstStep returns the first declared step, where every instance starts.
func (d *WorkflowDefinition) FirstStep() (*WorkflowStep, bool) {
	if len(d.Steps) == 0 {
		return nil, false
	}
	return &d.Steps[0], true
}

// TriggerType enumerates how instances of a definition are started.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerAutomatic TriggerType = "automatic"
	TriggerScheduled TriggerType = "scheduled"
	TriggerWebhook   TriggerType = "webhook"
)

// Trigger config keys.
const (
	TriggerKeyEvent    = "event"    // automatic: bus event type
	TriggerKeyFilter   = "filter"   // automatic/webhook: expr-lang boolean filter
	TriggerKeyCron     = "cron"     // scheduled: 5-field cron expression
	TriggerKeyPayload  = "payload"  // scheduled: static trigger payload
	TriggerKeyPath     = "path"     // webhook: hook name
	TriggerKeySchema   = "schema"   // webhook: JSON Schema for the payload
)

// Trigger describes how a definition is started.
type Trigger struct {
	Type   TriggerType    `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// StepType enumerates the closed set of step kinds.
type StepType string

const (
	StepApproval     StepType = "approval"
	StepNotification StepType = "notification"
	StepAction       StepType = "action"
	StepCondition    StepType = "condition"
	StepDelay        StepType = "delay"
	StepIntegration  StepType = "integration"
)

// StepTypes lists every supported step type.
var StepTypes = []StepType{StepApproval, StepNotification, StepAction, StepCondition, StepDelay, StepIntegration}

// Step config keys understood by the executors.
const (
	ConfigAction       = "action"
	ConfigSystem       = "system"
	ConfigOperation    = "operation"
	ConfigURL          = "url"
	ConfigInput        = "input"
	ConfigOutput       = "output"
	ConfigResultKey    = "resultKey"
	ConfigParams       = "params"
	ConfigOverwrite    = "overwrite"
	ConfigDefault      = "default"
	ConfigDelay        = "delay"
	ConfigAutoApprove  = "autoApprove"
	ConfigAssignee     = "assignee"
	ConfigAssigneeExpr = "assigneeExpr"
	ConfigOnApprove    = "onApprove"
	ConfigOnReject     = "onReject"
	ConfigTemplate     = "template"
	ConfigChannel      = "channel"
	ConfigRecipients   = "recipients"
)

// WorkflowStep is a typed unit of work within a definition.
type WorkflowStep struct {
	ID         string              `json:"id" yaml:"id"`
	Name       string              `json:"name,omitempty" yaml:"name,omitempty"`
	Type       StepType            `json:"type" yaml:"type"`
	Config     map[string]any      `json:"config,omitempty" yaml:"config,omitempty"`
	NextSteps  []string            `json:"next_steps,omitempty" yaml:"nextSteps,omitempty"`
	Conditions []WorkflowCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Timeout    int                 `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // seconds
	RetryCount int                 `json:"retry_count,omitempty" yaml:"retryCount,omitempty"`
	RetryDelay int                 `json:"retry_delay,omitempty" yaml:"retryDelay,omitempty"` // seconds
}

// Terminal reports whether the step ends its cursor.
func (s *WorkflowStep) Terminal() bool {
	return len(s.NextSteps) == 0
}

// HasNext reports whether id is a declared next step.
func (s *WorkflowStep) HasNext(id string) bool {
	for _, n := range s.NextSteps {
		if n == id {
			return true
		}
	}
	return false
}

// TimeoutDuration returns the step timeout.
func (s *WorkflowStep) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// RetryDelayDuration returns the fixed retry backoff.
func (s *WorkflowStep) RetryDelayDuration() time.Duration {
	return time.Duration(s.RetryDelay) * time.Second
}

// ConfigString reads a string config value.
func (s *WorkflowStep) ConfigString(key string) string {
	v, ok := s.Config[key]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}

// ConfigBool reads a boolean config value.
func (s *WorkflowStep) ConfigBool(key string) bool {
	v, ok := s.Config[key]
	if !ok {
		return false
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false
	}
	return b
}

// ConfigStrings reads a list (or single) string config value.
func (s *WorkflowStep) ConfigStrings(key string) []string {
	v, ok := s.Config[key]
	if !ok || v == nil {
		return nil
	}
	if str, ok := v.(string); ok {
		if str == "" {
			return nil
		}
		return []string{str}
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return out
}

// ConfigDuration reads a duration config value. Numbers are seconds; strings
// are either numeric seconds or Go durations ("48h").
func (s *WorkflowStep) ConfigDuration(key string) (time.Duration, bool) {
	v, ok := s.Config[key]
	if !ok || v == nil {
		return 0, false
	}
	if str, ok := v.(string); ok {
		str = strings.TrimSpace(str)
		if secs, err := strconv.ParseFloat(str, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), true
		}
		d, err := time.ParseDuration(str)
		if err != nil {
			return 0, false
		}
		return d, true
	}
	secs, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// Operator enumerates condition comparison operators.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
)

// Operators lists every supported operator.
var Operators = []Operator{OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpNotContains}

// WorkflowCondition selects a next step when its predicate holds against the data bag.
type WorkflowCondition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
	NextStep string   `json:"next_step" yaml:"nextStep"`
}
