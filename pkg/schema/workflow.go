package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowDefinition is an immutable, named template describing a workflow's
// steps and graph. Definitions are validated and deep-copied on registration.
type WorkflowDefinition struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	EntryPoint   string         `json:"entryPoint"`
	Steps        []WorkflowStep `json:"steps"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	DataPolicy   map[string]any `json:"dataPolicy,omitempty"`
}

// Step returns the top-level step with the given id, or nil.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// WorkflowStep is one node in a definition's graph.
type WorkflowStep struct {
	ID           string                `json:"id"`
	Type         StepType              `json:"type"`
	Config       StepConfig            `json:"config"`
	InputMapping map[string]InputValue `json:"inputMapping,omitempty"`
	Next         *Next                 `json:"next,omitempty"`
	Retry        *RetryConfig          `json:"retry,omitempty"`
	OnError      *OnErrorConfig        `json:"onError,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAIAction      StepType = "ai_action"
	StepTypeToolCall      StepType = "tool_call"
	StepTypeCondition     StepType = "condition"
	StepTypeLoop          StepType = "loop"
	StepTypeParallel      StepType = "parallel"
	StepTypeHumanApproval StepType = "human_approval"
	StepTypeTransform     StepType = "transform"
)

// Known reports whether t is one of the supported step types.
func (t StepType) Known() bool {
	switch t {
	case StepTypeAIAction, StepTypeToolCall, StepTypeCondition, StepTypeLoop,
		StepTypeParallel, StepTypeHumanApproval, StepTypeTransform:
		return true
	}
	return false
}

// Branch is a {condition, nextStep} pair, evaluated first-match-wins.
type Branch struct {
	Condition string `json:"condition"`
	NextStep  string `json:"nextStep"`
}

// Next is a step's successor: either a single step id or an ordered branch list.
// On the wire it is a JSON string or a JSON array of branches.
type Next struct {
	StepID   string
	Branches []Branch
}

// NextStep returns an unconditional successor.
func NextStep(id string) *Next {
	return &Next{StepID: id}
}

// NextBranches returns a conditional successor list.
func NextBranches(branches ...Branch) *Next {
	return &Next{Branches: branches}
}

// IsStep reports whether n is a plain step id.
func (n *Next) IsStep() bool {
	return n != nil && n.Branches == nil && n.StepID != ""
}

func (n Next) MarshalJSON() ([]byte, error) {
	if n.Branches != nil {
		return json.Marshal(n.Branches)
	}
	return json.Marshal(n.StepID)
}

func (n *Next) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("next: empty value")
	}
	switch data[0] {
	case '"':
		n.Branches = nil
		return json.Unmarshal(data, &n.StepID)
	case '[':
		n.StepID = ""
		n.Branches = []Branch{}
		return json.Unmarshal(data, &n.Branches)
	default:
		return fmt.Errorf("next: expected step id string or branch list, got %s", string(data))
	}
}

// DataRef points at a value produced by a prior step, or at the workflow input
// when StepID is "input".
type DataRef struct {
	StepID string `json:"stepId"`
	Path   string `json:"path,omitempty"`
}

// InputRefSource is the reserved step id that addresses the workflow input.
const InputRefSource = "input"

// InputValue is one entry of a step's input mapping: a literal used verbatim,
// or a reference resolved at execution time.
type InputValue struct {
	Literal any
	Ref     *DataRef
}

// Literal wraps a verbatim input value.
func Literal(v any) InputValue {
	return InputValue{Literal: v}
}

// Ref builds a data reference input value.
func Ref(stepID, path string) InputValue {
	return InputValue{Ref: &DataRef{StepID: stepID, Path: path}}
}

func (v InputValue) MarshalJSON() ([]byte, error) {
	if v.Ref != nil {
		return json.Marshal(struct {
			Type   string `json:"type"`
			StepID string `json:"stepId"`
			Path   string `json:"path,omitempty"`
		}{"ref", v.Ref.StepID, v.Ref.Path})
	}
	return json.Marshal(v.Literal)
}

func (v *InputValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if m, ok := raw.(map[string]any); ok && m["type"] == "ref" {
		var ref DataRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return err
		}
		v.Ref, v.Literal = &ref, nil
		return nil
	}
	v.Literal, v.Ref = raw, nil
	return nil
}

// Retry defaults applied when a retry block omits the field.
const (
	DefaultRetryDelayMs      = 1000
	DefaultBackoffMultiplier = 2.0
)

// RetryConfig configures per-step retries. A nil RetryConfig means one attempt.
type RetryConfig struct {
	MaxAttempts       int      `json:"maxAttempts"`
	DelayMs           *int     `json:"delayMs,omitempty"`
	BackoffMultiplier *float64 `json:"backoffMultiplier,omitempty"`
}

// Attempts returns the number of tries allowed, never less than one.
func (r *RetryConfig) Attempts() int {
	if r == nil || r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// BaseDelay returns the configured delay, or the default when unset.
func (r *RetryConfig) BaseDelay() time.Duration {
	if r == nil || r.DelayMs == nil {
		return DefaultRetryDelayMs * time.Millisecond
	}
	return time.Duration(*r.DelayMs) * time.Millisecond
}

// Multiplier returns the configured backoff multiplier, or the default when unset.
func (r *RetryConfig) Multiplier() float64 {
	if r == nil || r.BackoffMultiplier == nil {
		return DefaultBackoffMultiplier
	}
	return *r.BackoffMultiplier
}

// OnErrorAction enumerates step failure policies.
type OnErrorAction string

const (
	OnErrorSkip     OnErrorAction = "skip"
	OnErrorFallback OnErrorAction = "fallback"
)

// OnErrorConfig decides what happens after a step exhausts its attempts.
type OnErrorConfig struct {
	Action       OnErrorAction `json:"action"`
	FallbackStep string        `json:"fallbackStep,omitempty"`
}

// Int returns a pointer to v, for optional retry fields.
func Int(v int) *int { return &v }

// Float returns a pointer to v, for optional retry fields.
func Float(v float64) *float64 { return &v }
