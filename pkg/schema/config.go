package schema

import (
	"encoding/json"
)

// StepConfig is the type-tagged configuration of a step. Exactly one variant
// is set, matching Type. On the wire it is a flat object with a "type" field.
type StepConfig struct {
	Type StepType

	AIAction      *AIActionConfig
	ToolCall      *ToolCallConfig
	Condition     *ConditionConfig
	Loop          *LoopConfig
	Parallel      *ParallelConfig
	HumanApproval *HumanApprovalConfig
	Transform     *TransformConfig
}

// AIActionConfig invokes an action from the AI action registry.
type AIActionConfig struct {
	ActionID string         `json:"actionId"`
	Input    map[string]any `json:"input,omitempty"`
}

// ToolCallConfig invokes a tool through the tool executor.
type ToolCallConfig struct {
	ToolName string         `json:"toolName"`
	Input    map[string]any `json:"input,omitempty"`
}

// ConditionConfig selects a successor from ordered branches.
type ConditionConfig struct {
	Expression string   `json:"expression"`
	Branches   []Branch `json:"branches"`
}

// LoopConfig repeats Body while Condition holds, at most MaxIterations times.
// An empty Condition always holds.
type LoopConfig struct {
	Condition     string         `json:"condition,omitempty"`
	MaxIterations int            `json:"maxIterations"`
	Body          []WorkflowStep `json:"body"`
}

// WaitMode controls how a parallel step waits for its branches.
type WaitMode string

const (
	WaitAll  WaitMode = "all"
	WaitAny  WaitMode = "any"
	WaitNone WaitMode = "none"
)

// ParallelConfig runs branches concurrently; steps inside a branch run in order.
type ParallelConfig struct {
	Branches [][]WorkflowStep `json:"branches"`
	WaitFor  WaitMode         `json:"waitFor"`
}

// HumanApprovalConfig pauses the instance until an approval is submitted.
type HumanApprovalConfig struct {
	Message      string   `json:"message"`
	ApprovalType string   `json:"approvalType,omitempty"`
	Choices      []string `json:"choices,omitempty"`
}

// TransformConfig reshapes the step input.
type TransformConfig struct {
	Expression string `json:"expression"`
}

// variant returns the populated variant for Type, or nil.
func (c StepConfig) variant() any {
	switch c.Type {
	case StepTypeAIAction:
		if c.AIAction != nil {
			return c.AIAction
		}
	case StepTypeToolCall:
		if c.ToolCall != nil {
			return c.ToolCall
		}
	case StepTypeCondition:
		if c.Condition != nil {
			return c.Condition
		}
	case StepTypeLoop:
		if c.Loop != nil {
			return c.Loop
		}
	case StepTypeParallel:
		if c.Parallel != nil {
			return c.Parallel
		}
	case StepTypeHumanApproval:
		if c.HumanApproval != nil {
			return c.HumanApproval
		}
	case StepTypeTransform:
		if c.Transform != nil {
			return c.Transform
		}
	}
	return nil
}

// HasVariant reports whether the variant matching Type is populated.
func (c StepConfig) HasVariant() bool {
	return c.variant() != nil
}

func (c StepConfig) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	if v := c.variant(); v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["type"] = c.Type
	return json.Marshal(fields)
}

func (c *StepConfig) UnmarshalJSON(data []byte) error {
	var head struct {
		Type StepType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	*c = StepConfig{Type: head.Type}

	var target any
	switch head.Type {
	case StepTypeAIAction:
		c.AIAction = &AIActionConfig{}
		target = c.AIAction
	case StepTypeToolCall:
		c.ToolCall = &ToolCallConfig{}
		target = c.ToolCall
	case StepTypeCondition:
		c.Condition = &ConditionConfig{}
		target = c.Condition
	case StepTypeLoop:
		c.Loop = &LoopConfig{}
		target = c.Loop
	case StepTypeParallel:
		c.Parallel = &ParallelConfig{}
		target = c.Parallel
	case StepTypeHumanApproval:
		c.HumanApproval = &HumanApprovalConfig{}
		target = c.HumanApproval
	case StepTypeTransform:
		c.Transform = &TransformConfig{}
		target = c.Transform
	default:
		// Unknown types are kept so validation can report them.
		return nil
	}
	return json.Unmarshal(data, target)
}
