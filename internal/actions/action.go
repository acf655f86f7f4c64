package actions

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// Action is a named unit of work. ai_action steps resolve their actionId
// against a Registry of actions; built-in tools are actions too.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(input map[string]any) error
}

// ActionLookup resolves an action by name. A missing action is reported as
// ACTION_NOT_FOUND.
type ActionLookup interface {
	Get(name string) (Action, error)
}

// ActionSchema describes the input contract of an action.
type ActionSchema struct {
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Description string         `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time. Params is
// the step's config input merged with its resolved input mapping.
type ActionInput struct {
	Params     map[string]any           `json:"params"`
	InstanceID string                   `json:"instanceId,omitempty"`
	StepID     string                   `json:"stepId,omitempty"`
	Exec       *schema.ExecutionContext `json:"-"`
}

// ActionOutput is the result of an action execution. Data becomes the step output.
type ActionOutput struct {
	Data any `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ActionFunc is the body of an action built with NewAction.
type ActionFunc func(ctx context.Context, input ActionInput) (any, error)

// NewAction adapts a function into an Action with no input validation.
func NewAction(name, description string, fn ActionFunc) Action {
	return &funcAction{name: name, description: description, fn: fn}
}

type funcAction struct {
	name        string
	description string
	fn          ActionFunc
}

func (a *funcAction) Name() string { return a.name }

func (a *funcAction) Schema() ActionSchema { return ActionSchema{Description: a.description} }

func (a *funcAction) Validate(map[string]any) error { return nil }

func (a *funcAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	data, err := a.fn(ctx, input)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: data}, nil
}

// Param helpers shared by the built-in tools.

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}
