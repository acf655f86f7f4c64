package actions

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// ToolCall is one tool_call step invocation.
type ToolCall struct {
	Name       string
	Input      map[string]any
	InstanceID string
	StepID     string
	Exec       *schema.ExecutionContext
}

// ToolExecutor runs tool_call steps. Tool semantics belong to the executor.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, call ToolCall) (any, error)
}

// ToolExecutorFunc adapts a function into a ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, call ToolCall) (any, error)

func (f ToolExecutorFunc) ExecuteTool(ctx context.Context, call ToolCall) (any, error) {
	return f(ctx, call)
}

// EchoTool returns a copy of the call input whatever the tool name.
var EchoTool ToolExecutorFunc = func(_ context.Context, call ToolCall) (any, error) {
	out := schema.DeepCopyMap(call.Input)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Toolbox dispatches tool calls to actions registered by name. Unknown names
// go to the fallback executor, or fail with ACTION_NOT_FOUND without one.
type Toolbox struct {
	tools    *Registry
	fallback ToolExecutor
}

// NewToolbox creates a Toolbox over tools. fallback may be nil.
func NewToolbox(tools *Registry, fallback ToolExecutor) *Toolbox {
	if tools == nil {
		tools = NewRegistry()
	}
	return &Toolbox{tools: tools, fallback: fallback}
}

// Tools lists the registered tools.
func (t *Toolbox) Tools() []ActionInfo {
	return t.tools.List()
}

func (t *Toolbox) ExecuteTool(ctx context.Context, call ToolCall) (any, error) {
	tool, err := t.tools.Get(call.Name)
	if err != nil {
		if t.fallback != nil {
			return t.fallback.ExecuteTool(ctx, call)
		}
		return nil, err
	}

	params := call.Input
	if params == nil {
		params = map[string]any{}
	}
	if err := tool.Validate(params); err != nil {
		return nil, err
	}

	out, err := tool.Execute(ctx, ActionInput{
		Params:     params,
		InstanceID: call.InstanceID,
		StepID:     call.StepID,
		Exec:       call.Exec,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.Data, nil
}

// BuiltinTools returns the tools shipped with the binary.
func BuiltinTools(httpCfg HTTPConfig) []Action {
	all := []Action{NewHTTPRequestTool(httpCfg)}
	return append(all, CryptoTools()...)
}
