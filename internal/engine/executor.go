package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// stepScope is the view of an instance a step executes against. results is a
// snapshot owned by the scope; nested sequences extend their own copy.
type stepScope struct {
	instanceID   string
	definitionID string
	input        map[string]any
	results      map[string]*schema.WorkflowStepResult
	exec         *schema.ExecutionContext

	// nested is true inside loop bodies and parallel branches, where
	// defaultInput replaces the workflow input for steps without a mapping.
	nested       bool
	defaultInput map[string]any
}

// child returns a scope for a nested sequence with its own results copy.
func (s *stepScope) child(defaultInput map[string]any) *stepScope {
	results := make(map[string]*schema.WorkflowStepResult, len(s.results))
	for id, r := range s.results {
		results[id] = r
	}
	return &stepScope{
		instanceID:   s.instanceID,
		definitionID: s.definitionID,
		input:        s.input,
		results:      results,
		exec:         s.exec,
		nested:       true,
		defaultInput: defaultInput,
	}
}

// StepExecutor runs one step: input resolution, the retry loop and per-type
// dispatch. It never changes instance status; the Engine owns that.
type StepExecutor struct {
	actions    actions.ActionLookup
	tools      actions.ToolExecutor
	conditions *expressions.Evaluator
	transforms *expressions.Transformer
	background *WorkerPool
	logger     *slog.Logger
	metrics    *engineMetrics
	now        func() time.Time
}

// stepInput resolves the input a step executes with. Without an input
// mapping a top-level step receives a copy of the workflow input and a nested
// step receives its enclosing step's context.
func (x *StepExecutor) stepInput(step *schema.WorkflowStep, scope *stepScope) map[string]any {
	if len(step.InputMapping) > 0 {
		return expressions.ResolveMapping(step.InputMapping, scope.results, scope.input)
	}
	src := scope.input
	if scope.nested {
		src = scope.defaultInput
	}
	if in := schema.DeepCopyMap(src); in != nil {
		return in
	}
	return map[string]any{}
}

// Execute runs step with its retry policy and returns the recorded result.
// Failures are reported in the result, never as a panic or error.
func (x *StepExecutor) Execute(ctx context.Context, scope *stepScope, step *schema.WorkflowStep) *schema.WorkflowStepResult {
	ctx = logging.WithStepID(ctx, step.ID)
	log := logging.LogWith(ctx, x.logger)

	started := x.now().UTC()
	result := &schema.WorkflowStepResult{
		StepID:    step.ID,
		Status:    schema.StepStatusRunning,
		StartedAt: started,
	}
	input := x.stepInput(step, scope)

	maxAttempts := step.Retry.Attempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := ComputeBackoff(step.Retry.BaseDelay(), step.Retry.Multiplier(), attempt-1)
			if err := WaitForBackoff(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		result.Attempts = attempt
		out, err := x.dispatch(ctx, scope, step, input)
		x.metrics.attempt(ctx, step.Type, err)
		if err == nil {
			x.finish(ctx, result, step.Type, schema.StepStatusCompleted)
			result.Output = out
			return result
		}

		lastErr = err
		log.Warn("step attempt failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err.Error(),
		)
		if !IsRetryableError(err) {
			break
		}
	}

	x.finish(ctx, result, step.Type, schema.StepStatusFailed)
	result.Error = lastErr.Error()
	return result
}

func (x *StepExecutor) finish(ctx context.Context, result *schema.WorkflowStepResult, stepType schema.StepType, status schema.StepStatus) {
	done := x.now().UTC()
	result.Status = status
	result.CompletedAt = &done
	x.metrics.stepFinished(ctx, stepType, status, done.Sub(result.StartedAt))
}

// dispatch runs a single attempt. A panicking handler becomes EXECUTION_ERROR.
func (x *StepExecutor) dispatch(ctx context.Context, scope *stepScope, step *schema.WorkflowStep, input map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "step %q panicked: %v", step.ID, r).
				WithStep(step.ID).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
		}
	}()

	if step.Config.Type != step.Type || !step.Config.HasVariant() {
		return nil, definitionError(step.ID, "step %q has no %s config", step.ID, step.Type)
	}

	cfg := step.Config
	switch step.Type {
	case schema.StepTypeAIAction:
		return x.executeAIAction(ctx, scope, step, cfg.AIAction, input)
	case schema.StepTypeToolCall:
		return x.executeToolCall(ctx, scope, step, cfg.ToolCall, input)
	case schema.StepTypeCondition:
		return x.executeCondition(ctx, scope, cfg.Condition, input)
	case schema.StepTypeTransform:
		return x.transforms.Apply(ctx, cfg.Transform.Expression, input)
	case schema.StepTypeHumanApproval:
		if scope.nested {
			return nil, definitionError(step.ID,
				"step %q: human_approval cannot run inside a loop body or parallel branch", step.ID)
		}
		return approvalRequest(cfg.HumanApproval), nil
	case schema.StepTypeParallel:
		return x.executeParallel(ctx, scope, step, cfg.Parallel, input)
	case schema.StepTypeLoop:
		return x.executeLoop(ctx, scope, step, cfg.Loop, input)
	default:
		return nil, definitionError(step.ID, "unknown step type %q", step.Type)
	}
}

// --- ai_action / tool_call ---

// mergeInput overlays resolved input on the config input; resolved values win.
func mergeInput(configInput, resolved map[string]any) map[string]any {
	merged := schema.DeepCopyMap(configInput)
	if merged == nil {
		merged = make(map[string]any, len(resolved))
	}
	for k, v := range resolved {
		merged[k] = v
	}
	return merged
}

func (x *StepExecutor) executeAIAction(ctx context.Context, scope *stepScope, step *schema.WorkflowStep, cfg *schema.AIActionConfig, input map[string]any) (any, error) {
	if x.actions == nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionNotFound, "action %q not registered", cfg.ActionID).WithStep(step.ID)
	}
	action, err := x.actions.Get(cfg.ActionID)
	if err != nil {
		return nil, err
	}

	params := mergeInput(cfg.Input, input)
	if err := action.Validate(params); err != nil {
		return nil, err
	}

	out, err := action.Execute(ctx, actions.ActionInput{
		Params:     params,
		InstanceID: scope.instanceID,
		StepID:     step.ID,
		Exec:       scope.exec,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.Data, nil
}

func (x *StepExecutor) executeToolCall(ctx context.Context, scope *stepScope, step *schema.WorkflowStep, cfg *schema.ToolCallConfig, input map[string]any) (any, error) {
	return x.tools.ExecuteTool(ctx, actions.ToolCall{
		Name:       cfg.ToolName,
		Input:      mergeInput(cfg.Input, input),
		InstanceID: scope.instanceID,
		StepID:     step.ID,
		Exec:       scope.exec,
	})
}

// --- condition ---

// executeCondition returns {selectedBranch: id} for the first matching
// branch, or {selectedBranch: nil}.
func (x *StepExecutor) executeCondition(ctx context.Context, scope *stepScope, cfg *schema.ConditionConfig, input map[string]any) (any, error) {
	data := branchContext(input, scope.results, nil)
	for _, b := range cfg.Branches {
		ok, err := x.conditions.Evaluate(ctx, b.Condition, data)
		if err != nil {
			return nil, err
		}
		if ok {
			return map[string]any{"selectedBranch": b.NextStep}, nil
		}
	}
	return map[string]any{"selectedBranch": nil}, nil
}

// branchContext builds the data conditions are evaluated against: input keys,
// then each step output under its step id, then the keys of output when it
// is an object. input and output are also reachable under those names.
func branchContext(input map[string]any, results map[string]*schema.WorkflowStepResult, output any) map[string]any {
	data := make(map[string]any, len(input)+len(results)+2)
	for k, v := range input {
		data[k] = v
	}
	for id, r := range results {
		if r != nil {
			data[id] = r.Output
		}
	}
	if m, ok := output.(map[string]any); ok {
		for k, v := range m {
			data[k] = v
		}
	}
	data["input"] = input
	data["output"] = output
	return data
}

// --- human_approval ---

func approvalRequest(cfg *schema.HumanApprovalConfig) map[string]any {
	out := map[string]any{
		"waitingForApproval": true,
		"message":            cfg.Message,
	}
	if cfg.ApprovalType != "" {
		out["approvalType"] = cfg.ApprovalType
	}
	if len(cfg.Choices) > 0 {
		choices := make([]any, len(cfg.Choices))
		for i, c := range cfg.Choices {
			choices[i] = c
		}
		out["choices"] = choices
	}
	return out
}

// --- nested sequences ---

// runSequence executes steps in order within scope and returns their outputs.
// A failed step ends the sequence unless its onError action is skip, in which
// case its output is recorded as nil.
func (x *StepExecutor) runSequence(ctx context.Context, scope *stepScope, steps []schema.WorkflowStep) ([]any, error) {
	outputs := make([]any, 0, len(steps))
	for i := range steps {
		step := &steps[i]
		res := x.Execute(ctx, scope, step)
		scope.results[step.ID] = res

		if res.Status == schema.StepStatusFailed {
			if step.OnError != nil && step.OnError.Action == schema.OnErrorSkip {
				outputs = append(outputs, nil)
				continue
			}
			return outputs, schema.NewErrorf(schema.ErrCodeStepFailed, "step %q failed: %s", step.ID, res.Error).
				WithStep(step.ID)
		}
		outputs = append(outputs, res.Output)
	}
	return outputs, nil
}

func sequenceError(parent string, err error) error {
	return schema.NewError(schema.ErrCodeStepFailed, fmt.Sprintf("%s: %s", parent, err.Error())).
		WithStep(parent).WithCause(err)
}
