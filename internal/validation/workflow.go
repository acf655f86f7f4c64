package validation

import (
	"fmt"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// ConditionCompiler compiles condition strings. *expressions.Evaluator
// satisfies it, so a successful validation also warms the evaluator cache.
type ConditionCompiler interface {
	Compile(expression string) (expressions.Condition, error)
}

// TransformCompiler checks transform expressions ahead of execution.
type TransformCompiler interface {
	Compile(expression string) error
}

// WorkflowValidator checks a definition before it enters the registry.
// Checks run in a fixed order and every problem is collected:
//
//  1. required id, name, version, entryPoint
//  2. non-empty steps, unique step ids
//  3. entryPoint and next/branch/fallback targets exist
//  4. per step: config type matches, type-specific fields, retry, onError
//  5. conditions, transforms and JSON Schemas compile
type WorkflowValidator struct {
	conditions ConditionCompiler
	transforms TransformCompiler
	schemas    *SchemaValidator
}

// Option configures a WorkflowValidator.
type Option func(*WorkflowValidator)

// WithConditionCompiler sets the compiler used for condition strings.
func WithConditionCompiler(c ConditionCompiler) Option {
	return func(v *WorkflowValidator) { v.conditions = c }
}

// WithTransformCompiler sets the compiler used for transform expressions.
func WithTransformCompiler(c TransformCompiler) Option {
	return func(v *WorkflowValidator) { v.transforms = c }
}

// WithSchemaValidator sets the validator used for input/output schemas.
func WithSchemaValidator(s *SchemaValidator) Option {
	return func(v *WorkflowValidator) { v.schemas = s }
}

// New creates a WorkflowValidator. Without options it compiles conditions
// with the minimal grammar only.
func New(opts ...Option) *WorkflowValidator {
	v := &WorkflowValidator{}
	for _, opt := range opts {
		opt(v)
	}
	if v.conditions == nil {
		v.conditions = parseOnly{}
	}
	return v
}

type parseOnly struct{}

func (parseOnly) Compile(expression string) (expressions.Condition, error) {
	return expressions.Parse(expression)
}

// Validate runs every check and returns the collected issues.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	validateRequired(def, result)
	ids := validateStepIDs(def, result)
	validateReferences(def, ids, result)

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		wv.validateStep(&def.Steps[i], path, false, result)
		validateOnError(&def.Steps[i], path, ids, result)
	}

	wv.validateSchemas(def, result)
	return result
}

// Messages runs Validate and returns only the error messages; an empty slice
// means the definition is acceptable.
func (wv *WorkflowValidator) Messages(def *schema.WorkflowDefinition) []string {
	return wv.Validate(def).Messages()
}

// ValidateDefinition returns a VALIDATION_ERROR carrying every message, or nil.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

func validateRequired(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	for _, f := range []struct{ name, value string }{
		{"id", def.ID},
		{"name", def.Name},
		{"version", def.Version},
		{"entryPoint", def.EntryPoint},
	} {
		if f.value == "" {
			result.AddErrorf(f.name, schema.ErrCodeValidation, "%s is required", f.name)
		}
	}
}

func validateStepIDs(def *schema.WorkflowDefinition, result *schema.ValidationResult) map[string]bool {
	ids := make(map[string]bool, len(def.Steps))
	if len(def.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "steps must not be empty")
		return ids
	}
	for i, step := range def.Steps {
		if step.ID == "" {
			result.AddErrorf(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation, "steps[%d]: id is required", i)
			continue
		}
		if ids[step.ID] {
			result.AddErrorf(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation, "duplicate step id %q", step.ID)
			continue
		}
		ids[step.ID] = true
	}
	return ids
}

func validateReferences(def *schema.WorkflowDefinition, ids map[string]bool, result *schema.ValidationResult) {
	if def.EntryPoint != "" && !ids[def.EntryPoint] {
		result.AddErrorf("entryPoint", schema.ErrCodeValidation, "entryPoint %q does not match any step", def.EntryPoint)
	}

	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d].next", i)
		if step.Next != nil {
			if step.Next.Branches == nil {
				if step.Next.StepID == "" {
					result.AddErrorf(path, schema.ErrCodeValidation, "step %q: next must not be empty", step.ID)
				} else if !ids[step.Next.StepID] {
					result.AddErrorf(path, schema.ErrCodeValidation, "step %q: next references unknown step %q", step.ID, step.Next.StepID)
				}
			}
			for j, b := range step.Next.Branches {
				if !ids[b.NextStep] {
					result.AddErrorf(fmt.Sprintf("%s[%d].nextStep", path, j), schema.ErrCodeValidation,
						"step %q: branch %d references unknown step %q", step.ID, j, b.NextStep)
				}
			}
		}

		if step.Type == schema.StepTypeCondition && step.Config.Condition != nil {
			for j, b := range step.Config.Condition.Branches {
				if !ids[b.NextStep] {
					result.AddErrorf(fmt.Sprintf("steps[%d].config.branches[%d].nextStep", i, j), schema.ErrCodeValidation,
						"step %q: condition branch %d references unknown step %q", step.ID, j, b.NextStep)
				}
			}
		}
	}
}

func validateOnError(step *schema.WorkflowStep, path string, ids map[string]bool, result *schema.ValidationResult) {
	if step.OnError == nil {
		return
	}
	switch step.OnError.Action {
	case schema.OnErrorSkip:
	case schema.OnErrorFallback:
		switch {
		case step.OnError.FallbackStep == "":
			result.AddErrorf(path+".onError.fallbackStep", schema.ErrCodeValidation,
				"step %q: fallback requires fallbackStep", step.ID)
		case !ids[step.OnError.FallbackStep]:
			result.AddErrorf(path+".onError.fallbackStep", schema.ErrCodeValidation,
				"step %q: fallbackStep references unknown step %q", step.ID, step.OnError.FallbackStep)
		}
	default:
		result.AddErrorf(path+".onError.action", schema.ErrCodeValidation,
			"step %q: onError action must be skip or fallback, got %q", step.ID, step.OnError.Action)
	}
}

// validateStep checks config, retry and expressions of one step. nested is
// true for loop bodies and parallel branches.
func (wv *WorkflowValidator) validateStep(step *schema.WorkflowStep, path string, nested bool, result *schema.ValidationResult) {
	name := step.ID
	if name == "" {
		name = path
	}
	cfgPath := path + ".config"

	switch {
	case !step.Type.Known():
		result.AddErrorf(path+".type", schema.ErrCodeValidation, "step %q: unknown step type %q", name, step.Type)
		return
	case step.Config.Type != step.Type:
		result.AddErrorf(cfgPath+".type", schema.ErrCodeValidation,
			"step %q: config type %q does not match step type %q", name, step.Config.Type, step.Type)
		return
	case !step.Config.HasVariant():
		result.AddErrorf(cfgPath, schema.ErrCodeValidation, "step %q: config is required", name)
		return
	}

	cfg := step.Config
	switch step.Type {
	case schema.StepTypeAIAction:
		if cfg.AIAction.ActionID == "" {
			result.AddErrorf(cfgPath+".actionId", schema.ErrCodeValidation, "step %q: ai_action requires a non-empty actionId", name)
		}

	case schema.StepTypeToolCall:
		if cfg.ToolCall.ToolName == "" {
			result.AddErrorf(cfgPath+".toolName", schema.ErrCodeValidation, "step %q: tool_call requires a non-empty toolName", name)
		}

	case schema.StepTypeCondition:
		if cfg.Condition.Expression == "" {
			result.AddErrorf(cfgPath+".expression", schema.ErrCodeValidation, "step %q: condition requires a non-empty expression", name)
		}
		if len(cfg.Condition.Branches) == 0 {
			result.AddErrorf(cfgPath+".branches", schema.ErrCodeValidation, "step %q: condition requires at least one branch", name)
		}
		for j, b := range cfg.Condition.Branches {
			wv.compileCondition(b.Condition, fmt.Sprintf("%s.branches[%d].condition", cfgPath, j), name, result)
		}

	case schema.StepTypeLoop:
		if cfg.Loop.MaxIterations <= 0 {
			result.AddErrorf(cfgPath+".maxIterations", schema.ErrCodeValidation, "step %q: loop requires a positive maxIterations", name)
		}
		if len(cfg.Loop.Body) == 0 {
			result.AddErrorf(cfgPath+".body", schema.ErrCodeValidation, "step %q: loop requires a non-empty body", name)
		}
		if cfg.Loop.Condition != "" {
			wv.compileCondition(cfg.Loop.Condition, cfgPath+".condition", name, result)
		}
		wv.validateNested(cfg.Loop.Body, cfgPath+".body", result)

	case schema.StepTypeParallel:
		if len(cfg.Parallel.Branches) == 0 {
			result.AddErrorf(cfgPath+".branches", schema.ErrCodeValidation, "step %q: parallel requires at least one branch", name)
		}
		switch cfg.Parallel.WaitFor {
		case schema.WaitAll, schema.WaitAny, schema.WaitNone:
		default:
			result.AddErrorf(cfgPath+".waitFor", schema.ErrCodeValidation,
				"step %q: waitFor must be one of all, any, none; got %q", name, cfg.Parallel.WaitFor)
		}
		for j, branch := range cfg.Parallel.Branches {
			bp := fmt.Sprintf("%s.branches[%d]", cfgPath, j)
			if len(branch) == 0 {
				result.AddErrorf(bp, schema.ErrCodeValidation, "step %q: parallel branch %d is empty", name, j)
			}
			wv.validateNested(branch, bp, result)
		}

	case schema.StepTypeHumanApproval:
		if cfg.HumanApproval.Message == "" {
			result.AddErrorf(cfgPath+".message", schema.ErrCodeValidation, "step %q: human_approval requires a non-empty message", name)
		}
		if nested {
			result.AddErrorf(path, schema.ErrCodeValidation,
				"step %q: human_approval cannot run inside a loop body or parallel branch", name)
		}

	case schema.StepTypeTransform:
		if cfg.Transform.Expression == "" {
			result.AddErrorf(cfgPath+".expression", schema.ErrCodeValidation, "step %q: transform requires a non-empty expression", name)
		} else if wv.transforms != nil {
			if err := wv.transforms.Compile(cfg.Transform.Expression); err != nil {
				result.AddErrorf(cfgPath+".expression", schema.ErrCodeValidation, "step %q: %s", name, messageOf(err))
			}
		}
	}

	if step.Retry != nil {
		if step.Retry.MaxAttempts < 1 {
			result.AddErrorf(path+".retry.maxAttempts", schema.ErrCodeValidation, "step %q: retry.maxAttempts must be >= 1", name)
		}
		if step.Retry.DelayMs != nil && *step.Retry.DelayMs < 0 {
			result.AddErrorf(path+".retry.delayMs", schema.ErrCodeValidation, "step %q: retry.delayMs must be >= 0", name)
		}
		if step.Retry.BackoffMultiplier != nil && *step.Retry.BackoffMultiplier <= 0 {
			result.AddErrorf(path+".retry.backoffMultiplier", schema.ErrCodeValidation, "step %q: retry.backoffMultiplier must be > 0", name)
		}
	}

	if step.Next != nil {
		for j, b := range step.Next.Branches {
			wv.compileCondition(b.Condition, fmt.Sprintf("%s.next[%d].condition", path, j), name, result)
		}
	}
}

// validateNested checks the steps of a loop body or parallel branch. Their
// ids must be present and unique within the list; next is not followed.
func (wv *WorkflowValidator) validateNested(steps []schema.WorkflowStep, path string, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		sp := fmt.Sprintf("%s[%d]", path, i)
		step := &steps[i]
		switch {
		case step.ID == "":
			result.AddErrorf(sp+".id", schema.ErrCodeValidation, "%s: id is required", sp)
		case seen[step.ID]:
			result.AddErrorf(sp+".id", schema.ErrCodeValidation, "%s: duplicate step id %q", sp, step.ID)
		}
		seen[step.ID] = true
		if step.Next != nil {
			result.AddWarning(sp+".next", schema.ErrCodeValidation, fmt.Sprintf("step %q: next is ignored inside nested steps", step.ID))
		}
		wv.validateStep(step, sp, true, result)
	}
}

func (wv *WorkflowValidator) compileCondition(expr, path, stepName string, result *schema.ValidationResult) {
	if expr == "" {
		result.AddErrorf(path, schema.ErrCodeValidation, "step %q: condition must not be empty", stepName)
		return
	}
	if _, err := wv.conditions.Compile(expr); err != nil {
		result.AddErrorf(path, schema.ErrCodeValidation, "step %q: %s", stepName, messageOf(err))
	}
}

func (wv *WorkflowValidator) validateSchemas(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	if wv.schemas == nil {
		return
	}
	if err := wv.schemas.Compile(def.InputSchema); err != nil {
		result.AddErrorf("inputSchema", schema.ErrCodeValidation, "inputSchema: %s", messageOf(err))
	}
	if err := wv.schemas.Compile(def.OutputSchema); err != nil {
		result.AddErrorf("outputSchema", schema.ErrCodeValidation, "outputSchema: %s", messageOf(err))
	}
}

func messageOf(err error) string {
	if wfErr, ok := err.(*schema.WorkflowError); ok {
		return wfErr.Message
	}
	return err.Error()
}
