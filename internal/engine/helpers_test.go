package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Step builders ---

func transformStep(id, expression string) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID:     id,
		Type:   schema.StepTypeTransform,
		Config: schema.StepConfig{Type: schema.StepTypeTransform, Transform: &schema.TransformConfig{Expression: expression}},
	}
}

func toolStep(id, tool string, input map[string]any) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID:     id,
		Type:   schema.StepTypeToolCall,
		Config: schema.StepConfig{Type: schema.StepTypeToolCall, ToolCall: &schema.ToolCallConfig{ToolName: tool, Input: input}},
	}
}

func actionStep(id, actionID string, input map[string]any) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID:     id,
		Type:   schema.StepTypeAIAction,
		Config: schema.StepConfig{Type: schema.StepTypeAIAction, AIAction: &schema.AIActionConfig{ActionID: actionID, Input: input}},
	}
}

func approvalStep(id, message string, choices ...string) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID:   id,
		Type: schema.StepTypeHumanApproval,
		Config: schema.StepConfig{Type: schema.StepTypeHumanApproval, HumanApproval: &schema.HumanApprovalConfig{
			Message: message,
			Choices: choices,
		}},
	}
}

func conditionStep(id string, branches ...schema.Branch) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID:   id,
		Type: schema.StepTypeCondition,
		Config: schema.StepConfig{Type: schema.StepTypeCondition, Condition: &schema.ConditionConfig{
			Expression: "route",
			Branches:   branches,
		}},
	}
}

func loopStep(id, condition string, maxIterations int, body ...schema.WorkflowStep) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID:   id,
		Type: schema.StepTypeLoop,
		Config: schema.StepConfig{Type: schema.StepTypeLoop, Loop: &schema.LoopConfig{
			Condition:     condition,
			MaxIterations: maxIterations,
			Body:          body,
		}},
	}
}

func parallelStep(id string, waitFor schema.WaitMode, branches ...[]schema.WorkflowStep) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID:   id,
		Type: schema.StepTypeParallel,
		Config: schema.StepConfig{Type: schema.StepTypeParallel, Parallel: &schema.ParallelConfig{
			Branches: branches,
			WaitFor:  waitFor,
		}},
	}
}

func withNext(step schema.WorkflowStep, next string) schema.WorkflowStep {
	step.Next = schema.NextStep(next)
	return step
}

func instantRetry(maxAttempts int) *schema.RetryConfig {
	return &schema.RetryConfig{MaxAttempts: maxAttempts, DelayMs: schema.Int(0)}
}

// --- Executor fixtures ---

func newTestExecutor(t *testing.T, lookup actions.ActionLookup, tools actions.ToolExecutor) *StepExecutor {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	if tools == nil {
		tools = actions.EchoTool
	}
	return &StepExecutor{
		actions:    lookup,
		tools:      tools,
		conditions: ev,
		transforms: expressions.NewTransformer(),
		background: NewWorkerPool(0),
		logger:     logging.Discard(),
		metrics:    newEngineMetrics(nil),
		now:        time.Now,
	}
}

func topScope(input map[string]any) *stepScope {
	return &stepScope{
		instanceID:   "inst-1",
		definitionID: "def-1",
		input:        input,
		results:      map[string]*schema.WorkflowStepResult{},
		exec:         &schema.ExecutionContext{Initiator: schema.Initiator{Type: schema.InitiatorUser}},
	}
}
