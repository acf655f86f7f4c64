package engine

import (
	"github.com/rendis/stepflow/pkg/schema"
)

// ErrorDecision is what the main loop does after a step exhausted its attempts.
type ErrorDecision struct {
	// Handled is false when the failure is fatal for the instance.
	Handled bool
	// NextStepID is where execution continues when handled; empty ends the workflow.
	NextStepID string
	// Reason is a short description for logs and event data.
	Reason string
}

// HandleStepError applies the step's onError policy to a failed result.
//
//   - skip: continue at next when it is a plain step id; end the workflow
//     when next is absent. A branch-list next cannot be resolved from a
//     failed step, so the failure stays fatal.
//   - fallback: jump to fallbackStep.
//   - no policy: fatal.
func HandleStepError(step *schema.WorkflowStep) ErrorDecision {
	if step.OnError == nil {
		return ErrorDecision{Reason: "no onError policy"}
	}

	switch step.OnError.Action {
	case schema.OnErrorSkip:
		switch {
		case step.Next == nil:
			return ErrorDecision{Handled: true, Reason: "skipped; no next step"}
		case step.Next.IsStep():
			return ErrorDecision{Handled: true, NextStepID: step.Next.StepID, Reason: "skipped"}
		default:
			return ErrorDecision{Reason: "skip requires a plain next step"}
		}

	case schema.OnErrorFallback:
		if step.OnError.FallbackStep == "" {
			return ErrorDecision{Reason: "fallback without fallbackStep"}
		}
		return ErrorDecision{Handled: true, NextStepID: step.OnError.FallbackStep, Reason: "fallback"}
	}
	return ErrorDecision{Reason: "unknown onError action " + string(step.OnError.Action)}
}
