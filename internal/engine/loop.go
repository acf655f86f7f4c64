package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// drive runs the main loop from step id current until the workflow ends,
// pauses, fails, or stops being running. last is the result whose output
// becomes the instance output if no further step runs.
func (e *Engine) drive(ctx context.Context, run *instanceRun, current string, last *schema.WorkflowStepResult) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, run, schema.NewErrorf(schema.ErrCodeExecution, "instance loop panicked: %v", r))
		}
	}()

	for current != "" {
		step := run.def.Step(current)
		if step == nil {
			e.fail(ctx, run, schema.NewErrorf(schema.ErrCodeStepNotFound, "step %q not found in workflow %q", current, run.def.ID).
				WithStep(current))
			return
		}

		scope, ok := e.beginStep(ctx, run, step)
		if !ok {
			return
		}
		res := e.executor.Execute(ctx, scope, step)

		next, proceed := e.afterStep(ctx, run, step, res)
		if !proceed {
			return
		}
		last = res
		current = next
	}

	var output any
	if last != nil {
		output = last.Output
	}
	e.complete(ctx, run, output)
}

// beginStep marks step current and emits step_started. It returns false
// when the instance is no longer running.
func (e *Engine) beginStep(ctx context.Context, run *instanceRun, step *schema.WorkflowStep) (*stepScope, bool) {
	run.mu.Lock()
	inst := run.inst
	if inst.Status != schema.InstanceStatusRunning {
		run.driving = false
		run.mu.Unlock()
		return nil, false
	}
	inst.CurrentStepID = step.ID
	scope := &stepScope{
		instanceID:   inst.ID,
		definitionID: inst.DefinitionID,
		input:        inst.Input,
		results:      snapshotResults(inst),
		exec:         run.exec,
	}
	run.queue(e.newEvent(inst, schema.EventStepStarted, step.ID, map[string]any{"type": string(step.Type)}))
	run.mu.Unlock()

	e.flush(ctx, run)
	return scope, true
}

// afterStep records res and decides where the loop goes next. proceed is
// false when the loop must stop: the instance paused, failed or stopped
// running while the step was in flight.
func (e *Engine) afterStep(ctx context.Context, run *instanceRun, step *schema.WorkflowStep, res *schema.WorkflowStepResult) (next string, proceed bool) {
	run.mu.Lock()
	inst := run.inst
	inst.StepResults[step.ID] = res
	if inst.Status != schema.InstanceStatusRunning {
		run.driving = false
		run.mu.Unlock()
		return "", false
	}

	if res.Status == schema.StepStatusFailed {
		run.queue(e.newEvent(inst, schema.EventStepFailed, step.ID, map[string]any{
			"error":    res.Error,
			"attempts": res.Attempts,
		}))
		run.mu.Unlock()
		e.flush(ctx, run)

		decision := HandleStepError(step)
		if !decision.Handled {
			e.fail(ctx, run, schema.NewErrorf(schema.ErrCodeStepFailed, "step %q failed: %s", step.ID, res.Error).
				WithStep(step.ID).
				WithDetails(map[string]any{"attempts": res.Attempts, "reason": decision.Reason}))
			return "", false
		}
		logging.LogWith(logging.WithStepID(ctx, step.ID), e.logger).Info("step failure handled",
			"reason", decision.Reason,
			"next_step", decision.NextStepID,
		)
		return decision.NextStepID, true
	}

	completed := e.newEvent(inst, schema.EventStepCompleted, step.ID, map[string]any{
		"attempts": res.Attempts,
		"output":   schema.DeepCopyAny(res.Output),
	})

	if step.Type == schema.StepTypeHumanApproval {
		if err := e.fsm.Transition(inst, schema.InstanceStatusPaused); err != nil {
			run.mu.Unlock()
			e.fail(ctx, run, err)
			return "", false
		}
		run.driving = false
		cfg := step.Config.HumanApproval
		run.queue(completed, e.newEvent(inst, schema.EventApprovalRequired, step.ID, approvalRequest(cfg)))
		run.mu.Unlock()

		logging.LogWith(logging.WithStepID(ctx, step.ID), e.logger).Info("workflow instance paused for approval")
		e.flush(ctx, run)
		return "", false
	}
	input := inst.Input
	results := snapshotResults(inst)
	run.queue(completed)
	run.mu.Unlock()

	e.flush(ctx, run)

	next, err := e.resolveNext(ctx, step, res, input, results)
	if err != nil {
		e.fail(ctx, run, err)
		return "", false
	}
	return next, true
}

// resolveNext picks the step after a completed step:
//
//   - no next ends the workflow
//   - a plain next is taken unconditionally, for every step type
//   - a condition step with a branch-list next takes selectedBranch from its
//     own output; no selection ends the workflow
//   - any other branch list is evaluated in order against the workflow input,
//     every step output and the step's own output; no match ends the workflow
func (e *Engine) resolveNext(ctx context.Context, step *schema.WorkflowStep, res *schema.WorkflowStepResult, input map[string]any, results map[string]*schema.WorkflowStepResult) (string, error) {
	switch {
	case step.Next == nil:
		return "", nil
	case step.Next.IsStep():
		return step.Next.StepID, nil
	case step.Type == schema.StepTypeCondition:
		if out, ok := res.Output.(map[string]any); ok {
			if selected, ok := out["selectedBranch"].(string); ok {
				return selected, nil
			}
		}
		return "", nil
	}

	data := branchContext(input, results, res.Output)
	for i, b := range step.Next.Branches {
		ok, err := e.conditions.Evaluate(ctx, b.Condition, data)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution, "step %q: next branch %d: %s", step.ID, i, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		if ok {
			return b.NextStep, nil
		}
	}
	return "", nil
}

// complete validates output against the definition's output schema and
// marks the instance completed.
func (e *Engine) complete(ctx context.Context, run *instanceRun, output any) {
	if err := e.schemas.Validate(run.def.OutputSchema, output); err != nil {
		e.fail(ctx, run, err)
		return
	}

	run.mu.Lock()
	inst := run.inst
	if inst.Status != schema.InstanceStatusRunning {
		run.driving = false
		run.mu.Unlock()
		return
	}
	inst.Output = schema.DeepCopyAny(output)
	done := e.now().UTC()
	inst.CompletedAt = &done
	if err := e.fsm.Transition(inst, schema.InstanceStatusCompleted); err != nil {
		run.driving = false
		run.mu.Unlock()
		return
	}
	run.driving = false
	elapsed := done.Sub(inst.StartedAt)
	run.queue(e.newEvent(inst, schema.EventCompleted, "", map[string]any{"output": schema.DeepCopyAny(output)}))
	run.mu.Unlock()

	logging.LogWith(ctx, e.logger).Info("workflow instance completed", "duration_ms", elapsed.Milliseconds())
	e.flush(ctx, run)
}

// fail marks a running instance failed with err. Instances that already left
// running are left untouched.
func (e *Engine) fail(ctx context.Context, run *instanceRun, err error) {
	werr := asWorkflowError(err)

	run.mu.Lock()
	inst := run.inst
	if inst.Status != schema.InstanceStatusRunning {
		run.driving = false
		run.mu.Unlock()
		return
	}
	inst.Error = werr
	done := e.now().UTC()
	inst.CompletedAt = &done
	if terr := e.fsm.Transition(inst, schema.InstanceStatusFailed); terr != nil {
		run.driving = false
		run.mu.Unlock()
		return
	}
	run.driving = false
	run.queue(e.newEvent(inst, schema.EventFailed, werr.StepID, map[string]any{
		"code":    werr.Code,
		"message": werr.Message,
	}))
	run.mu.Unlock()

	logging.LogWith(ctx, e.logger).Error("workflow instance failed",
		"code", werr.Code,
		"error", werr.Error(),
		"failed_step", werr.StepID,
	)
	e.flush(ctx, run)
}

// --- Events ---

// EventHandler observes engine events. Handlers run synchronously in
// registration order; an error or panic is logged and delivery continues.
type EventHandler func(ctx context.Context, event schema.WorkflowEvent) error

// AddEventHandler appends h to the handler list.
func (e *Engine) AddEventHandler(h EventHandler) {
	if h == nil {
		return
	}
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	// Copy so emit can range over a snapshot without holding the lock.
	hs := make([]EventHandler, len(e.handlers), len(e.handlers)+1)
	copy(hs, e.handlers)
	e.handlers = append(hs, h)
}

func (e *Engine) newEvent(inst *schema.WorkflowInstance, typ schema.EventType, stepID string, data map[string]any) schema.WorkflowEvent {
	return schema.WorkflowEvent{
		ID:           uuid.New().String(),
		Type:         typ,
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		StepID:       stepID,
		Timestamp:    e.now().UTC(),
		Data:         data,
	}
}

// queue appends events to the instance outbox. The caller holds run.mu, so
// outbox order is the order of the transitions that produced the events.
func (run *instanceRun) queue(evs ...schema.WorkflowEvent) {
	run.outbox = append(run.outbox, evs...)
}

// flush delivers the instance outbox in order. One goroutine delivers at a
// time; a caller that finds another delivery in progress leaves its events
// to it and returns, which keeps handlers free to call back into the engine.
func (e *Engine) flush(ctx context.Context, run *instanceRun) {
	run.mu.Lock()
	if run.flushing {
		run.mu.Unlock()
		return
	}
	run.flushing = true
	for len(run.outbox) > 0 {
		batch := run.outbox
		run.outbox = nil
		run.mu.Unlock()
		for _, ev := range batch {
			e.emit(ctx, ev)
		}
		run.mu.Lock()
	}
	run.flushing = false
	run.mu.Unlock()
}

func (e *Engine) emit(ctx context.Context, ev schema.WorkflowEvent) {
	e.handlersMu.RLock()
	hs := e.handlers
	e.handlersMu.RUnlock()

	for i, h := range hs {
		e.deliver(ctx, i, h, ev)
	}
}

func (e *Engine) deliver(ctx context.Context, idx int, h EventHandler, ev schema.WorkflowEvent) {
	log := logging.LogWith(ctx, e.logger)
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked",
				"handler", idx,
				"event", string(ev.Type),
				"panic", fmt.Sprint(r),
			)
		}
	}()

	start := time.Now()
	if err := h(ctx, ev); err != nil {
		log.Error("event handler failed",
			"handler", idx,
			"event", string(ev.Type),
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
