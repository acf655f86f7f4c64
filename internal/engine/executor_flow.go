package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Loop step ---

// executeLoop checks the condition before each iteration against the step
// input plus "iteration" and the accumulated "results", and runs the body
// while it holds, at most MaxIterations times. An empty condition always holds.
func (x *StepExecutor) executeLoop(ctx context.Context, scope *stepScope, step *schema.WorkflowStep, cfg *schema.LoopConfig, input map[string]any) (any, error) {
	results := make([]any, 0, len(cfg.Body))
	iterations := 0

	for iterations < cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		loopCtx := make(map[string]any, len(input)+2)
		for k, v := range input {
			loopCtx[k] = v
		}
		loopCtx["iteration"] = iterations
		loopCtx["results"] = results

		if cfg.Condition != "" {
			ok, err := x.conditions.Evaluate(ctx, cfg.Condition, loopCtx)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
		}

		outputs, err := x.runSequence(ctx, scope.child(loopCtx), cfg.Body)
		if err != nil {
			return nil, sequenceError(step.ID, err)
		}
		results = append(results, outputs...)
		iterations++
	}

	return map[string]any{
		"iterations": iterations,
		"results":    results,
	}, nil
}

// --- Parallel step ---

func (x *StepExecutor) executeParallel(ctx context.Context, scope *stepScope, step *schema.WorkflowStep, cfg *schema.ParallelConfig, input map[string]any) (any, error) {
	switch cfg.WaitFor {
	case schema.WaitAll:
		return x.parallelAll(ctx, scope, step, cfg.Branches, input)
	case schema.WaitAny:
		return x.parallelAny(ctx, scope, step, cfg.Branches, input)
	case schema.WaitNone:
		return x.parallelNone(ctx, scope, step, cfg.Branches, input)
	default:
		return nil, definitionError(step.ID, "step %q: unsupported waitFor %q", step.ID, cfg.WaitFor)
	}
}

// parallelAll waits for every branch. Results keep declaration order; the
// first branch error fails the step once all branches have settled.
func (x *StepExecutor) parallelAll(ctx context.Context, scope *stepScope, step *schema.WorkflowStep, branches [][]schema.WorkflowStep, input map[string]any) (any, error) {
	results := make([]any, len(branches))
	var g errgroup.Group

	for i, branch := range branches {
		branchScope := scope.child(input)
		g.Go(func() error {
			outputs, err := x.runSequence(ctx, branchScope, branch)
			if err != nil {
				return err
			}
			results[i] = outputs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, sequenceError(step.ID, err)
	}
	return map[string]any{"branches": results}, nil
}

type branchOutcome struct {
	index   int
	outputs []any
	err     error
}

// parallelAny returns the outputs of whichever branch settles first. If that
// branch failed, the step fails. The remaining branches keep running in the
// background and their results are dropped.
func (x *StepExecutor) parallelAny(ctx context.Context, scope *stepScope, step *schema.WorkflowStep, branches [][]schema.WorkflowStep, input map[string]any) (any, error) {
	settled := make(chan branchOutcome, len(branches))
	for i, branch := range branches {
		branchScope := scope.child(input)
		err := x.background.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
			outputs, err := x.runSequence(ctx, branchScope, branch)
			settled <- branchOutcome{index: i, outputs: outputs, err: err}
			return err
		})
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "schedule parallel branch").WithStep(step.ID).WithCause(err)
		}
	}

	select {
	case first := <-settled:
		go x.drainBranches(ctx, step.ID, settled, len(branches)-1)
		if first.err != nil {
			return nil, sequenceError(step.ID, first.err)
		}
		return map[string]any{"firstCompleted": first.outputs, "branch": first.index}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drainBranches logs the failures of branches that lost the race.
func (x *StepExecutor) drainBranches(ctx context.Context, stepID string, settled <-chan branchOutcome, remaining int) {
	log := logging.LogWith(ctx, x.logger)
	for ; remaining > 0; remaining-- {
		o := <-settled
		if o.err != nil {
			log.Error("background parallel branch failed",
				"parallel_step", stepID,
				"branch", o.index,
				"error", o.err.Error(),
			)
		}
	}
}

// parallelNone schedules every branch and returns immediately. Branch
// failures are logged and never reach the instance.
func (x *StepExecutor) parallelNone(ctx context.Context, scope *stepScope, step *schema.WorkflowStep, branches [][]schema.WorkflowStep, input map[string]any) (any, error) {
	log := logging.LogWith(ctx, x.logger)

	for i, branch := range branches {
		branchScope := scope.child(input)
		err := x.background.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
			_, err := x.runSequence(ctx, branchScope, branch)
			if err != nil {
				log.Error("background parallel branch failed",
					"parallel_step", step.ID,
					"branch", i,
					"error", err.Error(),
				)
			}
			return err
		})
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "schedule parallel branch").WithStep(step.ID).WithCause(err)
		}
	}
	return map[string]any{"scheduled": true, "branches": len(branches)}, nil
}
