package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultListLimit is the page size ListInstances uses when none is given.
const DefaultListLimit = 50

// DefinitionSource resolves definition ids. Satisfied by *registry.Registry.
type DefinitionSource interface {
	GetDefinition(id string) *schema.WorkflowDefinition
}

// InstanceFilter selects instances for ListInstances. Set fields combine with
// logical AND; StartedAfter and StartedBefore are exclusive bounds.
type InstanceFilter struct {
	DefinitionID  string                  `json:"definitionId,omitempty"`
	Statuses      []schema.InstanceStatus `json:"status,omitempty"`
	InitiatorType schema.InitiatorType    `json:"initiatorType,omitempty"`
	InitiatorID   string                  `json:"initiatorId,omitempty"`
	StartedAfter  *time.Time              `json:"startedAfter,omitempty"`
	StartedBefore *time.Time              `json:"startedBefore,omitempty"`
	Offset        int                     `json:"offset,omitempty"`
	Limit         int                     `json:"limit,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithActions sets the registry ai_action steps look actions up in.
func WithActions(lookup actions.ActionLookup) Option {
	return func(e *Engine) { e.actions = lookup }
}

// WithToolExecutor sets the executor tool_call steps dispatch to. Defaults to
// actions.EchoTool.
func WithToolExecutor(tools actions.ToolExecutor) Option {
	return func(e *Engine) { e.tools = tools }
}

// WithEvaluator shares a condition evaluator, typically the one the
// definition validator primed at registration.
func WithEvaluator(ev *expressions.Evaluator) Option {
	return func(e *Engine) { e.conditions = ev }
}

// WithTransformer shares a transform compiler cache.
func WithTransformer(t *expressions.Transformer) Option {
	return func(e *Engine) { e.transforms = t }
}

// WithSchemaValidator shares the JSON Schema cache used at registration.
func WithSchemaValidator(v *validation.SchemaValidator) Option {
	return func(e *Engine) { e.schemas = v }
}

// WithMaxConcurrent bounds how many instance loops run at once. n <= 0 means
// unbounded. Instances over the bound stay running and wait for a slot.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) { e.maxConcurrent = n }
}

// WithDefaultListLimit overrides DefaultListLimit.
func WithDefaultListLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.listLimit = n
		}
	}
}

// WithAutoContinue makes Resume and SubmitApproval re-drive the instance
// past the approval step instead of waiting for Continue.
func WithAutoContinue(enabled bool) Option {
	return func(e *Engine) { e.autoContinue = enabled }
}

// WithMeterProvider sets the OpenTelemetry meter provider. Defaults to the
// global provider.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = p }
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// instanceRun is the engine-side state of one instance. mu guards inst and
// driving; def and exec never change after Start.
type instanceRun struct {
	mu   sync.Mutex
	inst *schema.WorkflowInstance
	def  *schema.WorkflowDefinition
	exec *schema.ExecutionContext

	// driving is true while a loop owns the instance. It is cleared under mu
	// at the point the loop decides to stop, so Continue can never start a
	// second loop over a live one.
	driving bool

	// outbox holds events in the order their transitions happened, appended
	// under mu. flushing is set while one goroutine delivers them.
	outbox   []schema.WorkflowEvent
	flushing bool
}

// Engine starts and drives workflow instances. Instances live in memory;
// execution happens on a worker pool and is observed through GetInstance,
// ListInstances and event handlers.
type Engine struct {
	definitions DefinitionSource
	executor    *StepExecutor
	fsm         *InstanceFSM
	pool        *WorkerPool
	background  *WorkerPool
	schemas     *validation.SchemaValidator
	logger      *slog.Logger
	metrics     *engineMetrics

	// option values, consumed by New
	actions       actions.ActionLookup
	tools         actions.ToolExecutor
	conditions    *expressions.Evaluator
	transforms    *expressions.Transformer
	maxConcurrent int
	meterProvider metric.MeterProvider

	autoContinue bool
	listLimit    int
	now          func() time.Time

	handlersMu sync.RWMutex
	handlers   []EventHandler

	mu        sync.RWMutex
	instances map[string]*instanceRun

	baseCtx context.Context
	stop    context.CancelFunc
	closed  atomic.Bool
}

// New creates an Engine that resolves definitions through definitions.
func New(definitions DefinitionSource, opts ...Option) (*Engine, error) {
	if definitions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition source is nil")
	}

	e := &Engine{
		definitions: definitions,
		tools:       actions.EchoTool,
		listLimit:   DefaultListLimit,
		now:         time.Now,
		instances:   make(map[string]*instanceRun),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.conditions == nil {
		ev, err := expressions.NewEvaluator()
		if err != nil {
			return nil, err
		}
		e.conditions = ev
	}
	if e.transforms == nil {
		e.transforms = expressions.NewTransformer()
	}
	if e.schemas == nil {
		e.schemas = validation.NewSchemaValidator()
	}

	e.metrics = newEngineMetrics(e.meterProvider)
	e.fsm = NewInstanceFSM()
	e.fsm.OnAfter(e.metrics.transitionHook)

	e.pool = NewWorkerPool(e.maxConcurrent)
	e.background = NewWorkerPool(0)
	e.pool.OnPanic = e.logPanic("instance loop")
	e.background.OnPanic = e.logPanic("background branch")

	e.executor = &StepExecutor{
		actions:    e.actions,
		tools:      e.tools,
		conditions: e.conditions,
		transforms: e.transforms,
		background: e.background,
		logger:     e.logger,
		metrics:    e.metrics,
		now:        e.now,
	}

	e.baseCtx, e.stop = context.WithCancel(context.Background())
	return e, nil
}

func (e *Engine) logPanic(what string) func(any) {
	return func(r any) {
		e.logger.Error("worker panicked", "task", what, "panic", r)
	}
}

// --- Lifecycle operations ---

// Start creates an instance of definitionID, moves it to running and
// schedules its execution at the entry point. The returned snapshot is taken
// before any step runs. ec may be nil; its initiator defaults to "user".
func (e *Engine) Start(ctx context.Context, definitionID string, input map[string]any, ec *schema.ExecutionContext) (*schema.WorkflowInstance, error) {
	if e.closed.Load() {
		return nil, schema.NewError(schema.ErrCodeExecution, "engine is shut down").WithCause(ErrPoolShutdown)
	}

	def := e.definitions.GetDefinition(definitionID)
	if def == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", definitionID).
			WithDetails(map[string]any{"definition_id": definitionID})
	}
	if err := e.schemas.Validate(def.InputSchema, input); err != nil {
		return nil, err
	}

	exec := &schema.ExecutionContext{}
	if ec != nil {
		cp := *ec
		exec = &cp
	}
	if exec.Initiator.Type == "" {
		exec.Initiator.Type = schema.InitiatorUser
	}

	in := schema.DeepCopyMap(input)
	if in == nil {
		in = map[string]any{}
	}
	inst := &schema.WorkflowInstance{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		Status:       schema.InstanceStatusPending,
		Input:        in,
		StepResults:  make(map[string]*schema.WorkflowStepResult),
		Initiator:    exec.Initiator,
		StartedAt:    e.now().UTC(),
	}
	run := &instanceRun{inst: inst, def: def, exec: exec, driving: true}
	if err := e.fsm.Transition(inst, schema.InstanceStatusRunning); err != nil {
		return nil, err
	}
	snapshot := inst.Clone()
	run.queue(e.newEvent(inst, schema.EventStarted, "", map[string]any{"input": schema.DeepCopyMap(in)}))

	e.mu.Lock()
	e.instances[inst.ID] = run
	e.mu.Unlock()

	runCtx := e.instanceContext(run)
	e.metrics.instanceStarted(runCtx, def.ID)
	logging.LogWith(runCtx, e.logger).Info("workflow instance started",
		"initiator", string(inst.Initiator.Type),
		"entry_point", def.EntryPoint,
	)
	e.flush(runCtx, run)

	err := e.pool.Submit(e.baseCtx, func(context.Context) error {
		e.drive(e.instanceContext(run), run, def.EntryPoint, nil)
		return nil
	})
	if err != nil {
		e.fail(runCtx, run, schema.NewError(schema.ErrCodeExecution, "schedule instance").WithCause(err))
		return nil, err
	}
	return snapshot, nil
}

// Resume merges approvalInput into the output of the paused approval step
// and moves the instance back to running. Execution does not advance unless
// the engine was built WithAutoContinue; otherwise call Continue.
func (e *Engine) Resume(id string, approvalInput map[string]any) error {
	return e.resume(id, "", approvalInput)
}

// SubmitApproval resumes the instance paused at stepID with
// {approved, choice}. A different current step returns STEP_MISMATCH.
func (e *Engine) SubmitApproval(id, stepID string, approved bool, choice string) error {
	if stepID == "" {
		return schema.NewError(schema.ErrCodeValidation, "stepId is required")
	}
	in := map[string]any{"approved": approved}
	if choice != "" {
		in["choice"] = choice
	}
	return e.resume(id, stepID, in)
}

func (e *Engine) resume(id, expectStep string, approvalInput map[string]any) error {
	run, err := e.lookup(id)
	if err != nil {
		return err
	}

	run.mu.Lock()
	inst := run.inst
	if inst.Status != schema.InstanceStatusPaused {
		status := inst.Status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "instance %q is %s, not paused", id, status).
			WithDetails(map[string]any{"instance_id": id, "status": string(status)})
	}
	stepID := inst.CurrentStepID
	if expectStep != "" && expectStep != stepID {
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeStepMismatch, "instance %q is waiting at step %q, not %q", id, stepID, expectStep).
			WithStep(expectStep).
			WithDetails(map[string]any{"instance_id": id, "current_step_id": stepID})
	}

	// Results handed out by GetInstance are clones, but events and nested
	// scopes may still hold the old pointer: replace, never mutate.
	updated := inst.StepResults[stepID].Clone()
	if updated == nil {
		updated = &schema.WorkflowStepResult{StepID: stepID, Status: schema.StepStatusCompleted, Attempts: 1}
	}
	out, _ := updated.Output.(map[string]any)
	if out == nil {
		out = make(map[string]any, len(approvalInput)+1)
	}
	for k, v := range approvalInput {
		out[k] = schema.DeepCopyAny(v)
	}
	out["waitingForApproval"] = false
	updated.Output = out
	inst.StepResults[stepID] = updated

	if err := e.fsm.Transition(inst, schema.InstanceStatusRunning); err != nil {
		run.mu.Unlock()
		return err
	}
	run.queue(e.newEvent(inst, schema.EventResumed, stepID, map[string]any{"approvalInput": schema.DeepCopyMap(approvalInput)}))
	run.mu.Unlock()

	ctx := e.instanceContext(run)
	logging.LogWith(ctx, e.logger).Info("workflow instance resumed", "step_id", stepID)
	e.flush(ctx, run)

	if e.autoContinue {
		if err := e.Continue(id); err != nil {
			logging.LogWith(ctx, e.logger).Warn("auto-continue failed", "error", err.Error())
		}
	}
	return nil
}

// Continue re-drives a resumed instance: the next step is resolved from the
// approval step's merged output and the main loop proceeds from there.
func (e *Engine) Continue(id string) error {
	if e.closed.Load() {
		return schema.NewError(schema.ErrCodeExecution, "engine is shut down").WithCause(ErrPoolShutdown)
	}
	run, err := e.lookup(id)
	if err != nil {
		return err
	}

	run.mu.Lock()
	inst := run.inst
	if inst.Status != schema.InstanceStatusRunning {
		status := inst.Status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "instance %q is %s; only running instances can continue", id, status).
			WithDetails(map[string]any{"instance_id": id, "status": string(status)})
	}
	if run.driving {
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q is already executing", id)
	}
	step := run.def.Step(inst.CurrentStepID)
	res := inst.StepResults[inst.CurrentStepID]
	if step == nil || step.Type != schema.StepTypeHumanApproval || res == nil {
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "instance %q is not at a resumed approval step", id)
	}
	run.driving = true
	input, results := inst.Input, snapshotResults(inst)
	run.mu.Unlock()

	err = e.pool.Submit(e.baseCtx, func(context.Context) error {
		ctx := e.instanceContext(run)
		next, err := e.resolveNext(ctx, step, res, input, results)
		if err != nil {
			e.fail(ctx, run, err)
			return nil
		}
		e.drive(ctx, run, next, res)
		return nil
	})
	if err != nil {
		run.mu.Lock()
		run.driving = false
		run.mu.Unlock()
		return schema.NewError(schema.ErrCodeExecution, "schedule instance").WithCause(err)
	}
	return nil
}

// Cancel moves a non-terminal instance to cancelled. A step already in
// flight finishes on its own and its result is recorded, but no further step
// starts.
func (e *Engine) Cancel(id string) error {
	run, err := e.lookup(id)
	if err != nil {
		return err
	}

	run.mu.Lock()
	inst := run.inst
	if inst.Status.IsTerminal() {
		status := inst.Status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "instance %q is already %s", id, status).
			WithDetails(map[string]any{"instance_id": id, "status": string(status)})
	}
	if err := e.fsm.Transition(inst, schema.InstanceStatusCancelled); err != nil {
		run.mu.Unlock()
		return err
	}
	done := e.now().UTC()
	inst.CompletedAt = &done
	run.queue(e.newEvent(inst, schema.EventCancelled, inst.CurrentStepID, nil))
	run.mu.Unlock()

	ctx := e.instanceContext(run)
	logging.LogWith(ctx, e.logger).Info("workflow instance cancelled")
	e.flush(ctx, run)
	return nil
}

// GetInstance returns a snapshot of the instance, or nil when unknown.
func (e *Engine) GetInstance(id string) *schema.WorkflowInstance {
	e.mu.RLock()
	run, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.inst.Clone()
}

// ListInstances returns snapshots matching f, ordered by start time then id,
// after applying Offset and Limit.
func (e *Engine) ListInstances(f InstanceFilter) []*schema.WorkflowInstance {
	e.mu.RLock()
	runs := make([]*instanceRun, 0, len(e.instances))
	for _, run := range e.instances {
		runs = append(runs, run)
	}
	e.mu.RUnlock()

	matched := make([]*schema.WorkflowInstance, 0, len(runs))
	for _, run := range runs {
		run.mu.Lock()
		if f.matches(run.inst) {
			matched = append(matched, run.inst.Clone())
		}
		run.mu.Unlock()
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})

	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []*schema.WorkflowInstance{}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = e.listLimit
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

func (f InstanceFilter) matches(inst *schema.WorkflowInstance) bool {
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if inst.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.InitiatorType != "" && inst.Initiator.Type != f.InitiatorType {
		return false
	}
	if f.InitiatorID != "" && inst.Initiator.ID != f.InitiatorID {
		return false
	}
	if f.StartedAfter != nil && !inst.StartedAt.After(*f.StartedAfter) {
		return false
	}
	if f.StartedBefore != nil && !inst.StartedAt.Before(*f.StartedBefore) {
		return false
	}
	return true
}

// PoolMetrics reports the instance pool and the background branch pool.
func (e *Engine) PoolMetrics() (instances, background PoolMetrics) {
	return e.pool.Metrics(), e.background.Metrics()
}

// Shutdown stops accepting starts and waits for running loops and background
// branches. When ctx expires first, in-flight steps are cancelled and ctx's
// error is returned. Paused instances are left as they are.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closed.Store(true)
	defer e.stop()

	if err := e.pool.Shutdown(ctx); err != nil {
		return err
	}
	return e.background.Shutdown(ctx)
}

func (e *Engine) lookup(id string) (*instanceRun, error) {
	e.mu.RLock()
	run, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %q not found", id).
			WithDetails(map[string]any{"instance_id": id})
	}
	return run, nil
}

func (e *Engine) instanceContext(run *instanceRun) context.Context {
	ctx := logging.WithDefinitionID(e.baseCtx, run.def.ID)
	return logging.WithInstanceID(ctx, run.inst.ID)
}

func snapshotResults(inst *schema.WorkflowInstance) map[string]*schema.WorkflowStepResult {
	results := make(map[string]*schema.WorkflowStepResult, len(inst.StepResults))
	for id, r := range inst.StepResults {
		results[id] = r
	}
	return results
}

// asWorkflowError returns err as a *WorkflowError, wrapping foreign errors
// as EXECUTION_ERROR.
func asWorkflowError(err error) *schema.WorkflowError {
	var werr *schema.WorkflowError
	if errors.As(err, &werr) {
		return werr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}
