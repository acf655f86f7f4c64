package schema

import (
	"context"
	"log/slog"
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the outcome state of one step execution.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// InitiatorType identifies who started an instance.
type InitiatorType string

const (
	InitiatorUser   InitiatorType = "user"
	InitiatorSystem InitiatorType = "system"
)

// Initiator records who started an instance.
type Initiator struct {
	Type InitiatorType `json:"type"`
	ID   string        `json:"id,omitempty"`
}

// WorkflowStepResult is the per-step outcome recorded on an instance.
type WorkflowStepResult struct {
	StepID      string     `json:"stepId"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Attempts    int        `json:"attempts"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *WorkflowStepResult) Clone() *WorkflowStepResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.Output = DeepCopyAny(r.Output)
	return &cp
}

// WorkflowInstance is one execution of a definition.
type WorkflowInstance struct {
	ID            string                         `json:"id"`
	DefinitionID  string                         `json:"definitionId"`
	Status        InstanceStatus                 `json:"status"`
	Input         map[string]any                 `json:"input,omitempty"`
	CurrentStepID string                         `json:"currentStepId,omitempty"`
	StepResults   map[string]*WorkflowStepResult `json:"stepResults"`
	Output        any                            `json:"output,omitempty"`
	Error         *WorkflowError                 `json:"error,omitempty"`
	Initiator     Initiator                      `json:"initiator"`
	StartedAt     time.Time                      `json:"startedAt"`
	CompletedAt   *time.Time                     `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the instance.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Input = DeepCopyMap(i.Input)
	cp.Output = DeepCopyAny(i.Output)
	cp.Error = i.Error.Clone()
	cp.CompletedAt = cloneTime(i.CompletedAt)
	cp.StepResults = make(map[string]*WorkflowStepResult, len(i.StepResults))
	for id, r := range i.StepResults {
		cp.StepResults[id] = r.Clone()
	}
	return &cp
}

// ExecutionContext is passed unchanged to every step handler.
type ExecutionContext struct {
	Auth       map[string]any    `json:"auth,omitempty"`
	NodeConfig map[string]any    `json:"nodeConfig,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Initiator  Initiator         `json:"initiator"`
	Logger     *slog.Logger      `json:"-"`
}

// Log writes a message through the context logger at the given level.
func (c *ExecutionContext) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if c == nil || c.Logger == nil {
		return
	}
	c.Logger.Log(ctx, level, msg, args...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
