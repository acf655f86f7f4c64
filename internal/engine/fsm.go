package engine

import (
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// TransitionHook is called after an instance changes status.
type TransitionHook func(inst *schema.WorkflowInstance, from, to schema.InstanceStatus)

// ValidInstanceTransitions defines the allowed instance status transitions.
// Terminal statuses have no outgoing edges.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusPending:   {schema.InstanceStatusRunning, schema.InstanceStatusCancelled},
	schema.InstanceStatusRunning:   {schema.InstanceStatusPaused, schema.InstanceStatusCompleted, schema.InstanceStatusFailed, schema.InstanceStatusCancelled},
	schema.InstanceStatusPaused:    {schema.InstanceStatusRunning, schema.InstanceStatusCancelled},
	schema.InstanceStatusCompleted: {},
	schema.InstanceStatusFailed:    {},
	schema.InstanceStatusCancelled: {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.InstanceStatus) bool {
	for _, a := range ValidInstanceTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// InstanceFSM applies status transitions to instances. Callers hold the
// instance's own lock; the FSM only guards its hook table.
type InstanceFSM struct {
	mu    sync.RWMutex
	after []TransitionHook
}

// NewInstanceFSM creates an InstanceFSM with no hooks.
func NewInstanceFSM() *InstanceFSM {
	return &InstanceFSM{}
}

// OnAfter registers a hook called after every successful transition.
func (f *InstanceFSM) OnAfter(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Transition moves inst to status to. An illegal move returns
// INVALID_TRANSITION and leaves inst untouched.
func (f *InstanceFSM) Transition(inst *schema.WorkflowInstance, to schema.InstanceStatus) error {
	from := inst.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": inst.ID, "from": string(from), "to": string(to)})
	}
	inst.Status = to

	f.mu.RLock()
	hooks := f.after
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(inst, from, to)
	}
	return nil
}
