package schema

import "time"

// EventType names an engine lifecycle event.
type EventType string

const (
	EventStarted          EventType = "started"
	EventStepStarted      EventType = "step_started"
	EventStepCompleted    EventType = "step_completed"
	EventStepFailed       EventType = "step_failed"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventCancelled        EventType = "cancelled"
	EventApprovalRequired EventType = "approval_required"
	EventResumed          EventType = "resumed"
)

// IsTerminal reports whether the event closes an instance's lifecycle.
func (t EventType) IsTerminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// WorkflowEvent is delivered to every registered event handler.
type WorkflowEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	InstanceID   string         `json:"instanceId"`
	DefinitionID string         `json:"definitionId"`
	StepID       string         `json:"stepId,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data,omitempty"`
}
