package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// EventNotificationMethod is the MCP notification method used for instance events.
const EventNotificationMethod = "notifications/workflow_event"

// NotificationSender delivers a notification to one MCP session.
// *server.MCPServer satisfies it.
type NotificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier forwards hub events to the session watching each instance.
type Notifier struct {
	sender   NotificationSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a notifier that pushes through sender.
func NewNotifier(sender NotificationSender, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{sender: sender, sessions: sessions, logger: logger}
}

// Run subscribes to hub and forwards events until ctx is done or the hub
// closes.
func (n *Notifier) Run(ctx context.Context, hub *streaming.Hub) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := n.Notify(ev); err != nil {
				n.logger.Warn("event notification failed",
					"instance_id", ev.InstanceID,
					"event", string(ev.Type),
					"error", err.Error(),
				)
			}
		}
	}
}

// Notify sends ev to the session watching its instance.
// Best-effort: returns nil if no session is watching.
func (n *Notifier) Notify(ev schema.WorkflowEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.InstanceID)
	if !ok {
		return nil
	}
	if ev.Type.IsTerminal() {
		n.sessions.Forget(ev.InstanceID)
	}

	err := n.sender.SendNotificationToSpecificClient(sessionID, EventNotificationMethod, eventParams(ev))
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func eventParams(ev schema.WorkflowEvent) map[string]any {
	params := map[string]any{
		"id":           ev.ID,
		"type":         string(ev.Type),
		"instanceId":   ev.InstanceID,
		"definitionId": ev.DefinitionID,
		"timestamp":    ev.Timestamp,
	}
	if ev.StepID != "" {
		params["stepId"] = ev.StepID
	}
	if ev.Data != nil {
		params["data"] = ev.Data
	}
	return params
}
