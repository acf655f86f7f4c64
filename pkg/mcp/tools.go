package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleRegister validates and registers a definition passed as an object.
func (s *Server) handleRegister(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["definition"]
	if !ok || raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	if err := s.definitions.Register(&def); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.Info("definition registered", "definition_id", def.ID, "version", def.Version)

	return marshalResult(map[string]any{
		"ok":            true,
		"definition_id": def.ID,
		"version":       def.Version,
	})
}

func (s *Server) handleUnregister(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	if !s.definitions.Unregister(id) {
		return mcp.NewToolResultError(schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", id).Error()), nil
	}
	return marshalResult(map[string]any{"ok": true, "definition_id": id})
}

func (s *Server) handleDefinitions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summaries := s.definitions.Summaries()
	return marshalResult(map[string]any{
		"definitions": summaries,
		"total":       len(summaries),
	})
}

func (s *Server) handleDefinition(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	def := s.definitions.GetDefinition(id)
	if def == nil {
		return mcp.NewToolResultError(schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", id).Error()), nil
	}
	return marshalResult(def)
}

// handleStart starts an instance and returns its state right after start.
// The calling session is recorded so instance events can be pushed to it.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	exec := &schema.ExecutionContext{
		Auth: mcp.ParseStringMap(req, "auth", nil),
		Initiator: schema.Initiator{
			Type: schema.InitiatorUser,
			ID:   req.GetString("initiator_id", ""),
		},
	}

	// Instances outlive the tool call.
	inst, err := s.engine.Start(context.WithoutCancel(ctx), definitionID, input, exec)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.captureSession(ctx, inst.ID)

	return marshalResult(inst)
}

// handleStatus returns the live instance, falling back to the journal for
// instances the engine no longer holds.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	if inst := s.engine.GetInstance(id); inst != nil {
		return marshalResult(inst)
	}
	if s.journal != nil {
		rec, jerr := s.journal.GetInstance(ctx, id)
		if jerr == nil {
			return marshalResult(rec.Instance)
		}
		if !schema.HasCode(jerr, schema.ErrCodeNotFound) {
			return mcp.NewToolResultError(jerr.Error()), nil
		}
	}
	return mcp.NewToolResultError(schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %q not found", id).Error()), nil
}

func (s *Server) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := engine.InstanceFilter{
		DefinitionID:  req.GetString("definition_id", ""),
		InitiatorType: schema.InitiatorType(req.GetString("initiator_type", "")),
		InitiatorID:   req.GetString("initiator_id", ""),
		Offset:        req.GetInt("offset", 0),
		Limit:         req.GetInt("limit", 0),
	}
	for _, st := range req.GetStringSlice("statuses", nil) {
		filter.Statuses = append(filter.Statuses, schema.InstanceStatus(st))
	}

	var err error
	if filter.StartedAfter, err = parseTime(req, "started_after"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if filter.StartedBefore, err = parseTime(req, "started_before"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	instances := s.engine.ListInstances(filter)
	return marshalResult(map[string]any{
		"instances": instances,
		"total":     len(instances),
	})
}

func parseTime(req mcp.CallToolRequest, key string) (*time.Time, error) {
	raw := req.GetString(key, "")
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp: %w", key, err)
	}
	return &t, nil
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	s.captureSession(ctx, id)
	if err := s.engine.Resume(id, mcp.ParseStringMap(req, "input", nil)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.instanceResult(id)
}

func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	s.captureSession(ctx, id)

	if err := s.engine.SubmitApproval(id, stepID, approved, req.GetString("choice", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.instanceResult(id)
}

func (s *Server) handleContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	s.captureSession(ctx, id)
	if err := s.engine.Continue(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.instanceResult(id)
}

func (s *Server) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	if err := s.engine.Cancel(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.instanceResult(id)
}

func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	if s.journal == nil {
		return mcp.NewToolResultError("event journal is not configured"), nil
	}

	entries, err := s.journal.ListEvents(ctx, id, int64(req.GetInt("since", 0)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	return marshalResult(map[string]any{
		"instance_id": id,
		"events":      entries,
		"total":       len(entries),
	})
}

// handleDiagram renders a definition, or the definition of an instance with
// its step results overlaid.
func (s *Server) handleDiagram(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid or image"), nil
	}

	definitionID := req.GetString("definition_id", "")
	instanceID := req.GetString("instance_id", "")
	if definitionID == "" && instanceID == "" {
		return mcp.NewToolResultError("one of definition_id or instance_id is required"), nil
	}

	var results map[string]*schema.WorkflowStepResult
	if instanceID != "" {
		inst := s.engine.GetInstance(instanceID)
		if inst == nil {
			return mcp.NewToolResultError(schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %q not found", instanceID).Error()), nil
		}
		definitionID = inst.DefinitionID
		results = inst.StepResults
	}

	def := s.definitions.GetDefinition(definitionID)
	if def == nil {
		return mcp.NewToolResultError(schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", definitionID).Error()), nil
	}

	model, err := diagram.Build(def, results)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	if format == "mermaid" {
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
	png, err := diagram.RenderImage(model)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
	}
	return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
}

// --- Helpers ---

func (s *Server) instanceResult(id string) (*mcp.CallToolResult, error) {
	inst := s.engine.GetInstance(id)
	if inst == nil {
		return mcp.NewToolResultError(schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %q not found", id).Error()), nil
	}
	return marshalResult(inst)
}

// captureSession records the calling MCP session as the watcher of instanceID.
func (s *Server) captureSession(ctx context.Context, instanceID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(instanceID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
