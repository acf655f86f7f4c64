package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/registry"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

const waitFor = 2 * time.Second

type testEnv struct {
	srv     *Server
	engine  *engine.Engine
	reg     *registry.Registry
	journal *store.Journal
}

func newTestEnv(t *testing.T, withJournal bool) *testEnv {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	tr := expressions.NewTransformer()
	sv := validation.NewSchemaValidator()
	reg := registry.New(validation.New(
		validation.WithConditionCompiler(ev),
		validation.WithTransformCompiler(tr),
		validation.WithSchemaValidator(sv),
	))
	eng, err := engine.New(reg, engine.WithEvaluator(ev), engine.WithTransformer(tr), engine.WithSchemaValidator(sv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	env := &testEnv{engine: eng, reg: reg}
	if withJournal {
		j, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
		require.NoError(t, err)
		require.NoError(t, j.Migrate(context.Background()))
		t.Cleanup(func() { _ = j.Close() })
		eng.AddEventHandler(j.Handler(eng.GetInstance, reg.FingerprintOf))
		env.journal = j
	}

	env.srv = NewServer(ServerDeps{
		Engine:      eng,
		Definitions: reg,
		Journal:     env.journal,
		Version:     "test",
	})
	return env
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func echoDefinition() map[string]any {
	return map[string]any{
		"id":         "echo",
		"name":       "Echo",
		"version":    "1.0.0",
		"entryPoint": "s1",
		"steps": []any{
			map[string]any{
				"id":     "s1",
				"type":   "transform",
				"config": map[string]any{"type": "transform", "expression": "$.msg"},
			},
		},
	}
}

func approvalDefinition() map[string]any {
	return map[string]any{
		"id":         "release",
		"name":       "Release",
		"version":    "1.0.0",
		"entryPoint": "gate",
		"steps": []any{
			map[string]any{
				"id":     "gate",
				"type":   "human_approval",
				"config": map[string]any{"type": "human_approval", "message": "ship it?", "choices": []any{"now", "later"}},
				"next":   "deploy",
			},
			map[string]any{
				"id":           "deploy",
				"type":         "transform",
				"config":       map[string]any{"type": "transform", "expression": "$.choice"},
				"inputMapping": map[string]any{"choice": map[string]any{"type": "ref", "stepId": "gate", "path": "choice"}},
			},
		},
	}
}

func (e *testEnv) call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := handler(context.Background(), buildRequest(tool, args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (e *testEnv) register(t *testing.T, def map[string]any) {
	t.Helper()
	res := e.call(t, e.srv.handleRegister, "workflow.register", map[string]any{"definition": def})
	require.False(t, res.IsError, extractText(t, res))
}

func (e *testEnv) waitStatus(t *testing.T, id string, status schema.InstanceStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst := e.engine.GetInstance(id)
		return inst != nil && inst.Status == status
	}, waitFor, 5*time.Millisecond)
}

// --- Tests ---

func TestRegisterTool(t *testing.T) {
	env := newTestEnv(t, false)

	res := env.call(t, env.srv.handleRegister, "workflow.register", map[string]any{"definition": echoDefinition()})
	var out map[string]any
	unmarshalResult(t, res, &out)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "echo", out["definition_id"])
	assert.True(t, env.reg.Has("echo"))
}

func TestRegisterTool_Errors(t *testing.T) {
	env := newTestEnv(t, false)

	res := env.call(t, env.srv.handleRegister, "workflow.register", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "definition is required")

	invalid := echoDefinition()
	invalid["entryPoint"] = "missing"
	res = env.call(t, env.srv.handleRegister, "workflow.register", map[string]any{"definition": invalid})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeValidation)

	bad := echoDefinition()
	bad["steps"] = "not a list"
	res = env.call(t, env.srv.handleRegister, "workflow.register", map[string]any{"definition": bad})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "invalid definition")
}

func TestDefinitionTools(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, echoDefinition())
	env.register(t, approvalDefinition())

	var list struct {
		Definitions []registry.DefinitionSummary `json:"definitions"`
		Total       int                          `json:"total"`
	}
	unmarshalResult(t, env.call(t, env.srv.handleDefinitions, "workflow.definitions", nil), &list)
	assert.Equal(t, 2, list.Total)

	var def schema.WorkflowDefinition
	unmarshalResult(t, env.call(t, env.srv.handleDefinition, "workflow.definition", map[string]any{"definition_id": "release"}), &def)
	assert.Equal(t, "gate", def.EntryPoint)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, schema.StepTypeHumanApproval, def.Steps[0].Type)

	res := env.call(t, env.srv.handleDefinition, "workflow.definition", map[string]any{"definition_id": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)

	res = env.call(t, env.srv.handleUnregister, "workflow.unregister", map[string]any{"definition_id": "echo"})
	assert.False(t, res.IsError)
	assert.False(t, env.reg.Has("echo"))

	res = env.call(t, env.srv.handleUnregister, "workflow.unregister", map[string]any{"definition_id": "echo"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)
}

func TestStartAndStatusTools(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, echoDefinition())

	var started schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleStart, "workflow.start", map[string]any{
		"definition_id": "echo",
		"input":         map[string]any{"msg": "hello"},
		"initiator_id":  "u-1",
	}), &started)
	require.NotEmpty(t, started.ID)
	assert.Equal(t, "echo", started.DefinitionID)
	assert.Equal(t, schema.InitiatorUser, started.Initiator.Type)
	assert.Equal(t, "u-1", started.Initiator.ID)

	env.waitStatus(t, started.ID, schema.InstanceStatusCompleted)

	var status schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleStatus, "workflow.status", map[string]any{"instance_id": started.ID}), &status)
	assert.Equal(t, schema.InstanceStatusCompleted, status.Status)
	assert.Equal(t, "hello", status.Output)
}

func TestStartTool_Errors(t *testing.T) {
	env := newTestEnv(t, false)

	res := env.call(t, env.srv.handleStart, "workflow.start", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "definition_id is required")

	res = env.call(t, env.srv.handleStart, "workflow.start", map[string]any{"definition_id": "ghost"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)
}

func TestStatusTool_NotFound(t *testing.T) {
	env := newTestEnv(t, false)

	res := env.call(t, env.srv.handleStatus, "workflow.status", map[string]any{"instance_id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)
}

func TestStatusTool_FallsBackToJournal(t *testing.T) {
	env := newTestEnv(t, true)

	inst := &schema.WorkflowInstance{
		ID:           "archived-1",
		DefinitionID: "echo",
		Status:       schema.InstanceStatusCompleted,
		Initiator:    schema.Initiator{Type: schema.InitiatorSystem, ID: "schedule:nightly"},
		Input:        map[string]any{},
		StepResults:  map[string]*schema.WorkflowStepResult{},
		StartedAt:    time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, env.journal.SaveInstance(context.Background(), inst, "fp"))

	var status schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleStatus, "workflow.status", map[string]any{"instance_id": "archived-1"}), &status)
	assert.Equal(t, schema.InstanceStatusCompleted, status.Status)
	assert.Equal(t, "schedule:nightly", status.Initiator.ID)
}

func TestListTool(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, echoDefinition())
	env.register(t, approvalDefinition())

	var echo, release schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleStart, "workflow.start", map[string]any{
		"definition_id": "echo", "input": map[string]any{"msg": "a"},
	}), &echo)
	unmarshalResult(t, env.call(t, env.srv.handleStart, "workflow.start", map[string]any{
		"definition_id": "release", "initiator_id": "ops",
	}), &release)
	env.waitStatus(t, echo.ID, schema.InstanceStatusCompleted)
	env.waitStatus(t, release.ID, schema.InstanceStatusPaused)

	type listResult struct {
		Instances []schema.WorkflowInstance `json:"instances"`
		Total     int                       `json:"total"`
	}

	var all listResult
	unmarshalResult(t, env.call(t, env.srv.handleList, "workflow.list", nil), &all)
	assert.Equal(t, 2, all.Total)

	var paused listResult
	unmarshalResult(t, env.call(t, env.srv.handleList, "workflow.list", map[string]any{
		"statuses": []any{"paused"},
	}), &paused)
	require.Equal(t, 1, paused.Total)
	assert.Equal(t, release.ID, paused.Instances[0].ID)

	var byInitiator listResult
	unmarshalResult(t, env.call(t, env.srv.handleList, "workflow.list", map[string]any{
		"initiator_type": "user",
		"initiator_id":   "ops",
	}), &byInitiator)
	require.Equal(t, 1, byInitiator.Total)
	assert.Equal(t, "release", byInitiator.Instances[0].DefinitionID)

	var limited listResult
	unmarshalResult(t, env.call(t, env.srv.handleList, "workflow.list", map[string]any{"limit": float64(1)}), &limited)
	assert.Equal(t, 1, limited.Total)

	var future listResult
	unmarshalResult(t, env.call(t, env.srv.handleList, "workflow.list", map[string]any{
		"started_after": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}), &future)
	assert.Equal(t, 0, future.Total)

	res := env.call(t, env.srv.handleList, "workflow.list", map[string]any{"started_before": "yesterday"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "started_before")
}

func TestApprovalTools(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, approvalDefinition())

	var inst schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleStart, "workflow.start", map[string]any{"definition_id": "release"}), &inst)
	env.waitStatus(t, inst.ID, schema.InstanceStatusPaused)

	res := env.call(t, env.srv.handleApprove, "workflow.approve", map[string]any{
		"instance_id": inst.ID, "step_id": "other", "approved": true,
	})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeStepMismatch)

	res = env.call(t, env.srv.handleApprove, "workflow.approve", map[string]any{
		"instance_id": inst.ID, "step_id": "gate",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "approved is required")

	var resumed schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleApprove, "workflow.approve", map[string]any{
		"instance_id": inst.ID, "step_id": "gate", "approved": true, "choice": "now",
	}), &resumed)
	assert.Equal(t, schema.InstanceStatusRunning, resumed.Status)
	gate := resumed.StepResults["gate"]
	require.NotNil(t, gate)
	assert.Equal(t, map[string]any{
		"waitingForApproval": false,
		"message":            "ship it?",
		"choices":            []any{"now", "later"},
		"approved":           true,
		"choice":             "now",
	}, gate.Output)

	res = env.call(t, env.srv.handleContinue, "workflow.continue", map[string]any{"instance_id": inst.ID})
	require.False(t, res.IsError, extractText(t, res))
	env.waitStatus(t, inst.ID, schema.InstanceStatusCompleted)
	assert.Equal(t, "now", env.engine.GetInstance(inst.ID).Output)
}

func TestResumeTool(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, approvalDefinition())

	var inst schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleStart, "workflow.start", map[string]any{"definition_id": "release"}), &inst)
	env.waitStatus(t, inst.ID, schema.InstanceStatusPaused)

	var resumed schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleResume, "workflow.resume", map[string]any{
		"instance_id": inst.ID,
		"input":       map[string]any{"choice": "later"},
	}), &resumed)
	assert.Equal(t, schema.InstanceStatusRunning, resumed.Status)

	res := env.call(t, env.srv.handleResume, "workflow.resume", map[string]any{"instance_id": inst.ID})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeInvalidTransition)

	unmarshalResult(t, env.call(t, env.srv.handleContinue, "workflow.continue", map[string]any{"instance_id": inst.ID}), &resumed)
	env.waitStatus(t, inst.ID, schema.InstanceStatusCompleted)
	assert.Equal(t, "later", env.engine.GetInstance(inst.ID).Output)
}

func TestCancelTool(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, approvalDefinition())

	var inst schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleStart, "workflow.start", map[string]any{"definition_id": "release"}), &inst)
	env.waitStatus(t, inst.ID, schema.InstanceStatusPaused)

	var cancelled schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleCancel, "workflow.cancel", map[string]any{"instance_id": inst.ID}), &cancelled)
	assert.Equal(t, schema.InstanceStatusCancelled, cancelled.Status)

	res := env.call(t, env.srv.handleCancel, "workflow.cancel", map[string]any{"instance_id": inst.ID})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeInvalidTransition)

	res = env.call(t, env.srv.handleCancel, "workflow.cancel", map[string]any{"instance_id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)
}

func TestEventsTool(t *testing.T) {
	env := newTestEnv(t, true)
	env.register(t, echoDefinition())

	var inst schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleStart, "workflow.start", map[string]any{
		"definition_id": "echo", "input": map[string]any{"msg": "hi"},
	}), &inst)
	env.waitStatus(t, inst.ID, schema.InstanceStatusCompleted)
	require.Eventually(t, func() bool {
		entries, err := env.journal.ListEvents(context.Background(), inst.ID, 0)
		return err == nil && len(entries) == 4
	}, waitFor, 5*time.Millisecond)

	var out struct {
		Events []store.Entry `json:"events"`
		Total  int           `json:"total"`
	}
	unmarshalResult(t, env.call(t, env.srv.handleEvents, "workflow.events", map[string]any{"instance_id": inst.ID}), &out)
	require.Equal(t, 4, out.Total)
	assert.Equal(t, schema.EventStarted, out.Events[0].Event.Type)
	assert.Equal(t, schema.EventCompleted, out.Events[3].Event.Type)

	unmarshalResult(t, env.call(t, env.srv.handleEvents, "workflow.events", map[string]any{
		"instance_id": inst.ID, "since": float64(2),
	}), &out)
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, int64(3), out.Events[0].Sequence)
}

func TestEventsTool_RequiresJournal(t *testing.T) {
	env := newTestEnv(t, false)

	res := env.call(t, env.srv.handleEvents, "workflow.events", map[string]any{"instance_id": "x"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "journal is not configured")
}

func TestRequiredArguments(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		tool    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		want    string
	}{
		{"workflow.unregister", env.srv.handleUnregister, "definition_id is required"},
		{"workflow.definition", env.srv.handleDefinition, "definition_id is required"},
		{"workflow.status", env.srv.handleStatus, "instance_id is required"},
		{"workflow.resume", env.srv.handleResume, "instance_id is required"},
		{"workflow.approve", env.srv.handleApprove, "instance_id is required"},
		{"workflow.continue", env.srv.handleContinue, "instance_id is required"},
		{"workflow.cancel", env.srv.handleCancel, "instance_id is required"},
		{"workflow.events", env.srv.handleEvents, "instance_id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res := env.call(t, tt.handler, tt.tool, map[string]any{})
			assert.True(t, res.IsError)
			assert.Contains(t, extractText(t, res), tt.want)
		})
	}
}

func TestDiagramTool(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, approvalDefinition())

	res := env.call(t, env.srv.handleDiagram, "workflow.diagram", map[string]any{
		"definition_id": "release", "format": "mermaid",
	})
	require.False(t, res.IsError, extractText(t, res))
	text := extractText(t, res)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "gate --> deploy")
	assert.NotContains(t, text, "class gate")

	var inst schema.WorkflowInstance
	unmarshalResult(t, env.call(t, env.srv.handleStart, "workflow.start", map[string]any{"definition_id": "release"}), &inst)
	env.waitStatus(t, inst.ID, schema.InstanceStatusPaused)

	res = env.call(t, env.srv.handleDiagram, "workflow.diagram", map[string]any{
		"instance_id": inst.ID, "format": "mermaid",
	})
	require.False(t, res.IsError, extractText(t, res))
	assert.Contains(t, extractText(t, res), "class gate completed")
}

func TestDiagramTool_Errors(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing format", map[string]any{"definition_id": "x"}, "format is required"},
		{"bad format", map[string]any{"definition_id": "x", "format": "ascii"}, "format must be mermaid or image"},
		{"no target", map[string]any{"format": "mermaid"}, "one of definition_id or instance_id is required"},
		{"unknown definition", map[string]any{"definition_id": "x", "format": "mermaid"}, schema.ErrCodeNotFound},
		{"unknown instance", map[string]any{"instance_id": "x", "format": "mermaid"}, schema.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.call(t, env.srv.handleDiagram, "workflow.diagram", tt.args)
			assert.True(t, res.IsError)
			assert.Contains(t, extractText(t, res), tt.want)
		})
	}
}
