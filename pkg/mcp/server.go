// Package mcp exposes the workflow engine and definition registry as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/registry"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// Engine is the instance surface the tools drive; *engine.Engine satisfies it.
type Engine interface {
	Start(ctx context.Context, definitionID string, input map[string]any, exec *schema.ExecutionContext) (*schema.WorkflowInstance, error)
	GetInstance(id string) *schema.WorkflowInstance
	ListInstances(filter engine.InstanceFilter) []*schema.WorkflowInstance
	Resume(id string, input map[string]any) error
	SubmitApproval(id, stepID string, approved bool, choice string) error
	Continue(id string) error
	Cancel(id string) error
}

// Definitions is the registry surface the tools drive; *registry.Registry
// satisfies it.
type Definitions interface {
	Register(def *schema.WorkflowDefinition) error
	Unregister(id string) bool
	GetDefinition(id string) *schema.WorkflowDefinition
	Summaries() []registry.DefinitionSummary
}

// ServerDeps holds the dependencies of a Server. Journal and Hub are optional.
type ServerDeps struct {
	Engine      Engine
	Definitions Definitions
	Journal     *store.Journal
	Hub         *streaming.Hub
	Logger      *slog.Logger
	Version     string
}

// Server wraps an MCP server with the workflow tool handlers.
type Server struct {
	engine      Engine
	definitions Definitions
	journal     *store.Journal
	hub         *streaming.Hub
	logger      *slog.Logger
	sessions    *SessionRegistry
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with every workflow tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:      deps.Engine,
		definitions: deps.Definitions,
		journal:     deps.Journal,
		hub:         deps.Hub,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("stepflow runs registered workflow definitions. Register a definition with workflow.register, "+
			"start it with workflow.start and poll workflow.status. Instances paused at a human_approval step are "+
			"answered with workflow.approve or workflow.resume, then advanced with workflow.continue."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
// With a hub configured, instance events are pushed to the session that
// started the instance.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewNotifier(s.mcpServer, s.sessions, s.logger)
		go func() {
			if err := notifier.Run(ctx, s.hub); err != nil && ctx.Err() == nil {
				s.logger.Warn("event notifier stopped", "error", err.Error())
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for tests or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: unregisterTool(), Handler: s.handleUnregister},
		{Tool: definitionsTool(), Handler: s.handleDefinitions},
		{Tool: definitionTool(), Handler: s.handleDefinition},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: continueTool(), Handler: s.handleContinue},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func registerTool() mcp.Tool {
	return mcp.NewTool("workflow.register",
		mcp.WithDescription("Validate and register a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: id, name, version, entryPoint, steps")),
	)
}

func unregisterTool() mcp.Tool {
	return mcp.NewTool("workflow.unregister",
		mcp.WithDescription("Remove a registered workflow definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the definition to remove")),
	)
}

func definitionsTool() mcp.Tool {
	return mcp.NewTool("workflow.definitions",
		mcp.WithDescription("List registered workflow definitions"),
	)
}

func definitionTool() mcp.Tool {
	return mcp.NewTool("workflow.definition",
		mcp.WithDescription("Get a registered workflow definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the definition")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Start a workflow instance"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the definition to run")),
		mcp.WithObject("input", mcp.Description("Workflow input")),
		mcp.WithObject("auth", mcp.Description("Auth context passed to every step")),
		mcp.WithString("initiator_id", mcp.Description("ID of the user starting the instance")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the state of a workflow instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List workflow instances, oldest first"),
		mcp.WithString("definition_id", mcp.Description("Only instances of this definition")),
		mcp.WithArray("statuses", mcp.WithStringItems(), mcp.Description("Only instances in one of these statuses")),
		mcp.WithString("initiator_type", mcp.Enum("user", "system"), mcp.Description("Only instances started by this initiator type")),
		mcp.WithString("initiator_id", mcp.Description("Only instances started by this initiator")),
		mcp.WithString("started_after", mcp.Description("RFC 3339 timestamp, exclusive")),
		mcp.WithString("started_before", mcp.Description("RFC 3339 timestamp, exclusive")),
		mcp.WithNumber("offset", mcp.Description("Number of instances to skip")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of instances to return")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("workflow.resume",
		mcp.WithDescription("Resume an instance paused for approval, merging input into the approval result"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the paused instance")),
		mcp.WithObject("input", mcp.Description("Approval input")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("workflow.approve",
		mcp.WithDescription("Answer the approval an instance is waiting on"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the paused instance")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the approval step being answered")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Approval decision")),
		mcp.WithString("choice", mcp.Description("Selected choice, when the step offers choices")),
	)
}

func continueTool() mcp.Tool {
	return mcp.NewTool("workflow.continue",
		mcp.WithDescription("Advance a resumed instance past its approval step"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the resumed instance")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Cancel a running or paused instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("workflow.events",
		mcp.WithDescription("Read the journaled events of an instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
		mcp.WithNumber("since", mcp.Description("Only events with a sequence number greater than this")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("workflow.diagram",
		mcp.WithDescription("Render a workflow definition as a Mermaid flowchart or a base64-encoded PNG image"),
		mcp.WithString("definition_id", mcp.Description("Definition to render")),
		mcp.WithString("instance_id", mcp.Description("Instance to render, with its step status overlaid")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "image"),
			mcp.Description("Output format: mermaid (flowchart syntax) or image (base64 PNG)"),
		),
	)
}
