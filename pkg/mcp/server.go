package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bizportal/flowd/internal/definitions"
	"github.com/bizportal/flowd/internal/engine"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/pkg/schema"
)

// Definitions is the definition registry used by the tools.
type Definitions interface {
	Publish(ctx context.Context, def *schema.WorkflowDefinition) (*definitions.PublishResult, error)
	Get(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	Versions(ctx context.Context, id string) ([]*schema.WorkflowDefinition, error)
}

// Triggers starts instances and keeps cron registrations current.
type Triggers interface {
	Manual(ctx context.Context, definitionID string, version int, payload map[string]any, actor string) (*schema.WorkflowInstance, error)
	SyncSchedules(ctx context.Context) error
}

// Events reads the audit log.
type Events interface {
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*store.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error)
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Engine      engine.Engine
	Definitions Definitions
	Triggers    Triggers
	Events      Events
	Logger      *slog.Logger
}

// FlowServer wraps an MCP server with flowd tool handlers.
type FlowServer struct {
	engine    engine.Engine
	defs      Definitions
	triggers  Triggers
	events    Events
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with every tool registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		engine:   deps.Engine,
		defs:     deps.Definitions,
		triggers: deps.Triggers,
		events:   deps.Events,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"flowd",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("flowd runs the portal's approval and process workflows. Use flowd.start to start an instance, flowd.status to inspect it, flowd.decide to approve or reject a pending approval, flowd.control to pause, resume or cancel, flowd.publish to publish a definition version, and flowd.query to list instances, events or definition versions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns a streamable HTTP transport for mounting next to the REST API.
func (s *FlowServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the actor to session map used for push notifications.
func (s *FlowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("flowd.start",
		mcp.WithDescription("Start a workflow instance from a published definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithNumber("version", mcp.Description("Definition version to pin (default: latest)")),
		mcp.WithObject("payload", mcp.Description("Trigger payload; becomes the instance data bag")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("User starting the instance")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowd.status",
		mcp.WithDescription("Get an instance with its step records, pending waits and audit events"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to query")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("flowd.decide",
		mcp.WithDescription("Approve or reject a pending approval step"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the approval step")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve, false to reject")),
		mcp.WithString("by", mcp.Required(), mcp.Description("User making the decision")),
		mcp.WithString("notes", mcp.Description("Decision notes")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("flowd.control",
		mcp.WithDescription("Pause, resume or cancel an instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "cancel"),
			mcp.Description("Administrative action"),
		),
		mcp.WithString("actor", mcp.Required(), mcp.Description("User performing the action")),
	)
}

func publishTool() mcp.Tool {
	return mcp.NewTool("flowd.publish",
		mcp.WithDescription("Publish a workflow definition as its next version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
		mcp.WithString("actor", mcp.Description("User publishing the definition")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowd.query",
		mcp.WithDescription("Query instances, audit events, or definition versions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("instances", "events", "definitions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, definition_id, created_by, since, limit, instance_id, event_type)")),
	)
}
