package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/config"
	"github.com/isdmx/fastgpt/logger"
	"github.com/isdmx/fastgpt/pipeline"
	"github.com/isdmx/fastgpt/sandbox"
)

// Session processes the turns of one tool call
type Session interface {
	Process(ctx context.Context, req pipeline.Request, sink pipeline.Sink) error
	Close(ctx context.Context) *sandbox.Task
}

// SessionFactory creates the session backing one run_prompt call
type SessionFactory func(ctx context.Context, id string) Session

// ModelLister lists the configured model names
type ModelLister interface {
	ListModelNames() []string
}

// MCPServer exposes the pipeline as MCP tools
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	sessions  SessionFactory
	models    ModelLister
	mcpServer *server.MCPServer

	mu   sync.Mutex
	http *server.StreamableHTTPServer
}

// New creates a new MCPServer backed by pipeline sessions
func New(cfg *config.Config, logger *zap.Logger, factory *pipeline.Factory, models ModelLister) (*MCPServer, error) {
	sessions := func(ctx context.Context, id string) Session {
		return factory.NewSession(ctx, id)
	}
	return NewWithSessions(cfg, logger, sessions, models)
}

// NewWithSessions creates a new MCPServer with an arbitrary session factory
func NewWithSessions(cfg *config.Config, logger *zap.Logger, sessions SessionFactory, models ModelLister) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		sessions: sessions,
		models:   models,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.Int("sandbox.detach_timeout_sec", cfg.Sandbox.DetachTimeoutSec),
		zap.Int("backends", len(cfg.Backends)),
	)

	s.mcpServer = server.NewMCPServer(config.ProjectName, "Streams model output and runs the code it contains")

	s.registerListModelsTool()
	s.registerRunPromptTool()

	return s, nil
}

func (s *MCPServer) registerListModelsTool() {
	tool := mcp.Tool{
		Name:        "list_models",
		Description: "List the names of the configured completion backends",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListModels)
}

func (s *MCPServer) registerRunPromptTool() {
	tool := mcp.Tool{
		Name:        "run_prompt",
		Description: "Send a prompt to a model and execute the code blocks of its answer in a fresh sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "User prompt",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Name of a configured backend",
				},
				"test_input": map[string]any{
					"type":        "boolean",
					"description": "Use the canned test response instead of calling the model",
				},
			},
			Required: []string{"prompt", "model"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunPrompt)
}

func (s *MCPServer) handleListModels(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(map[string][]string{"models": s.models.ListModelNames()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode model list: %w", err)
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (s *MCPServer) handleRunPrompt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return nil, fmt.Errorf("prompt parameter is required: %w", err)
	}
	model, err := request.RequireString("model")
	if err != nil {
		return nil, fmt.Errorf("model parameter is required: %w", err)
	}
	req := pipeline.Request{
		Prompt:   prompt,
		Model:    model,
		TestMode: request.GetBool("test_input", false),
	}

	id := uuid.NewString()
	log := logger.ForSession(s.logger, id)
	log.Info("run_prompt requested", zap.String("model", model), zap.Bool("test_input", req.TestMode))

	session := s.sessions(ctx, id)
	defer session.Close(context.WithoutCancel(ctx))

	var (
		mu     sync.Mutex
		events []pipeline.Event
	)
	sink := pipeline.SinkFunc(func(_ context.Context, e pipeline.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		return nil
	})

	if err := session.Process(ctx, req, sink); err != nil {
		log.Error("run_prompt failed", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	mu.Lock()
	defer mu.Unlock()
	body, err := json.Marshal(map[string][]pipeline.Event{"events": events})
	if err != nil {
		return nil, fmt.Errorf("failed to encode events: %w", err)
	}

	log.Info("run_prompt completed", zap.Int("events", len(events)))
	return mcp.NewToolResultText(string(body)), nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP and blocks until it stops
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	s.mu.Lock()
	s.http = httpServer
	s.mu.Unlock()
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport if it was started
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.http
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}
