package controlbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/platform/logger"
)

// ToolFunc implements one CustomAction extension, invoked with the
// request's decoded JSON parameters and returning a JSON-serializable
// result.
type ToolFunc func(ctx context.Context, agentID string, params map[string]any) (any, error)

// MCPBridge exposes agent-backend extension points as MCP tools, following
// the teacher's mcp.Server (NewMCPServer + AddTool + SSE/HTTP transports)
// so the same extensions a TUI reaches over ControlBus's CustomAction are
// also independently discoverable by any MCP-speaking client (Claude
// Desktop, Cursor, Codex). CustomAction dispatches in-process, bypassing
// the JSON-RPC hop entirely, since ControlBus calls are already native Go
// calls.
type MCPBridge struct {
	log       *logger.Logger
	mcpServer *server.MCPServer
	sseServer *server.SSEServer

	mu       sync.RWMutex
	handlers map[string]ToolFunc
}

// NewMCPBridge constructs an empty bridge. RegisterTool adds extensions.
func NewMCPBridge(log *logger.Logger) *MCPBridge {
	b := &MCPBridge{
		log:      log.WithFields(zap.String("component", "mcp-bridge")),
		handlers: make(map[string]ToolFunc),
	}
	b.mcpServer = server.NewMCPServer(
		"agentctl-runtime",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	b.sseServer = server.NewSSEServer(b.mcpServer)
	return b
}

// RegisterTool adds name as both an MCP tool (discoverable over SSE/HTTP)
// and a CustomAction target.
func (b *MCPBridge) RegisterTool(name, description string, opts []mcp.ToolOption, fn ToolFunc) {
	b.mu.Lock()
	b.handlers[name] = fn
	b.mu.Unlock()

	toolOpts := append([]mcp.ToolOption{mcp.WithDescription(description)}, opts...)
	b.mcpServer.AddTool(mcp.NewTool(name, toolOpts...), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := fn(ctx, "", req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// SSEServer exposes the underlying transport for cmd/agentctl-server to
// mount alongside the control/attach listeners.
func (b *MCPBridge) SSEServer() *server.SSEServer { return b.sseServer }

// Call dispatches a CustomAction request to the named tool in-process.
func (b *MCPBridge) Call(ctx context.Context, agentID, name string, params json.RawMessage) (json.RawMessage, error) {
	b.mu.RLock()
	fn, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("custom action %q is not registered", name)
	}

	args := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("decode custom action params: %w", err)
		}
	}

	result, err := fn(ctx, agentID, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}
