package llmclient

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPClient completes prompts by calling a tool on an external MCP server
// (e.g. a hosted review/judge tool), grounded on tombee-conductor's
// internal/mcp.Client: stdio transport, Initialize handshake, CallTool.
// mycelium only needs the single-tool-call shape, not conductor's full
// tool/resource listing surface.
type MCPClient struct {
	inner    *client.Client
	toolName string
	timeout  time.Duration
}

// MCPClientConfig configures the stdio-spawned MCP server and the tool to
// call for completions.
type MCPClientConfig struct {
	Command  string
	Args     []string
	Env      []string
	ToolName string
	Timeout  time.Duration
}

// NewMCPClient starts the MCP server process and completes its
// initialize handshake.
func NewMCPClient(ctx context.Context, cfg MCPClientConfig) (*MCPClient, error) {
	if cfg.ToolName == "" {
		return nil, fmt.Errorf("mcp client: tool name is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("creating mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "mycelium",
				Version: "0.1.0",
			},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing mcp server: %w", err)
	}

	return &MCPClient{inner: c, toolName: cfg.ToolName, timeout: timeout}, nil
}

// Complete implements Client by calling the configured tool with the
// request's prompt and system text as arguments, concatenating any text
// content blocks in the response.
func (c *MCPClient) Complete(ctx context.Context, req Request) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.inner.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name: c.toolName,
			Arguments: map[string]interface{}{
				"system": req.System,
				"prompt": req.Prompt,
				"model":  req.Model,
			},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("mcp tool call %s: %w", c.toolName, err)
	}

	var text string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text += tc.Text
		}
	}
	if result.IsError {
		return Result{}, fmt.Errorf("mcp tool %s returned an error: %s", c.toolName, text)
	}
	return Result{Text: text}, nil
}

// Close stops the underlying MCP server process.
func (c *MCPClient) Close() error {
	return c.inner.Close()
}
