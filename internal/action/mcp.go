package action

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPExecutor calls tools on one MCP server over streamable HTTP.
//
// The session is opened on first use and reopened after a failed call.
//
// Thread Safety:
//   - Safe for concurrent use.
type MCPExecutor struct {
	url     string
	headers map[string]string
	version string

	mu     sync.Mutex
	client *client.Client
}

// NewMCPExecutor creates an executor for the server at url.
func NewMCPExecutor(url string, headers map[string]string, version string) *MCPExecutor {
	return &MCPExecutor{url: url, headers: headers, version: version}
}

func (m *MCPExecutor) session(ctx context.Context) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	var opts []transport.StreamableHTTPCOption
	if len(m.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(m.headers))
	}
	c, err := client.NewStreamableHttpClient(m.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "graytrigger", Version: m.version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close() //nolint:errcheck // best effort on failed handshake
		return nil, fmt.Errorf("initializing mcp session: %w", err)
	}

	m.client = c
	return c, nil
}

func (m *MCPExecutor) reset(c *client.Client) {
	m.mu.Lock()
	if m.client == c {
		m.client = nil
	}
	m.mu.Unlock()
	_ = c.Close() //nolint:errcheck // session is being discarded
}

// Execute implements Executor. A tool result flagged as an error is
// reported as Success=false without a Go error.
func (m *MCPExecutor) Execute(ctx context.Context, toolName string, input map[string]any) (Result, error) {
	c, err := m.session(ctx)
	if err != nil {
		return Result{}, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = input

	res, err := c.CallTool(ctx, req)
	if err != nil {
		m.reset(c)
		return Result{}, fmt.Errorf("calling tool %s: %w", toolName, err)
	}
	return Result{Success: !res.IsError, Output: textOf(res.Content)}, nil
}

// Tools implements Lister.
func (m *MCPExecutor) Tools(ctx context.Context) ([]Tool, error) {
	c, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		m.reset(c)
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	out := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, Tool{Name: t.Name, Description: t.Description})
	}
	return out, nil
}

// Close ends the session if one is open.
func (m *MCPExecutor) Close() error {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func textOf(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch t := c.(type) {
		case mcp.TextContent:
			parts = append(parts, t.Text)
		case *mcp.TextContent:
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
