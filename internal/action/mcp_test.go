package action

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func newMCPServer(t *testing.T) string {
	t.Helper()
	s := server.NewMCPServer("test-tools", "1.0.0", server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("open_gate",
		mcp.WithDescription("Open a gate"),
		mcp.WithString("gate", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		gate, _ := req.GetArguments()["gate"].(string)
		return mcp.NewToolResultText(fmt.Sprintf("opened %s", gate)), nil
	})
	s.AddTool(mcp.NewTool("jammed",
		mcp.WithDescription("Always fails"),
	), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("motor jammed"), nil
	})

	srv := httptest.NewServer(server.NewStreamableHTTPServer(s))
	t.Cleanup(srv.Close)
	return srv.URL + "/mcp"
}

func TestMCPExecutor_Execute(t *testing.T) {
	exec := NewMCPExecutor(newMCPServer(t), nil, "test")
	defer exec.Close()
	ctx := context.Background()

	res, err := exec.Execute(ctx, "open_gate", map[string]any{"gate": "north"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success || res.Output != "opened north" {
		t.Errorf("Execute() = %+v", res)
	}

	res, err = exec.Execute(ctx, "jammed", nil)
	if err != nil {
		t.Fatalf("Execute(jammed) error = %v", err)
	}
	if res.Success || res.Output != "motor jammed" {
		t.Errorf("Execute(jammed) = %+v, want failure", res)
	}
}

func TestMCPExecutor_Tools(t *testing.T) {
	exec := NewMCPExecutor(newMCPServer(t), map[string]string{"X-Test": "1"}, "test")
	defer exec.Close()

	tools, err := exec.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools() error = %v", err)
	}
	names := map[string]string{}
	for _, tool := range tools {
		names[tool.Name] = tool.Description
	}
	if names["open_gate"] != "Open a gate" || len(names) != 2 {
		t.Errorf("Tools() = %+v", tools)
	}
}

func TestMCPExecutor_Unreachable(t *testing.T) {
	exec := NewMCPExecutor("http://127.0.0.1:1/mcp", nil, "test")
	if _, err := exec.Execute(context.Background(), "open_gate", nil); err == nil {
		t.Error("Execute() against closed port succeeded")
	}
}
