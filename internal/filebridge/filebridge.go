// Package filebridge connects to a filesystem MCP (Model Context Protocol)
// server scoped to a workspace's testbed directory. The agent's file tools
// (read, write, edit, list) are discovered from the server rather than
// hand-built, and every call is confined to the testbed root the server was
// started with.
package filebridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/fundi/internal/llm"
)

// Config describes the filesystem server process. The testbed directory is
// appended as the server's final argument, which is how filesystem MCP
// servers receive their allowed root.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
}

// DefaultConfig runs the reference filesystem server via npx.
func DefaultConfig() Config {
	return Config{
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem"},
	}
}

// Bridge holds one live connection to a filesystem MCP server.
type Bridge struct {
	client     *mcpclient.Client
	tools      []llm.ToolDefinition
	toolNames  map[string]bool
	testbedDir string
	logger     *slog.Logger
}

// Connect spawns the server process scoped to testbedDir, performs the
// initialization handshake, and discovers its tools.
func Connect(ctx context.Context, cfg Config, testbedDir string, logger *slog.Logger) (*Bridge, error) {
	if cfg.Command == "" {
		cfg = DefaultConfig()
	}

	args := append(append([]string{}, cfg.Args...), testbedDir)
	c, err := mcpclient.NewStdioMCPClient(cfg.Command, expandEnvMap(cfg.Env), args...)
	if err != nil {
		return nil, fmt.Errorf("starting filesystem server: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "fundi",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("filesystem server initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("filesystem server list tools: %w", err)
	}

	b := &Bridge{
		client:     c,
		toolNames:  make(map[string]bool, len(listResp.Tools)),
		testbedDir: testbedDir,
		logger:     logger,
	}
	for _, t := range listResp.Tools {
		b.toolNames[t.Name] = true
		b.tools = append(b.tools, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t.InputSchema),
		})
	}

	logger.InfoContext(ctx, "file bridge connected",
		slog.String("testbed_dir", testbedDir),
		slog.Int("tools_discovered", len(b.tools)),
	)

	return b, nil
}

// Tools returns the discovered tool definitions in server order.
func (b *Bridge) Tools() []llm.ToolDefinition {
	return b.tools
}

// Has reports whether the server exposes a tool with this name.
func (b *Bridge) Has(name string) bool {
	return b.toolNames[name]
}

// Call invokes one tool on the server. The isError return mirrors the
// server's own error flag: a failed file operation is a tool-level error to
// feed back to the model, not a bridge failure.
func (b *Bridge) Call(ctx context.Context, name string, args map[string]any) (output string, isError bool, err error) {
	if !b.toolNames[name] {
		return "", false, fmt.Errorf("unknown file tool: %s", name)
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = args

	callResult, err := b.client.CallTool(ctx, callReq)
	if err != nil {
		return "", false, fmt.Errorf("file tool %s: %w", name, err)
	}

	return formatContent(callResult.Content), callResult.IsError, nil
}

// Close shuts down the server process.
func (b *Bridge) Close() error {
	return b.client.Close()
}

// formatContent converts MCP content items to a single string.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			// Non-text content (resource listings) serializes as JSON.
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

// convertInputSchema converts the MCP ToolInputSchema to the map form used
// in model requests.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{
		"type": schema.Type,
	}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		reqAny := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			reqAny[i] = r
		}
		result["required"] = reqAny
	}
	return result
}

// expandEnvMap converts a key→value map to "KEY=expanded_value" pairs.
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}
