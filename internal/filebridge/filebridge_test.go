package filebridge

import (
	"os"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestConvertInputSchema(t *testing.T) {
	schema := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"path": map[string]any{"type": "string"},
		},
		Required: []string{"path"},
	}

	got := convertInputSchema(schema)
	if got["type"] != "object" {
		t.Errorf("type = %v", got["type"])
	}
	required, ok := got["required"].([]any)
	if !ok || len(required) != 1 || required[0] != "path" {
		t.Errorf("required = %v", got["required"])
	}
}

func TestFormatContentJoinsTextBlocks(t *testing.T) {
	content := []mcp.Content{
		mcp.TextContent{Type: "text", Text: "line one"},
		mcp.TextContent{Type: "text", Text: "line two"},
	}
	if got := formatContent(content); got != "line one\nline two" {
		t.Errorf("formatContent = %q", got)
	}
}

func TestExpandEnvMap(t *testing.T) {
	os.Setenv("FILEBRIDGE_TEST_HOME", "/home/agent")
	defer os.Unsetenv("FILEBRIDGE_TEST_HOME")

	env := expandEnvMap(map[string]string{"HOME": "$FILEBRIDGE_TEST_HOME"})
	if len(env) != 1 || env[0] != "HOME=/home/agent" {
		t.Errorf("env = %v", env)
	}
}
