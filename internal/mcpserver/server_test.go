package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seongjae-dev/agentrelay/internal/agent"
)

const resultLine = `{"type":"result","is_error":false,"result":"done"}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	m := agent.NewManager()
	m.RegisterAgent(agent.Config{
		Name:         "echo",
		Command:      "/bin/sh",
		Args:         []string{"-c", `echo '` + resultLine + `'`},
		WorkingDir:   "/tmp",
		Mode:         agent.ModeOneShot,
		StreamFormat: agent.FormatStreamJSON,
		Timeout:      10 * time.Second,
		MaxSessions:  5,
	})
	t.Cleanup(m.Shutdown)
	return New(m, "test")
}

func toolRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

// textOf extracts the text payload of a tool result.
func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestAgentListTool(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleAgentList(context.Background(), toolRequest(nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var views []agentView
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "echo", views[0].Name)
}

func TestSessionCreateAndExecuteTools(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSessionCreate(ctx, toolRequest(map[string]any{
		"user_id": "user-1",
		"agent":   "echo",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))

	var info agent.Info
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &info))
	require.NotEmpty(t, info.ID)

	res, err = s.handleExecute(ctx, toolRequest(map[string]any{
		"session_id": info.ID,
		"command":    "hello",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, textOf(t, res))
	assert.Contains(t, textOf(t, res), "done")

	res, err = s.handleSessionTerminate(ctx, toolRequest(map[string]any{
		"session_id": info.ID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestSessionCreateToolValidation(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleSessionCreate(context.Background(), toolRequest(map[string]any{
		"user_id": "user-1",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleSessionCreate(context.Background(), toolRequest(map[string]any{
		"user_id": "user-1",
		"agent":   "unknown",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestExecuteToolUnknownSession(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleExecute(context.Background(), toolRequest(map[string]any{
		"session_id": "nope",
		"command":    "hello",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
