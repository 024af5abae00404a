// Package mcpserver exposes the session manager as MCP tools over stdio,
// so other agent frontends can create sessions and run commands through
// the relay.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/seongjae-dev/agentrelay/internal/agent"
	"github.com/seongjae-dev/agentrelay/internal/logging"
)

// Server wraps the MCP stdio server around a session manager.
type Server struct {
	mgr *agent.Manager
	mcp *server.MCPServer
	log *slog.Logger
}

func New(mgr *agent.Manager, version string) *Server {
	s := &Server{
		mgr: mgr,
		log: logging.ForComponent(logging.CompMCP),
	}
	s.mcp = server.NewMCPServer("agentrelay", version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	s.log.Info("mcp_server_started")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("agent_list",
		mcp.WithDescription("List the registered agent types"),
	), s.handleAgentList)

	s.mcp.AddTool(mcp.NewTool("session_create",
		mcp.WithDescription("Create a new agent session"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the session")),
		mcp.WithString("agent", mcp.Required(), mcp.Description("Registered agent type")),
		mcp.WithString("working_dir", mcp.Description("Working directory override")),
	), s.handleSessionCreate)

	s.mcp.AddTool(mcp.NewTool("session_list",
		mcp.WithDescription("List sessions, optionally narrowed to one user"),
		mcp.WithString("user_id", mcp.Description("Narrow to one user")),
		mcp.WithString("filter", mcp.Description("Fuzzy filter on agent, directory and last command")),
	), s.handleSessionList)

	s.mcp.AddTool(mcp.NewTool("session_terminate",
		mcp.WithDescription("Terminate a session and kill its process"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to terminate")),
	), s.handleSessionTerminate)

	s.mcp.AddTool(mcp.NewTool("execute",
		mcp.WithDescription("Run a command on a session and return the collected output"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to run on")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command text for the agent")),
	), s.handleExecute)
}

func (s *Server) handleAgentList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, err := json.MarshalIndent(agentViews(s.mgr.Agents()), "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) handleSessionCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	agentName, err := req.RequireString("agent")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	workDir := req.GetString("working_dir", "")

	info, err := s.mgr.CreateSession(ctx, userID, agentName, workDir)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload, _ := json.MarshalIndent(info, "", "  ")
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) handleSessionList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.mgr.ListSessions(req.GetString("user_id", ""), req.GetString("filter", ""))
	payload, _ := json.MarshalIndent(infos, "", "  ")
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) handleSessionTerminate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.mgr.TerminateSession(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("terminated " + id), nil
}

// handleExecute runs one command to completion. MCP tool calls are
// request/response, so the event stream is buffered into a transcript.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	events, err := s.mgr.Execute(ctx, id, command)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	transcript, terminal := collectTranscript(events)
	if terminal.Type == agent.EventError {
		msg := fmt.Sprintf("[%s] %s", terminal.ErrorKind, terminal.Content)
		if transcript != "" {
			msg = transcript + "\n" + msg
		}
		return mcp.NewToolResultError(msg), nil
	}
	if terminal.Content != "" {
		if transcript != "" {
			transcript += "\n"
		}
		transcript += terminal.Content
	}
	if transcript == "" {
		transcript = "(no output)"
	}
	return mcp.NewToolResultText(transcript), nil
}

// collectTranscript drains an event stream into readable text plus the
// terminal event.
func collectTranscript(events <-chan agent.Event) (string, agent.Event) {
	var sb strings.Builder
	var terminal agent.Event
	for ev := range events {
		if ev.IsTerminal() {
			terminal = ev
			continue
		}
		switch ev.Type {
		case agent.EventAssistant, agent.EventRaw:
			if ev.Content != "" {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(ev.Content)
			}
			for _, call := range ev.ToolCalls {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString("[tool: " + call.Name + "]")
			}
		}
	}
	return sb.String(), terminal
}

type agentView struct {
	Name         string `json:"name"`
	Mode         string `json:"mode"`
	StreamFormat string `json:"stream_format"`
	MaxSessions  int    `json:"max_sessions"`
}

func agentViews(configs []agent.Config) []agentView {
	views := make([]agentView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, agentView{
			Name:         cfg.Name,
			Mode:         string(cfg.Mode),
			StreamFormat: cfg.StreamFormat,
			MaxSessions:  cfg.MaxSessions,
		})
	}
	return views
}
