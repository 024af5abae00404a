// Package agent contains the session and execution core: it binds users to
// supervised CLI agent processes, drives one conversational turn at a time,
// normalizes agent output into a stream of events, and guarantees process
// cleanup on every exit path.
package agent

import (
	"encoding/json"
	"time"
)

// EventType tags one normalized unit of streamed output.
type EventType string

const (
	// EventStatus is progress information ("running claude ...").
	EventStatus EventType = "status"

	// EventAssistant carries flattened assistant text.
	EventAssistant EventType = "assistant_text"

	// EventToolUse reports a tool invocation the agent made.
	EventToolUse EventType = "tool_use"

	// EventToolResult reports the outcome of a tool invocation.
	EventToolResult EventType = "tool_result"

	// EventRaw wraps output that had no recognized structure. Malformed
	// lines degrade to raw text; they never fail the stream.
	EventRaw EventType = "raw_text"

	// EventError reports a failure. ErrorKind identifies the failure
	// class; Content carries the human-readable message.
	EventError EventType = "error"

	// EventCompletion terminates a successful execution.
	EventCompletion EventType = "completion"
)

// ErrorKind classifies error events per the failure taxonomy.
type ErrorKind string

const (
	KindSpawn            ErrorKind = "spawn_error"
	KindInitialization   ErrorKind = "initialization_failed"
	KindSessionNotFound  ErrorKind = "session_not_found"
	KindAlreadyExecuting ErrorKind = "already_executing"
	KindTransportClosed  ErrorKind = "transport_closed"
	KindTimeout          ErrorKind = "timeout"
	KindProcessExit      ErrorKind = "process_exit"
	KindResultError      ErrorKind = "result_error"
	KindCanceled         ErrorKind = "canceled"
	KindRateLimited      ErrorKind = "rate_limited"
)

// ToolCall is a tool invocation extracted from structured agent output.
type ToolCall struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is a tool outcome extracted from structured agent output.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Event is one normalized output unit yielded during a command execution.
// Events are produced continuously during a turn and never persisted beyond
// the stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// SessionID and Agent are stamped by the runner before emission.
	SessionID string `json:"session_id,omitempty"`
	Agent     string `json:"agent,omitempty"`

	// Content is assistant text, raw output, a status line or an error
	// message, depending on Type.
	Content string `json:"content,omitempty"`

	// Raw retains the decoded structure of unrecognized JSON output for
	// diagnostics.
	Raw json.RawMessage `json:"raw,omitempty"`

	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// ErrorKind and ExitCode are set on error events.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
}

// IsTerminal reports whether the event ends an execution stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventCompletion || e.Type == EventError
}

func statusEvent(content string) Event {
	return Event{Type: EventStatus, Timestamp: time.Now(), Content: content}
}

func rawEvent(content string, raw json.RawMessage) Event {
	return Event{Type: EventRaw, Timestamp: time.Now(), Content: content, Raw: raw}
}

func completionEvent(content string) Event {
	return Event{Type: EventCompletion, Timestamp: time.Now(), Content: content}
}

func errorEvent(kind ErrorKind, msg string) Event {
	return Event{Type: EventError, Timestamp: time.Now(), ErrorKind: kind, Content: msg}
}

func exitErrorEvent(code int, stderr string) Event {
	ev := errorEvent(KindProcessExit, "agent exited with an error")
	if stderr != "" {
		ev.Content = stderr
	}
	ev.ExitCode = code
	return ev
}
