package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// Stream format tags accepted in agent configuration.
const (
	FormatStreamJSON = "stream-json"
	FormatJSON       = "json"
	FormatText       = "text"
)

// Parser turns one raw output line into a normalized event. Parsing never
// fails: lines that cannot be decoded degrade to raw-text events.
type Parser interface {
	Parse(line string) Event
}

// ParserFor selects the parser for a stream format tag. Unknown tags get the
// plain text parser.
func ParserFor(format string) Parser {
	switch format {
	case FormatStreamJSON:
		return streamJSONParser{}
	case FormatJSON:
		return jsonParser{}
	default:
		return textParser{}
	}
}

// contentBlock is one entry of an assistant message's content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// streamEnvelope is the subset of the stream-json protocol the relay cares
// about. Anything else falls through as raw structure.
type streamEnvelope struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

// streamJSONParser handles the line-delimited JSON event protocol used by
// coding-assistant CLIs in stream-json output mode.
type streamJSONParser struct{}

func (streamJSONParser) Parse(line string) Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return rawEvent("", nil)
	}

	var env streamEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		// Malformed output displays as text; it never fails the stream.
		return rawEvent(trimmed, nil)
	}

	switch env.Type {
	case "result":
		if env.IsError {
			ev := errorEvent(KindResultError, env.Result)
			ev.Raw = json.RawMessage(trimmed)
			return ev
		}
		ev := completionEvent(env.Result)
		ev.Raw = json.RawMessage(trimmed)
		return ev

	case "assistant":
		return assistantEvent(env.Message.Content, trimmed)

	default:
		return rawEvent(trimmed, json.RawMessage(trimmed))
	}
}

// assistantEvent flattens the nested content blocks of an assistant message:
// text blocks concatenate into Content, tool invocations and results are
// preserved as auxiliary lists.
func assistantEvent(blocks []contentBlock, raw string) Event {
	ev := Event{
		Type:      EventAssistant,
		Timestamp: time.Now(),
		Raw:       json.RawMessage(raw),
	}

	var text strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			ev.ToolCalls = append(ev.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		case "tool_result":
			ev.ToolResults = append(ev.ToolResults, ToolResult{
				ToolUseID: block.ToolUseID,
				Content:   flattenToolContent(block.Content),
				IsError:   block.IsError,
			})
		}
	}
	ev.Content = text.String()
	return ev
}

// flattenToolContent renders a tool_result content field, which is either a
// plain string or an array of text blocks.
func flattenToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// jsonParser handles agents that emit one self-describing JSON object per
// line without the stream-json envelope. Valid objects are passed through
// with the decoded structure attached; everything else is plain text.
type jsonParser struct{}

func (jsonParser) Parse(line string) Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return rawEvent("", nil)
	}
	if json.Valid([]byte(trimmed)) {
		return rawEvent(trimmed, json.RawMessage(trimmed))
	}
	return rawEvent(trimmed, nil)
}

// textParser wraps every line as raw text.
type textParser struct{}

func (textParser) Parse(line string) Event {
	return rawEvent(strings.TrimSpace(line), nil)
}
