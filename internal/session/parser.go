package session

import (
	"encoding/json"
	"strings"
	"time"
)

// streamLine mirrors the subset of the child's stream-json protocol we
// interpret. Everything else rides along in Raw.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Error     string `json:"error"`
	Message   *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// contentBlock is one element of a structured content array.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
}

// ParseLine tags one line of child output. Returns nil for lines that are
// not stream-json (plain log noise) so callers can skip them.
func ParseLine(line []byte) *Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || trimmed[0] != '{' {
		return nil
	}

	var sl streamLine
	if err := json.Unmarshal([]byte(trimmed), &sl); err != nil || sl.Type == "" {
		return nil
	}

	ev := &Event{
		Type:            EventType(sl.Type),
		ClaudeSessionID: sl.SessionID,
		Raw:             json.RawMessage(trimmed),
		Timestamp:       time.Now().UTC(),
	}

	switch sl.Type {
	case "system":
		ev.Message = sl.Subtype
	case "result":
		ev.Message = sl.Result
	case "error":
		ev.Message = sl.Error
	}

	if sl.Message != nil {
		ev.Role = sl.Message.Role
		flattenContent(ev, sl.Message.Content)
	}
	return ev
}

// flattenContent extracts the displayable content of a message. A plain
// string becomes the message text; a block array is folded: text blocks
// concatenate, a tool_use block turns an assistant event into tool_use, a
// tool_result block turns a user event into tool_result with the output
// moved aside and the text cleared.
func flattenContent(ev *Event, content json.RawMessage) {
	if len(content) == 0 {
		return
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		ev.Message = text
		return
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return
	}

	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "tool_use":
			ev.ToolName = block.Name
			if len(block.Input) > 0 {
				var input any
				if err := json.Unmarshal(block.Input, &input); err == nil {
					ev.ToolInput = input
				} else {
					ev.ToolInput = string(block.Input)
				}
			}
			if ev.Type == EventAssistant {
				ev.Type = EventToolUse
			}
		case "tool_result":
			ev.ToolOutput = flattenToolResult(block.Content)
			if ev.Type == EventUser {
				ev.Type = EventToolResult
			}
		}
	}
	ev.Message = strings.Join(parts, "")

	// The output already lives in ToolOutput; keeping the text too would
	// duplicate it in every persisted record.
	if ev.Type == EventToolResult {
		ev.Message = ""
	}
}

// flattenToolResult handles the two shapes a tool_result content takes:
// a plain string or an array of text blocks.
func flattenToolResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return string(content)
	}
	var parts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "")
}
