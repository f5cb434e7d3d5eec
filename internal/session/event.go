// Package session manages agent child processes: one reader per live
// session tags the child's stream-json output and fans it out to
// subscribers, while lifecycle transitions and message persistence go
// through the store.
package session

import (
	"encoding/json"
	"time"
)

// EventType tags an event on a session stream.
type EventType string

const (
	EventSystem     EventType = "system"
	EventAssistant  EventType = "assistant"
	EventUser       EventType = "user"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventError      EventType = "error"

	// Synthetic events produced by the manager, never by the child.
	EventExit      EventType = "exit"
	EventOverflow  EventType = "overflow"
	EventHeartbeat EventType = "heartbeat"
)

// Event is one unit on a session stream. Raw carries the child's original
// line for clients that want more than the extracted fields.
type Event struct {
	Type       EventType       `json:"type"`
	Role       string          `json:"role,omitempty"`
	Message    string          `json:"message,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  any             `json:"toolInput,omitempty"`
	ToolOutput string          `json:"toolOutput,omitempty"`
	ExitCode   *int            `json:"exitCode,omitempty"`
	ExitSignal string          `json:"exitSignal,omitempty"`
	Dropped    int             `json:"dropped,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`

	// ClaudeSessionID is the resumption cookie when the line carried one.
	// Consumed by the manager, not forwarded as payload.
	ClaudeSessionID string `json:"-"`

	// Replayed marks the cached initial prompt queued for a new subscriber,
	// as opposed to a live message off the child's stream.
	Replayed bool `json:"-"`
}
