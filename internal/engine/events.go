package engine

import (
	"time"

	"github.com/claudesmith/claudesmith/internal/tracker"
)

// EventType classifies normalized events streamed to the caller.
type EventType string

const (
	// EventSystem carries session metadata from the CLI's init message.
	EventSystem EventType = "system"
	// EventAssistantText is a text block from the assistant.
	EventAssistantText EventType = "assistant_text"
	// EventThinking is an extended-thinking block.
	EventThinking EventType = "thinking"
	// EventToolUse announces a tool invocation.
	EventToolUse EventType = "tool_use"
	// EventToolResult carries a tool's output back to the stream.
	EventToolResult EventType = "tool_result"
	// EventQuestion asks the user to answer an AskUserQuestion out of band.
	EventQuestion EventType = "question"
	// EventStatus signals a node status transition.
	EventStatus EventType = "status"
	// EventResult terminates the stream with final metrics.
	EventResult EventType = "result"
	// EventError terminates the stream after an unrecoverable failure.
	EventError EventType = "error"
)

// Event is one normalized entry of a session's event stream.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// For assistant_text and thinking
	Text string `json:"text,omitempty"`

	// For tool_use and tool_result
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`

	// For question
	RequestID string         `json:"request_id,omitempty"`
	Questions map[string]any `json:"questions,omitempty"`

	// For status, result, and error
	Status  tracker.Status   `json:"status,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Metrics *tracker.Metrics `json:"metrics,omitempty"`

	// For system
	Model string   `json:"model,omitempty"`
	Tools []string `json:"tools,omitempty"`
}
