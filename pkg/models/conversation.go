package models

import (
	"encoding/json"
	"time"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ConversationMessage is one turn in a conversation. Tool fields are set
// only on RoleTool messages (results) and RoleAssistant messages that carry
// tool calls.
type ConversationMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

// StepType tags an agent trace record.
type StepType string

const (
	StepThinking StepType = "thinking"
	StepToolUse  StepType = "tool_use"
	StepMessage  StepType = "message"
)

// AgentStep is one observable record in an agent run's transcript. Steps are
// for tracing, not correctness; the loop's state lives in its message slice.
type AgentStep struct {
	Type      StepType        `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Text      string          `json:"text,omitempty"`
}
