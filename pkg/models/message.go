// Package models defines the shared wire and persistence types used across
// the reasoning agent: conversation transcript, tool call/result envelopes,
// and the session that groups them.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the front-end a session originated from. The core
// reasoning agent is channel-agnostic; this exists so a CLI/TUI front-end
// (an external collaborator, spec.md §1) can tag sessions for its own use.
type ChannelType string

const (
	ChannelCLI ChannelType = "cli"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation transcript.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Channel     ChannelType    `json:"channel"`
	ChannelID   string         `json:"channel_id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ToolCall represents a decision to invoke a tool (the agent's "action").
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the observation produced by a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Session represents one conversation thread and its short-term state.
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Channel   ChannelType    `json:"channel"`
	ChannelID string         `json:"channel_id"`
	Key       string         `json:"key"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
