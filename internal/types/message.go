// Package types contains shared types used across multiple packages.
// This helps avoid import cycles between packages like llm, agent, and convo.
package types

import (
	"encoding/json"
	"time"
)

// Channel identifies which transport a conversation belongs to.
type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelSMS, ChannelVoice:
		return true
	}
	return false
}

// Message represents a single message in a conversation.
// Used by both conversation state and LLM providers.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "system", "user", "assistant", "tool"
	Content   string    `json:"content"`
	Channel   string    `json:"channel,omitempty"` // originating channel ("web", "sms", "voice")
	Timestamp time.Time `json:"timestamp"`

	// Tool-call fields. An assistant message carries ToolCalls; a tool
	// message carries ToolCallID/ToolName and the result in Content.
	ToolCalls  []ToolCallRequest `json:"toolCalls,omitempty"`
	ToolCallID string            `json:"toolCallId,omitempty"`
	ToolName   string            `json:"toolName,omitempty"`
	IsError    bool              `json:"isError,omitempty"`
}

// ToolCallRequest is a structured request from the model to invoke a tool.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// HasToolCalls returns true if the message requests any tool invocations.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}
