// Package convo provides conversation state management: an explicit store
// keyed by conversation id, with TTL eviction and per-conversation locking.
package convo

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonsites/frontdesk/internal/types"
)

// Conversation holds the ordered message history and metadata for one
// conversational identity. The first message is always the system preamble.
type Conversation struct {
	ID           string          `json:"id"`
	Channel      types.Channel   `json:"channel"`
	Messages     []types.Message `json:"messages"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActivity time.Time       `json:"lastActivity"`

	// Token tracking for the usage ledger
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`

	mu sync.RWMutex
}

// NewConversation creates a conversation seeded with the system preamble.
func NewConversation(id string, channel types.Channel, systemPrompt string) *Conversation {
	now := time.Now()
	c := &Conversation{
		ID:           id,
		Channel:      channel,
		CreatedAt:    now,
		LastActivity: now,
	}
	c.Messages = append(c.Messages, types.Message{
		ID:        newMessageID(),
		Role:      "system",
		Content:   systemPrompt,
		Timestamp: now,
	})
	return c
}

// AddUserMessage appends a user turn.
func (c *Conversation) AddUserMessage(content string, channel types.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, types.Message{
		ID:        newMessageID(),
		Role:      "user",
		Content:   content,
		Channel:   string(channel),
		Timestamp: time.Now(),
	})
	c.LastActivity = time.Now()
}

// AddAssistantMessage appends an assistant turn, with any tool-call requests
// the model attached.
func (c *Conversation) AddAssistantMessage(content string, toolCalls []types.ToolCallRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, types.Message{
		ID:        newMessageID(),
		Role:      "assistant",
		Content:   content,
		ToolCalls: toolCalls,
		Timestamp: time.Now(),
	})
	c.LastActivity = time.Now()
}

// AddToolResult appends a tool-result turn paired with a tool-call id.
func (c *Conversation) AddToolResult(toolCallID, toolName, result string, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, types.Message{
		ID:         newMessageID(),
		Role:       "tool",
		Content:    result,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		IsError:    isError,
		Timestamp:  time.Now(),
	})
	c.LastActivity = time.Now()
}

// History returns a copy of the message list.
func (c *Conversation) History() []types.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := make([]types.Message, len(c.Messages))
	copy(msgs, c.Messages)
	return msgs
}

// MessageCount returns the number of messages including the system preamble.
func (c *Conversation) MessageCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Messages)
}

// UpdateTokens accumulates token usage from one model call.
func (c *Conversation) UpdateTokens(input, output int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InputTokens += input
	c.OutputTokens += output
}

// Idle returns how long the conversation has been inactive.
func (c *Conversation) Idle() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.LastActivity)
}

func newMessageID() string {
	return uuid.New().String()
}
