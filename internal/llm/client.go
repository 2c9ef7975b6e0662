// Package llm provides the chat-completion client used by the orchestrator.
package llm

import (
	"context"

	"github.com/halcyonsites/frontdesk/internal/types"
)

// Response is one assistant message from the model: either plain text or a
// set of tool-call requests (or both, for models that narrate before acting).
type Response struct {
	Text      string
	ToolCalls []types.ToolCallRequest

	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the response requests any tool invocations.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Client is the turn-based chat interface the orchestrator consumes.
// Implemented by OpenAIClient; tests substitute fakes.
type Client interface {
	// Complete sends the (truncated) history plus the tool catalog and
	// returns the next assistant message.
	Complete(ctx context.Context, messages []types.Message, toolDefs []types.ToolDefinition) (*Response, error)

	// Model returns the configured model name.
	Model() string
}
