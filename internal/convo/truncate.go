package convo

import (
	"github.com/halcyonsites/frontdesk/internal/tokens"
	"github.com/halcyonsites/frontdesk/internal/types"
)

// TruncateHistory bounds the history sent to the model: the system preamble
// at index 0 is always kept, followed by the most recent maxTurns messages.
// Truncation never starts the window on a tool message, since a tool result
// without its requesting assistant turn is rejected by the API.
func TruncateHistory(messages []types.Message, maxTurns int) []types.Message {
	if maxTurns < 1 {
		maxTurns = 1
	}
	if len(messages) <= maxTurns+1 {
		return messages
	}

	start := len(messages) - maxTurns
	// Slide forward past any leading tool results so tool_use/tool pairs
	// stay intact.
	for start < len(messages) && messages[start].Role == "tool" {
		start++
	}

	result := make([]types.Message, 0, 1+len(messages)-start)
	result = append(result, messages[0])
	result = append(result, messages[start:]...)
	return result
}

// TruncateToBudget further narrows a turn-truncated history until its
// estimated token count fits the budget. The system preamble is never
// dropped, so the result can still exceed the budget if the preamble
// alone does.
func TruncateToBudget(messages []types.Message, budgetTokens int) []types.Message {
	if budgetTokens <= 0 || len(messages) <= 2 {
		return messages
	}

	for len(messages) > 2 && estimateTokens(messages) > budgetTokens {
		// Drop the oldest non-system message; keep tool pairs intact.
		cut := 2
		for cut < len(messages) && messages[cut].Role == "tool" {
			cut++
		}
		messages = append(messages[:1:1], messages[cut:]...)
	}
	return messages
}

func estimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += tokens.Estimate(m.Content) + 4 // per-message structural overhead
	}
	return total
}
