// Package agent runs the think -> call tools -> respond loop for one turn.
// It is channel-agnostic: adapters normalize inbound events to
// (conversationId, text) and render the returned reply per channel.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonsites/frontdesk/internal/convo"
	"github.com/halcyonsites/frontdesk/internal/llm"
	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/store"
	"github.com/halcyonsites/frontdesk/internal/tools"
	"github.com/halcyonsites/frontdesk/internal/types"
)

// FallbackReply is the universal apology used when the model cannot produce
// a usable answer. A channel must never be left silent.
const FallbackReply = "I'm sorry, I'm having trouble helping with that right now. Please call us directly and we'll get you sorted out."

// Round ceilings per channel. Text channels get one tool round-trip; voice
// gets a little more headroom because tool results often trigger a second
// lookup mid-call.
const (
	maxRoundsText  = 1
	maxRoundsVoice = 2
)

// HistoryBudgetTokens bounds the prompt size after turn-count truncation.
const HistoryBudgetTokens = 6000

// OrchestratorConfig holds orchestrator settings.
type OrchestratorConfig struct {
	HistoryTurns int // Messages kept after the system preamble
}

// TurnResult is the outcome of one orchestrated turn.
type TurnResult struct {
	ReplyText string
	ToolsUsed []string

	InputTokens  int
	OutputTokens int
}

// Orchestrator coordinates conversations, the model, and the tool catalog.
type Orchestrator struct {
	conversations *convo.Store
	llm           llm.Client
	tools         *tools.Registry
	store         *store.SQLiteStore // optional; nil disables persistence
	config        OrchestratorConfig
}

// New creates an orchestrator.
func New(conversations *convo.Store, llmClient llm.Client, registry *tools.Registry, db *store.SQLiteStore, cfg OrchestratorConfig) *Orchestrator {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 18
	}
	return &Orchestrator{
		conversations: conversations,
		llm:           llmClient,
		tools:         registry,
		store:         db,
		config:        cfg,
	}
}

// RunTurn executes one turn for a conversation. The per-conversation lock
// serializes turns for the same identity; turns for different conversations
// interleave freely. RunTurn always returns a usable reply, even on error.
func (o *Orchestrator) RunTurn(ctx context.Context, conversationID string, channel types.Channel, userInput string) (*TurnResult, error) {
	o.conversations.Lock(conversationID)
	defer o.conversations.Unlock(conversationID)

	start := time.Now()
	sess := o.conversations.Get(conversationID, channel)

	sess.AddUserMessage(userInput, channel)
	o.persistMessage(ctx, conversationID, "user", userInput, string(channel), "", "", false)

	result := &TurnResult{}
	maxRounds := maxRoundsText
	if channel == types.ChannelVoice {
		maxRounds = maxRoundsVoice
	}

	// One extra model call beyond the tool rounds produces the final text.
	// rounds counts tool round-trips, not model calls.
	executedMutating := make(map[tools.Name]bool)

	for round := 0; ; round++ {
		history := convo.TruncateHistory(sess.History(), o.config.HistoryTurns)
		history = convo.TruncateToBudget(history, HistoryBudgetTokens)

		resp, err := o.llm.Complete(ctx, history, o.tools.Definitions())
		if err != nil {
			L_error("agent: model call failed", "conversation", conversationID, "error", err)
			result.ReplyText = FallbackReply
			sess.AddAssistantMessage(FallbackReply, nil)
			o.persistMessage(ctx, conversationID, "assistant", FallbackReply, "", "", "", false)
			return result, fmt.Errorf("model call failed: %w", err)
		}

		sess.UpdateTokens(resp.InputTokens, resp.OutputTokens)
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens
		o.recordUsage(ctx, conversationID, resp)

		if !resp.HasToolCalls() {
			// Terminal state: Answered.
			result.ReplyText = resp.Text
			sess.AddAssistantMessage(resp.Text, nil)
			o.persistMessage(ctx, conversationID, "assistant", resp.Text, "", "", "", false)
			L_elapsed(start, "agent: turn completed",
				"conversation", conversationID,
				"channel", channel,
				"rounds", round,
				"toolsUsed", len(result.ToolsUsed))
			return result, nil
		}

		if round >= maxRounds {
			// Terminal state: MaxRoundsExceeded. The model keeps asking
			// for tools; answer with the fixed fallback instead of looping.
			L_warn("agent: round ceiling hit",
				"conversation", conversationID,
				"channel", channel,
				"maxRounds", maxRounds)
			result.ReplyText = FallbackReply
			sess.AddAssistantMessage(FallbackReply, nil)
			o.persistMessage(ctx, conversationID, "assistant", FallbackReply, "", "", "", false)
			return result, nil
		}

		// Append the assistant turn with its requests attached, then
		// resolve every requested call in the order the model emitted them.
		sess.AddAssistantMessage(resp.Text, resp.ToolCalls)
		o.persistMessage(ctx, conversationID, "assistant", resp.Text, "", "", "", false)

		for _, call := range resp.ToolCalls {
			outcome, isErr := o.executeToolCall(ctx, conversationID, call, executedMutating)
			sess.AddToolResult(call.ID, call.Name, outcome, isErr)
			o.persistMessage(ctx, conversationID, "tool", outcome, "", call.ID, call.Name, isErr)
			if !isErr {
				result.ToolsUsed = append(result.ToolsUsed, call.Name)
			}
		}
	}
}

// toolFailure is the structured, user-safe error payload appended as a tool
// result so the model can narrate a graceful fallback. Never an internal
// stack trace.
type toolFailure struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// executeToolCall dispatches one requested call and returns the result
// payload plus an error flag. Failures are absorbed per-call: one failing
// tool must not abort sibling calls or the turn.
func (o *Orchestrator) executeToolCall(ctx context.Context, conversationID string, call types.ToolCallRequest, executedMutating map[tools.Name]bool) (string, bool) {
	name, known := tools.Known(call.Name)
	if !known {
		L_warn("agent: model requested unknown tool", "tool", call.Name, "conversation", conversationID)
		return failurePayload("That capability isn't available.", false), true
	}

	// A mutating tool may run at most once per turn. A duplicate request
	// in the same turn means the model is re-firing the same intent; it
	// must re-confirm with the user in a fresh turn instead.
	if name.Mutating() {
		if executedMutating[name] {
			L_warn("agent: duplicate mutating tool call blocked", "tool", name, "conversation", conversationID)
			return failurePayload("This action was already performed. Please confirm with the customer before repeating it.", false), true
		}
		executedMutating[name] = true
	}

	toolCtx := tools.WithConversation(ctx, conversationID)
	started := time.Now()
	output, err := o.tools.Execute(toolCtx, call.Name, call.Arguments)
	duration := time.Since(started)

	if o.store != nil {
		o.store.RecordToolCall(ctx, &store.ToolCallRecord{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			ToolName:       call.Name,
			StartedAt:      started,
			Duration:       duration,
			Success:        err == nil,
		})
	}

	if err != nil {
		L_warn("agent: tool call failed",
			"tool", call.Name,
			"conversation", conversationID,
			"durationMs", duration.Milliseconds(),
			"error", err)
		return failurePayload("I couldn't complete that check right now.", true), true
	}

	L_debug("agent: tool call succeeded",
		"tool", call.Name,
		"conversation", conversationID,
		"durationMs", duration.Milliseconds())
	return output, false
}

func failurePayload(msg string, retryable bool) string {
	data, _ := json.Marshal(toolFailure{Error: msg, Retryable: retryable})
	return string(data)
}

// persistMessage writes one audit-log row. Persistence failures are logged
// and swallowed; the in-memory conversation remains authoritative.
func (o *Orchestrator) persistMessage(ctx context.Context, conversationID, role, content, channel, toolCallID, toolName string, isError bool) {
	if o.store == nil {
		return
	}
	err := o.store.AppendMessage(ctx, &store.StoredMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Role:           role,
		Content:        content,
		Channel:        channel,
		ToolCallID:     toolCallID,
		ToolName:       toolName,
		ToolIsError:    isError,
	})
	if err != nil {
		L_warn("agent: failed to persist message", "role", role, "error", err)
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, conversationID string, resp *llm.Response) {
	if o.store == nil {
		return
	}
	if err := o.store.AddUsage(ctx, conversationID, o.llm.Model(), resp.InputTokens, resp.OutputTokens); err != nil {
		L_warn("agent: failed to record usage", "conversation", conversationID, "error", err)
	}
}
