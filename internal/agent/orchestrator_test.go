package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/halcyonsites/frontdesk/internal/convo"
	"github.com/halcyonsites/frontdesk/internal/llm"
	"github.com/halcyonsites/frontdesk/internal/tools"
	"github.com/halcyonsites/frontdesk/internal/types"
)

// scriptedLLM replays a fixed sequence of responses. If the script runs out
// it repeats the last entry, which lets tests model a stuck tool loop.
type scriptedLLM struct {
	responses []*llm.Response
	errs      []error
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, messages []types.Message, defs []types.ToolDefinition) (*llm.Response, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.responses[i], nil
}

func (s *scriptedLLM) Model() string { return "test-model" }

type stubTool struct {
	name     tools.Name
	output   string
	err      error
	executed int
}

func (t *stubTool) Name() tools.Name        { return t.name }
func (t *stubTool) Description() string     { return "stub" }
func (t *stubTool) Schema() map[string]any  { return map[string]any{"type": "object"} }
func (t *stubTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	t.executed++
	return t.output, t.err
}

func toolCall(name string) types.ToolCallRequest {
	return types.ToolCallRequest{ID: "call-" + name, Name: name, Arguments: json.RawMessage(`{}`)}
}

func newTestOrchestrator(t *testing.T, llmClient llm.Client, registry *tools.Registry) (*Orchestrator, *convo.Store) {
	t.Helper()
	conversations := convo.NewStore(convo.StoreConfig{TTL: 2 * time.Hour})
	return New(conversations, llmClient, registry, nil, OrchestratorConfig{HistoryTurns: 18}), conversations
}

func TestRunTurnPlainAnswer(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{
		{Text: "We're open 9 to 5.", InputTokens: 20, OutputTokens: 8},
	}}
	o, conversations := newTestOrchestrator(t, model, tools.NewRegistry())

	result, err := o.RunTurn(context.Background(), "conv-1", types.ChannelWeb, "when are you open?")
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if result.ReplyText != "We're open 9 to 5." {
		t.Errorf("unexpected reply: %q", result.ReplyText)
	}
	if result.InputTokens != 20 || result.OutputTokens != 8 {
		t.Errorf("token accounting wrong: %d/%d", result.InputTokens, result.OutputTokens)
	}

	// system preamble + user + assistant
	sess := conversations.GetIfExists("conv-1")
	if n := sess.MessageCount(); n != 3 {
		t.Errorf("expected 3 messages, got %d", n)
	}
}

func TestRunTurnSingleToolRound(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []types.ToolCallRequest{toolCall("check_availability")}},
		{Text: "Yes, 2pm Tuesday is free."},
	}}
	stub := &stubTool{name: tools.CheckAvailability, output: `{"available":true}`}
	registry := tools.NewRegistry()
	registry.Register(stub)
	o, conversations := newTestOrchestrator(t, model, registry)

	result, err := o.RunTurn(context.Background(), "conv-1", types.ChannelWeb, "anything Tuesday 2pm?")
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if result.ReplyText != "Yes, 2pm Tuesday is free." {
		t.Errorf("unexpected reply: %q", result.ReplyText)
	}
	if stub.executed != 1 {
		t.Errorf("tool executed %d times, want 1", stub.executed)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "check_availability" {
		t.Errorf("unexpected ToolsUsed: %v", result.ToolsUsed)
	}

	// Message-count invariant: a turn with N tool calls grows the history
	// by exactly N+3 messages (user, assistant request, N results, final).
	sess := conversations.GetIfExists("conv-1")
	if n := sess.MessageCount(); n != 1+4 {
		t.Errorf("expected 5 messages (preamble + 4), got %d", n)
	}
}

func TestRunTurnRoundCeilingWebChannel(t *testing.T) {
	// The model always asks for another tool round. On a text channel the
	// loop must stop after one round and fall back.
	model := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []types.ToolCallRequest{toolCall("check_availability")}},
	}}
	stub := &stubTool{name: tools.CheckAvailability, output: `{}`}
	registry := tools.NewRegistry()
	registry.Register(stub)
	o, _ := newTestOrchestrator(t, model, registry)

	result, err := o.RunTurn(context.Background(), "conv-1", types.ChannelWeb, "hi")
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if result.ReplyText != FallbackReply {
		t.Errorf("expected fallback reply, got %q", result.ReplyText)
	}
	if stub.executed != maxRoundsText {
		t.Errorf("tool executed %d times, want %d", stub.executed, maxRoundsText)
	}
}

func TestRunTurnRoundCeilingVoiceChannel(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []types.ToolCallRequest{toolCall("check_availability")}},
	}}
	stub := &stubTool{name: tools.CheckAvailability, output: `{}`}
	registry := tools.NewRegistry()
	registry.Register(stub)
	o, _ := newTestOrchestrator(t, model, registry)

	result, err := o.RunTurn(context.Background(), "call-9", types.ChannelVoice, "hi")
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if result.ReplyText != FallbackReply {
		t.Errorf("expected fallback reply, got %q", result.ReplyText)
	}
	if stub.executed != maxRoundsVoice {
		t.Errorf("tool executed %d times, want %d", stub.executed, maxRoundsVoice)
	}
}

func TestRunTurnToolFailureDoesNotAbortTurn(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []types.ToolCallRequest{
			toolCall("check_availability"),
			toolCall("business_hours"),
		}},
		{Text: "We're open til 5, but I couldn't check the calendar."},
	}}
	failing := &stubTool{name: tools.CheckAvailability, err: errors.New("upstream timeout")}
	working := &stubTool{name: tools.BusinessHours, output: `{"open":"09:00"}`}
	registry := tools.NewRegistry()
	registry.Register(failing)
	registry.Register(working)
	o, conversations := newTestOrchestrator(t, model, registry)

	result, err := o.RunTurn(context.Background(), "conv-1", types.ChannelWeb, "free at 2?")
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if working.executed != 1 {
		t.Errorf("sibling tool skipped after failure")
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "business_hours" {
		t.Errorf("unexpected ToolsUsed: %v", result.ToolsUsed)
	}

	// The failing call must surface as a structured, user-safe payload.
	sess := conversations.GetIfExists("conv-1")
	var found bool
	for _, m := range sess.History() {
		if m.Role == "tool" && m.ToolName == "check_availability" {
			found = true
			if !m.IsError {
				t.Errorf("failed call not flagged as error")
			}
			var payload struct {
				Error     string `json:"error"`
				Retryable bool   `json:"retryable"`
			}
			if err := json.Unmarshal([]byte(m.Content), &payload); err != nil {
				t.Fatalf("error payload is not valid JSON: %q", m.Content)
			}
			if payload.Error == "" || !payload.Retryable {
				t.Errorf("unexpected payload: %+v", payload)
			}
			if strings.Contains(payload.Error, "timeout") {
				t.Errorf("internal error detail leaked to model payload: %q", payload.Error)
			}
		}
	}
	if !found {
		t.Fatal("no tool result recorded for failing call")
	}
}

func TestRunTurnModelFailureReturnsFallback(t *testing.T) {
	model := &scriptedLLM{
		responses: []*llm.Response{nil},
		errs:      []error{errors.New("api unreachable")},
	}
	o, _ := newTestOrchestrator(t, model, tools.NewRegistry())

	result, err := o.RunTurn(context.Background(), "conv-1", types.ChannelWeb, "hi")
	if err == nil {
		t.Fatal("expected error from model failure")
	}
	if result == nil || result.ReplyText != FallbackReply {
		t.Errorf("caller left without a usable reply: %+v", result)
	}
}

func TestRunTurnBlocksDuplicateMutatingCall(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []types.ToolCallRequest{
			toolCall("create_booking"),
			{ID: "call-create_booking-2", Name: "create_booking", Arguments: json.RawMessage(`{}`)},
		}},
		{Text: "Booked."},
	}}
	stub := &stubTool{name: tools.CreateBooking, output: `{"id":"b-1"}`}
	registry := tools.NewRegistry()
	registry.Register(stub)
	o, _ := newTestOrchestrator(t, model, registry)

	if _, err := o.RunTurn(context.Background(), "conv-1", types.ChannelWeb, "book it twice"); err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if stub.executed != 1 {
		t.Errorf("mutating tool executed %d times in one turn, want 1", stub.executed)
	}
}

func TestRunTurnUnknownToolRejected(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []types.ToolCallRequest{toolCall("delete_database")}},
		{Text: "Sorry, I can't do that."},
	}}
	o, conversations := newTestOrchestrator(t, model, tools.NewRegistry())

	result, err := o.RunTurn(context.Background(), "conv-1", types.ChannelWeb, "hi")
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if len(result.ToolsUsed) != 0 {
		t.Errorf("unknown tool counted as used: %v", result.ToolsUsed)
	}
	sess := conversations.GetIfExists("conv-1")
	for _, m := range sess.History() {
		if m.Role == "tool" && m.ToolName == "delete_database" && !m.IsError {
			t.Error("unknown tool result not flagged as error")
		}
	}
}
