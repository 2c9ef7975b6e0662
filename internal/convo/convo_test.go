package convo

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/halcyonsites/frontdesk/internal/types"
)

func makeHistory(turns int) []types.Message {
	msgs := []types.Message{{ID: "sys", Role: "system", Content: "You are the front desk."}}
	for i := 0; i < turns; i++ {
		msgs = append(msgs, types.Message{Role: "user", Content: fmt.Sprintf("user %d", i)})
		msgs = append(msgs, types.Message{Role: "assistant", Content: fmt.Sprintf("reply %d", i)})
	}
	return msgs
}

func TestTruncatePreservesSystemTurn(t *testing.T) {
	msgs := makeHistory(25) // 51 messages total

	truncated := TruncateHistory(msgs, 18)

	if len(truncated) > 19 {
		t.Errorf("expected at most 19 messages, got %d", len(truncated))
	}
	if truncated[0].Role != "system" {
		t.Errorf("expected system turn at index 0, got %s", truncated[0].Role)
	}
	if truncated[0].ID != "sys" {
		t.Error("system turn was replaced, not preserved")
	}
	// The tail must be the most recent messages
	last := truncated[len(truncated)-1]
	if last.Content != "reply 24" {
		t.Errorf("expected newest message at the tail, got %q", last.Content)
	}
}

func TestTruncateShortHistoryUnchanged(t *testing.T) {
	msgs := makeHistory(3) // 7 messages

	truncated := TruncateHistory(msgs, 18)
	if len(truncated) != len(msgs) {
		t.Errorf("short history must not shrink: %d != %d", len(truncated), len(msgs))
	}
}

func TestTruncateNeverStartsOnToolResult(t *testing.T) {
	msgs := []types.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "old"},
		{Role: "assistant", Content: "", ToolCalls: []types.ToolCallRequest{{ID: "t1", Name: "check_availability"}}},
		{Role: "tool", ToolCallID: "t1", Content: "slots"},
		{Role: "assistant", Content: "here are the slots"},
		{Role: "user", Content: "book it"},
		{Role: "assistant", Content: "done"},
	}

	// A window of 4 would start exactly on the tool result
	truncated := TruncateHistory(msgs, 4)
	if truncated[1].Role == "tool" {
		t.Error("truncated window starts on an orphaned tool result")
	}
}

func TestTruncateToBudget(t *testing.T) {
	msgs := makeHistory(20)

	truncated := TruncateToBudget(msgs, 100)
	if truncated[0].Role != "system" {
		t.Error("budget truncation dropped the system turn")
	}
	if len(truncated) >= len(msgs) {
		t.Error("expected budget truncation to shrink a long history")
	}
}

func TestStoreCreateAndEvict(t *testing.T) {
	s := NewStore(StoreConfig{SystemPrompt: "sys"})

	c := s.Get("sms:+15555550100", types.ChannelSMS)
	if c == nil {
		t.Fatal("expected conversation")
	}
	if c.MessageCount() != 1 || c.History()[0].Role != "system" {
		t.Error("new conversation must be seeded with the system preamble")
	}

	if got := s.Get("sms:+15555550100", types.ChannelSMS); got != c {
		t.Error("Get must return the same conversation for the same id")
	}

	evicted := ""
	s.SetOnEvict(func(id string) { evicted = id })

	if !s.Evict("sms:+15555550100") {
		t.Error("expected eviction to report true")
	}
	if evicted != "sms:+15555550100" {
		t.Errorf("eviction hook not called, got %q", evicted)
	}
	if s.GetIfExists("sms:+15555550100") != nil {
		t.Error("conversation still present after eviction")
	}
}

func TestStoreTTLSweep(t *testing.T) {
	s := NewStore(StoreConfig{TTL: 10 * time.Millisecond, SweepInterval: time.Hour, SystemPrompt: "sys"})

	s.Get("web:stale", types.ChannelWeb)
	fresh := s.Get("web:fresh", types.ChannelWeb)

	time.Sleep(20 * time.Millisecond)
	fresh.AddUserMessage("still here", types.ChannelWeb)

	s.sweep()

	if s.GetIfExists("web:stale") != nil {
		t.Error("stale conversation survived TTL sweep")
	}
	if s.GetIfExists("web:fresh") == nil {
		t.Error("active conversation was evicted")
	}
}

func TestPerConversationLockSerializes(t *testing.T) {
	s := NewStore(StoreConfig{SystemPrompt: "sys"})

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Lock("conv-1")
			defer s.Unlock("conv-1")

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected same-conversation turns to serialize, saw %d concurrent", maxActive)
	}
}
