// Package tools provides the closed tool catalog and execution framework.
// Every tool is backed by the external tool server; the catalog is a fixed
// enum so unknown tool names fail at the boundary instead of falling through.
package tools

import (
	"context"
	"encoding/json"

	"github.com/halcyonsites/frontdesk/internal/types"
)

// Name identifies a known tool. The set is closed: the model may only be
// offered names from this enum, and dispatch rejects anything else.
type Name string

const (
	CheckAvailability Name = "check_availability"
	CreateBooking     Name = "create_booking"
	LookupCustomer    Name = "lookup_customer"
	BusinessHours     Name = "business_hours"

	// EndCall is a voice-only control function. It is recognized by the
	// realtime bridge and never dispatched to the tool server.
	EndCall Name = "end_call"
)

// Known reports whether s names a tool in the closed catalog.
func Known(s string) (Name, bool) {
	switch Name(s) {
	case CheckAvailability, CreateBooking, LookupCustomer, BusinessHours, EndCall:
		return Name(s), true
	}
	return "", false
}

// Mutating reports whether the tool changes external business state.
// Mutating tools must never be re-invoked for the same user intent without
// an explicit re-confirmation turn.
func (n Name) Mutating() bool {
	return n == CreateBooking
}

// Tool is one entry in the catalog.
type Tool interface {
	// Name returns the unique name of the tool
	Name() Name

	// Description returns a human-readable description for the LLM
	Description() string

	// Schema returns the JSON Schema for the tool's input parameters
	Schema() map[string]any

	// Execute runs the tool with the given input
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// ToDefinition converts a Tool to the LLM API format
func ToDefinition(t Tool) types.ToolDefinition {
	return types.ToolDefinition{
		Name:        string(t.Name()),
		Description: t.Description(),
		InputSchema: t.Schema(),
	}
}

// conversationKey is the context key carrying the conversation id to tools.
type conversationKey struct{}

// WithConversation attaches the conversation id to a context so tool
// executions can be attributed and session-scoped.
func WithConversation(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationKey{}, conversationID)
}

// ConversationFrom returns the conversation id attached to ctx, if any.
func ConversationFrom(ctx context.Context) string {
	id, _ := ctx.Value(conversationKey{}).(string)
	return id
}
