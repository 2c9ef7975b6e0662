package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/halcyonsites/frontdesk/internal/toolserver"
)

// serverTool is a catalog entry executed through the tool server.
type serverTool struct {
	name        Name
	description string
	schema      map[string]any
	client      *toolserver.Client
}

func (t *serverTool) Name() Name          { return t.name }
func (t *serverTool) Description() string { return t.description }
func (t *serverTool) Schema() map[string]any {
	return t.schema
}

func (t *serverTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	conversationID := ConversationFrom(ctx)
	if conversationID == "" {
		return "", fmt.Errorf("tool %s: no conversation in context", t.name)
	}

	result, err := t.client.CallTool(ctx, conversationID, string(t.name), input)
	if err != nil {
		return "", err
	}
	if len(result) == 0 {
		return "{}", nil
	}
	return string(result), nil
}

// RegisterDefaults registers the business tool catalog backed by the given
// tool server client.
func RegisterDefaults(r *Registry, client *toolserver.Client) {
	r.Register(&serverTool{
		name:        CheckAvailability,
		description: "Check open appointment slots for a service on a given date. Returns available start times.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"service": map[string]any{"type": "string", "description": "Service name, e.g. 'haircut'"},
				"date":    map[string]any{"type": "string", "description": "Date in YYYY-MM-DD"},
			},
			"required": []string{"service", "date"},
		},
		client: client,
	})

	r.Register(&serverTool{
		name:        CreateBooking,
		description: "Book an appointment. Only call after the customer has explicitly confirmed the slot. Never call twice for the same request without re-confirming.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"service":  map[string]any{"type": "string"},
				"datetime": map[string]any{"type": "string", "description": "Start time in RFC3339"},
				"name":     map[string]any{"type": "string", "description": "Customer name"},
				"phone":    map[string]any{"type": "string", "description": "Customer phone in E.164"},
			},
			"required": []string{"service", "datetime", "name", "phone"},
		},
		client: client,
	})

	r.Register(&serverTool{
		name:        LookupCustomer,
		description: "Look up an existing customer record by phone number.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"phone": map[string]any{"type": "string", "description": "Phone in E.164"},
			},
			"required": []string{"phone"},
		},
		client: client,
	})

	r.Register(&serverTool{
		name:        BusinessHours,
		description: "Get the business's opening hours and location details.",
		schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		client: client,
	})
}
