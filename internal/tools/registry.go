package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/halcyonsites/frontdesk/internal/types"
)

// Registry holds all registered tools
type Registry struct {
	tools map[Name]Tool
	mu    sync.RWMutex
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[Name]Tool),
	}
}

// Register adds a tool to the registry
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name
func (r *Registry) Get(name Name) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has returns true if a tool with the given name is registered
func (r *Registry) Has(name string) bool {
	n, ok := Known(name)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok = r.tools[n]
	return ok
}

// Execute runs a tool by name with the given input. The name must be in the
// closed catalog and registered, otherwise the call is rejected.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	n, ok := Known(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	r.mu.RLock()
	tool, ok := r.tools[n]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool not registered: %s", name)
	}

	return tool.Execute(ctx, input)
}

// List returns all registered tool names
func (r *Registry) List() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]Name, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Definitions returns all tools in LLM API format
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, ToDefinition(tool))
	}
	return defs
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
