package conduit

import (
	"context"
	"encoding/json"
	"time"
)

// ToolDefinition describes one callable function advertised to the model.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Parameters is a JSON Schema for the arguments object.
	Parameters json.RawMessage `json:"parameters"`
	// ConcurrencySafe marks the tool safe for parallel dispatch alongside
	// other tools answering the same assistant turn.
	ConcurrencySafe bool `json:"-"`
	// Timeout bounds one invocation. Zero means the registry default.
	Timeout time.Duration `json:"-"`
}

// Tool is a capability the model may invoke during the tool-call loop.
// Execute returns the stringified result fed back as a tool message.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// FuncTool wraps a plain function as a Tool.
type FuncTool struct {
	Def ToolDefinition
	Fn  func(ctx context.Context, args map[string]any) (string, error)
}

func (t FuncTool) Definition() ToolDefinition { return t.Def }

func (t FuncTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.Fn(ctx, args)
}

// ToolRegistry holds registered tools and resolves dispatch by name.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
	// DefaultTimeout bounds invocations of tools that declare none.
	DefaultTimeout time.Duration
}

// NewToolRegistry creates an empty registry with a 30s default timeout.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool), DefaultTimeout: 30 * time.Second}
}

// Add registers a tool. A later registration under the same name wins.
func (r *ToolRegistry) Add(t Tool) {
	name := t.Definition().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get resolves a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every registered definition in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int { return len(r.tools) }

// timeoutFor returns the effective invocation timeout for a tool.
func (r *ToolRegistry) timeoutFor(t Tool) time.Duration {
	if d := t.Definition().Timeout; d > 0 {
		return d
	}
	return r.DefaultTimeout
}
