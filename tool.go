package core

import (
	"context"
	"encoding/json"
	"strings"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolMode is the session mode a turn is running in, used to gate
// which tools are reachable.
type ToolMode string

const (
	ModeChat  ToolMode = "chat"
	ModePlan  ToolMode = "plan"
	ModeBuild ToolMode = "build"
)

// mutatingTools lists tool names that change workspace or plan state.
// Everything not in this set is read-only and always allowed.
var mutatingTools = map[string]bool{
	"write":      true,
	"edit":       true,
	"edit_many":  true,
	"mv":         true,
	"rm":         true,
	"mkdir":      true,
	"plan_write": true,
	"plan_edit":  true,
}

// AllowedInMode reports whether a tool call may run under mode,
// implementing §4.3's gating rule as a cross-cutting predicate rather
// than per-tool logic: in plan mode every mutating tool is refused
// except plan_* tools and memory_set. Build mode allows everything;
// chat mode never reaches a mutating tool in practice but is gated
// the same way as plan mode for safety.
func AllowedInMode(name string, mode ToolMode) bool {
	if mode == ModeBuild {
		return true
	}
	if !mutatingTools[name] {
		return true
	}
	return strings.HasPrefix(name, "plan_") || name == "memory_set"
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches a tool call by name, with no mode gating. Callers
// that need to enforce §4.3's plan/build distinction should use
// ExecuteInMode instead.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// ExecuteInMode dispatches a tool call by name, refusing mutating
// calls that AllowedInMode disallows for mode before the tool ever
// runs.
func (r *ToolRegistry) ExecuteInMode(ctx context.Context, name string, args json.RawMessage, mode ToolMode) (ToolResult, error) {
	if !AllowedInMode(name, mode) {
		return ToolResult{Error: "tool " + name + " is not permitted in " + string(mode) + " mode"}, nil
	}
	return r.Execute(ctx, name, args)
}
