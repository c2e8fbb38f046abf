package domain

import "context"

// Tool is the interface for a capability exposed to remote callers (run_powershell, get_execution_log, ...).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// ToolResult is the text a tool hands back to the caller.
// IsError marks a result the caller should treat as a failed call even though
// the tool itself ran.
type ToolResult struct {
	Text    string
	IsError bool
}

// ToolDefinition describes a tool for registration with a transport.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
