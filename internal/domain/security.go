package domain

import "context"

// ValidationResult is the outcome of one allowlist check. Valid is false for
// the zero value, so an unset result never admits a command.
type ValidationResult struct {
	Valid     bool   `json:"valid"`
	Violation string `json:"violation,omitempty"`
	Cmdlet    string `json:"cmdlet,omitempty"` // offending name, when rejected
}

// CommandPolicy decides whether a command may reach the session.
type CommandPolicy interface {
	Check(ctx context.Context, toolName string, command string) ValidationResult
}

type AuditEntry struct {
	Action   string // command_allowed | command_blocked
	ToolName string
	Command  string
	Result   string // allowed | blocked
	Details  string
}
