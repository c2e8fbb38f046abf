package tool

import (
	"context"

	"dlmdiag/internal/domain"
	"dlmdiag/internal/ledger"
)

// ExecutionLogTool renders the ledger as Markdown.
type ExecutionLogTool struct {
	ledger *ledger.Ledger
}

func NewExecutionLogTool(l *ledger.Ledger) *ExecutionLogTool {
	return &ExecutionLogTool{ledger: l}
}

func (t *ExecutionLogTool) Name() string { return "get_execution_log" }
func (t *ExecutionLogTool) Description() string {
	return "Retrieve the full execution log of all PowerShell commands run during this session. " +
		"Returns a Markdown-formatted log with timestamps, commands, outputs, errors, and durations. " +
		"Useful for reviewing the diagnostic trail, auditing, or summarizing an investigation."
}
func (t *ExecutionLogTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{}, nil)
}

func (t *ExecutionLogTool) Execute(ctx context.Context, args map[string]any) (domain.ToolResult, error) {
	return textResult(t.ledger.Markdown()), nil
}

var _ domain.Tool = (*ExecutionLogTool)(nil)
