package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"dlmdiag/internal/domain"
	"dlmdiag/internal/gateway"
	"dlmdiag/internal/security"
)

// RunPowerShellTool runs one allowlisted command through the gateway and
// records it in the ledger.
type RunPowerShellTool struct {
	gw *gateway.Gateway
}

func NewRunPowerShellTool(gw *gateway.Gateway) *RunPowerShellTool {
	return &RunPowerShellTool{gw: gw}
}

func (t *RunPowerShellTool) Name() string { return "run_powershell" }

func (t *RunPowerShellTool) Description() string {
	prefixes := make([]string, len(security.BlockedPrefixes))
	for i, p := range security.BlockedPrefixes {
		prefixes[i] = p + "*"
	}
	return "Execute a read-only PowerShell command against Exchange Online and Security & Compliance sessions. " +
		"Only allowlisted cmdlets are permitted: " + strings.Join(security.AllowedCmdlets.Sorted(), ", ") + ". " +
		"Pipeline/formatting cmdlets (Select-Object, Where-Object, ForEach-Object, ConvertTo-Json, etc.) are also allowed. " +
		"All " + strings.Join(prefixes, ", ") + " cmdlets are BLOCKED. " +
		"Every command and its result are logged for the session. " +
		"Returns JSON with { success, output, error, durationMs, logIndex }."
}

func (t *RunPowerShellTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"command": {Type: "string", Description: "The PowerShell command to execute."},
	}, []string{"command"})
}

type runResponse struct {
	Success    bool    `json:"success"`
	Output     string  `json:"output"`
	Error      *string `json:"error"`
	DurationMs int64   `json:"durationMs"`
	LogIndex   int     `json:"logIndex"`
}

func (t *RunPowerShellTool) Execute(ctx context.Context, args map[string]any) (domain.ToolResult, error) {
	command, ok := stringArg(args, "command")
	if !ok {
		return errorResult("command must be a string"), nil
	}
	if strings.TrimSpace(command) == "" {
		return errorResult("command is required"), nil
	}

	res, idx := t.gw.Run(ctx, command)
	resp := runResponse{
		Success:    res.Success,
		Output:     res.Output,
		DurationMs: res.DurationMs(),
		LogIndex:   idx,
	}
	if !res.Success {
		msg := res.Error
		resp.Error = &msg
	}

	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("encode result: %w", err)
	}
	return domain.ToolResult{Text: string(b), IsError: !res.Success}, nil
}

var _ domain.Tool = (*RunPowerShellTool)(nil)
