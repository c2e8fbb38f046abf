package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"dlmdiag/internal/domain"
	"dlmdiag/internal/security"
)

// ValidateCommandTool dry-runs the allowlist. It never reaches the session
// and never appends to the ledger.
type ValidateCommandTool struct {
	tokenizer security.Tokenizer
}

func NewValidateCommandTool() *ValidateCommandTool {
	return &ValidateCommandTool{tokenizer: security.CmdletTokenizer{}}
}

func (t *ValidateCommandTool) Name() string { return "validate_command" }
func (t *ValidateCommandTool) Description() string {
	return "Check whether a PowerShell command would pass the read-only allowlist, without running it. " +
		"Returns JSON with { valid, violation, cmdlets } where cmdlets lists every detected cmdlet and its class."
}
func (t *ValidateCommandTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"command": {Type: "string", Description: "The PowerShell command to check."},
	}, []string{"command"})
}

type cmdletClass struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

type validateResponse struct {
	Valid     bool          `json:"valid"`
	Violation string        `json:"violation,omitempty"`
	Cmdlets   []cmdletClass `json:"cmdlets"`
}

func (t *ValidateCommandTool) Execute(ctx context.Context, args map[string]any) (domain.ToolResult, error) {
	command, ok := stringArg(args, "command")
	if !ok {
		return errorResult("command must be a string"), nil
	}
	if command = strings.TrimSpace(command); command == "" {
		return errorResult("command is required"), nil
	}

	res := security.ValidateWith(t.tokenizer, command)
	resp := validateResponse{Valid: res.Valid, Violation: res.Violation, Cmdlets: []cmdletClass{}}
	for _, name := range t.tokenizer.Tokens(command) {
		class, _ := security.Classify(name)
		resp.Cmdlets = append(resp.Cmdlets, cmdletClass{Name: name, Class: class.String()})
	}

	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("encode result: %w", err)
	}
	return textResult(string(b)), nil
}

var _ domain.Tool = (*ValidateCommandTool)(nil)
