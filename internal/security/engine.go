package security

import (
	"context"
	"log/slog"
	"strings"

	"dlmdiag/internal/domain"
)

// AuditLogger is the interface for writing audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Engine applies the allowlist to commands on their way to the session and
// records every decision. The classification itself is Validate; the engine
// only adds logging and auditing around it.
type Engine struct {
	tokenizer   Tokenizer
	auditLogger AuditLogger
	logger      *slog.Logger
}

// NewEngine builds an engine. auditLogger may be nil.
func NewEngine(auditLogger AuditLogger, logger *slog.Logger) *Engine {
	return &Engine{
		tokenizer:   defaultTokenizer,
		auditLogger: auditLogger,
		logger:      logger,
	}
}

func (e *Engine) Check(ctx context.Context, toolName string, command string) domain.ValidationResult {
	cmd := strings.TrimSpace(command)
	res := ValidateWith(e.tokenizer, cmd)

	if !res.Valid {
		e.logger.Warn("command BLOCKED by allowlist",
			"tool", toolName,
			"cmdlet", res.Cmdlet,
			"violation", res.Violation,
		)
		e.logAction(ctx, "command_blocked", toolName, cmd, "blocked", res.Violation)
		return res
	}

	e.logAction(ctx, "command_allowed", toolName, cmd, "allowed", "")
	return res
}

func (e *Engine) logAction(ctx context.Context, action, toolName, command, result, details string) {
	if e.auditLogger == nil {
		return
	}
	err := e.auditLogger.LogAudit(ctx, domain.AuditEntry{
		Action:   action,
		ToolName: toolName,
		Command:  command,
		Result:   result,
		Details:  details,
	})
	if err != nil {
		e.logger.Warn("audit write failed", "action", action, "err", err)
	}
}

var _ domain.CommandPolicy = (*Engine)(nil)
