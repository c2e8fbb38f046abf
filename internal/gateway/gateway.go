// Package gateway composes the session, the command policy and the ledger
// into the one entry point remote callers use to run commands.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dlmdiag/internal/domain"
	"dlmdiag/internal/ledger"
	"dlmdiag/internal/metrics"
	"dlmdiag/internal/pwsh"
)

// ToolName is recorded in audit entries for commands arriving via the gateway.
const ToolName = "run_powershell"

// Result is the outcome of one command. Failures are data: Success is false
// and Error carries the message. Err keeps the classified error for callers
// that need errors.Is.
type Result struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
	Err      error         `json:"-"`
}

// DurationMs is the wall-clock duration in milliseconds, rounded up.
func (r Result) DurationMs() int64 { return ledger.CeilMs(r.Duration) }

// JSONResult is Result with the output decoded when it is valid JSON.
type JSONResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Raw     string `json:"raw"`
	Error   string `json:"error,omitempty"`
}

type Gateway struct {
	session domain.Session
	policy  domain.CommandPolicy
	ledger  *ledger.Ledger
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a gateway. A zero timeout defers to the session default.
func New(session domain.Session, policy domain.CommandPolicy, l *ledger.Ledger, timeout time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		session: session,
		policy:  policy,
		ledger:  l,
		timeout: timeout,
		logger:  logger,
	}
}

// Execute runs one command through readiness, policy and the session, in
// that order. It never touches the ledger.
func (g *Gateway) Execute(ctx context.Context, command string) Result {
	metrics.CommandsTotal.Inc()

	if g.session.State() != domain.SessionReady {
		metrics.NotReady.Inc()
		return g.fail(domain.ErrNotReady, domain.ErrNotReady.Error(), 0)
	}

	if v := g.policy.Check(ctx, ToolName, command); !v.Valid {
		metrics.PolicyBlocks.Inc()
		return g.fail(fmt.Errorf("%w: %s", domain.ErrPolicyViolation, v.Violation), v.Violation, 0)
	}

	start := time.Now()
	out, err := g.session.ExecRaw(ctx, command, g.timeout)
	elapsed := time.Since(start)
	metrics.CommandLatency.ObserveDuration(elapsed)

	if err != nil {
		if errors.Is(err, domain.ErrChannelTimeout) {
			metrics.ChannelTimeouts.Inc()
		}
		g.logger.Warn("command failed", "err", err, "elapsed", elapsed, "command", pwsh.Truncate(command, 120))
		return g.fail(err, err.Error(), elapsed)
	}

	if msg, failed := strings.CutPrefix(out, pwsh.ErrorSentinel); failed {
		metrics.SessionErrors.Inc()
		msg = strings.TrimSpace(msg)
		return g.fail(fmt.Errorf("%w: %s", domain.ErrSessionError, msg), msg, elapsed)
	}

	g.logger.Debug("command completed", "elapsed", elapsed, "bytes", len(out))
	return Result{Success: true, Output: out, Duration: elapsed}
}

func (g *Gateway) fail(err error, msg string, elapsed time.Duration) Result {
	metrics.CommandFailures.Inc()
	return Result{Success: false, Error: msg, Duration: elapsed, Err: err}
}

// Run executes command and records the attempt in the ledger, whatever its
// outcome. Entries are stamped with the completion time. It returns the result
// and the entry's 1-based ledger index.
func (g *Gateway) Run(ctx context.Context, command string) (Result, int) {
	res := g.Execute(ctx, command)
	idx := g.ledger.Append(ledger.Entry{
		Timestamp: time.Now(),
		Command:   command,
		Success:   res.Success,
		Output:    res.Output,
		Error:     res.Error,
		Duration:  res.Duration,
	})
	return res, idx
}

// ExecuteJSON executes command and decodes its output as JSON when possible.
// Output that is not JSON is still a success; only Raw is set.
func (g *Gateway) ExecuteJSON(ctx context.Context, command string) JSONResult {
	res := g.Execute(ctx, command)
	if !res.Success {
		return JSONResult{Success: false, Raw: res.Output, Error: res.Error}
	}
	var data any
	if err := json.Unmarshal([]byte(res.Output), &data); err != nil {
		return JSONResult{Success: true, Raw: res.Output}
	}
	return JSONResult{Success: true, Data: data, Raw: res.Output}
}

// Ledger exposes the ledger the gateway appends to.
func (g *Gateway) Ledger() *ledger.Ledger { return g.ledger }

// SessionState reports the state of the underlying session.
func (g *Gateway) SessionState() domain.SessionState { return g.session.State() }
