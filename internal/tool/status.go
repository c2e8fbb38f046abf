package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"dlmdiag/internal/domain"
	"dlmdiag/internal/ledger"
	"dlmdiag/internal/metrics"
)

// SessionInspector is the read-only view of the session the status tool needs.
type SessionInspector interface {
	State() domain.SessionState
	ProcessInfo() (domain.ProcessInfo, error)
}

// SessionStatusTool reports session health, shell process usage and counters.
type SessionStatusTool struct {
	session SessionInspector
	ledger  *ledger.Ledger
	started time.Time
}

func NewSessionStatusTool(session SessionInspector, l *ledger.Ledger) *SessionStatusTool {
	return &SessionStatusTool{session: session, ledger: l, started: time.Now()}
}

func (t *SessionStatusTool) Name() string { return "get_session_status" }
func (t *SessionStatusTool) Description() string {
	return "Report the PowerShell session state (uninitialized, starting, ready, degraded, stopped), " +
		"shell process resource usage, command counts, and server metrics."
}
func (t *SessionStatusTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{}, nil)
}

func (t *SessionStatusTool) Execute(ctx context.Context, args map[string]any) (domain.ToolResult, error) {
	state := t.session.State()

	var sb strings.Builder
	sb.WriteString("=== Session ===\n")
	fmt.Fprintf(&sb, "State: %s\n", state)
	fmt.Fprintf(&sb, "Server started: %s\n", humanize.Time(t.started))

	if info, err := t.session.ProcessInfo(); err == nil {
		sb.WriteString("\n=== Shell Process ===\n")
		fmt.Fprintf(&sb, "PID: %d\n", info.PID)
		fmt.Fprintf(&sb, "Memory (RSS): %s\n", humanize.IBytes(info.RSSBytes))
		fmt.Fprintf(&sb, "CPU: %.1f%%\n", info.CPUPercent)
		fmt.Fprintf(&sb, "Threads: %d\n", info.Threads)
		if !info.StartedAt.IsZero() {
			fmt.Fprintf(&sb, "Started: %s\n", humanize.Time(info.StartedAt))
		}
	} else {
		fmt.Fprintf(&sb, "Shell process: unavailable (%v)\n", err)
	}

	sb.WriteString("\n=== Commands ===\n")
	fmt.Fprintf(&sb, "Logged: %s\n", humanize.Comma(int64(t.ledger.Count())))
	fmt.Fprintf(&sb, "Failures: %s\n", humanize.Comma(int64(t.ledger.Failures())))

	sb.WriteString("\n=== Metrics ===\n")
	if err := metrics.Collector.WriteText(&sb); err != nil {
		return domain.ToolResult{}, fmt.Errorf("render metrics: %w", err)
	}

	return textResult(sb.String()), nil
}

var _ domain.Tool = (*SessionStatusTool)(nil)
