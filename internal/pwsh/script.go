package pwsh

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrorSentinel prefixes output of a command that raised inside the session.
const ErrorSentinel = "PS_ERROR:"

const (
	endMarkerPrefix   = "__MCP_END_"
	readyMarkerPrefix = "__READY_"
	syncMarkerPrefix  = "__MCP_SYNC_"
)

func newMarker(prefix string) string {
	return prefix + uuid.NewString() + "__"
}

// Quote renders s as a single-quoted PowerShell string literal.
func Quote(s string) string {
	return "'" + Escape(s) + "'"
}

// Escape doubles single quotes so s can sit inside a single-quoted literal.
func Escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// WrapCommand builds the one-line script sent for a command. The command text
// travels base64-encoded and is compiled into a script block inside the
// session, so nothing in it can break the framing line. The block is
// dot-sourced to keep the session scope. A caught exception, parse errors
// included, is printed with ErrorSentinel, and the marker is always printed last.
func WrapCommand(command, marker string) string {
	return fmt.Sprintf(
		"try { . ([ScriptBlock]::Create([Text.Encoding]::UTF8.GetString([Convert]::FromBase64String('%s')))) } catch { Write-Output \"%s $($_.Exception.Message)\" }; Write-Output '%s'\n",
		base64.StdEncoding.EncodeToString([]byte(command)), ErrorSentinel, marker,
	)
}

func echoLine(marker string) string {
	return "Write-Output '" + marker + "'\n"
}

// Truncate shortens s for log lines.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
