package ledger

import (
	"fmt"
	"strings"
)

// RenderMarkdown formats entries as the execution log document.
func RenderMarkdown(entries []Entry) string {
	if len(entries) == 0 {
		return "# Execution Log\n\nNo commands have been executed yet."
	}

	failures := 0
	for _, e := range entries {
		if !e.Success {
			failures++
		}
	}

	var sb strings.Builder
	sb.WriteString("# Execution Log\n\n")
	fmt.Fprintf(&sb, "**Total commands:** %d\n", len(entries))
	fmt.Fprintf(&sb, "**Failures:** %d\n\n", failures)

	for i, e := range entries {
		fmt.Fprintf(&sb, "## %s Command %d - %s\n\n", e.Icon(), i+1, e.Timestamp.UTC().Format(TimestampFormat))
		sb.WriteString("```powershell\n")
		sb.WriteString(e.Command)
		sb.WriteString("\n```\n\n")
		fmt.Fprintf(&sb, "**Duration:** %d ms\n\n", e.DurationMs())

		if e.Success {
			output := e.Output
			if output == "" {
				output = "(no output)"
			}
			sb.WriteString("**Output:**\n```\n")
			sb.WriteString(output)
			sb.WriteString("\n```\n")
		} else {
			msg := e.Error
			if msg == "" {
				msg = "unknown error"
			}
			fmt.Fprintf(&sb, "**Error:** %s\n", msg)
			if e.Output != "" {
				sb.WriteString("```\n")
				sb.WriteString(e.Output)
				sb.WriteString("\n```\n")
			}
		}
		sb.WriteString("\n---\n\n")
	}
	return sb.String()
}
