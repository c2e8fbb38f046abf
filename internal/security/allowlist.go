package security

import (
	"sort"
	"strings"
)

// AllowedCmdlets are the read-only cmdlets a caller may run against the
// Exchange Online and Security & Compliance sessions.
var AllowedCmdlets = newNameSet(
	// Security & Compliance (second logon)
	"Get-RetentionCompliancePolicy",
	"Get-RetentionComplianceRule",
	"Get-AdaptiveScope",
	"Get-ComplianceTag",

	// Exchange Online
	"Get-Mailbox",
	"Get-Recipient",
	"Get-MailboxStatistics",
	"Get-MailboxFolderStatistics",
	"Get-RetentionPolicy",
	"Get-RetentionPolicyTag",
	"Get-MailboxPlan",
	"Get-OrganizationConfig",
	"Get-MoveRequest",
	"Get-UnifiedGroup",
	"Get-User",
	"Test-ArchiveConnectivity",
	"Export-MailboxDiagnosticLogs",
)

// SafeBuiltins are formatting, filtering and conversion helpers that are always safe in a pipeline.
var SafeBuiltins = newNameSet(
	"Write-Host",
	"Write-Output",
	"Write-Warning",
	"Write-Error",
	"Select-Object",
	"Where-Object",
	"ForEach-Object",
	"Format-Table",
	"Format-List",
	"ConvertTo-Json",
	"ConvertFrom-Json",
	"Group-Object",
	"Sort-Object",
	"Measure-Object",
	"Out-String",
	"Join-String",
	"Compare-Object",
	"Tee-Object",
	"Get-Member",
	"Get-Date",
	"Get-ChildItem",
)

// BootstrapCmdlets open the authenticated sessions. They are only issued by the
// session manager, never by callers, and are skipped during validation.
var BootstrapCmdlets = newNameSet(
	"Connect-ExchangeOnline",
	"Connect-IPPSSession",
)

// BlockedPrefixes are mutating verbs. Order matters: the first match is reported.
var BlockedPrefixes = []string{
	"Set-",
	"New-",
	"Remove-",
	"Enable-",
	"Start-",
	"Disable-",
	"Stop-",
	"Invoke-",
	"Add-",
	"Clear-",
	"Uninstall-",
	"Update-",
	"Register-",
	"Revoke-",
	"Grant-",
}

// ComplianceCmdlets is the subset of AllowedCmdlets imported by the second
// (Security & Compliance) logon.
var ComplianceCmdlets = []string{
	"Get-RetentionCompliancePolicy",
	"Get-RetentionComplianceRule",
	"Get-AdaptiveScope",
	"Get-ComplianceTag",
}

// Class is the policy classification of a single cmdlet name.
type Class int

const (
	ClassUnknown Class = iota
	ClassBlocked
	ClassBootstrap
	ClassAllowed
	ClassSafeBuiltin
)

func (c Class) String() string {
	switch c {
	case ClassBlocked:
		return "blocked"
	case ClassBootstrap:
		return "bootstrap"
	case ClassAllowed:
		return "allowed"
	case ClassSafeBuiltin:
		return "safe-builtin"
	default:
		return "unknown"
	}
}

// Classify assigns a class to one cmdlet name. A blocked prefix wins over any
// allowlist membership. For ClassBlocked the matching prefix is returned too.
func Classify(name string) (Class, string) {
	if BootstrapCmdlets.Has(name) {
		return ClassBootstrap, ""
	}
	for _, prefix := range BlockedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return ClassBlocked, prefix
		}
	}
	if AllowedCmdlets.Has(name) {
		return ClassAllowed, ""
	}
	if SafeBuiltins.Has(name) {
		return ClassSafeBuiltin, ""
	}
	return ClassUnknown, ""
}

type nameSet map[string]struct{}

func newNameSet(names ...string) nameSet {
	s := make(nameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s nameSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the names in lexical order.
func (s nameSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
