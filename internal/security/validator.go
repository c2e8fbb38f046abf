package security

import (
	"fmt"
	"regexp"

	"dlmdiag/internal/domain"
)

// Tokenizer extracts candidate command names from raw command text.
type Tokenizer interface {
	Tokens(command string) []string
}

// cmdletRe matches Verb-Noun names with case-sensitive leading capitals.
var cmdletRe = regexp.MustCompile(`\b([A-Z][a-z]+-[A-Z][A-Za-z]+)\b`)

// CmdletTokenizer finds every Verb-Noun token anywhere in the text, including
// every stage of a pipeline and every statement of a statement list.
type CmdletTokenizer struct{}

func (CmdletTokenizer) Tokens(command string) []string {
	matches := cmdletRe.FindAllStringSubmatch(command, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

var defaultTokenizer Tokenizer = CmdletTokenizer{}

// Validate checks a command against the allowlist. It has no state and no I/O.
func Validate(command string) domain.ValidationResult {
	return ValidateWith(defaultTokenizer, command)
}

// ValidateWith is Validate with a caller-supplied tokenizer. The whole command
// is rejected if any token fails.
func ValidateWith(tok Tokenizer, command string) domain.ValidationResult {
	for _, name := range tok.Tokens(command) {
		class, prefix := Classify(name)
		switch class {
		case ClassBootstrap, ClassAllowed, ClassSafeBuiltin:
			continue
		case ClassBlocked:
			return domain.ValidationResult{
				Cmdlet:    name,
				Violation: fmt.Sprintf("Blocked cmdlet: %s (%s* cmdlets are not allowed)", name, prefix),
			}
		default:
			return domain.ValidationResult{
				Cmdlet:    name,
				Violation: fmt.Sprintf("Unknown cmdlet: %s (not in the allowlist)", name),
			}
		}
	}
	return domain.ValidationResult{Valid: true}
}
