// Package validators checks user-supplied input before it reaches a
// PTY or the wire. Failures carry stable machine-readable codes so
// clients can present them without parsing prose.
package validators

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxCommandLength is the longest accepted command line in bytes.
const MaxCommandLength = 10000

// Violation describes a single failed check on a named field.
type Violation struct {
	Field       string `json:"field"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// ValidationError aggregates every violation found in one request.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Description)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Reason returns the first violation's stable code, or "" when none.
func (e *ValidationError) Reason() string {
	if len(e.Violations) == 0 {
		return ""
	}
	return e.Violations[0].Code
}

func addViolation(violations *[]Violation, field, code, desc string) {
	*violations = append(*violations, Violation{Field: field, Code: code, Description: desc})
}

func returnIfViolations(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

// dangerousPatterns match commands that are near-certainly destructive
// mistakes rather than intent. Matching is on the trimmed command line.
var dangerousPatterns = []struct {
	re   *regexp.Regexp
	code string
	desc string
}{
	{regexp.MustCompile(`^rm\s+(-rf?|--force|--recursive)\s+/`), "rm-root-recursive", "recursive deletion from root"},
	{regexp.MustCompile(`^rm\s+.*\s+/\s*$`), "rm-root", "deletion of root directory"},
	{regexp.MustCompile(`>.*(/dev/|/sys/|/proc/)`), "device-write", "writing to system devices"},
	{regexp.MustCompile(`^mkfs`), "mkfs", "filesystem formatting"},
	{regexp.MustCompile(`^dd\s+.*of=/dev/`), "disk-write", "direct disk write"},
	{regexp.MustCompile(`:\(\)\s*\{`), "fork-bomb", "fork bomb pattern"},
	{regexp.MustCompile(`curl.*\|.*sh`), "curl-pipe-shell", "piping curl to a shell"},
	{regexp.MustCompile(`wget.*\|.*sh`), "wget-pipe-shell", "piping wget to a shell"},
	{regexp.MustCompile(`chmod\s+(777|666)\s+/`), "root-permissions", "dangerous permissions on root"},
}

// ValidateCommand checks a command line before it is forwarded to the
// shell. On failure the returned error is a *ValidationError whose
// first code is the rejection reason. Nothing is written to the PTY
// for a rejected command.
func ValidateCommand(command string) error {
	var violations []Violation

	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		addViolation(&violations, "command", "empty", "command is empty")
		return returnIfViolations(violations)
	}

	if strings.ContainsRune(trimmed, 0) {
		addViolation(&violations, "command", "null-bytes", "command contains null bytes")
		return returnIfViolations(violations)
	}

	if len(trimmed) > MaxCommandLength {
		addViolation(&violations, "command", "too-long",
			fmt.Sprintf("command exceeds maximum length (%d bytes)", MaxCommandLength))
		return returnIfViolations(violations)
	}

	for _, p := range dangerousPatterns {
		if p.re.MatchString(trimmed) {
			addViolation(&violations, "command", p.code, p.desc)
			return returnIfViolations(violations)
		}
	}

	if trimmed == "sudo" || (strings.HasPrefix(trimmed, "sudo ") && strings.TrimSpace(strings.TrimPrefix(trimmed, "sudo ")) == "") {
		addViolation(&violations, "command", "incomplete-sudo", "incomplete sudo command")
	}

	return returnIfViolations(violations)
}
