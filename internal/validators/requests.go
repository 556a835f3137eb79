package validators

// ValidateGetSuggestions checks a suggestion request's fields. Input
// may be empty for initial suggestions, but the cursor position must
// stay within it.
func ValidateGetSuggestions(sessionID, input string, cursorPos int) error {
	var violations []Violation

	if sessionID == "" {
		addViolation(&violations, "session_id", "required", "session_id is required")
	}

	if input != "" {
		if cursorPos < 0 || cursorPos > len(input) {
			addViolation(&violations, "cursor_pos", "out-of-range", "cursor_pos exceeds input length")
		}
	} else if cursorPos != 0 {
		addViolation(&violations, "cursor_pos", "out-of-range", "cursor_pos must be 0 for empty input")
	}

	return returnIfViolations(violations)
}

// ValidateSessionID checks a bare session reference.
func ValidateSessionID(sessionID string) error {
	var violations []Violation
	if sessionID == "" {
		addViolation(&violations, "session_id", "required", "session_id is required")
	}
	return returnIfViolations(violations)
}
