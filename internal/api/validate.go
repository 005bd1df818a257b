package api

import (
	"regexp"
	"unicode/utf8"
)

// maxIDLen is the maximum length for channel ids and uuids.
const maxIDLen = 128

// maxDialplanLen is the maximum length for dialplan contexts and extensions.
const maxDialplanLen = 80

// maxVariableLen is the maximum length for channel variable values.
const maxVariableLen = 1000

// maxVariables is the maximum number of variables set on the recipient.
const maxVariables = 50

// maxTimeout is the longest a recipient may ring, in seconds.
const maxTimeout = 3600

// variableNameRe validates channel variable names, including function
// forms like CALLERID(name).
var variableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\([A-Za-z0-9_,-]*\))?$`)

// validateStringLen checks that a string does not exceed maxLen bytes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen bytes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateIntRange checks that an int is within [min, max].
func validateIntRange(field string, value, min, max int) string {
	if value < min || value > max {
		return field + " must be between " + intToStr(min) + " and " + intToStr(max)
	}
	return ""
}

// intToStr converts an int to a string without importing strconv in a tight loop.
func intToStr(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + intToStr(-n)
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

// validateVariables checks names and values of recipient channel variables.
func validateVariables(field string, vars map[string]string) string {
	if len(vars) > maxVariables {
		return field + " has too many entries"
	}
	for name, value := range vars {
		if !variableNameRe.MatchString(name) {
			return field + " has an invalid name " + name
		}
		if msg := validateStringLen(field+"."+name, value, maxVariableLen); msg != "" {
			return msg
		}
		if msg := validateNoControlChars(field+"."+name, value); msg != "" {
			return msg
		}
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
