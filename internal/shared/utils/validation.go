package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Size limits (in bytes)
const (
	MaxJSONSize = 16 * 1024 * 1024 // request bodies, including restored snapshots
	MaxCodeSize = 1 * 1024 * 1024  // a single piece of guest code
)

// String length limits
const (
	MaxNameLength = 128
)

// SafeNamePattern allows alphanumeric, hyphens, underscores and dots, but
// never a leading dot.
var SafeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-][a-zA-Z0-9._-]*$`)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if value == "" {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ValidateName validates a stored session name. Names become file names,
// so path separators and leading dots are rejected.
func ValidateName(name string) error {
	if err := ValidateString(name, "name", 1, MaxNameLength, true); err != nil {
		return err
	}
	if !SafeNamePattern.MatchString(name) {
		return fmt.Errorf("name contains invalid characters (only alphanumeric, dots, hyphens, and underscores allowed)")
	}
	return nil
}

// ValidateCode checks guest code before it reaches the engine.
func ValidateCode(code string) error {
	if len(code) > MaxCodeSize {
		return fmt.Errorf("code size %d bytes exceeds maximum %d bytes", len(code), MaxCodeSize)
	}
	if !utf8.ValidString(code) {
		return fmt.Errorf("code is not valid UTF-8")
	}
	return nil
}
