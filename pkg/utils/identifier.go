package utils

import (
	"errors"
	"strings"
)

// ValidateIdentifier checks that a configured identifier (platform id, room
// name) is non-empty and free of the separators used in storage keys and
// paths: "/", "\\", ":" and "..".
func ValidateIdentifier(identifier string) error {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return errors.New("identifier is required and must be a non-empty string")
	}
	if trimmed != identifier {
		return errors.New("identifier must not have surrounding whitespace")
	}
	if strings.ContainsAny(trimmed, "/\\:") || strings.Contains(trimmed, "..") {
		return errors.New("identifier must not contain '/', '\\', ':' or '..'")
	}
	return nil
}
