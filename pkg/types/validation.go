package types

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxContentLength bounds message content in bytes. Oversized content is a
// ValidationError, never a silent truncation.
const MaxContentLength = 4096

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks identity and author ID format. 1-50 characters keeps
// ids index-friendly and displayable.
func IsValidUserID(id string) bool {
	if len(id) < 1 || len(id) > 50 {
		return false
	}
	return userIDRegex.MatchString(id)
}

// ValidateContent enforces the send preconditions on message content:
// non-empty after trimming, valid UTF-8, within the size bound.
func ValidateContent(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrValidation)
	}
	if len(content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, MaxContentLength)
	}
	return nil
}

// Validate checks an identity resolved from a credential before it is
// allowed to open a realtime session.
func (i Identity) Validate() error {
	if !IsValidUserID(i.ID) {
		return fmt.Errorf("%w: invalid identity id", ErrValidation)
	}
	if i.DisplayName == "" {
		return fmt.Errorf("%w: empty display name", ErrValidation)
	}
	if _, ok := ParseRole(string(i.Role)); !ok {
		return fmt.Errorf("%w: unknown role %q", ErrValidation, i.Role)
	}
	if i.Role == RoleStudent && i.Class == "" {
		return fmt.Errorf("%w: student identity without class", ErrValidation)
	}
	return nil
}
