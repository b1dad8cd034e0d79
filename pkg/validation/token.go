package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MinAccessTokenLength is the shortest value accepted as an access token.
// Anything shorter is treated as a corrupted storage entry.
const MinAccessTokenLength = 20

var (
	ErrEmptyToken       = errors.New("access token is empty")
	ErrPlaceholderToken = errors.New("access token is a placeholder value")
	ErrShortToken       = errors.New("access token is too short")
	ErrInvalidOwnerID   = errors.New("invalid owner id")
)

var ownerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]+$`)

// ValidateAccessToken checks that a stored value is shaped like a usable token
func ValidateAccessToken(token string) error {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return ErrEmptyToken
	}

	switch strings.ToLower(trimmed) {
	case "null", "undefined":
		return ErrPlaceholderToken
	}

	if len(trimmed) < MinAccessTokenLength {
		return fmt.Errorf("%w: %d characters", ErrShortToken, len(trimmed))
	}

	return nil
}

// ValidateOwnerID validates an owner id before it is used as a storage key suffix
func ValidateOwnerID(ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(ownerID) > 128 {
		return fmt.Errorf("%w: exceeds 128 characters", ErrInvalidOwnerID)
	}
	if !ownerIDPattern.MatchString(ownerID) {
		return fmt.Errorf("%w: %q", ErrInvalidOwnerID, ownerID)
	}
	return nil
}

// NormalizeLabel lower-cases and trims a role or group label
func NormalizeLabel(input string) string {
	return strings.ToLower(strings.TrimSpace(input))
}
