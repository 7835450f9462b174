package content

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const MaxMessageLength = 4000

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	ErrEmptyMessage = errors.New("message is empty")
)

// Sanitize removes unsafe HTML from the input string.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// MessageText sanitizes message text and enforces the length limit.
func MessageText(input string) (string, error) {
	text := strings.TrimSpace(Sanitize(input))
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", fmt.Errorf("message longer than %d characters", MaxMessageLength)
	}
	return text, nil
}
