package identity

import (
	"strings"
	"unicode"
)

const (
	minUsernameRunes = 2
	maxUsernameRunes = 32
)

// NormalizeUsername canonicalizes a username for uniqueness checks. Display keeps the original.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUsername rejects blank, overlong and whitespace-bearing names.
func ValidateUsername(s string) error {
	s = strings.TrimSpace(s)
	n := len([]rune(s))
	switch {
	case n < minUsernameRunes:
		return ErrInvalidInput
	case n > maxUsernameRunes:
		return ErrInvalidInput
	case strings.IndexFunc(s, unicode.IsSpace) >= 0:
		return ErrInvalidInput
	}
	return nil
}

// DefaultProfilePicture is assigned at signup when the user supplies none.
func DefaultProfilePicture(username string) string {
	return "https://i.pravatar.cc/100?u=" + strings.TrimSpace(username)
}

func trimSpace(s string) string { return strings.TrimSpace(s) }

func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}
