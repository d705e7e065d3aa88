package handlers

import (
	"regexp"
	"strings"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var reservedUsernames = map[string]struct{}{
	"admin":     {},
	"root":      {},
	"system":    {},
	"api":       {},
	"www":       {},
	"test":      {},
	"guest":     {},
	"null":      {},
	"undefined": {},
}

// validateUsernameFormat trims and checks length and charset. Returns the
// cleaned username and an empty reason on success.
func validateUsernameFormat(raw string) (string, string) {
	username := strings.TrimSpace(raw)
	if len(username) < 3 || len(username) > 50 {
		return "", "username must be between 3 and 50 characters"
	}
	if !usernamePattern.MatchString(username) {
		return "", "username may only contain letters, digits, underscores and hyphens"
	}
	return username, ""
}

// validateNewUsername additionally rejects reserved names. Only registration
// needs this; login validates format alone.
func validateNewUsername(raw string) (string, string) {
	username, reason := validateUsernameFormat(raw)
	if reason != "" {
		return "", reason
	}
	if _, reserved := reservedUsernames[strings.ToLower(username)]; reserved {
		return "", "username is reserved"
	}
	return username, ""
}
