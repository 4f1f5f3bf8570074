package response

import (
	"regexp"
	"strings"
)

// Target extraction is a best-effort text search over the serialized event.
// The results only route an action to the right object; they are not parsed
// facts about the event.

const (
	UnknownAddress = "unknown_ip"
	UnknownUser    = "unknown_user"
)

var (
	dottedQuad   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	addressHints = []string{"src_ip", "source_ip"}
)

// hasAddressField reports whether the event text mentions a source address field.
func hasAddressField(text string) bool {
	for _, hint := range addressHints {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}

// hasUserField reports whether the event text references a user or account.
func hasUserField(text string) bool {
	return strings.Contains(text, "user")
}

// ExtractAddress returns the first dotted-quad in text when a source address
// field is present.
func ExtractAddress(text string) string {
	if hasAddressField(text) {
		if m := dottedQuad.FindString(text); m != "" {
			return m
		}
	}
	return UnknownAddress
}

// ExtractUser returns "admin" when a privileged account is mentioned and a
// generic placeholder otherwise.
func ExtractUser(text string) string {
	if strings.Contains(strings.ToLower(text), "admin") {
		return "admin"
	}
	return UnknownUser
}
