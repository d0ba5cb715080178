package rbac

import (
	"regexp"
	"strings"
)

const maxNameLength = 63

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashes   = regexp.MustCompile(`-{2,}`)
)

// Namespace derives a DNS-1123 label from a team name.
func Namespace(teamName string) string {
	return sanitize(teamName, "team")
}

// BindingName is the role binding written for a user inside a team namespace.
func BindingName(userID string) string {
	return sanitize(userID, "user") + "-binding"
}

func sanitize(value, fallback string) string {
	name := strings.ToLower(strings.TrimSpace(value))
	name = invalidNameChars.ReplaceAllString(name, "-")
	name = repeatedDashes.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if len(name) > maxNameLength {
		name = strings.TrimRight(name[:maxNameLength], "-")
	}
	if name == "" {
		return fallback
	}
	return name
}
