// Package scope handles OAuth2 scope strings (RFC 6749 section 3.3).
package scope

import (
	"slices"
	"strings"
)

// Parse splits a space-delimited scope string into a sorted set without duplicates.
func Parse(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	slices.Sort(fields)
	return slices.Compact(fields)
}

// Format joins scopes with single spaces.
func Format(scopes []string) string {
	return strings.Join(scopes, " ")
}

// Subset reports whether every scope in requested is present in granted.
func Subset(requested, granted []string) bool {
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}

// Missing returns the requested scopes absent from granted.
func Missing(requested, granted []string) []string {
	var out []string
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			out = append(out, s)
		}
	}
	return out
}
