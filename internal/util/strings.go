// Package util provides common utility functions used across the gateway auth module.
// These utilities handle string manipulation and other shared operations
// that don't fit into domain-specific packages.
package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// It is used when logging secrets such as codes, refresh tokens or API keys,
// where only a prefix may be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so issuer and audience URLs
// compare equal with or without them.
//
//	NormalizeURL("https://example.com/") // Returns: "https://example.com"
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SplitScope splits a space-delimited OAuth scope string into its parts,
// dropping empty entries.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}
