// Package util provides common utility functions used across the gateway auth module.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - NormalizeURL: Trailing-slash insensitive URL comparison
//   - SplitScope: OAuth scope string parsing
package util
