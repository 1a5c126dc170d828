// Package util provides common utility functions used across the request gateway.
//
// Key utilities:
//   - SafeTruncate: Truncates ASCII identifiers for logging
//   - TruncateRunes: Bounds header values without splitting characters
//   - ClassifyIP: Classifies an address as public, private, loopback, etc.
package util
