package util

// SafeTruncate safely truncates a string to maxLen bytes without panicking.
// Use it for ASCII identifiers such as hex digests and token prefixes in logs.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("9f86d081884c7d65", 8) // Returns: "9f86d081"
//	SafeTruncate("short", 10)          // Returns: "short"
//	SafeTruncate("test", -1)           // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateRunes returns at most maxRunes characters of s, never splitting a
// multi-byte character. Header values such as User-Agent are bounded this way
// before they are hashed into a client fingerprint.
//
// Example:
//
//	TruncateRunes("de-DE,de;q=0.9", 5) // Returns: "de-DE"
//	TruncateRunes("日本語", 2)           // Returns: "日本"
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if len(s) <= maxRunes {
		return s
	}
	count := 0
	for i := range s {
		if count == maxRunes {
			return s[:i]
		}
		count++
	}
	return s
}
