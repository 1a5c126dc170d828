package security

import "strings"

// DefaultBlockedPathPatterns are probes for software this service never runs.
var DefaultBlockedPathPatterns = []string{
	"/wp-admin",
	"/phpmyadmin",
	"/.env",
	"/.git",
	"/console",
	"/admin/login.php",
}

// PathBlocker rejects requests whose path contains a known exploit-probe
// pattern. It matches case-insensitive substrings against the path only and
// never looks at query strings or bodies.
type PathBlocker struct {
	patterns []string
}

// NewPathBlocker creates a blocker for patterns. A nil slice selects
// DefaultBlockedPathPatterns; an empty slice blocks nothing.
func NewPathBlocker(patterns []string) *PathBlocker {
	if patterns == nil {
		patterns = DefaultBlockedPathPatterns
	}
	b := &PathBlocker{patterns: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			b.patterns = append(b.patterns, p)
		}
	}
	return b
}

// Blocked reports whether path matches a pattern, and which one.
func (b *PathBlocker) Blocked(path string) (string, bool) {
	if b == nil || len(b.patterns) == 0 {
		return "", false
	}
	lower := strings.ToLower(path)
	for _, p := range b.patterns {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
