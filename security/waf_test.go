package security

import "testing"

func TestPathBlocker_Blocked(t *testing.T) {
	defaults := NewPathBlocker(nil)

	tests := []struct {
		path        string
		wantBlocked bool
		wantPattern string
	}{
		{"/wp-admin/install.php", true, "/wp-admin"},
		{"/WP-ADMIN", true, "/wp-admin"},
		{"/static/.env", true, "/.env"},
		{"/.git/config", true, "/.git"},
		{"/PhpMyAdmin/index.php", true, "/phpmyadmin"},
		{"/admin/login.php", true, "/admin/login.php"},
		{"/api/tours", false, ""},
		{"/api/admin/stats", false, ""},
		{"/environment", false, ""},
		{"", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			pattern, blocked := defaults.Blocked(tt.path)
			if blocked != tt.wantBlocked {
				t.Errorf("Blocked(%q) = %v, want %v", tt.path, blocked, tt.wantBlocked)
			}
			if pattern != tt.wantPattern {
				t.Errorf("Blocked(%q) pattern = %q, want %q", tt.path, pattern, tt.wantPattern)
			}
		})
	}
}

func TestNewPathBlocker_CustomPatterns(t *testing.T) {
	b := NewPathBlocker([]string{" /Cgi-Bin ", ""})
	if _, blocked := b.Blocked("/cgi-bin/test.sh"); !blocked {
		t.Error("custom pattern should be trimmed and lowercased")
	}
	if _, blocked := b.Blocked("/wp-admin"); blocked {
		t.Error("custom patterns should replace the defaults")
	}

	empty := NewPathBlocker([]string{})
	if _, blocked := empty.Blocked("/.env"); blocked {
		t.Error("empty pattern list should block nothing")
	}

	var nilBlocker *PathBlocker
	if _, blocked := nilBlocker.Blocked("/.env"); blocked {
		t.Error("nil blocker should block nothing")
	}
}
