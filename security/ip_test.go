package security

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
)

func TestResolver_ClientIP(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xRealIP       string
		xForwardedFor string
		cfConnecting  string
		want          string
	}{
		{
			name:       "direct untrusted peer",
			remoteAddr: "203.0.113.9:443",
			want:       "203.0.113.9",
		},
		{
			name:          "forwarded-for from untrusted peer is ignored",
			remoteAddr:    "203.0.113.9:443",
			xForwardedFor: "198.51.100.1",
			want:          "203.0.113.9",
		},
		{
			name:       "real-ip from untrusted peer is ignored",
			remoteAddr: "203.0.113.9:443",
			xRealIP:    "198.51.100.1",
			want:       "203.0.113.9",
		},
		{
			name:          "real-ip preferred over forwarded-for",
			remoteAddr:    "10.0.0.1:5000",
			xRealIP:       "198.51.100.1",
			xForwardedFor: "198.51.100.2",
			cfConnecting:  "198.51.100.3",
			want:          "198.51.100.1",
		},
		{
			name:          "first forwarded-for entry",
			remoteAddr:    "10.0.0.1:5000",
			xForwardedFor: "198.51.100.2, 10.0.0.7, 10.0.0.8",
			want:          "198.51.100.2",
		},
		{
			name:         "cloudflare connecting ip",
			remoteAddr:   "173.245.48.10:5000",
			cfConnecting: "198.51.100.3",
			want:         "198.51.100.3",
		},
		{
			name:          "malformed real-ip falls through",
			remoteAddr:    "127.0.0.1:5000",
			xRealIP:       "not-an-ip",
			xForwardedFor: "198.51.100.2",
			want:          "198.51.100.2",
		},
		{
			name:          "malformed forwarded-for falls through",
			remoteAddr:    "127.0.0.1:5000",
			xForwardedFor: "garbage, 198.51.100.2",
			cfConnecting:  "198.51.100.3",
			want:          "198.51.100.3",
		},
		{
			name:          "all headers malformed uses peer",
			remoteAddr:    "192.168.1.5:5000",
			xRealIP:       "x",
			xForwardedFor: "y",
			cfConnecting:  "z",
			want:          "192.168.1.5",
		},
		{
			name:       "trusted peer without headers",
			remoteAddr: "10.1.2.3:5000",
			want:       "10.1.2.3",
		},
		{
			name:       "ipv6 loopback peer",
			remoteAddr: "[::1]:5000",
			xRealIP:    "2001:db8::1",
			want:       "2001:db8::1",
		},
		{
			name:          "vercel edge",
			remoteAddr:    "76.76.21.21:443",
			xForwardedFor: "198.51.100.4",
			want:          "198.51.100.4",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.9",
			want:       "203.0.113.9",
		},
		{
			name:          "unparsable peer is returned unchanged",
			remoteAddr:    "pipe",
			xForwardedFor: "198.51.100.1",
			want:          "pipe",
		},
	}

	r, err := NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/tours", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xRealIP != "" {
				req.Header.Set(HeaderRealIP, tt.xRealIP)
			}
			if tt.xForwardedFor != "" {
				req.Header.Set(HeaderForwardedFor, tt.xForwardedFor)
			}
			if tt.cfConnecting != "" {
				req.Header.Set(HeaderCFConnectingIP, tt.cfConnecting)
			}

			if got := r.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewResolver(t *testing.T) {
	if _, err := NewResolver([]string{"10.0.0.0/8", "bogus"}); err == nil {
		t.Error("NewResolver() with invalid CIDR should fail")
	}

	r, err := NewResolver([]string{})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	if r.IsTrusted(netip.MustParseAddr("127.0.0.1")) {
		t.Error("empty trust list should trust no peer")
	}

	r, err = NewResolver([]string{" 100.64.0.0/10 ", ""})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	if !r.IsTrusted(netip.MustParseAddr("100.64.1.1")) {
		t.Error("custom range should be trusted")
	}
	if !r.IsTrusted(netip.MustParseAddr("::ffff:100.64.1.1")) {
		t.Error("IPv4-mapped address should match IPv4 range")
	}
}

func TestFingerprint(t *testing.T) {
	ua := "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0"

	a := Fingerprint("198.51.100.1", ua, "en-US,en;q=0.9")
	b := Fingerprint("198.51.100.1", ua, "en-US,en;q=0.9")
	if a != b {
		t.Error("same inputs should produce the same fingerprint")
	}
	if len(a) != 64 {
		t.Errorf("len(Fingerprint()) = %d, want 64", len(a))
	}

	if Fingerprint("198.51.100.2", ua, "en-US") == Fingerprint("198.51.100.1", ua, "en-US") {
		t.Error("different IPs should produce different fingerprints")
	}

	// Only the first 100 characters of the user agent are significant.
	long := strings.Repeat("a", 100)
	if Fingerprint("1.1.1.1", long+"X", "") != Fingerprint("1.1.1.1", long+"Y", "") {
		t.Error("user agent beyond 100 characters should be ignored")
	}
	// Only the first 20 characters of the language are significant.
	lang := strings.Repeat("b", 20)
	if Fingerprint("1.1.1.1", "", lang+"1") != Fingerprint("1.1.1.1", "", lang+"2") {
		t.Error("accept-language beyond 20 characters should be ignored")
	}
}

func TestResolver_Resolve(t *testing.T) {
	r, _ := NewResolver(nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	req.Header.Set(HeaderForwardedFor, "198.51.100.1")
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("Accept-Language", "de-DE")

	id := r.Resolve(req)
	if id.IP != "198.51.100.1" {
		t.Errorf("IP = %q, want %q", id.IP, "198.51.100.1")
	}
	if want := Fingerprint("198.51.100.1", "test-agent", "de-DE"); id.Fingerprint != want {
		t.Errorf("Fingerprint = %q, want %q", id.Fingerprint, want)
	}
	if want := "198.51.100.1:" + id.Fingerprint[:16]; id.Key() != want {
		t.Errorf("Key() = %q, want %q", id.Key(), want)
	}

	// Same browser, different connection through another proxy: same identity.
	req2 := httptest.NewRequest(http.MethodGet, "/api/tours", nil)
	req2.RemoteAddr = "192.168.0.9:4000"
	req2.Header.Set(HeaderRealIP, "198.51.100.1")
	req2.Header.Set("User-Agent", "test-agent")
	req2.Header.Set("Accept-Language", "de-DE")
	if r.Resolve(req2).Key() != id.Key() {
		t.Error("same client and browser should resolve to the same identity key")
	}
}
