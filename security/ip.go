package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/tourmarket/requestgate/internal/util"
)

// Headers consulted when the direct peer is a trusted proxy, in order of preference.
const (
	HeaderRealIP         = "X-Real-IP"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderCFConnectingIP = "CF-Connecting-IP"
)

const (
	fingerprintUserAgentLen = 100
	fingerprintLanguageLen  = 20
	identityKeyFingerprint  = 16
)

// DefaultTrustedProxies lists the loopback and private ranges plus the
// Cloudflare and Vercel edge ranges that sit in front of the API.
var DefaultTrustedProxies = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",

	// Cloudflare
	"173.245.48.0/20",
	"103.21.244.0/22",
	"103.22.200.0/22",
	"103.31.4.0/22",
	"141.101.64.0/18",
	"108.162.192.0/18",
	"190.93.240.0/20",
	"188.114.96.0/20",
	"197.234.240.0/22",
	"198.41.128.0/17",

	// Vercel
	"76.76.21.0/24",
}

// ClientIdentity is the per-request view of who is calling.
type ClientIdentity struct {
	// IP is the best-effort origin address.
	IP string
	// Fingerprint is the hex SHA-256 of IP, User-Agent and Accept-Language.
	Fingerprint string
}

// Key returns the rate-limit identity "ip:fingerprint[:16]".
func (c ClientIdentity) Key() string {
	return c.IP + ":" + util.SafeTruncate(c.Fingerprint, identityKeyFingerprint)
}

// Fingerprint hashes ip, the first 100 characters of userAgent and the first
// 20 characters of acceptLanguage into a hex SHA-256 digest.
func Fingerprint(ip, userAgent, acceptLanguage string) string {
	raw := ip + ":" +
		util.TruncateRunes(userAgent, fingerprintUserAgentLen) + ":" +
		util.TruncateRunes(acceptLanguage, fingerprintLanguageLen)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Resolver derives the client IP from the transport peer and, for trusted
// proxies only, from the forwarding headers.
//
// SECURITY: Forwarding headers are attacker-controlled unless the peer that
// sent them is one of our proxies. A request arriving directly from an
// untrusted address is identified by that address alone.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver parses the trusted proxy CIDRs. A nil slice selects
// DefaultTrustedProxies; an empty non-nil slice trusts no peer.
func NewResolver(trustedCIDRs []string) (*Resolver, error) {
	if trustedCIDRs == nil {
		trustedCIDRs = DefaultTrustedProxies
	}

	prefixes := make([]netip.Prefix, 0, len(trustedCIDRs))
	for _, cidr := range trustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy range %q: %w", cidr, err)
		}
		prefixes = append(prefixes, p.Masked())
	}

	return &Resolver{trusted: prefixes}, nil
}

// IsTrusted reports whether addr falls inside a trusted proxy range.
func (r *Resolver) IsTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address to treat as the request origin.
func (r *Resolver) ClientIP(req *http.Request) string {
	peer := peerAddress(req.RemoteAddr)

	addr, err := netip.ParseAddr(peer)
	if err != nil || !r.IsTrusted(addr) {
		return peer
	}

	if ip, ok := parseHeaderIP(req.Header.Get(HeaderRealIP)); ok {
		return ip
	}
	if ip, ok := firstForwardedFor(req.Header.Get(HeaderForwardedFor)); ok {
		return ip
	}
	if ip, ok := parseHeaderIP(req.Header.Get(HeaderCFConnectingIP)); ok {
		return ip
	}
	return peer
}

// Resolve returns the client IP together with its fingerprint.
func (r *Resolver) Resolve(req *http.Request) ClientIdentity {
	ip := r.ClientIP(req)
	return ClientIdentity{
		IP:          ip,
		Fingerprint: Fingerprint(ip, req.UserAgent(), req.Header.Get("Accept-Language")),
	}
}

// peerAddress strips the port from RemoteAddr. Values without a port are
// returned as they are.
func peerAddress(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// parseHeaderIP validates a single-address header value.
func parseHeaderIP(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

// firstForwardedFor validates the leftmost entry of "client, proxy1, proxy2".
func firstForwardedFor(xff string) (string, bool) {
	if xff == "" {
		return "", false
	}
	first, _, _ := strings.Cut(xff, ",")
	return parseHeaderIP(first)
}
