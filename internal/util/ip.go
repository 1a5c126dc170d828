package util

import "net/netip"

// IPClassification represents the network classification of an IP address.
// Audit records carry it so internal traffic can be told apart from public
// clients without reading the address itself.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates a loopback address (127.0.0.0/8, ::1).
	IPClassificationLoopback
	// IPClassificationPrivate indicates a private/internal address (RFC 1918, ULA).
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates a link-local address (169.254.x.x, fe80::/10).
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates an unspecified or unparsable address.
	IPClassificationUnspecified
)

// String returns a human-readable name for the IP classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of an IP address string.
// Unparsable input is reported as unspecified.
func ClassifyIP(ip string) IPClassification {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return IPClassificationUnspecified
	}
	addr = addr.Unmap()

	switch {
	case addr.IsUnspecified():
		return IPClassificationUnspecified
	case addr.IsLoopback():
		return IPClassificationLoopback
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return IPClassificationLinkLocal
	case addr.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}
