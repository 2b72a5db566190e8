package util

import "net"

// IPClassification is the SSRF classification of an IP address. It is used
// when validating issuer URLs and client redirect URIs.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates 127.0.0.0/8 or ::1.
	IPClassificationLoopback
	// IPClassificationPrivate indicates RFC 1918 or IPv6 ULA space.
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates 169.254.0.0/16, fe80::/10 or link-local multicast.
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates 0.0.0.0, :: or a nil address.
	IPClassificationUnspecified
)

// String returns the classification name used in logs.
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

// ClassifyIP returns the classification of ip.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case IsLinkLocal(ip):
		// 169.254.169.254 is the cloud metadata endpoint
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// IsLinkLocal reports whether ip is link-local unicast or multicast.
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsLoopbackHostname reports whether hostname (without port) is "localhost"
// or a loopback IP literal, bracketed IPv6 included.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
