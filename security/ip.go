package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the address rate limits and audit records are keyed on.
//
// With trustedProxies == 0 the X-Forwarded-For and X-Real-IP headers are
// ignored, since any client can set them. Otherwise the address is taken
// trustedProxies entries from the right of X-Forwarded-For, the hop our
// outermost trusted proxy saw. X-Real-IP is used when X-Forwarded-For is
// absent or malformed.
func ClientIP(r *http.Request, trustedProxies int) string {
	if trustedProxies > 0 {
		if ip, ok := forwardedFor(r.Header.Values("X-Forwarded-For"), trustedProxies); ok {
			return ip
		}
		if ip, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return ip.Unmap().String()
		}
	}
	return remoteIP(r.RemoteAddr)
}

func forwardedFor(values []string, trustedProxies int) (string, bool) {
	var hops []string
	for _, v := range values {
		for hop := range strings.SplitSeq(v, ",") {
			hops = append(hops, strings.TrimSpace(hop))
		}
	}
	if len(hops) == 0 {
		return "", false
	}

	// The last proxy appends the address it received from, so the client is
	// trustedProxies hops from the right.
	idx := len(hops) - trustedProxies
	if idx < 0 {
		idx = 0
	}
	ip, err := netip.ParseAddr(hops[idx])
	if err != nil {
		return "", false
	}
	return ip.Unmap().String(), true
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
