package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the client address used for rate limiting and
// audit records. Proxy headers are consulted only when trustProxy is
// set; trustedProxyCount is how many X-Forwarded-For entries, counted
// from the right, belong to proxies under our control (0 means 1).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedClientIP(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

// forwardedClientIP picks the client entry out of an X-Forwarded-For
// list of the form "client, proxy, ..., trusted-proxy". The trusted
// proxies sit rightmost; the entry just left of them is the client as
// the nearest trusted hop saw it. Returns "" when the entry is not a
// parseable address.
func forwardedClientIP(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	entries := strings.Split(xff, ",")

	trusted := trustedProxyCount
	if trusted == 0 {
		trusted = 1
	}
	idx := len(entries) - trusted - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(entries[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

// remoteHost strips the port from a RemoteAddr, tolerating addresses
// that never had one.
func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
