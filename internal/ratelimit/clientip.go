package ratelimit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Proxy headers consulted in priority order before falling back to the
// direct connection address.
var proxyHeaders = []string{
	"CF-Connecting-IP",
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
}

// ClientIP resolves the best-effort real client address. Header-supplied
// addresses are only trusted when they parse as routable public addresses;
// anything a client could spoof into a private or reserved range falls
// through to the connection's remote address.
func ClientIP(r *http.Request) string {
	for _, header := range proxyHeaders {
		value := strings.TrimSpace(r.Header.Get(header))
		if value == "" {
			continue
		}

		first := strings.TrimSpace(strings.Split(value, ",")[0])
		addr, err := netip.ParseAddr(first)
		if err == nil && routable(addr) {
			return addr.String()
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.String()
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.RemoteAddr)); err == nil {
		return addr.String()
	}

	return "unknown"
}

func routable(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}
