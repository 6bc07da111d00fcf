package sink

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// Reporting client address, for the sink logs.
//
// A sink behind a proxy sees the proxy in RemoteAddr, so the first
// public address of X-Forwarded-For wins when present.
// ------------------------------------------------------------

// isPublicIP reports false for private, loopback and link-local addresses.
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientIP:
//  1. X-Forwarded-For → first public IP
//  2. RemoteAddr host, whatever it is (local clients are the common case)
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			ip := safeParseIP(part)
			if isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	if ip := safeParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}
