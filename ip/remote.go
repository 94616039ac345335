// Package ip extracts the client address a request arrived from, for log
// fields and connection bookkeeping. It is deliberately permissive: security
// decisions use the stricter loopback-gated helper in internal/httputil.
package ip

import (
	"net"
	"net/http"
	"strings"
)

// GetRemoteHeader returns the best guess at the real client IP. Order:
//   - X-Forwarded-For, set by most reverse proxies
//   - a custom header named in customHeaderName, when non-empty
//   - req.RemoteAddr
//
// Proxy chains append addresses comma-separated; the first entry is the
// originating client. Host:port forms lose the port.
func GetRemoteHeader(req *http.Request, customHeaderName string) string {
	candidates := []string{
		req.Header.Get("X-Forwarded-For"),
		req.Header.Get(customHeaderName),
		req.RemoteAddr,
	}

	header := req.RemoteAddr
	for _, candidate := range candidates {
		if candidate != "" {
			header = candidate
			break
		}
	}

	first := strings.TrimSpace(strings.Split(header, ",")[0])
	if ip := net.ParseIP(first); ip != nil {
		return first
	}
	if host, _, err := net.SplitHostPort(first); err == nil {
		return host
	}
	return first
}
